package infra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5"
)

// localAddr is the server InitLocal targets, overridable with PGHOST/PGPORT.
func localAddr() (host, port string) {
	host, port = os.Getenv("PGHOST"), os.Getenv("PGPORT")
	if host == "" {
		host = "127.0.0.1"
	}
	if port == "" {
		port = "5432"
	}
	return host, port
}

func adminDSNs(host, port string) []string {
	addr := net.JoinHostPort(host, port)
	var dsns []string
	if dsn := os.Getenv("PG_ADMIN_DSN"); dsn != "" {
		dsns = append(dsns, dsn)
	}
	for _, user := range []*url.Userinfo{
		url.User("postgres"),
		url.UserPassword("postgres", "postgres"),
		url.User(os.Getenv("USER")),
	} {
		u := url.URL{Scheme: "postgres", User: user, Host: addr, Path: "/postgres", RawQuery: "sslmode=disable"}
		dsns = append(dsns, u.String())
	}
	return dsns
}

// InitLocal recreates d.Name on a locally running PostgreSQL, owned by a
// role of the same name, and returns a DSN for that role.
func (d Database) InitLocal(ctx context.Context) (string, error) {
	if d.Name == "" {
		return "", errors.New("infra: database name required")
	}
	host, port := localAddr()
	if err := exec.CommandContext(ctx, "pg_isready", "-h", host, "-p", port).Run(); err != nil {
		return "", fmt.Errorf("infra: no local postgres on %s:%s: %w", host, port, err)
	}

	var (
		admin *pgx.Conn
		errs  []error
	)
	for _, dsn := range adminDSNs(host, port) {
		conn, err := pgx.Connect(ctx, dsn)
		if err == nil {
			admin = conn
			break
		}
		errs = append(errs, err)
	}
	if admin == nil {
		return "", fmt.Errorf("infra: connect as admin: %w", errors.Join(errs...))
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{d.Name}.Sanitize()
	password := d.password()
	create := fmt.Sprintf(`DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$;`, role, password)
	if _, err := admin.Exec(ctx, create); err != nil {
		return "", fmt.Errorf("infra: create role %s: %w", d.Name, err)
	}

	_, _ = admin.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`, d.Name)
	if _, err := admin.Exec(ctx, "DROP DATABASE IF EXISTS "+role); err != nil {
		return "", fmt.Errorf("infra: drop %s: %w", d.Name, err)
	}
	if _, err := admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s OWNER %s", role, role)); err != nil {
		return "", fmt.Errorf("infra: create %s: %w", d.Name, err)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.Name, password),
		Host:     net.JoinHostPort(host, port),
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": {"disable"}, "application_name": {d.appName()}}.Encode(),
	}
	return u.String(), nil
}
