// Package infra provisions throwaway ledger databases for integration and
// stress tests.
package infra

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const postgresImage = "postgres:16"

// Database describes the ledger database one test suite runs against. Name
// is used for the database, its owning role and the prefix of isolated
// schemas.
type Database struct {
	Name string
	// EnvDSN names an environment variable whose DSN is reused instead of
	// provisioning a database.
	EnvDSN string
	// AppName is set as application_name on every pooled connection.
	AppName string
}

func (d Database) password() string {
	return d.Name + "_pw"
}

func (d Database) appName() string {
	if d.AppName != "" {
		return d.AppName
	}
	return strings.ReplaceAll(d.Name, "_", "-")
}

// SharedDSN returns override, or the DSN in d.EnvDSN, or "" when the suite
// has to provision its own database.
func (d Database) SharedDSN(override string) string {
	if override != "" {
		return override
	}
	if d.EnvDSN == "" {
		return ""
	}
	return os.Getenv(d.EnvDSN)
}

type Container struct {
	pg *postgres.PostgresContainer
}

// Start runs a Postgres container owning d.Name and returns its DSN.
func (d Database) Start(ctx context.Context) (*Container, string, error) {
	if d.Name == "" {
		return nil, "", fmt.Errorf("infra: database name required")
	}
	pgC, err := postgres.Run(ctx,
		postgresImage,
		postgres.WithDatabase(d.Name),
		postgres.WithUsername(d.Name),
		postgres.WithPassword(d.password()),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", fmt.Errorf("infra: start %s: %w", postgresImage, err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable", "application_name="+d.appName())
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", fmt.Errorf("infra: %s dsn: %w", d.Name, err)
	}
	return &Container{pg: pgC}, dsn, nil
}

// Terminate stops the container. It is a no-op for shared databases.
func (c *Container) Terminate(ctx context.Context) error {
	if c == nil || c.pg == nil {
		return nil
	}
	return c.pg.Terminate(ctx)
}
