package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGDirectory resolves actors from the users table.
type PGDirectory struct {
	db Querier
}

var _ Directory = (*PGDirectory)(nil)

func NewPGDirectory(db Querier) *PGDirectory {
	return &PGDirectory{db: db}
}

func (d *PGDirectory) Lookup(ctx context.Context, actorID string) (Principal, error) {
	if actorID == SystemActorID {
		return NewPrincipal(SystemActorID, "system", RoleSystem), nil
	}

	const selectSQL = `
		SELECT id, display_name, roles
		FROM users
		WHERE id = $1
	`

	var (
		p     Principal
		roles []string
	)
	err := d.db.QueryRow(ctx, selectSQL, actorID).Scan(&p.ID, &p.Name, &roles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrUnknownActor
		}
		return Principal{}, fmt.Errorf("auth: lookup actor: %w", err)
	}

	for _, r := range roles {
		role := Role(r)
		if ValidRole(role) {
			p.Roles = append(p.Roles, role)
		}
	}
	p.Caps = CapabilitiesFor(p.Roles)
	return p, nil
}
