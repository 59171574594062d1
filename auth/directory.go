package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"slotshare/ledger"
)

var (
	// ErrUnknownActor signals that the directory has no record of the actor.
	ErrUnknownActor = ledger.Kinded(ledger.ErrForbidden, "auth: unknown actor")
	// ErrNotPermitted is returned by Require. Its message never names the
	// missing capability or the actor's roles.
	ErrNotPermitted = ledger.Kinded(ledger.ErrForbidden, "auth: not permitted")
)

// Directory resolves actor ids to principals.
type Directory interface {
	Lookup(ctx context.Context, actorID string) (Principal, error)
}

// Require resolves actorID and checks that it holds capability c.
func Require(ctx context.Context, dir Directory, actorID string, c Capability) (Principal, error) {
	p, err := dir.Lookup(ctx, actorID)
	if err != nil {
		return Principal{}, err
	}
	if !p.Can(c) {
		return p, ErrNotPermitted
	}
	return p, nil
}

// StaticDirectory is an in-memory directory. It always knows SystemActorID.
type StaticDirectory struct {
	mu         sync.RWMutex
	principals map[string]Principal
}

var _ Directory = (*StaticDirectory)(nil)

func NewStaticDirectory(principals ...Principal) *StaticDirectory {
	d := &StaticDirectory{principals: make(map[string]Principal, len(principals)+1)}
	d.Put(NewPrincipal(SystemActorID, "system", RoleSystem))
	for _, p := range principals {
		d.Put(p)
	}
	return d
}

func (d *StaticDirectory) Put(p Principal) {
	p.Caps = CapabilitiesFor(p.Roles)
	d.mu.Lock()
	d.principals[p.ID] = p
	d.mu.Unlock()
}

func (d *StaticDirectory) Lookup(_ context.Context, actorID string) (Principal, error) {
	d.mu.RLock()
	p, ok := d.principals[actorID]
	d.mu.RUnlock()
	if !ok {
		return Principal{}, ErrUnknownActor
	}
	return p, nil
}

type directoryFile struct {
	Actors []struct {
		ID    string   `yaml:"id"`
		Name  string   `yaml:"name"`
		Roles []string `yaml:"roles"`
	} `yaml:"actors"`
}

// LoadStaticDirectory reads a YAML file of the form
//
//	actors:
//	  - id: u-123
//	    name: Dana
//	    roles: [staff]
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read directory file: %w", err)
	}
	return ParseStaticDirectory(raw)
}

func ParseStaticDirectory(raw []byte) (*StaticDirectory, error) {
	var file directoryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("auth: parse directory file: %w", err)
	}
	d := NewStaticDirectory()
	for i, a := range file.Actors {
		id := strings.TrimSpace(a.ID)
		if id == "" || id == SystemActorID {
			return nil, fmt.Errorf("auth: directory entry %d: invalid id %q", i, a.ID)
		}
		roles := make([]Role, 0, len(a.Roles))
		for _, r := range a.Roles {
			role := Role(strings.TrimSpace(r))
			if !ValidRole(role) {
				return nil, fmt.Errorf("auth: directory entry %q: invalid role %q", id, r)
			}
			roles = append(roles, role)
		}
		if len(roles) == 0 {
			roles = append(roles, RoleUser)
		}
		d.Put(Principal{ID: id, Name: a.Name, Roles: roles})
	}
	return d, nil
}
