// Package rolegate supplies the authenticated actor to the sync engine.
// The engine consumes the role as a plain input and never fetches it itself.
package rolegate

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-visit-sync/internal/visits"
)

// Static returns a fixed actor. Used by the CLI when ROLE_GATE=static.
type Static struct {
	actor visits.Actor
}

// NewStatic validates the actor and returns a gate that always yields it.
func NewStatic(id, name, role string) (*Static, error) {
	actor, err := newActor(id, name, role)
	if err != nil {
		return nil, err
	}
	return &Static{actor: actor}, nil
}

// Actor implements visitsync.RoleGate.
func (s *Static) Actor(context.Context) (visits.Actor, error) {
	return s.actor, nil
}

func newActor(id, name, role string) (visits.Actor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return visits.Actor{}, fmt.Errorf("%w: actor id is empty", visits.ErrNoActor)
	}
	r, err := visits.ParseRole(role)
	if err != nil {
		return visits.Actor{}, fmt.Errorf("%w: %v", visits.ErrNoActor, err)
	}
	return visits.Actor{ID: id, Name: strings.TrimSpace(name), Role: r}, nil
}
