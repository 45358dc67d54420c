package rolegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-visit-sync/internal/visits"
)

const sessionKeyPrefix = "session:"

// RedisSessions reads the actor profile of a login session from Redis.
type RedisSessions struct {
	client    redis.Cmdable
	sessionID string
}

// NewRedisSessions returns a gate bound to one session id.
func NewRedisSessions(client redis.Cmdable, sessionID string) *RedisSessions {
	return &RedisSessions{client: client, sessionID: strings.TrimSpace(sessionID)}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// Actor implements visitsync.RoleGate.
func (s *RedisSessions) Actor(ctx context.Context) (visits.Actor, error) {
	if s.client == nil {
		return visits.Actor{}, fmt.Errorf("%w: redis not configured", visits.ErrNoActor)
	}
	if s.sessionID == "" {
		return visits.Actor{}, fmt.Errorf("%w: no session id", visits.ErrNoActor)
	}
	data, err := s.client.Get(ctx, sessionKey(s.sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return visits.Actor{}, fmt.Errorf("%w: session %s not found", visits.ErrNoActor, s.sessionID)
	}
	if err != nil {
		return visits.Actor{}, fmt.Errorf("rolegate: get session: %w", err)
	}
	var stored visits.Actor
	if err := json.Unmarshal(data, &stored); err != nil {
		return visits.Actor{}, fmt.Errorf("rolegate: decode session: %w", err)
	}
	return newActor(stored.ID, stored.Name, string(stored.Role))
}

// Save stores an actor profile under a session id. A zero ttl keeps it
// until deleted.
func (s *RedisSessions) Save(ctx context.Context, sessionID string, actor visits.Actor, ttl time.Duration) error {
	if s.client == nil {
		return errors.New("rolegate: redis not configured")
	}
	if _, err := newActor(actor.ID, actor.Name, string(actor.Role)); err != nil {
		return err
	}
	data, err := json.Marshal(actor)
	if err != nil {
		return fmt.Errorf("rolegate: encode session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(sessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("rolegate: save session: %w", err)
	}
	return nil
}
