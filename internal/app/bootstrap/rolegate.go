package bootstrap

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/clinic-visit-sync/internal/config"
	"github.com/wolfman30/clinic-visit-sync/internal/rolegate"
	"github.com/wolfman30/clinic-visit-sync/internal/visitsync"
	"github.com/wolfman30/clinic-visit-sync/pkg/logging"
)

// Role gate modes accepted in ROLE_GATE.
const (
	RoleGateJWT    = "jwt"
	RoleGateRedis  = "redis"
	RoleGateStatic = "static"
)

// BuildRoleGate selects the actor source named by cfg.RoleGate. The JWT gate
// reads the same bearer token that authenticates against the visit service.
func BuildRoleGate(cfg *appconfig.Config, redisClient redis.Cmdable, logger *logging.Logger) (visitsync.RoleGate, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	switch cfg.RoleGate {
	case "", RoleGateJWT:
		return rolegate.NewJWT(cfg.VisitAPIToken, cfg.SessionJWTSecret, logger), nil
	case RoleGateRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("bootstrap: role gate %q needs REDIS_ADDR", cfg.RoleGate)
		}
		if cfg.SessionID == "" {
			return nil, fmt.Errorf("bootstrap: role gate %q needs SESSION_ID", cfg.RoleGate)
		}
		return rolegate.NewRedisSessions(redisClient, cfg.SessionID), nil
	case RoleGateStatic:
		gate, err := rolegate.NewStatic(cfg.ActorID, cfg.ActorName, cfg.ActorRole)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: static role gate: %w", err)
		}
		logger.Warn("using static actor; intended for local development", "actor_id", cfg.ActorID, "role", cfg.ActorRole)
		return gate, nil
	}
	return nil, fmt.Errorf("bootstrap: unknown role gate %q", cfg.RoleGate)
}
