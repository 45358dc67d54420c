package rolegate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/clinic-visit-sync/internal/visits"
	"github.com/wolfman30/clinic-visit-sync/pkg/logging"
)

var timeNow = time.Now

// SessionClaims are the claims of a visit service session token.
type SessionClaims struct {
	UserID string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWT derives the actor from the session token that is also sent to the
// visit service.
type JWT struct {
	token  string
	secret []byte
	logger *logging.Logger

	warnOnce sync.Once
}

// NewJWT returns a gate for token. With an empty secret the signature is not
// checked; the visit service still verifies it on every request.
func NewJWT(token, secret string, logger *logging.Logger) *JWT {
	if logger == nil {
		logger = logging.Default()
	}
	return &JWT{
		token:  strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")),
		secret: []byte(secret),
		logger: logger.Component("rolegate"),
	}
}

// Actor implements visitsync.RoleGate.
func (g *JWT) Actor(context.Context) (visits.Actor, error) {
	if g.token == "" {
		return visits.Actor{}, fmt.Errorf("%w: no session token", visits.ErrNoActor)
	}

	claims := &SessionClaims{}
	if len(g.secret) == 0 {
		g.warnOnce.Do(func() {
			g.logger.Warn("session token signature not verified locally; set SESSION_JWT_SECRET to enable")
		})
		if _, _, err := jwt.NewParser().ParseUnverified(g.token, claims); err != nil {
			return visits.Actor{}, fmt.Errorf("%w: parse session token: %v", visits.ErrNoActor, err)
		}
		// ParseUnverified skips claim validation, so expiry is checked here.
		if claims.ExpiresAt != nil && !claims.ExpiresAt.After(timeNow()) {
			return visits.Actor{}, fmt.Errorf("%w: %v", visits.ErrNoActor, jwt.ErrTokenExpired)
		}
	} else {
		token, err := jwt.ParseWithClaims(g.token, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return g.secret, nil
		})
		if err != nil || !token.Valid {
			return visits.Actor{}, fmt.Errorf("%w: invalid session token: %v", visits.ErrNoActor, err)
		}
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	return newActor(id, claims.Name, claims.Role)
}
