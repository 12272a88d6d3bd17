package api

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

const identityKey = "sub"

// Principal is the caller identified by a verified token.
type Principal struct {
	Subject string
	Roles   []string
	Sites   []string
}

// CanAccess reports whether the principal may manage siteID.
func (p *Principal) CanAccess(siteID string) bool {
	if p == nil {
		return false
	}
	for _, role := range p.Roles {
		if strings.EqualFold(strings.TrimSpace(role), "admin") {
			return true
		}
	}
	for _, site := range p.Sites {
		if site == "*" || site == siteID {
			return true
		}
	}
	return false
}

// Guard verifies tokens issued by the host application. It never issues tokens itself.
type Guard struct {
	jwt *jwt.GinJWTMiddleware
}

// NewGuardFromEnv builds a Guard from JWT_SECRET. It returns nil, nil when the secret is
// unset, which leaves the routes open.
func NewGuardFromEnv() (*Guard, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, nil
	}
	return NewGuard([]byte(secret))
}

func NewGuard(secret []byte) (*Guard, error) {
	if len(secret) == 0 {
		return nil, errors.New("api: jwt secret is required")
	}
	middleware, err := jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "sitekb",
		Key:         secret,
		Timeout:     time.Hour,
		IdentityKey: identityKey,
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			subject := claimString(claims[identityKey])
			if subject == "" {
				return nil
			}
			return &Principal{
				Subject: subject,
				Roles:   claimStrings(claims["roles"]),
				Sites:   claimStrings(claims["sites"]),
			}
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			principal, ok := data.(*Principal)
			if !ok {
				return false
			}
			siteID := c.Param("siteID")
			return siteID == "" || principal.CanAccess(siteID)
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
		TokenLookup:   "header: Authorization, query: token",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
	if err != nil {
		return nil, err
	}
	return &Guard{jwt: middleware}, nil
}

// RequireSiteAccess rejects requests without a valid token for the :siteID in the path.
// A nil Guard lets every request through.
func (g *Guard) RequireSiteAccess() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return g.jwt.MiddlewareFunc()
}

// CurrentPrincipal returns the principal set by the guard, if any.
func CurrentPrincipal(c *gin.Context) *Principal {
	value, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	principal, _ := value.(*Principal)
	return principal
}

func claimString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func claimStrings(value interface{}) []string {
	switch raw := value.(type) {
	case []string:
		return append([]string{}, raw...)
	case []interface{}:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if name, ok := item.(string); ok {
				out = append(out, name)
			}
		}
		return out
	case string:
		if raw == "" {
			return []string{}
		}
		return strings.Split(raw, ",")
	default:
		return []string{}
	}
}
