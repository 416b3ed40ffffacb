package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// contextKeyPrincipal is the gin context key holding the Principal.
const contextKeyPrincipal = "authPrincipal"

// Middleware extracts and verifies the bearer token, storing the
// principal in the context. Requests without a token pass through
// unauthenticated; the Require* guards reject them.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if raw, ok := strings.CutPrefix(header, "Bearer "); ok {
			if p, err := v.Verify(strings.TrimSpace(raw)); err == nil {
				c.Set(contextKeyPrincipal, p)
			}
		}
		c.Next()
	}
}

// RequireSelf guards routes where the path id must be the caller: the
// role must match and the :param id must equal the token subject. Admins
// may not impersonate.
func RequireSelf(role, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := Get(c)
		if !ok {
			abortUnauthenticated(c)
			return
		}
		if p.Role != role || p.ID != c.Param(param) {
			abortForbidden(c)
			return
		}
		c.Next()
	}
}

// RequireRole guards routes open to one role regardless of path ids.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := Get(c)
		if !ok {
			abortUnauthenticated(c)
			return
		}
		if p.Role != role {
			abortForbidden(c)
			return
		}
		c.Next()
	}
}

// Get returns the authenticated principal, if any.
func Get(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(contextKeyPrincipal)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func abortUnauthenticated(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "Bearer token required.",
	})
}

func abortForbidden(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"error":   "forbidden",
		"message": "You may not act on this resource.",
	})
}
