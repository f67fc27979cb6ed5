// Package auth gates the script editing endpoints
package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Gate decides whether a request may view or change scripts
type Gate interface {
	Authorized(r *http.Request) bool
}

// CookieGate accepts requests carrying the session cookie set by the login
// page (auth=ok by default).
type CookieGate struct {
	Name  string
	Value string
}

// NewCookieGate creates the default auth=ok gate
func NewCookieGate() CookieGate {
	return CookieGate{Name: "auth", Value: "ok"}
}

// Authorized checks the cookie
func (g CookieGate) Authorized(r *http.Request) bool {
	c, err := r.Cookie(g.Name)
	if err != nil {
		return false
	}
	return c.Value == g.Value
}

// Open lets every request through
type Open struct{}

// Authorized always returns true
func (Open) Authorized(*http.Request) bool { return true }

// Require aborts unauthorized requests with 401
func Require(g Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Authorized(c.Request) {
			c.String(http.StatusUnauthorized, "unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}
