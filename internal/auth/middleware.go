package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *AuthResult of the request.
const ResultKey = "auth_result"

// Middleware provides authentication middleware for HTTP handlers
type Middleware struct {
	service *Service
}

// NewMiddleware returns a middleware; a nil service disables authentication.
func NewMiddleware(s *Service) *Middleware {
	return &Middleware{service: s}
}

func (m *Middleware) Enabled() bool { return m != nil && m.service != nil }

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		authResult, err := m.authenticate(c.Request)
		if err != nil || !authResult.Success {
			c.Header("WWW-Authenticate", `Basic realm="vtxgate"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"ok":      false,
				"message": "authentication required",
			})
			return
		}

		c.Set(ResultKey, authResult)
		c.Next()
	}
}

// authenticate extracts and validates authentication from HTTP request
func (m *Middleware) authenticate(r *http.Request) (*AuthResult, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.service.Authenticate(r.Context(), LoginRequest{
				Method: AuthMethodJWT,
				Token:  strings.TrimSpace(parts[1]),
			})
		}
	}

	if username, password, ok := r.BasicAuth(); ok {
		return m.service.Authenticate(r.Context(), LoginRequest{
			Method:   AuthMethodBasic,
			Username: username,
			Password: password,
		})
	}

	return &AuthResult{Success: false}, ErrInvalidCredentials
}

// TokenHandler exchanges basic credentials for a bearer token.
func (m *Middleware) TokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "message": "auth disabled"})
			return
		}
		username, password, ok := c.Request.BasicAuth()
		if !ok {
			var req LoginRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"ok": false, "message": "credentials required"})
				return
			}
			username, password = req.Username, req.Password
		}
		tok, err := m.service.IssueToken(c.Request.Context(), username, password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "message": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, tok)
	}
}
