package prometheus

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// authMiddleware provides authentication for protected endpoints
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config.Auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		var authenticated bool
		var authError string

		switch s.config.Auth.Type {
		case "api_key":
			authenticated, authError = s.validateAPIKey(r)
		case "basic":
			authenticated, authError = s.validateBasicAuth(r)
		default:
			authError = "unsupported authentication type"
		}

		if !authenticated {
			s.logger.Warn("Authentication failed",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
				zap.String("error", authError))

			w.Header().Set("WWW-Authenticate", s.authHeader())
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// validateAPIKey accepts a bearer token or an X-API-Key header
func (s *Server) validateAPIKey(r *http.Request) (bool, string) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return s.checkAPIKey(parts[1])
		}
	}

	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return s.checkAPIKey(apiKey)
	}

	return false, "API key not provided"
}

func (s *Server) checkAPIKey(providedKey string) (bool, string) {
	if s.config.Auth.APIKey != "" {
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(s.config.Auth.APIKey)) == 1 {
			return true, ""
		}
	}

	for _, apiKey := range s.config.Auth.APIKeys {
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey.Key)) == 1 {
			return true, ""
		}
	}

	return false, "invalid API key"
}

func (s *Server) validateBasicAuth(r *http.Request) (bool, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return false, "Authorization header not provided"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "basic") {
		return false, "invalid Authorization header format"
	}

	payload, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, "invalid base64 encoding in Authorization header"
	}

	credentials := strings.SplitN(string(payload), ":", 2)
	if len(credentials) != 2 {
		return false, "invalid credentials format"
	}

	usernameMatch := subtle.ConstantTimeCompare([]byte(credentials[0]), []byte(s.config.Auth.Basic.Username)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(credentials[1]), []byte(s.config.Auth.Basic.Password)) == 1
	if usernameMatch && passwordMatch {
		return true, ""
	}

	return false, "invalid username or password"
}

func (s *Server) authHeader() string {
	if s.config.Auth.Type == "basic" {
		return `Basic realm="Queue Autoscaler"`
	}
	return `Bearer realm="Queue Autoscaler"`
}

// rateLimitMiddleware rejects requests beyond the limiter's budget
func (s *Server) rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				s.logger.Warn("Rate limit exceeded",
					zap.String("remote_addr", r.RemoteAddr),
					zap.String("path", r.URL.Path))

				w.Header().Set("Retry-After", "1")
				s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs each API request at debug level
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("API request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
