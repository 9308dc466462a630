package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-edge/modbus-bridge/internal/adapter/config"
	"github.com/nexus-edge/modbus-bridge/pkg/logging"
	"github.com/rs/zerolog"
)

// Middleware wraps handlers with CORS, body limits, authentication and request logging.
type Middleware struct {
	config config.APIConfig
	logger zerolog.Logger
}

// NewMiddleware creates a new middleware with the given configuration.
func NewMiddleware(cfg config.APIConfig, logger zerolog.Logger) *Middleware {
	return &Middleware{
		config: cfg,
		logger: logger.With().Str("component", "api-middleware").Logger(),
	}
}

// CORS adds CORS headers based on configuration.
// Returns true if this was a preflight request that was handled.
func (m *Middleware) CORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	allowedOrigin := ""
	if len(m.config.AllowedOrigins) == 0 {
		allowedOrigin = "*"
	} else {
		for _, o := range m.config.AllowedOrigins {
			if o == "*" || o == origin {
				allowedOrigin = origin
				break
			}
		}
	}
	if allowedOrigin == "" {
		m.logger.Warn().Str("origin", origin).Msg("CORS: origin not allowed")
		return false
	}

	w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID")
	w.Header().Set("Access-Control-Max-Age", "86400")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

// Secure applies CORS, the body limit and API key authentication.
func (m *Middleware) Secure(next http.HandlerFunc) http.HandlerFunc {
	return m.ReadOnly(func(w http.ResponseWriter, r *http.Request) {
		if m.config.AuthEnabled && !m.validKey(r) {
			m.logger.Warn().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Msg("Authentication failed")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	})
}

// ReadOnly applies CORS and the body limit but no auth (for public read endpoints).
func (m *Middleware) ReadOnly(next http.HandlerFunc) http.HandlerFunc {
	return m.logged(func(w http.ResponseWriter, r *http.Request) {
		if m.CORS(w, r) {
			return
		}
		if m.config.MaxRequestBodySize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, m.config.MaxRequestBodySize)
		}
		next(w, r)
	})
}

func (m *Middleware) validKey(r *http.Request) bool {
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = r.URL.Query().Get("api_key")
	}
	return apiKey != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(m.config.APIKey)) == 1
}

// logged tags the request with an id and logs it at debug level.
func (m *Middleware) logged(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		next(w, r)
		logger := logging.WithRequestContext(m.logger, requestID, r.Method, r.URL.Path)
		logger.Debug().
			Dur("duration", time.Since(start)).
			Msg("API request")
	}
}
