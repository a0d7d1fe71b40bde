package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tarancss/chainwatch/lib/store"
	"github.com/tarancss/chainwatch/lib/user"
)

type ctxKey int

const principalKey ctxKey = iota

// principal returns the authenticated principal of the request, nil on public paths.
func (s *Service) principal(r *http.Request) *user.Principal {
	p, _ := r.Context().Value(principalKey).(*user.Principal)

	return p
}

// statusWriter captures the status code written by a handler for the access log and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// observe tags every request with an X-Request-ID, logs it and feeds the request metrics.
func (s *Service) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}

		w.Header().Set("X-Request-ID", reqID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		elapsed := time.Since(start)
		s.met.ObserveRequest(endpointOf(r), r.Method, sw.status, elapsed)

		s.log.Info().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", elapsed).
			Str("remote", remoteIP(r)).
			Msg("http request")
	})
}

// publicPath lists the endpoints served without credentials.
func publicPath(path string) bool {
	switch path {
	case "/", "/metrics", "/health/live", "/health/ready",
		"/api/v1/info", "/api/v1/health", "/api/v1/auth/login":
		return true
	}

	return false
}

// authenticate resolves the request credentials to a principal and stores it in the request
// context. An API key is tried first, then a session token; the two share the same headers.
func (s *Service) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)

			return
		}

		// with authentication off every caller acts as the admin
		if !s.cfg.Rest.EnableAuth {
			s.serveAs(next, w, r, &user.Principal{
				User: store.User{Username: "admin", Role: store.RoleAdmin, Status: store.StatusActive},
			})

			return
		}

		key := apiKey(r)

		// keyless read-only access when the API key is optional
		if key == "" && !s.cfg.Rest.APIKeyRequired {
			s.serveAs(next, w, r, &user.Principal{
				User:   store.User{Username: "anonymous", Role: store.RoleViewer, Status: store.StatusActive},
				Quotas: store.Quotas{CanViewTransactions: true},
			})

			return
		}

		p, err := s.users.Authenticate(r.Context(), key)
		if errors.Is(err, user.ErrAuthFailed) {
			p, err = s.users.AuthenticateSession(r.Context(), key)
		}

		if err != nil {
			s.reply(w, r, nil, err)

			return
		}

		s.serveAs(next, w, r, p)
	})
}

func (s *Service) serveAs(next http.Handler, w http.ResponseWriter, r *http.Request, p *user.Principal) {
	next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
}

// apiKey extracts the credential from the X-API-Key header or an Authorization bearer token.
func apiKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	return ""
}

// throttle enforces the per-minute token bucket and the daily API call budget. Admins are
// exempt from both.
func (s *Service) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := s.principal(r)
		if p == nil || p.IsAdmin() {
			next.ServeHTTP(w, r)

			return
		}

		if !s.limits.allow(p.User.ID, p.User.RateLimit) {
			w.Header().Set("Retry-After", "60")
			s.reply(w, r, nil, fmt.Errorf("%w: too many requests per minute", user.ErrRateLimited))

			return
		}

		if err := s.users.CountRequest(r.Context(), p); err != nil {
			s.reply(w, r, nil, err)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// limiterPool holds one token bucket per user. A bucket is rebuilt when the user's rate limit
// changes.
type limiterPool struct {
	mu   sync.Mutex
	lims map[int64]*limiterEntry
	base int
}

type limiterEntry struct {
	lim *rate.Limiter
	rpm int
}

func newLimiterPool(base int) *limiterPool {
	return &limiterPool{lims: make(map[int64]*limiterEntry), base: base}
}

// allow spends one token from the user's bucket. rpm is the per-user override, falling back to
// the configured default; a non-positive resulting limit disables throttling.
func (lp *limiterPool) allow(userID int64, rpm int) bool {
	if rpm <= 0 {
		rpm = lp.base
	}

	if rpm <= 0 {
		return true
	}

	lp.mu.Lock()
	e, ok := lp.lims[userID]
	if !ok || e.rpm != rpm {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(rpm)/60, rpm), rpm: rpm}
		lp.lims[userID] = e
	}
	lp.mu.Unlock()

	return e.lim.Allow()
}

// remoteIP returns the client address for the audit trail, honouring X-Forwarded-For.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}

		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
