package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tarancss/chainwatch/collector"
	"github.com/tarancss/chainwatch/lib/coin"
	"github.com/tarancss/chainwatch/lib/pool"
	"github.com/tarancss/chainwatch/lib/store"
	"github.com/tarancss/chainwatch/lib/user"
	"github.com/tarancss/chainwatch/monitor"
)

// errBadRequest marks malformed client input: bad JSON, missing fields, unparseable numbers.
var errBadRequest = errors.New("bad request")

// response is the envelope of every API reply. Success carries the payload in Data, failure
// carries the cause in Error.
type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// httpStatus maps a service error to the status code of the reply.
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, user.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(err, user.ErrForbidden),
		errors.Is(err, user.ErrQuotaExceeded),
		errors.Is(err, monitor.ErrMonitorLimit):
		return http.StatusForbidden
	case errors.Is(err, user.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, coin.ErrUnknownCoin),
		errors.Is(err, monitor.ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, monitor.ErrAlreadyRunning),
		errors.Is(err, collector.ErrAlreadyCollected):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, user.ErrInvalid),
		errors.Is(err, coin.ErrBadAddress),
		errors.Is(err, collector.ErrBadKey),
		errors.Is(err, collector.ErrBelowThreshold):
		return http.StatusBadRequest
	case errors.Is(err, collector.ErrBroadcastFailed):
		return http.StatusBadGateway
	case errors.Is(err, pool.ErrExhausted),
		errors.Is(err, pool.ErrUpstreamUnavailable),
		errors.Is(err, pool.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errType labels a failed request for the api_errors_total metric.
func errType(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "auth"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "upstream"
	default:
		return "internal"
	}
}

// reply writes the envelope for a handler outcome, mapping err to the HTTP status. Handlers
// call it from their deferred block so every return path answers the client.
func (s *Service) reply(w http.ResponseWriter, r *http.Request, data interface{}, err error) {
	w.Header().Set("Content-Type", "application/json;charset=utf8")

	if err == nil {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response{Success: true, Data: data})

		return
	}

	status := httpStatus(err)

	s.met.APIErrors.WithLabelValues(endpointOf(r), errType(status)).Inc()
	s.log.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{Success: false, Error: err.Error()})
}

// endpointOf returns the matched route template so metric labels stay bounded, falling back to
// the raw path for unrouted requests.
func endpointOf(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}

	return r.URL.Path
}
