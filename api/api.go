// Package api serves the RESTful interface of the module: authentication, monitored address
// management, monitor control, funds collection, transaction history and the admin surface.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/tarancss/hd"

	"github.com/tarancss/chainwatch/collector"
	"github.com/tarancss/chainwatch/lib/coin"
	"github.com/tarancss/chainwatch/lib/config"
	"github.com/tarancss/chainwatch/lib/health"
	"github.com/tarancss/chainwatch/lib/logger"
	"github.com/tarancss/chainwatch/lib/metrics"
	"github.com/tarancss/chainwatch/lib/pool"
	"github.com/tarancss/chainwatch/lib/store"
	"github.com/tarancss/chainwatch/lib/user"
	"github.com/tarancss/chainwatch/monitor"
)

// Version of the module reported by the info endpoint.
const Version = "1.0.0"

const timeout = 15

// Deps carries the collaborators of the Service. Wallet may be nil when no wallet seed is
// configured, disabling HD address derivation.
type Deps struct {
	Config    config.Settings
	Coins     *coin.Registry
	DB        store.DB
	Pools     map[string]*pool.Pool
	Users     *user.Manager
	Engine    *monitor.Engine
	Collector *collector.Collector
	Health    *health.Checker
	Metrics   *metrics.Metrics
	Wallet    *hd.HdWallet
}

// Service serves the RESTful API over http and optionally https.
type Service struct {
	cfg     config.Settings
	reg     *coin.Registry
	db      store.DB
	pools   map[string]*pool.Pool
	users   *user.Manager
	engine  *monitor.Engine
	coll    *collector.Collector
	checker *health.Checker
	met     *metrics.Metrics
	hdw     *hd.HdWallet

	limits    *limiterPool
	startedAt time.Time

	s  *http.Server  // http server
	ss *http.Server  // https server
	sc chan struct{} // server channel used for graceful shutdown

	log zerolog.Logger
}

// New returns an API service wired to its collaborators. Call Init to start serving.
func New(d Deps) *Service {
	if d.Health == nil {
		d.Health = health.New(d.Metrics)
	}

	return &Service{
		cfg:       d.Config,
		reg:       d.Coins,
		db:        d.DB,
		pools:     d.Pools,
		users:     d.Users,
		engine:    d.Engine,
		coll:      d.Collector,
		checker:   d.Health,
		met:       d.Metrics,
		hdw:       d.Wallet,
		limits:    newLimiterPool(d.Config.Rest.RateLimit),
		startedAt: time.Now().UTC(),
		sc:        make(chan struct{}),
		log:       logger.GetLogger().With().Str("component", "api").Logger(),
	}
}

// Router builds the route table with the middleware chain: request observation, then
// authentication, then rate limiting.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", s.homeHandler).Methods("GET")
	r.HandleFunc("/health/live", s.checker.LiveHandler).Methods("GET")
	r.HandleFunc("/health/ready", s.checker.ReadyHandler).Methods("GET")

	if s.cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/info", s.infoHandler).Methods("GET")
	v1.HandleFunc("/health", s.checker.Handler).Methods("GET")
	v1.HandleFunc("/auth/login", s.loginHandler).Methods("POST")

	v1.HandleFunc("/profile", s.profileHandler).Methods("GET")
	v1.HandleFunc("/profile", s.updateProfileHandler).Methods("PUT")
	v1.HandleFunc("/profile/stats", s.userStatsHandler).Methods("GET")
	v1.HandleFunc("/profile/activity", s.activityHandler).Methods("GET")
	v1.HandleFunc("/profile/api-key", s.resetKeyHandler).Methods("POST")

	v1.HandleFunc("/coins", s.coinsHandler).Methods("GET")
	v1.HandleFunc("/coins/{symbol}", s.coinHandler).Methods("GET")

	v1.HandleFunc("/addresses", s.addressesHandler).Methods("GET")
	v1.HandleFunc("/addresses/monitor", s.monitorAddressHandler).Methods("POST")
	v1.HandleFunc("/addresses/derive", s.deriveHandler).Methods("GET")
	v1.HandleFunc("/addresses/{id}/monitor", s.stopMonitoringHandler).Methods("DELETE")
	v1.HandleFunc("/addresses/{coin}/balance/{address}", s.balanceHandler).Methods("GET")

	v1.HandleFunc("/monitor/status", s.monitorsHandler).Methods("GET")
	v1.HandleFunc("/monitor/{coin}/start", s.startMonitorHandler).Methods("POST")
	v1.HandleFunc("/monitor/{coin}/stop", s.stopMonitorHandler).Methods("POST")
	v1.HandleFunc("/monitor/{coin}/status", s.monitorStatusHandler).Methods("GET")

	v1.HandleFunc("/collect/{coin}", s.collectHandler).Methods("POST")
	v1.HandleFunc("/collect/{coin}/eligibility", s.eligibilityHandler).Methods("GET")
	v1.HandleFunc("/collections", s.collectionsHandler).Methods("GET")

	v1.HandleFunc("/transactions", s.transactionsHandler).Methods("GET")
	v1.HandleFunc("/transactions/{txid}", s.txHandler).Methods("GET")

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/users", s.adminUsersHandler).Methods("GET")
	admin.HandleFunc("/users", s.adminCreateUserHandler).Methods("POST")
	admin.HandleFunc("/users/{id}", s.adminUserHandler).Methods("GET")
	admin.HandleFunc("/users/{id}", s.adminUpdateUserHandler).Methods("PUT")
	admin.HandleFunc("/users/{id}", s.adminDeleteUserHandler).Methods("DELETE")
	admin.HandleFunc("/users/{id}/api-key/reset", s.adminResetKeyHandler).Methods("POST")
	admin.HandleFunc("/users/{id}/activity", s.adminActivityHandler).Methods("GET")
	admin.HandleFunc("/stats", s.adminStatsHandler).Methods("GET")

	r.Use(s.observe, s.authenticate, s.throttle)

	return r
}

// Init sets up and starts the http server, and the https server when SSLPort, SSLCert and
// SSLKey are all configured. It blocks until Stop is called and returns a shutdown summary.
func (s *Service) Init() string {
	var err, errTLS error

	r := s.Router()

	if s.cfg.Rest.Port != 0 {
		s.s = &http.Server{
			Handler:      r,
			Addr:         fmt.Sprintf("%s:%d", s.cfg.Rest.Host, s.cfg.Rest.Port),
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			err = s.s.ListenAndServe()
		}()

		s.log.Info().Str("addr", s.s.Addr).Msg("serving API requests over http")
	}

	if s.cfg.Rest.SSLPort != 0 && s.cfg.Rest.SSLCert != "" && s.cfg.Rest.SSLKey != "" {
		s.ss = &http.Server{
			Handler:      r,
			Addr:         fmt.Sprintf("%s:%d", s.cfg.Rest.Host, s.cfg.Rest.SSLPort),
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			errTLS = s.ss.ListenAndServeTLS(s.cfg.Rest.SSLCert, s.cfg.Rest.SSLKey)
		}()

		s.log.Info().Str("addr", s.ss.Addr).Msg("serving API requests over https")
	}

	// wait for the servers to be shut down
	<-s.sc

	return fmt.Sprintf("shutdown http server: %v, https server: %v", err, errTLS)
}

// Stop shuts the servers down gracefully and releases Init.
func (s *Service) Stop() {
	if s.s != nil {
		if err := s.s.Shutdown(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("http server shutdown")
		}
	}

	if s.ss != nil {
		if err := s.ss.Shutdown(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("https server shutdown")
		}
	}

	close(s.sc)
}
