// Package main: chainwatch daemon. It monitors deposit addresses over the nownodes.io
// blockbook websockets, collects incoming funds to master addresses and serves the REST API.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tarancss/hd"

	"github.com/tarancss/chainwatch/api"
	"github.com/tarancss/chainwatch/collector"
	"github.com/tarancss/chainwatch/lib/coin"
	"github.com/tarancss/chainwatch/lib/config"
	"github.com/tarancss/chainwatch/lib/health"
	"github.com/tarancss/chainwatch/lib/logger"
	"github.com/tarancss/chainwatch/lib/metrics"
	"github.com/tarancss/chainwatch/lib/msg"
	"github.com/tarancss/chainwatch/lib/msg/amqp"
	"github.com/tarancss/chainwatch/lib/msg/kafka"
	"github.com/tarancss/chainwatch/lib/nownodes"
	"github.com/tarancss/chainwatch/lib/pool"
	"github.com/tarancss/chainwatch/lib/store/db"
	"github.com/tarancss/chainwatch/lib/user"
	"github.com/tarancss/chainwatch/monitor"
)

const sessionCleanupEvery = time.Hour

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	mon := flag.Bool("m", false, "flag to serve Prometheus metrics on the configured monitoring port")
	flag.Parse()

	// extract configuration, .env first so a local file can fill the CW_ variables
	_ = godotenv.Load()

	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	logger.Init(conf.Settings.LogLevel)

	lg := logger.GetLogger().With().Str("component", "main").Logger()
	lg.Info().Str("db", conf.Database.Type).Str("broker", conf.Broker.Type).
		Int("coins", len(conf.Coins)).Msg("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// connect to database
	dbh, err := db.New(conf.Database.Type, conf.Database.Conn)
	if err != nil {
		panic(err)
	}

	defer func() {
		if errClose := dbh.Close(); errClose != nil {
			lg.Error().Err(errClose).Msg("closing database")
		}
	}()

	// load the coin registry and one upstream connection pool per coin
	reg, err := coin.NewRegistry(conf.Coins)
	if err != nil {
		panic(err)
	}

	met := metrics.New(conf.Settings.Monitoring.MetricsPrefix)

	pools := make(map[string]*pool.Pool, len(conf.Coins))

	for _, cn := range reg.All() {
		cn := cn

		p, err := pool.New(conf.Settings.ConnectionPoolSize, conf.Settings.MaxReconnectAttempts,
			func() (*nownodes.Client, error) { return nownodes.New(cn, conf.Settings.APIKey), nil })
		if err != nil {
			panic(err)
		}

		defer p.Close()

		pools[cn.Symbol] = p
	}

	// load Prometheus monitor
	if *mon {
		go func() {
			addr := fmt.Sprintf(":%d", conf.Settings.Monitoring.PrometheusPort)
			lg.Info().Str("addr", addr).Msg("serving metrics API")

			h := http.NewServeMux()

			h.Handle("/metrics", promhttp.Handler())

			if errMon := http.ListenAndServe(addr, h); errMon != nil {
				lg.Error().Err(errMon).Msg("metrics server stopped")
			}
		}()
	}

	// load message broker
	var mb msg.Broker

	switch conf.Broker.Type {
	case "amqp":
		if mb, err = amqp.New(conf.Broker.URL); err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if mb, err = amqp.New(conf.Broker.URL); err != nil {
				panic(err)
			}
		}
	case "kafka":
		if mb, err = kafka.New(conf.Broker.URL); err != nil {
			panic(err)
		}
	default:
		mb = msg.NewNop()
	}

	if err = mb.Setup(); err != nil {
		panic(err)
	}

	defer func() {
		if errClose := mb.Close(); errClose != nil {
			lg.Error().Err(errClose).Msg("closing message broker")
		}
	}()

	// user accounts. The admin key is logged once when generated.
	users := user.NewManager(dbh, conf.Settings.Multiuser)

	if _, err = users.EnsureAdmin(ctx, conf.Settings.Multiuser.AdminAPIKey); err != nil {
		panic(err)
	}

	go func() {
		t := time.NewTicker(sessionCleanupEvery)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				users.CleanupSessions(ctx)
			}
		}
	}()

	// collection and monitoring services
	coll := collector.New(dbh, reg, pools, mb, met)
	engine := monitor.New(dbh, reg, pools, mb, coll, users, met, conf.Settings.MaxReconnectAttempts)

	if err = engine.Restore(ctx); err != nil {
		lg.Error().Err(err).Msg("restoring monitors")
	}

	// health checks: database, broker and per-coin pool, upstream and monitor probes
	checker := health.New(met)
	checker.Register("database", health.DatabaseCheck(dbh))

	if conf.Broker.Type != "none" && conf.Broker.Type != "" {
		checker.Register("broker", health.BrokerCheck(mb))
	}

	for sym, p := range pools {
		checker.Register("pool:"+sym, health.PoolCheck(sym, p, met))
		checker.Register("upstream:"+sym, health.UpstreamCheck(p))
		checker.Register("monitor:"+sym, engine.HealthCheck(sym))
	}

	go checker.Loop(ctx, health.DefaultInterval)

	// load HD wallet when a seed is configured
	var hdw *hd.HdWallet

	if conf.Settings.WalletSeed != "" {
		seed, errSeed := hex.DecodeString(conf.Settings.WalletSeed)
		if errSeed != nil {
			panic(errSeed)
		}

		if hdw, err = hd.Init(seed); err != nil {
			panic(err)
		}
	}

	// create the API service. With the REST server disabled the daemon still monitors and
	// Init just blocks until the stop signal.
	if !conf.Settings.Rest.Enabled {
		conf.Settings.Rest.Port = 0
		conf.Settings.Rest.SSLPort = 0
	}

	svc := api.New(api.Deps{
		Config:    conf.Settings,
		Coins:     reg,
		DB:        dbh,
		Pools:     pools,
		Users:     users,
		Engine:    engine,
		Collector: coll,
		Health:    checker,
		Metrics:   met,
		Wallet:    hdw,
	})

	checker.SetReady(true)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan int)

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		lg.Info().Msg("shutdown signal received")
		// stop the watchers and wait for all write operations to end
		cancel()
		engine.StopAll()
		svc.Stop()
		close(finish)
	}()

	// init RESTful API, wait for its return and log response
	lg.Info().Msgf("chainwatch: %s", svc.Init())

	<-finish
}
