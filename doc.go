// Package chainwatch implements a multi-coin address monitoring and funds collection service
// for blockbook-backed blockchains.
/*
chainwatch connects to the nownodes.io blockbook and node RPC endpoints of the configured coins
and provides:

1) real-time monitoring of deposit addresses (package monitor) over blockbook WebSocket
 subscriptions, persisting every incoming transaction as it moves towards its confirmation
 threshold and publishing events to a message broker.

2) automatic and manual collection of confirmed deposits (package collector), sweeping the
 confirmed UTXOs of a deposit address to its configured master address.

3) an HTTP RESTful API (package api) for multi-user operation: API key and session
 authentication, per-user quotas and rate limits, address registration, balance and transaction
 queries, monitor control and collection triggers.

Architecture

One watcher goroutine runs per configured coin. It holds a WebSocket subscription for the
monitored addresses of its coin and falls back to polling when the socket cannot be kept up;
the upstream REST and RPC calls of all components go through a per-coin connection pool
(package lib/pool) so a degraded coin never starves the others. Transaction and collection
events are published to a message broker (package lib/msg) with AMQP and Kafka backends, so
integrator front-ends can consume them in real time. Persistence (package lib/store) is
product agnostic with SQLite, PostgreSQL and MongoDB backends.

The daemon can be monitored via a Prometheus API by setting the flag "-m" at startup, and
reports component health at /health/live, /health/ready and /api/v1/health.

Running

The daemon is started running cmd/chainwatch/main.go with an optional JSON configuration file
(see cmd/module_config.json for a sample); every setting can also be given as a CW_ prefixed
environment variable. User accounts, quotas and sessions are administered either through the
admin endpoints of the REST API or offline with cmd/chainwatchctl.
*/
package chainwatch
