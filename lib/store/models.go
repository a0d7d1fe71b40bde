package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// User roles.
const (
	RoleAdmin  = "admin"
	RoleUser   = "user"
	RoleViewer = "viewer"
)

// User statuses. Only active users authenticate.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
	StatusBanned    = "banned"
)

// Transaction statuses as a deposit moves towards its confirmation threshold.
const (
	TxPending    = "pending"
	TxMempool    = "mempool"
	TxConfirming = "confirming"
	TxConfirmed  = "confirmed"
	TxFailed     = "failed"
)

// Collection statuses. A collection row is created pending before the sweep is broadcast.
const (
	CollectPending = "pending"
	CollectSent    = "sent"
	CollectFailed  = "failed"
)

// Monitor statuses persisted for restart recovery.
const (
	MonitorRunning  = "running"
	MonitorDegraded = "degraded"
	MonitorStopped  = "stopped"
)

// DefaultListLimit applies when a list filter carries no limit.
const DefaultListLimit = 50

// User contains the fields of an account saved to DB. Only the SHA-256 hex of the API key is
// stored.
type User struct {
	ID         int64      `json:"id" bson:"id"`
	Username   string     `json:"username" bson:"username"`
	Email      string     `json:"email" bson:"email"`
	APIKeyHash string     `json:"-" bson:"api_key_hash"`
	Role       string     `json:"role" bson:"role"`
	Status     string     `json:"status" bson:"status"`
	CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
	LastLogin  *time.Time `json:"last_login,omitempty" bson:"last_login,omitempty"`
	RateLimit  int        `json:"rate_limit" bson:"rate_limit"`
	Settings   string     `json:"settings,omitempty" bson:"settings,omitempty"`
}

// Quotas contains the per-user limits and capability flags.
type Quotas struct {
	UserID                int64 `json:"user_id" bson:"user_id"`
	MaxMonitoredAddresses int   `json:"max_monitored_addresses" bson:"max_monitored_addresses"`
	MaxDailyAPICalls      int   `json:"max_daily_api_calls" bson:"max_daily_api_calls"`
	MaxConcurrentMonitors int   `json:"max_concurrent_monitors" bson:"max_concurrent_monitors"`
	CanCollectFunds       bool  `json:"can_collect_funds" bson:"can_collect_funds"`
	CanCreateAddresses    bool  `json:"can_create_addresses" bson:"can_create_addresses"`
	CanViewTransactions   bool  `json:"can_view_transactions" bson:"can_view_transactions"`
}

// MonitoredAddress contains the fields of a watched address saved to DB. CollectTo and
// SweepKey enable automatic collection of confirmed deposits; empty values leave the address
// manual-only.
type MonitoredAddress struct {
	ID        int64     `json:"id" bson:"id"`
	UserID    int64     `json:"user_id" bson:"user_id"`
	Coin      string    `json:"coin" bson:"coin"`
	Address   string    `json:"address" bson:"address"`
	Label     string    `json:"label,omitempty" bson:"label,omitempty"`
	CollectTo string    `json:"collect_to,omitempty" bson:"collect_to,omitempty"`
	SweepKey  string    `json:"-" bson:"sweep_key,omitempty"`
	AddedAt   time.Time `json:"added_at" bson:"added_at"`
	Active    bool      `json:"is_active" bson:"is_active"`
}

// Transaction contains the fields of an observed deposit saved to DB. Amount is in coin units.
type Transaction struct {
	ID            int64           `json:"id" bson:"id"`
	UserID        int64           `json:"user_id" bson:"user_id"`
	Coin          string          `json:"coin" bson:"coin"`
	Txid          string          `json:"txid" bson:"txid"`
	Address       string          `json:"address" bson:"address"`
	Amount        decimal.Decimal `json:"amount" bson:"amount"`
	Confirmations int             `json:"confirmations" bson:"confirmations"`
	Status        string          `json:"status" bson:"status"`
	Timestamp     time.Time       `json:"timestamp" bson:"timestamp"`
	Metadata      string          `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// TxFilter narrows ListTransactions. Zero values mean no filter.
type TxFilter struct {
	UserID  int64
	Coin    string
	Address string
	Txid    string
	Status  string
	Limit   int
	Offset  int
}

// Collection contains the fields of a funds sweep saved to DB. TriggerTxid is the confirmed
// deposit that caused the sweep and is unique: at most one collection per deposit.
type Collection struct {
	ID            int64           `json:"id" bson:"id"`
	UserID        int64           `json:"user_id" bson:"user_id"`
	Coin          string          `json:"coin" bson:"coin"`
	Address       string          `json:"address" bson:"address"`
	TriggerTxid   string          `json:"trigger_txid" bson:"trigger_txid"`
	Txid          string          `json:"txid,omitempty" bson:"txid,omitempty"`
	AmountSent    decimal.Decimal `json:"amount_sent" bson:"amount_sent"`
	TotalAmount   decimal.Decimal `json:"total_amount" bson:"total_amount"`
	Fee           decimal.Decimal `json:"fee" bson:"fee"`
	MasterAddress string          `json:"master_address" bson:"master_address"`
	Status        string          `json:"status" bson:"status"`
	CreatedAt     time.Time       `json:"created_at" bson:"created_at"`
}

// Session contains the fields of a login session saved to DB.
type Session struct {
	ID           int64     `json:"id" bson:"id"`
	UserID       int64     `json:"user_id" bson:"user_id"`
	Token        string    `json:"-" bson:"token"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
	ExpiresAt    time.Time `json:"expires_at" bson:"expires_at"`
	LastActivity time.Time `json:"last_activity" bson:"last_activity"`
	IP           string    `json:"ip_address,omitempty" bson:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty" bson:"user_agent,omitempty"`
}

// Activity contains the fields of an audit trail entry saved to DB.
type Activity struct {
	ID           int64     `json:"id" bson:"id"`
	UserID       int64     `json:"user_id" bson:"user_id"`
	Action       string    `json:"action" bson:"action"`
	ResourceType string    `json:"resource_type,omitempty" bson:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty" bson:"resource_id,omitempty"`
	Details      string    `json:"details,omitempty" bson:"details,omitempty"`
	IP           string    `json:"ip_address,omitempty" bson:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty" bson:"user_agent,omitempty"`
	Timestamp    time.Time `json:"timestamp" bson:"timestamp"`
}

// MonitorState contains the fields of a per-coin monitor saved to DB.
type MonitorState struct {
	Coin      string    `json:"coin" bson:"coin"`
	UserID    int64     `json:"user_id" bson:"user_id"`
	Status    string    `json:"status" bson:"status"`
	Addresses int       `json:"addresses" bson:"addresses"`
	StartedAt time.Time `json:"started_at" bson:"started_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Stats contains the aggregate counters reported by the stats endpoints.
type Stats struct {
	Users         int `json:"users"`
	Addresses     int `json:"addresses"`
	Transactions  int `json:"transactions"`
	Collections   int `json:"collections"`
	APICallsToday int `json:"api_calls_today"`
}
