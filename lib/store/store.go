// Package store defines the interface for database implementations to the monitoring,
// collection and user management services.
package store

import (
	"context"
	"errors"
)

// DB defines required methods for the monitor, collector, user manager and REST API.
type DB interface {
	// methods for user management
	CreateUser(ctx context.Context, u User) (int64, error)
	UserByID(ctx context.Context, id int64) (User, error)
	UserByKeyHash(ctx context.Context, keyHash string) (User, error)
	UpdateUser(ctx context.Context, u User) error
	DeleteUser(ctx context.Context, id int64) error
	ListUsers(ctx context.Context) ([]User, error)
	TouchLogin(ctx context.Context, id int64) error
	SetAPIKeyHash(ctx context.Context, id int64, keyHash string) error

	// methods for quotas and the daily API budget
	QuotasByUser(ctx context.Context, userID int64) (Quotas, error)
	SetQuotas(ctx context.Context, q Quotas) error
	CountAPICall(ctx context.Context, userID int64, day string) (int, error)
	APICallsToday(ctx context.Context, userID int64, day string) (int, error)

	// methods for monitored addresses
	AddAddress(ctx context.Context, a MonitoredAddress) (int64, error)
	RemoveAddress(ctx context.Context, userID int64, coin, address string) error
	AddressesByUser(ctx context.Context, userID int64) ([]MonitoredAddress, error)
	AddressesForCoin(ctx context.Context, coin string) ([]MonitoredAddress, error)
	AddressByID(ctx context.Context, id int64) (MonitoredAddress, error)
	CountActiveAddresses(ctx context.Context, userID int64) (int, error)

	// methods for transactions
	SaveTransaction(ctx context.Context, t Transaction) error
	TransactionByTxid(ctx context.Context, userID int64, coin, txid, address string) (Transaction, error)
	PendingTransactions(ctx context.Context, coin string) ([]Transaction, error)
	TransactionsByAddress(ctx context.Context, userID int64, coin, address string, limit int) ([]Transaction, error)
	ListTransactions(ctx context.Context, f TxFilter) ([]Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id int64, status string) error

	// methods for fund collections
	CreateCollection(ctx context.Context, c Collection) (int64, error)
	FinishCollection(ctx context.Context, id int64, txid, status string) error
	CollectionsByAddress(ctx context.Context, coin, address string) ([]Collection, error)
	ListCollections(ctx context.Context, userID int64, limit, offset int) ([]Collection, error)

	// methods for sessions and the audit trail
	CreateSession(ctx context.Context, s Session) (int64, error)
	SessionByToken(ctx context.Context, token string) (Session, error)
	DeleteExpiredSessions(ctx context.Context) (int64, error)
	LogActivity(ctx context.Context, a Activity) error
	ActivitiesByUser(ctx context.Context, userID int64, limit int) ([]Activity, error)

	// methods for monitor state
	SaveMonitorState(ctx context.Context, m MonitorState) error
	MonitorStates(ctx context.Context) ([]MonitorState, error)

	// operational methods
	Stats(ctx context.Context, userID *int64) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Errors returned
var (
	ErrNotFound  = errors.New("Record was not found in store")
	ErrDuplicate = errors.New("Record already exists in store")
)
