// Package postgres implements the store interface for PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migpg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tarancss/chainwatch/lib/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' with
// pending migrations applied.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err = runMigrations(db); err != nil {
		return nil, err
	}

	return &Postgres{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := migpg.WithInstance(db, &migpg.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not read embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "chainwatch", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection. Must be called at termination time.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping checks the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

const uniqueViolation = "23505"

func storeErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	var perr *pq.Error
	if errors.As(err, &perr) && perr.Code == uniqueViolation {
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}

	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const userCols = "id, username, email, api_key_hash, role, status, created_at, last_login, rate_limit, settings"

func scanUser(sc scanner) (store.User, error) {
	var (
		u     store.User
		login sql.NullTime
	)

	err := sc.Scan(&u.ID, &u.Username, &u.Email, &u.APIKeyHash, &u.Role, &u.Status, &u.CreatedAt,
		&login, &u.RateLimit, &u.Settings)
	if err != nil {
		return store.User{}, storeErr(err)
	}

	if login.Valid {
		t := login.Time
		u.LastLogin = &t
	}

	return u, nil
}

// CreateUser inserts a new user, returning its id.
func (p *Postgres) CreateUser(ctx context.Context, u store.User) (int64, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	if u.Settings == "" {
		u.Settings = "{}"
	}

	var id int64

	err := p.db.QueryRowContext(ctx,
		`INSERT INTO users (username, email, api_key_hash, role, status, created_at, rate_limit, settings)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		u.Username, u.Email, u.APIKeyHash, u.Role, u.Status, u.CreatedAt, u.RateLimit, u.Settings).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("could not insert user in db: %w", storeErr(err))
	}

	return id, nil
}

// UserByID returns the user with the given id.
func (p *Postgres) UserByID(ctx context.Context, id int64) (store.User, error) {
	return scanUser(p.db.QueryRowContext(ctx, "SELECT "+userCols+" FROM users WHERE id = $1", id))
}

// UserByKeyHash returns the user whose API key hashes to keyHash.
func (p *Postgres) UserByKeyHash(ctx context.Context, keyHash string) (store.User, error) {
	return scanUser(p.db.QueryRowContext(ctx,
		"SELECT "+userCols+" FROM users WHERE api_key_hash = $1", keyHash))
}

// UpdateUser updates the mutable profile fields of a user.
func (p *Postgres) UpdateUser(ctx context.Context, u store.User) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET username = $1, email = $2, role = $3, status = $4, rate_limit = $5, settings = $6
		 WHERE id = $7`,
		u.Username, u.Email, u.Role, u.Status, u.RateLimit, u.Settings, u.ID)
	if err != nil {
		return fmt.Errorf("could not update user in db: %w", storeErr(err))
	}

	return affected(res)
}

// DeleteUser removes the user and every record it owns.
func (p *Postgres) DeleteUser(ctx context.Context, id int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	res, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return storeErr(err)
	}

	if err = affected(res); err != nil {
		return err
	}

	for _, q := range []string{
		"DELETE FROM transactions WHERE user_id = $1",
		"DELETE FROM collections WHERE user_id = $1",
		"DELETE FROM user_activities WHERE user_id = $1",
		"DELETE FROM api_calls WHERE user_id = $1",
	} {
		if _, err = tx.ExecContext(ctx, q, id); err != nil {
			return storeErr(err)
		}
	}

	return tx.Commit()
}

// ListUsers returns every user ordered by id.
func (p *Postgres) ListUsers(ctx context.Context) ([]store.User, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT "+userCols+" FROM users ORDER BY id")
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var users []store.User

	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}

		users = append(users, u)
	}

	return users, rows.Err()
}

// TouchLogin records a successful authentication time.
func (p *Postgres) TouchLogin(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, "UPDATE users SET last_login = $1 WHERE id = $2", time.Now().UTC(), id)
	if err != nil {
		return storeErr(err)
	}

	return affected(res)
}

// SetAPIKeyHash replaces the stored API key hash of a user.
func (p *Postgres) SetAPIKeyHash(ctx context.Context, id int64, keyHash string) error {
	res, err := p.db.ExecContext(ctx, "UPDATE users SET api_key_hash = $1 WHERE id = $2", keyHash, id)
	if err != nil {
		return storeErr(err)
	}

	return affected(res)
}

// QuotasByUser returns the quota row of a user.
func (p *Postgres) QuotasByUser(ctx context.Context, userID int64) (store.Quotas, error) {
	var q store.Quotas

	err := p.db.QueryRowContext(ctx,
		`SELECT user_id, max_monitored_addresses, max_daily_api_calls, max_concurrent_monitors,
		        can_collect_funds, can_create_addresses, can_view_transactions
		 FROM user_quotas WHERE user_id = $1`, userID).
		Scan(&q.UserID, &q.MaxMonitoredAddresses, &q.MaxDailyAPICalls, &q.MaxConcurrentMonitors,
			&q.CanCollectFunds, &q.CanCreateAddresses, &q.CanViewTransactions)
	if err != nil {
		return store.Quotas{}, storeErr(err)
	}

	return q, nil
}

// SetQuotas upserts the quota row of a user.
func (p *Postgres) SetQuotas(ctx context.Context, q store.Quotas) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO user_quotas (user_id, max_monitored_addresses, max_daily_api_calls,
		        max_concurrent_monitors, can_collect_funds, can_create_addresses, can_view_transactions)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE SET
		        max_monitored_addresses = EXCLUDED.max_monitored_addresses,
		        max_daily_api_calls = EXCLUDED.max_daily_api_calls,
		        max_concurrent_monitors = EXCLUDED.max_concurrent_monitors,
		        can_collect_funds = EXCLUDED.can_collect_funds,
		        can_create_addresses = EXCLUDED.can_create_addresses,
		        can_view_transactions = EXCLUDED.can_view_transactions`,
		q.UserID, q.MaxMonitoredAddresses, q.MaxDailyAPICalls, q.MaxConcurrentMonitors,
		q.CanCollectFunds, q.CanCreateAddresses, q.CanViewTransactions)

	return storeErr(err)
}

// CountAPICall atomically increments and returns the call counter of the user for the day.
func (p *Postgres) CountAPICall(ctx context.Context, userID int64, day string) (int, error) {
	var calls int

	err := p.db.QueryRowContext(ctx,
		`INSERT INTO api_calls (user_id, day, calls) VALUES ($1, $2, 1)
		 ON CONFLICT (user_id, day) DO UPDATE SET calls = api_calls.calls + 1
		 RETURNING calls`, userID, day).Scan(&calls)
	if err != nil {
		return 0, storeErr(err)
	}

	return calls, nil
}

// APICallsToday returns the call counter of the user for the day without incrementing it.
func (p *Postgres) APICallsToday(ctx context.Context, userID int64, day string) (int, error) {
	var calls int

	err := p.db.QueryRowContext(ctx,
		"SELECT calls FROM api_calls WHERE user_id = $1 AND day = $2", userID, day).Scan(&calls)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	return calls, storeErr(err)
}

const addrCols = "id, user_id, coin, address, label, collect_to, sweep_key, added_at, is_active"

func scanAddr(sc scanner) (store.MonitoredAddress, error) {
	var a store.MonitoredAddress

	err := sc.Scan(&a.ID, &a.UserID, &a.Coin, &a.Address, &a.Label, &a.CollectTo, &a.SweepKey,
		&a.AddedAt, &a.Active)
	if err != nil {
		return store.MonitoredAddress{}, storeErr(err)
	}

	return a, nil
}

// AddAddress upserts a monitored address, reactivating a soft-deleted row.
func (p *Postgres) AddAddress(ctx context.Context, a store.MonitoredAddress) (int64, error) {
	if a.AddedAt.IsZero() {
		a.AddedAt = time.Now().UTC()
	}

	var id int64

	err := p.db.QueryRowContext(ctx,
		`INSERT INTO monitored_addresses (user_id, coin, address, label, collect_to, sweep_key, added_at, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		 ON CONFLICT (user_id, coin, address) DO UPDATE SET
		        is_active = TRUE,
		        label = EXCLUDED.label,
		        collect_to = EXCLUDED.collect_to,
		        sweep_key = CASE WHEN EXCLUDED.sweep_key != '' THEN EXCLUDED.sweep_key
		                         ELSE monitored_addresses.sweep_key END
		 RETURNING id`,
		a.UserID, a.Coin, a.Address, a.Label, a.CollectTo, a.SweepKey, a.AddedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("could not insert address in db: %w", storeErr(err))
	}

	return id, nil
}

// RemoveAddress soft-deletes a monitored address.
func (p *Postgres) RemoveAddress(ctx context.Context, userID int64, coin, address string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE monitored_addresses SET is_active = FALSE
		 WHERE user_id = $1 AND coin = $2 AND address = $3 AND is_active`, userID, coin, address)
	if err != nil {
		return storeErr(err)
	}

	return affected(res)
}

// AddressesByUser returns the active addresses of a user.
func (p *Postgres) AddressesByUser(ctx context.Context, userID int64) ([]store.MonitoredAddress, error) {
	return p.queryAddrs(ctx,
		"SELECT "+addrCols+" FROM monitored_addresses WHERE user_id = $1 AND is_active ORDER BY id", userID)
}

// AddressesForCoin returns the active addresses of every user for one coin.
func (p *Postgres) AddressesForCoin(ctx context.Context, coin string) ([]store.MonitoredAddress, error) {
	return p.queryAddrs(ctx,
		"SELECT "+addrCols+" FROM monitored_addresses WHERE coin = $1 AND is_active ORDER BY id", coin)
}

// AddressByID returns the address row with the given id, active or not.
func (p *Postgres) AddressByID(ctx context.Context, id int64) (store.MonitoredAddress, error) {
	return scanAddr(p.db.QueryRowContext(ctx,
		"SELECT "+addrCols+" FROM monitored_addresses WHERE id = $1", id))
}

// CountActiveAddresses returns how many active addresses a user has.
func (p *Postgres) CountActiveAddresses(ctx context.Context, userID int64) (int, error) {
	var n int

	err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM monitored_addresses WHERE user_id = $1 AND is_active", userID).Scan(&n)

	return n, storeErr(err)
}

func (p *Postgres) queryAddrs(ctx context.Context, q string, args ...interface{}) ([]store.MonitoredAddress, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var addrs []store.MonitoredAddress

	for rows.Next() {
		a, err := scanAddr(rows)
		if err != nil {
			return nil, err
		}

		addrs = append(addrs, a)
	}

	return addrs, rows.Err()
}

const txCols = "id, user_id, coin, txid, address, amount, confirmations, status, timestamp, metadata"

func scanTx(sc scanner) (store.Transaction, error) {
	var (
		t      store.Transaction
		amount string
	)

	err := sc.Scan(&t.ID, &t.UserID, &t.Coin, &t.Txid, &t.Address, &amount, &t.Confirmations,
		&t.Status, &t.Timestamp, &t.Metadata)
	if err != nil {
		return store.Transaction{}, storeErr(err)
	}

	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return store.Transaction{}, fmt.Errorf("bad amount %q in db: %w", amount, err)
	}

	return t, nil
}

// SaveTransaction upserts an observed deposit keyed on user, coin, txid and address.
// Confirmations only grow.
func (p *Postgres) SaveTransaction(ctx context.Context, t store.Transaction) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	if t.Metadata == "" {
		t.Metadata = "{}"
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO transactions (user_id, coin, txid, address, amount, confirmations, status, timestamp, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id, coin, txid, address) DO UPDATE SET
		        confirmations = GREATEST(transactions.confirmations, EXCLUDED.confirmations),
		        status = CASE WHEN EXCLUDED.confirmations >= transactions.confirmations
		                      THEN EXCLUDED.status ELSE transactions.status END,
		        amount = EXCLUDED.amount,
		        metadata = EXCLUDED.metadata`,
		t.UserID, t.Coin, t.Txid, t.Address, t.Amount.String(), t.Confirmations, t.Status,
		t.Timestamp, t.Metadata)
	if err != nil {
		return fmt.Errorf("could not save transaction in db: %w", storeErr(err))
	}

	return nil
}

// TransactionByTxid returns the deposit row for the full upsert key.
func (p *Postgres) TransactionByTxid(ctx context.Context, userID int64, coin, txid, address string) (store.Transaction, error) {
	return scanTx(p.db.QueryRowContext(ctx,
		"SELECT "+txCols+" FROM transactions WHERE user_id = $1 AND coin = $2 AND txid = $3 AND address = $4",
		userID, coin, txid, address))
}

// PendingTransactions returns the deposits of a coin that have not reached their confirmation
// threshold.
func (p *Postgres) PendingTransactions(ctx context.Context, coin string) ([]store.Transaction, error) {
	return p.queryTxs(ctx,
		`SELECT `+txCols+` FROM transactions
		 WHERE coin = $1 AND status IN ($2, $3, $4) ORDER BY timestamp`,
		coin, store.TxPending, store.TxMempool, store.TxConfirming)
}

// TransactionsByAddress returns the most recent deposits of one address.
func (p *Postgres) TransactionsByAddress(ctx context.Context, userID int64, coin, address string, limit int) ([]store.Transaction, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	return p.queryTxs(ctx,
		`SELECT `+txCols+` FROM transactions
		 WHERE user_id = $1 AND coin = $2 AND address = $3 ORDER BY timestamp DESC LIMIT $4`,
		userID, coin, address, limit)
}

// ListTransactions returns deposits matching the filter, most recent first.
func (p *Postgres) ListTransactions(ctx context.Context, f store.TxFilter) ([]store.Transaction, error) {
	q := "SELECT " + txCols + " FROM transactions WHERE TRUE"

	var args []interface{}

	if f.UserID != 0 {
		args = append(args, f.UserID)
		q += fmt.Sprintf(" AND user_id = $%d", len(args))
	}

	if f.Coin != "" {
		args = append(args, f.Coin)
		q += fmt.Sprintf(" AND coin = $%d", len(args))
	}

	if f.Address != "" {
		args = append(args, f.Address)
		q += fmt.Sprintf(" AND address = $%d", len(args))
	}

	if f.Txid != "" {
		args = append(args, f.Txid)
		q += fmt.Sprintf(" AND txid = $%d", len(args))
	}

	if f.Status != "" {
		args = append(args, f.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}

	if f.Limit <= 0 {
		f.Limit = store.DefaultListLimit
	}

	args = append(args, f.Limit, f.Offset)
	q += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return p.queryTxs(ctx, q, args...)
}

// UpdateTransactionStatus sets the status of one deposit row.
func (p *Postgres) UpdateTransactionStatus(ctx context.Context, id int64, status string) error {
	res, err := p.db.ExecContext(ctx, "UPDATE transactions SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return storeErr(err)
	}

	return affected(res)
}

func (p *Postgres) queryTxs(ctx context.Context, q string, args ...interface{}) ([]store.Transaction, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var txs []store.Transaction

	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}

		txs = append(txs, t)
	}

	return txs, rows.Err()
}

const collCols = "id, user_id, coin, address, trigger_txid, txid, amount_sent, total_amount, fee, master_address, status, created_at"

func scanColl(sc scanner) (store.Collection, error) {
	var (
		c                     store.Collection
		sent, total, feeValue string
	)

	err := sc.Scan(&c.ID, &c.UserID, &c.Coin, &c.Address, &c.TriggerTxid, &c.Txid, &sent, &total,
		&feeValue, &c.MasterAddress, &c.Status, &c.CreatedAt)
	if err != nil {
		return store.Collection{}, storeErr(err)
	}

	for _, pair := range []struct {
		raw string
		dst *decimal.Decimal
	}{{sent, &c.AmountSent}, {total, &c.TotalAmount}, {feeValue, &c.Fee}} {
		if *pair.dst, err = decimal.NewFromString(pair.raw); err != nil {
			return store.Collection{}, fmt.Errorf("bad amount %q in db: %w", pair.raw, err)
		}
	}

	return c, nil
}

// CreateCollection inserts the sweep marker row. A duplicate trigger txid returns ErrDuplicate
// unless the existing marker is failed, in which case it is taken over for the retry.
func (p *Postgres) CreateCollection(ctx context.Context, c store.Collection) (int64, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	if c.Status == "" {
		c.Status = store.CollectPending
	}

	var id int64

	// a marker left behind by a failed broadcast is taken over for the retry; any other
	// conflicting marker makes the upsert a no-op and surfaces as ErrDuplicate
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO collections (user_id, coin, address, trigger_txid, txid, amount_sent,
		        total_amount, fee, master_address, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (trigger_txid) DO UPDATE SET
		        user_id = EXCLUDED.user_id, txid = '', amount_sent = EXCLUDED.amount_sent,
		        total_amount = EXCLUDED.total_amount, fee = EXCLUDED.fee,
		        master_address = EXCLUDED.master_address, status = EXCLUDED.status,
		        created_at = EXCLUDED.created_at
		 WHERE collections.status = $12
		 RETURNING id`,
		c.UserID, c.Coin, c.Address, c.TriggerTxid, c.Txid, c.AmountSent.String(),
		c.TotalAmount.String(), c.Fee.String(), c.MasterAddress, c.Status, c.CreatedAt,
		store.CollectFailed).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrDuplicate
	}

	if err != nil {
		return 0, storeErr(err)
	}

	return id, nil
}

// FinishCollection records the broadcast result on the marker row.
func (p *Postgres) FinishCollection(ctx context.Context, id int64, txid, status string) error {
	res, err := p.db.ExecContext(ctx,
		"UPDATE collections SET txid = $1, status = $2 WHERE id = $3", txid, status, id)
	if err != nil {
		return storeErr(err)
	}

	return affected(res)
}

// CollectionsByAddress returns the sweeps of one address, most recent first.
func (p *Postgres) CollectionsByAddress(ctx context.Context, coin, address string) ([]store.Collection, error) {
	return p.queryColls(ctx,
		"SELECT "+collCols+" FROM collections WHERE coin = $1 AND address = $2 ORDER BY created_at DESC",
		coin, address)
}

// ListCollections returns sweeps, most recent first. userID 0 matches every user.
func (p *Postgres) ListCollections(ctx context.Context, userID int64, limit, offset int) ([]store.Collection, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	if userID != 0 {
		return p.queryColls(ctx,
			"SELECT "+collCols+" FROM collections WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
			userID, limit, offset)
	}

	return p.queryColls(ctx,
		"SELECT "+collCols+" FROM collections ORDER BY created_at DESC LIMIT $1 OFFSET $2", limit, offset)
}

func (p *Postgres) queryColls(ctx context.Context, q string, args ...interface{}) ([]store.Collection, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var colls []store.Collection

	for rows.Next() {
		c, err := scanColl(rows)
		if err != nil {
			return nil, err
		}

		colls = append(colls, c)
	}

	return colls, rows.Err()
}

// CreateSession inserts a login session.
func (p *Postgres) CreateSession(ctx context.Context, sess store.Session) (int64, error) {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}

	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}

	var id int64

	err := p.db.QueryRowContext(ctx,
		`INSERT INTO user_sessions (user_id, session_token, created_at, expires_at, last_activity, ip_address, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		sess.UserID, sess.Token, sess.CreatedAt, sess.ExpiresAt, sess.LastActivity, sess.IP, sess.UserAgent).Scan(&id)
	if err != nil {
		return 0, storeErr(err)
	}

	return id, nil
}

// SessionByToken returns the live session with the given token, bumping its activity time.
func (p *Postgres) SessionByToken(ctx context.Context, token string) (store.Session, error) {
	var sess store.Session

	err := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_token, created_at, expires_at, last_activity, ip_address, user_agent
		 FROM user_sessions WHERE session_token = $1`, token).
		Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.CreatedAt, &sess.ExpiresAt,
			&sess.LastActivity, &sess.IP, &sess.UserAgent)
	if err != nil {
		return store.Session{}, storeErr(err)
	}

	if !sess.ExpiresAt.After(time.Now().UTC()) {
		return store.Session{}, store.ErrNotFound
	}

	_, err = p.db.ExecContext(ctx,
		"UPDATE user_sessions SET last_activity = $1 WHERE id = $2", time.Now().UTC(), sess.ID)

	return sess, storeErr(err)
}

// DeleteExpiredSessions removes sessions past their expiry, returning how many were dropped.
func (p *Postgres) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		"DELETE FROM user_sessions WHERE expires_at <= $1", time.Now().UTC())
	if err != nil {
		return 0, storeErr(err)
	}

	return res.RowsAffected()
}

// LogActivity appends an audit trail entry.
func (p *Postgres) LogActivity(ctx context.Context, a store.Activity) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO user_activities (user_id, action, resource_type, resource_id, details, ip_address, user_agent, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.UserID, a.Action, a.ResourceType, a.ResourceID, a.Details, a.IP, a.UserAgent, a.Timestamp)

	return storeErr(err)
}

// ActivitiesByUser returns the most recent audit entries of a user.
func (p *Postgres) ActivitiesByUser(ctx context.Context, userID int64, limit int) ([]store.Activity, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_id, action, resource_type, resource_id, details, ip_address, user_agent, timestamp
		 FROM user_activities WHERE user_id = $1 ORDER BY timestamp DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var acts []store.Activity

	for rows.Next() {
		var a store.Activity

		err = rows.Scan(&a.ID, &a.UserID, &a.Action, &a.ResourceType, &a.ResourceID, &a.Details,
			&a.IP, &a.UserAgent, &a.Timestamp)
		if err != nil {
			return nil, storeErr(err)
		}

		acts = append(acts, a)
	}

	return acts, rows.Err()
}

// SaveMonitorState upserts the persisted state of one coin monitor.
func (p *Postgres) SaveMonitorState(ctx context.Context, m store.MonitorState) error {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO monitor_states (coin, user_id, status, addresses, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (coin) DO UPDATE SET
		        user_id = EXCLUDED.user_id,
		        status = EXCLUDED.status,
		        addresses = EXCLUDED.addresses,
		        started_at = EXCLUDED.started_at,
		        updated_at = EXCLUDED.updated_at`,
		m.Coin, m.UserID, m.Status, m.Addresses, m.StartedAt, m.UpdatedAt)

	return storeErr(err)
}

// MonitorStates returns the persisted state of every coin monitor.
func (p *Postgres) MonitorStates(ctx context.Context) ([]store.MonitorState, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT coin, user_id, status, addresses, started_at, updated_at FROM monitor_states ORDER BY coin")
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var states []store.MonitorState

	for rows.Next() {
		var m store.MonitorState

		err = rows.Scan(&m.Coin, &m.UserID, &m.Status, &m.Addresses, &m.StartedAt, &m.UpdatedAt)
		if err != nil {
			return nil, storeErr(err)
		}

		states = append(states, m)
	}

	return states, rows.Err()
}

// Stats returns aggregate counters, scoped to one user when userID is given.
func (p *Postgres) Stats(ctx context.Context, userID *int64) (store.Stats, error) {
	var (
		st  store.Stats
		day = time.Now().UTC().Format("2006-01-02")
	)

	type count struct {
		q    string
		args []interface{}
		dst  *int
	}

	var counts []count

	if userID == nil {
		counts = []count{
			{"SELECT COUNT(*) FROM users", nil, &st.Users},
			{"SELECT COUNT(*) FROM monitored_addresses WHERE is_active", nil, &st.Addresses},
			{"SELECT COUNT(*) FROM transactions", nil, &st.Transactions},
			{"SELECT COUNT(*) FROM collections", nil, &st.Collections},
			{"SELECT COALESCE(SUM(calls), 0) FROM api_calls WHERE day = $1", []interface{}{day}, &st.APICallsToday},
		}
	} else {
		counts = []count{
			{"SELECT COUNT(*) FROM monitored_addresses WHERE user_id = $1 AND is_active", []interface{}{*userID}, &st.Addresses},
			{"SELECT COUNT(*) FROM transactions WHERE user_id = $1", []interface{}{*userID}, &st.Transactions},
			{"SELECT COUNT(*) FROM collections WHERE user_id = $1", []interface{}{*userID}, &st.Collections},
			{"SELECT COALESCE(SUM(calls), 0) FROM api_calls WHERE user_id = $1 AND day = $2", []interface{}{*userID, day}, &st.APICallsToday},
		}
	}

	for _, c := range counts {
		if err := p.db.QueryRowContext(ctx, c.q, c.args...).Scan(c.dst); err != nil {
			return store.Stats{}, storeErr(err)
		}
	}

	return st, nil
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return store.ErrNotFound
	}

	return nil
}
