// Package sqlite implements the store interface on a single SQLite file, the default backend.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/tarancss/chainwatch/lib/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite implements a connection to a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// New opens (creating if needed) the database file and applies pending migrations. Writes
// serialize through a single connection so concurrent callers never hit SQLITE_BUSY.
func New(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_fk=1&_loc=UTC", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open DB in %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", path, err)
	}

	if err = runMigrations(db); err != nil {
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := migsqlite.WithInstance(db, &migsqlite.Config{})
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

// Close closes the database file. Must be called at termination time.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database file is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// storeErr maps driver errors to the store sentinels.
func storeErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	var serr sqlite3.Error
	if errors.As(err, &serr) &&
		(serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
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

// CreateUser inserts a new user, returning its id. Duplicate username or email returns
// ErrDuplicate.
func (s *SQLite) CreateUser(ctx context.Context, u store.User) (int64, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	if u.Settings == "" {
		u.Settings = "{}"
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, api_key_hash, role, status, created_at, rate_limit, settings)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Username, u.Email, u.APIKeyHash, u.Role, u.Status, u.CreatedAt, u.RateLimit, u.Settings)
	if err != nil {
		return 0, fmt.Errorf("could not insert user in db: %w", storeErr(err))
	}

	return res.LastInsertId()
}

// UserByID returns the user with the given id.
func (s *SQLite) UserByID(ctx context.Context, id int64) (store.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, "SELECT "+userCols+" FROM users WHERE id = ?", id))
}

// UserByKeyHash returns the user whose API key hashes to keyHash.
func (s *SQLite) UserByKeyHash(ctx context.Context, keyHash string) (store.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userCols+" FROM users WHERE api_key_hash = ?", keyHash))
}

// UpdateUser updates the mutable profile fields of a user.
func (s *SQLite) UpdateUser(ctx context.Context, u store.User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET username = ?, email = ?, role = ?, status = ?, rate_limit = ?, settings = ?
		 WHERE id = ?`,
		u.Username, u.Email, u.Role, u.Status, u.RateLimit, u.Settings, u.ID)
	if err != nil {
		return fmt.Errorf("could not update user in db: %w", storeErr(err))
	}

	return affected(res)
}

// DeleteUser removes the user and every record it owns.
func (s *SQLite) DeleteUser(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	res, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return storeErr(err)
	}

	if err = affected(res); err != nil {
		return err
	}

	// tables without a foreign key on users
	for _, q := range []string{
		"DELETE FROM transactions WHERE user_id = ?",
		"DELETE FROM collections WHERE user_id = ?",
		"DELETE FROM user_activities WHERE user_id = ?",
		"DELETE FROM api_calls WHERE user_id = ?",
	} {
		if _, err = tx.ExecContext(ctx, q, id); err != nil {
			return storeErr(err)
		}
	}

	return tx.Commit()
}

// ListUsers returns every user ordered by id.
func (s *SQLite) ListUsers(ctx context.Context) ([]store.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userCols+" FROM users ORDER BY id")
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
func (s *SQLite) TouchLogin(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET last_login = ? WHERE id = ?", time.Now().UTC(), id)
	if err != nil {
		return storeErr(err)
	}

	return affected(res)
}

// SetAPIKeyHash replaces the stored API key hash of a user.
func (s *SQLite) SetAPIKeyHash(ctx context.Context, id int64, keyHash string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET api_key_hash = ? WHERE id = ?", keyHash, id)
	if err != nil {
		return storeErr(err)
	}

	return affected(res)
}

// QuotasByUser returns the quota row of a user.
func (s *SQLite) QuotasByUser(ctx context.Context, userID int64) (store.Quotas, error) {
	var q store.Quotas

	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, max_monitored_addresses, max_daily_api_calls, max_concurrent_monitors,
		        can_collect_funds, can_create_addresses, can_view_transactions
		 FROM user_quotas WHERE user_id = ?`, userID).
		Scan(&q.UserID, &q.MaxMonitoredAddresses, &q.MaxDailyAPICalls, &q.MaxConcurrentMonitors,
			&q.CanCollectFunds, &q.CanCreateAddresses, &q.CanViewTransactions)
	if err != nil {
		return store.Quotas{}, storeErr(err)
	}

	return q, nil
}

// SetQuotas upserts the quota row of a user.
func (s *SQLite) SetQuotas(ctx context.Context, q store.Quotas) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_quotas (user_id, max_monitored_addresses, max_daily_api_calls,
		        max_concurrent_monitors, can_collect_funds, can_create_addresses, can_view_transactions)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		        max_monitored_addresses = excluded.max_monitored_addresses,
		        max_daily_api_calls = excluded.max_daily_api_calls,
		        max_concurrent_monitors = excluded.max_concurrent_monitors,
		        can_collect_funds = excluded.can_collect_funds,
		        can_create_addresses = excluded.can_create_addresses,
		        can_view_transactions = excluded.can_view_transactions`,
		q.UserID, q.MaxMonitoredAddresses, q.MaxDailyAPICalls, q.MaxConcurrentMonitors,
		q.CanCollectFunds, q.CanCreateAddresses, q.CanViewTransactions)

	return storeErr(err)
}

// CountAPICall atomically increments and returns the call counter of the user for the day.
func (s *SQLite) CountAPICall(ctx context.Context, userID int64, day string) (int, error) {
	var calls int

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO api_calls (user_id, day, calls) VALUES (?, ?, 1)
		 ON CONFLICT (user_id, day) DO UPDATE SET calls = calls + 1
		 RETURNING calls`, userID, day).Scan(&calls)
	if err != nil {
		return 0, storeErr(err)
	}

	return calls, nil
}

// APICallsToday returns the call counter of the user for the day without incrementing it.
func (s *SQLite) APICallsToday(ctx context.Context, userID int64, day string) (int, error) {
	var calls int

	err := s.db.QueryRowContext(ctx,
		"SELECT calls FROM api_calls WHERE user_id = ? AND day = ?", userID, day).Scan(&calls)
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

// AddAddress upserts a monitored address, reactivating a soft-deleted row. The sweep key is
// only replaced when a new one is given.
func (s *SQLite) AddAddress(ctx context.Context, a store.MonitoredAddress) (int64, error) {
	if a.AddedAt.IsZero() {
		a.AddedAt = time.Now().UTC()
	}

	var id int64

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO monitored_addresses (user_id, coin, address, label, collect_to, sweep_key, added_at, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT (user_id, coin, address) DO UPDATE SET
		        is_active = 1,
		        label = excluded.label,
		        collect_to = excluded.collect_to,
		        sweep_key = CASE WHEN excluded.sweep_key != '' THEN excluded.sweep_key
		                         ELSE monitored_addresses.sweep_key END
		 RETURNING id`,
		a.UserID, a.Coin, a.Address, a.Label, a.CollectTo, a.SweepKey, a.AddedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("could not insert address in db: %w", storeErr(err))
	}

	return id, nil
}

// RemoveAddress soft-deletes a monitored address.
func (s *SQLite) RemoveAddress(ctx context.Context, userID int64, coin, address string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitored_addresses SET is_active = 0
		 WHERE user_id = ? AND coin = ? AND address = ? AND is_active = 1`, userID, coin, address)
	if err != nil {
		return storeErr(err)
	}

	return affected(res)
}

// AddressesByUser returns the active addresses of a user.
func (s *SQLite) AddressesByUser(ctx context.Context, userID int64) ([]store.MonitoredAddress, error) {
	return s.queryAddrs(ctx,
		"SELECT "+addrCols+" FROM monitored_addresses WHERE user_id = ? AND is_active = 1 ORDER BY id", userID)
}

// AddressesForCoin returns the active addresses of every user for one coin, the watch list of
// that coin's monitor.
func (s *SQLite) AddressesForCoin(ctx context.Context, coin string) ([]store.MonitoredAddress, error) {
	return s.queryAddrs(ctx,
		"SELECT "+addrCols+" FROM monitored_addresses WHERE coin = ? AND is_active = 1 ORDER BY id", coin)
}

// AddressByID returns the address row with the given id, active or not.
func (s *SQLite) AddressByID(ctx context.Context, id int64) (store.MonitoredAddress, error) {
	return scanAddr(s.db.QueryRowContext(ctx,
		"SELECT "+addrCols+" FROM monitored_addresses WHERE id = ?", id))
}

// CountActiveAddresses returns how many active addresses a user has.
func (s *SQLite) CountActiveAddresses(ctx context.Context, userID int64) (int, error) {
	var n int

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM monitored_addresses WHERE user_id = ? AND is_active = 1", userID).Scan(&n)

	return n, storeErr(err)
}

func (s *SQLite) queryAddrs(ctx context.Context, q string, args ...interface{}) ([]store.MonitoredAddress, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
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
// Confirmations only grow: an update carrying a lower count than the stored one changes
// neither the count nor the status.
func (s *SQLite) SaveTransaction(ctx context.Context, t store.Transaction) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	if t.Metadata == "" {
		t.Metadata = "{}"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (user_id, coin, txid, address, amount, confirmations, status, timestamp, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, coin, txid, address) DO UPDATE SET
		        confirmations = MAX(transactions.confirmations, excluded.confirmations),
		        status = CASE WHEN excluded.confirmations >= transactions.confirmations
		                      THEN excluded.status ELSE transactions.status END,
		        amount = excluded.amount,
		        metadata = excluded.metadata`,
		t.UserID, t.Coin, t.Txid, t.Address, t.Amount.String(), t.Confirmations, t.Status,
		t.Timestamp, t.Metadata)
	if err != nil {
		return fmt.Errorf("could not save transaction in db: %w", storeErr(err))
	}

	return nil
}

// TransactionByTxid returns the deposit row for the full upsert key.
func (s *SQLite) TransactionByTxid(ctx context.Context, userID int64, coin, txid, address string) (store.Transaction, error) {
	return scanTx(s.db.QueryRowContext(ctx,
		"SELECT "+txCols+" FROM transactions WHERE user_id = ? AND coin = ? AND txid = ? AND address = ?",
		userID, coin, txid, address))
}

// PendingTransactions returns the deposits of a coin that have not reached their confirmation
// threshold, the work list of the poll loop.
func (s *SQLite) PendingTransactions(ctx context.Context, coin string) ([]store.Transaction, error) {
	return s.queryTxs(ctx,
		`SELECT `+txCols+` FROM transactions
		 WHERE coin = ? AND status IN (?, ?, ?) ORDER BY timestamp`,
		coin, store.TxPending, store.TxMempool, store.TxConfirming)
}

// TransactionsByAddress returns the most recent deposits of one address.
func (s *SQLite) TransactionsByAddress(ctx context.Context, userID int64, coin, address string, limit int) ([]store.Transaction, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	return s.queryTxs(ctx,
		`SELECT `+txCols+` FROM transactions
		 WHERE user_id = ? AND coin = ? AND address = ? ORDER BY timestamp DESC LIMIT ?`,
		userID, coin, address, limit)
}

// ListTransactions returns deposits matching the filter, most recent first.
func (s *SQLite) ListTransactions(ctx context.Context, f store.TxFilter) ([]store.Transaction, error) {
	q := "SELECT " + txCols + " FROM transactions WHERE 1=1"

	var args []interface{}

	if f.UserID != 0 {
		q += " AND user_id = ?"

		args = append(args, f.UserID)
	}

	if f.Coin != "" {
		q += " AND coin = ?"

		args = append(args, f.Coin)
	}

	if f.Address != "" {
		q += " AND address = ?"

		args = append(args, f.Address)
	}

	if f.Txid != "" {
		q += " AND txid = ?"

		args = append(args, f.Txid)
	}

	if f.Status != "" {
		q += " AND status = ?"

		args = append(args, f.Status)
	}

	if f.Limit <= 0 {
		f.Limit = store.DefaultListLimit
	}

	q += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	return s.queryTxs(ctx, q, args...)
}

// UpdateTransactionStatus sets the status of one deposit row.
func (s *SQLite) UpdateTransactionStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE transactions SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return storeErr(err)
	}

	return affected(res)
}

func (s *SQLite) queryTxs(ctx context.Context, q string, args ...interface{}) ([]store.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
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

	for _, p := range []struct {
		raw string
		dst *decimal.Decimal
	}{{sent, &c.AmountSent}, {total, &c.TotalAmount}, {feeValue, &c.Fee}} {
		if *p.dst, err = decimal.NewFromString(p.raw); err != nil {
			return store.Collection{}, fmt.Errorf("bad amount %q in db: %w", p.raw, err)
		}
	}

	return c, nil
}

// CreateCollection inserts the sweep marker row. A second marker for the same trigger txid
// violates the unique index and returns ErrDuplicate, which is what makes sweeps run at most
// once per deposit. A marker left behind by a failed broadcast is taken over instead, so the
// deposit stays collectable.
func (s *SQLite) CreateCollection(ctx context.Context, c store.Collection) (int64, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	if c.Status == "" {
		c.Status = store.CollectPending
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (user_id, coin, address, trigger_txid, txid, amount_sent,
		        total_amount, fee, master_address, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.UserID, c.Coin, c.Address, c.TriggerTxid, c.Txid, c.AmountSent.String(),
		c.TotalAmount.String(), c.Fee.String(), c.MasterAddress, c.Status, c.CreatedAt)
	if err == nil {
		return res.LastInsertId()
	}

	if !errors.Is(storeErr(err), store.ErrDuplicate) {
		return 0, storeErr(err)
	}

	// the conditional update is atomic, concurrent retriers race for the failed marker and
	// exactly one wins
	res, err = s.db.ExecContext(ctx,
		`UPDATE collections SET user_id = ?, txid = '', amount_sent = ?, total_amount = ?,
		        fee = ?, master_address = ?, status = ?, created_at = ?
		 WHERE trigger_txid = ? AND status = ?`,
		c.UserID, c.AmountSent.String(), c.TotalAmount.String(), c.Fee.String(),
		c.MasterAddress, c.Status, c.CreatedAt, c.TriggerTxid, store.CollectFailed)
	if err != nil {
		return 0, storeErr(err)
	}

	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return 0, store.ErrDuplicate
	}

	var id int64

	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM collections WHERE trigger_txid = ?", c.TriggerTxid).Scan(&id)

	return id, storeErr(err)
}

// FinishCollection records the broadcast result on the marker row.
func (s *SQLite) FinishCollection(ctx context.Context, id int64, txid, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE collections SET txid = ?, status = ? WHERE id = ?", txid, status, id)
	if err != nil {
		return storeErr(err)
	}

	return affected(res)
}

// CollectionsByAddress returns the sweeps of one address, most recent first.
func (s *SQLite) CollectionsByAddress(ctx context.Context, coin, address string) ([]store.Collection, error) {
	return s.queryColls(ctx,
		"SELECT "+collCols+" FROM collections WHERE coin = ? AND address = ? ORDER BY created_at DESC",
		coin, address)
}

// ListCollections returns sweeps, most recent first. userID 0 matches every user.
func (s *SQLite) ListCollections(ctx context.Context, userID int64, limit, offset int) ([]store.Collection, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	if userID != 0 {
		return s.queryColls(ctx,
			"SELECT "+collCols+" FROM collections WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?",
			userID, limit, offset)
	}

	return s.queryColls(ctx,
		"SELECT "+collCols+" FROM collections ORDER BY created_at DESC LIMIT ? OFFSET ?", limit, offset)
}

func (s *SQLite) queryColls(ctx context.Context, q string, args ...interface{}) ([]store.Collection, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
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
func (s *SQLite) CreateSession(ctx context.Context, sess store.Session) (int64, error) {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}

	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user_sessions (user_id, session_token, created_at, expires_at, last_activity, ip_address, user_agent)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.UserID, sess.Token, sess.CreatedAt, sess.ExpiresAt, sess.LastActivity, sess.IP, sess.UserAgent)
	if err != nil {
		return 0, storeErr(err)
	}

	return res.LastInsertId()
}

// SessionByToken returns the live session with the given token, bumping its activity time.
// Expired sessions are reported as not found.
func (s *SQLite) SessionByToken(ctx context.Context, token string) (store.Session, error) {
	var sess store.Session

	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_token, created_at, expires_at, last_activity, ip_address, user_agent
		 FROM user_sessions WHERE session_token = ?`, token).
		Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.CreatedAt, &sess.ExpiresAt,
			&sess.LastActivity, &sess.IP, &sess.UserAgent)
	if err != nil {
		return store.Session{}, storeErr(err)
	}

	if !sess.ExpiresAt.After(time.Now().UTC()) {
		return store.Session{}, store.ErrNotFound
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE user_sessions SET last_activity = ? WHERE id = ?", time.Now().UTC(), sess.ID)

	return sess, storeErr(err)
}

// DeleteExpiredSessions removes sessions past their expiry, returning how many were dropped.
func (s *SQLite) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM user_sessions WHERE expires_at <= ?", time.Now().UTC())
	if err != nil {
		return 0, storeErr(err)
	}

	return res.RowsAffected()
}

// LogActivity appends an audit trail entry.
func (s *SQLite) LogActivity(ctx context.Context, a store.Activity) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_activities (user_id, action, resource_type, resource_id, details, ip_address, user_agent, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.Action, a.ResourceType, a.ResourceID, a.Details, a.IP, a.UserAgent, a.Timestamp)

	return storeErr(err)
}

// ActivitiesByUser returns the most recent audit entries of a user.
func (s *SQLite) ActivitiesByUser(ctx context.Context, userID int64, limit int) ([]store.Activity, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, action, resource_type, resource_id, details, ip_address, user_agent, timestamp
		 FROM user_activities WHERE user_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, userID, limit)
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
func (s *SQLite) SaveMonitorState(ctx context.Context, m store.MonitorState) error {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_states (coin, user_id, status, addresses, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (coin) DO UPDATE SET
		        user_id = excluded.user_id,
		        status = excluded.status,
		        addresses = excluded.addresses,
		        started_at = excluded.started_at,
		        updated_at = excluded.updated_at`,
		m.Coin, m.UserID, m.Status, m.Addresses, m.StartedAt, m.UpdatedAt)

	return storeErr(err)
}

// MonitorStates returns the persisted state of every coin monitor.
func (s *SQLite) MonitorStates(ctx context.Context) ([]store.MonitorState, error) {
	rows, err := s.db.QueryContext(ctx,
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
func (s *SQLite) Stats(ctx context.Context, userID *int64) (store.Stats, error) {
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
			{"SELECT COUNT(*) FROM monitored_addresses WHERE is_active = 1", nil, &st.Addresses},
			{"SELECT COUNT(*) FROM transactions", nil, &st.Transactions},
			{"SELECT COUNT(*) FROM collections", nil, &st.Collections},
			{"SELECT COALESCE(SUM(calls), 0) FROM api_calls WHERE day = ?", []interface{}{day}, &st.APICallsToday},
		}
	} else {
		counts = []count{
			{"SELECT COUNT(*) FROM monitored_addresses WHERE user_id = ? AND is_active = 1", []interface{}{*userID}, &st.Addresses},
			{"SELECT COUNT(*) FROM transactions WHERE user_id = ?", []interface{}{*userID}, &st.Transactions},
			{"SELECT COUNT(*) FROM collections WHERE user_id = ?", []interface{}{*userID}, &st.Collections},
			{"SELECT COALESCE(SUM(calls), 0) FROM api_calls WHERE user_id = ? AND day = ?", []interface{}{*userID, day}, &st.APICallsToday},
		}
	}

	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.q, c.args...).Scan(c.dst); err != nil {
			return store.Stats{}, storeErr(err)
		}
	}

	return st, nil
}

// affected maps zero affected rows to ErrNotFound.
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
