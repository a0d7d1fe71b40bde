// Package mongo implements the store interface for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/chainwatch/lib/store"
)

const dbName = "chainwatch"

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c *mgo.Client
}

// New returns a Mongo client connection to the specified MongoDB database uri with the unique
// indexes the store semantics rely on in place.
func New(uri string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	m := &Mongo{c: c}
	if err = m.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("error creating mongo DB indexes: %w", err)
	}

	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	unique := func(keys bson.D) mgo.IndexModel {
		return mgo.IndexModel{Keys: keys, Options: options.Index().SetUnique(true)}
	}

	for col, models := range map[string][]mgo.IndexModel{
		"users": {
			unique(bson.D{{Key: "username", Value: 1}}),
			unique(bson.D{{Key: "email", Value: 1}}),
			{Keys: bson.D{{Key: "api_key_hash", Value: 1}}},
		},
		"addresses": {
			unique(bson.D{{Key: "user_id", Value: 1}, {Key: "coin", Value: 1}, {Key: "address", Value: 1}}),
			{Keys: bson.D{{Key: "coin", Value: 1}, {Key: "is_active", Value: 1}}},
		},
		"transactions": {
			unique(bson.D{{Key: "user_id", Value: 1}, {Key: "coin", Value: 1}, {Key: "txid", Value: 1}, {Key: "address", Value: 1}}),
			{Keys: bson.D{{Key: "coin", Value: 1}, {Key: "status", Value: 1}}},
		},
		"collections":    {unique(bson.D{{Key: "trigger_txid", Value: 1}})},
		"sessions":       {unique(bson.D{{Key: "token", Value: 1}})},
		"api_calls":      {unique(bson.D{{Key: "user_id", Value: 1}, {Key: "day", Value: 1}})},
		"monitor_states": {unique(bson.D{{Key: "coin", Value: 1}})},
	} {
		if _, err := m.col(col).Indexes().CreateMany(ctx, models); err != nil {
			return err
		}
	}

	return nil
}

// Close will close the database connection. Must be called at termination time.
func (m *Mongo) Close() error {
	return m.c.Disconnect(context.Background())
}

// Ping checks the database is reachable.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.c.Ping(ctx, nil)
}

func (m *Mongo) col(name string) *mgo.Collection {
	return m.c.Database(dbName).Collection(name)
}

// nextID returns the next value of a named counter, giving documents the same int64 ids the
// SQL backends produce.
func (m *Mongo) nextID(ctx context.Context, name string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}

	err := m.col("counters").FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).
		Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("could not advance %s counter: %w", name, err)
	}

	return counter.Seq, nil
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.ErrNotFound
	}

	if mgo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}

	return err
}

// CreateUser inserts a new user, returning its id.
func (m *Mongo) CreateUser(ctx context.Context, u store.User) (int64, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	if u.Settings == "" {
		u.Settings = "{}"
	}

	id, err := m.nextID(ctx, "users")
	if err != nil {
		return 0, err
	}

	u.ID = id

	if _, err = m.col("users").InsertOne(ctx, u); err != nil {
		return 0, fmt.Errorf("could not insert user in db: %w", storeErr(err))
	}

	return id, nil
}

// UserByID returns the user with the given id.
func (m *Mongo) UserByID(ctx context.Context, id int64) (store.User, error) {
	var u store.User

	err := m.col("users").FindOne(ctx, bson.M{"id": id}).Decode(&u)

	return u, storeErr(err)
}

// UserByKeyHash returns the user whose API key hashes to keyHash.
func (m *Mongo) UserByKeyHash(ctx context.Context, keyHash string) (store.User, error) {
	var u store.User

	err := m.col("users").FindOne(ctx, bson.M{"api_key_hash": keyHash}).Decode(&u)

	return u, storeErr(err)
}

// UpdateUser updates the mutable profile fields of a user.
func (m *Mongo) UpdateUser(ctx context.Context, u store.User) error {
	res, err := m.col("users").UpdateOne(ctx, bson.M{"id": u.ID}, bson.M{"$set": bson.M{
		"username": u.Username, "email": u.Email, "role": u.Role, "status": u.Status,
		"rate_limit": u.RateLimit, "settings": u.Settings,
	}})
	if err != nil {
		return fmt.Errorf("could not update user in db: %w", storeErr(err))
	}

	return matched(res)
}

// DeleteUser removes the user and every record it owns.
func (m *Mongo) DeleteUser(ctx context.Context, id int64) error {
	res, err := m.col("users").DeleteOne(ctx, bson.M{"id": id})
	if err != nil {
		return storeErr(err)
	}

	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}

	for _, col := range []string{"quotas", "addresses", "transactions", "collections", "sessions", "activities", "api_calls"} {
		if _, err = m.col(col).DeleteMany(ctx, bson.M{"user_id": id}); err != nil {
			return storeErr(err)
		}
	}

	return nil
}

// ListUsers returns every user ordered by id.
func (m *Mongo) ListUsers(ctx context.Context) ([]store.User, error) {
	var users []store.User

	err := m.findAll(ctx, "users", bson.M{}, bson.D{{Key: "id", Value: 1}}, 0, 0, &users)

	return users, err
}

// TouchLogin records a successful authentication time.
func (m *Mongo) TouchLogin(ctx context.Context, id int64) error {
	res, err := m.col("users").UpdateOne(ctx, bson.M{"id": id},
		bson.M{"$set": bson.M{"last_login": time.Now().UTC()}})
	if err != nil {
		return storeErr(err)
	}

	return matched(res)
}

// SetAPIKeyHash replaces the stored API key hash of a user.
func (m *Mongo) SetAPIKeyHash(ctx context.Context, id int64, keyHash string) error {
	res, err := m.col("users").UpdateOne(ctx, bson.M{"id": id},
		bson.M{"$set": bson.M{"api_key_hash": keyHash}})
	if err != nil {
		return storeErr(err)
	}

	return matched(res)
}

// QuotasByUser returns the quota document of a user.
func (m *Mongo) QuotasByUser(ctx context.Context, userID int64) (store.Quotas, error) {
	var q store.Quotas

	err := m.col("quotas").FindOne(ctx, bson.M{"user_id": userID}).Decode(&q)

	return q, storeErr(err)
}

// SetQuotas upserts the quota document of a user.
func (m *Mongo) SetQuotas(ctx context.Context, q store.Quotas) error {
	_, err := m.col("quotas").UpdateOne(ctx,
		bson.M{"user_id": q.UserID},
		bson.M{"$set": q},
		options.Update().SetUpsert(true))

	return storeErr(err)
}

// CountAPICall atomically increments and returns the call counter of the user for the day.
func (m *Mongo) CountAPICall(ctx context.Context, userID int64, day string) (int, error) {
	var doc struct {
		Calls int `bson:"calls"`
	}

	err := m.col("api_calls").FindOneAndUpdate(ctx,
		bson.M{"user_id": userID, "day": day},
		bson.M{"$inc": bson.M{"calls": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).
		Decode(&doc)
	if err != nil {
		return 0, storeErr(err)
	}

	return doc.Calls, nil
}

// APICallsToday returns the call counter of the user for the day without incrementing it.
func (m *Mongo) APICallsToday(ctx context.Context, userID int64, day string) (int, error) {
	var doc struct {
		Calls int `bson:"calls"`
	}

	err := m.col("api_calls").FindOne(ctx, bson.M{"user_id": userID, "day": day}).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return 0, nil
	}

	return doc.Calls, storeErr(err)
}

// AddAddress saves a monitored address if it does not already exist, reactivating a
// soft-deleted document.
func (m *Mongo) AddAddress(ctx context.Context, a store.MonitoredAddress) (int64, error) {
	col := m.col("addresses")
	filter := bson.M{"user_id": a.UserID, "coin": a.Coin, "address": a.Address}

	// try and find it
	var existing store.MonitoredAddress

	err := col.FindOne(ctx, filter).Decode(&existing)
	if errors.Is(err, mgo.ErrNoDocuments) { // if not found, do insert it!!
		if a.ID, err = m.nextID(ctx, "addresses"); err != nil {
			return 0, err
		}

		if a.AddedAt.IsZero() {
			a.AddedAt = time.Now().UTC()
		}

		a.Active = true

		if _, err = col.InsertOne(ctx, a); err != nil {
			return 0, fmt.Errorf("could not insert address in db: %w", storeErr(err))
		}

		return a.ID, nil
	}

	if err != nil {
		return 0, fmt.Errorf("could not insert address in db: %w", storeErr(err))
	}

	set := bson.M{"is_active": true, "label": a.Label, "collect_to": a.CollectTo}
	if a.SweepKey != "" {
		set["sweep_key"] = a.SweepKey
	}

	if _, err = col.UpdateOne(ctx, filter, bson.M{"$set": set}); err != nil {
		return 0, storeErr(err)
	}

	return existing.ID, nil
}

// RemoveAddress soft-deletes a monitored address.
func (m *Mongo) RemoveAddress(ctx context.Context, userID int64, coin, address string) error {
	res, err := m.col("addresses").UpdateOne(ctx,
		bson.M{"user_id": userID, "coin": coin, "address": address, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false}})
	if err != nil {
		return storeErr(err)
	}

	return matched(res)
}

// AddressesByUser returns the active addresses of a user.
func (m *Mongo) AddressesByUser(ctx context.Context, userID int64) ([]store.MonitoredAddress, error) {
	var addrs []store.MonitoredAddress

	err := m.findAll(ctx, "addresses", bson.M{"user_id": userID, "is_active": true},
		bson.D{{Key: "id", Value: 1}}, 0, 0, &addrs)

	return addrs, err
}

// AddressesForCoin returns the active addresses of every user for one coin.
func (m *Mongo) AddressesForCoin(ctx context.Context, coin string) ([]store.MonitoredAddress, error) {
	var addrs []store.MonitoredAddress

	err := m.findAll(ctx, "addresses", bson.M{"coin": coin, "is_active": true},
		bson.D{{Key: "id", Value: 1}}, 0, 0, &addrs)

	return addrs, err
}

// AddressByID returns the address document with the given id, active or not.
func (m *Mongo) AddressByID(ctx context.Context, id int64) (store.MonitoredAddress, error) {
	var a store.MonitoredAddress

	err := m.col("addresses").FindOne(ctx, bson.M{"id": id}).Decode(&a)

	return a, storeErr(err)
}

// CountActiveAddresses returns how many active addresses a user has.
func (m *Mongo) CountActiveAddresses(ctx context.Context, userID int64) (int, error) {
	n, err := m.col("addresses").CountDocuments(ctx, bson.M{"user_id": userID, "is_active": true})

	return int(n), storeErr(err)
}

// mongoTx is the wire form of a transaction, amounts kept as decimal strings.
type mongoTx struct {
	ID            int64     `bson:"id"`
	UserID        int64     `bson:"user_id"`
	Coin          string    `bson:"coin"`
	Txid          string    `bson:"txid"`
	Address       string    `bson:"address"`
	Amount        string    `bson:"amount"`
	Confirmations int       `bson:"confirmations"`
	Status        string    `bson:"status"`
	Timestamp     time.Time `bson:"timestamp"`
	Metadata      string    `bson:"metadata"`
}

// Transaction converts a mongoTx to store.Transaction type.
func (t mongoTx) Transaction() (store.Transaction, error) {
	amount, err := decimal.NewFromString(t.Amount)
	if err != nil {
		return store.Transaction{}, fmt.Errorf("bad amount %q in db: %w", t.Amount, err)
	}

	return store.Transaction{
		ID: t.ID, UserID: t.UserID, Coin: t.Coin, Txid: t.Txid, Address: t.Address,
		Amount: amount, Confirmations: t.Confirmations, Status: t.Status,
		Timestamp: t.Timestamp, Metadata: t.Metadata,
	}, nil
}

// SaveTransaction upserts an observed deposit keyed on user, coin, txid and address.
// Confirmations only grow.
func (m *Mongo) SaveTransaction(ctx context.Context, t store.Transaction) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	if t.Metadata == "" {
		t.Metadata = "{}"
	}

	col := m.col("transactions")
	filter := bson.M{"user_id": t.UserID, "coin": t.Coin, "txid": t.Txid, "address": t.Address}

	var existing mongoTx

	err := col.FindOne(ctx, filter).Decode(&existing)
	if errors.Is(err, mgo.ErrNoDocuments) {
		id, errID := m.nextID(ctx, "transactions")
		if errID != nil {
			return errID
		}

		_, err = col.InsertOne(ctx, mongoTx{
			ID: id, UserID: t.UserID, Coin: t.Coin, Txid: t.Txid, Address: t.Address,
			Amount: t.Amount.String(), Confirmations: t.Confirmations, Status: t.Status,
			Timestamp: t.Timestamp, Metadata: t.Metadata,
		})

		return storeErr(err)
	}

	if err != nil {
		return storeErr(err)
	}

	// stale updates carrying fewer confirmations change nothing
	if t.Confirmations < existing.Confirmations {
		return nil
	}

	_, err = col.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"confirmations": t.Confirmations,
		"status":        t.Status,
		"amount":        t.Amount.String(),
		"metadata":      t.Metadata,
	}})

	return storeErr(err)
}

// TransactionByTxid returns the deposit document for the full upsert key.
func (m *Mongo) TransactionByTxid(ctx context.Context, userID int64, coin, txid, address string) (store.Transaction, error) {
	var t mongoTx

	err := m.col("transactions").FindOne(ctx,
		bson.M{"user_id": userID, "coin": coin, "txid": txid, "address": address}).Decode(&t)
	if err != nil {
		return store.Transaction{}, storeErr(err)
	}

	return t.Transaction()
}

// PendingTransactions returns the deposits of a coin that have not reached their confirmation
// threshold.
func (m *Mongo) PendingTransactions(ctx context.Context, coin string) ([]store.Transaction, error) {
	return m.findTxs(ctx, bson.M{
		"coin":   coin,
		"status": bson.M{"$in": []string{store.TxPending, store.TxMempool, store.TxConfirming}},
	}, bson.D{{Key: "timestamp", Value: 1}}, 0, 0)
}

// TransactionsByAddress returns the most recent deposits of one address.
func (m *Mongo) TransactionsByAddress(ctx context.Context, userID int64, coin, address string, limit int) ([]store.Transaction, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	return m.findTxs(ctx, bson.M{"user_id": userID, "coin": coin, "address": address},
		bson.D{{Key: "timestamp", Value: -1}}, int64(limit), 0)
}

// ListTransactions returns deposits matching the filter, most recent first.
func (m *Mongo) ListTransactions(ctx context.Context, f store.TxFilter) ([]store.Transaction, error) {
	filter := bson.M{}

	if f.UserID != 0 {
		filter["user_id"] = f.UserID
	}

	if f.Coin != "" {
		filter["coin"] = f.Coin
	}

	if f.Address != "" {
		filter["address"] = f.Address
	}

	if f.Txid != "" {
		filter["txid"] = f.Txid
	}

	if f.Status != "" {
		filter["status"] = f.Status
	}

	if f.Limit <= 0 {
		f.Limit = store.DefaultListLimit
	}

	return m.findTxs(ctx, filter, bson.D{{Key: "timestamp", Value: -1}}, int64(f.Limit), int64(f.Offset))
}

// UpdateTransactionStatus sets the status of one deposit document.
func (m *Mongo) UpdateTransactionStatus(ctx context.Context, id int64, status string) error {
	res, err := m.col("transactions").UpdateOne(ctx, bson.M{"id": id},
		bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return storeErr(err)
	}

	return matched(res)
}

func (m *Mongo) findTxs(ctx context.Context, filter bson.M, sort bson.D, limit, skip int64) ([]store.Transaction, error) {
	var raw []mongoTx

	if err := m.findAll(ctx, "transactions", filter, sort, limit, skip, &raw); err != nil {
		return nil, err
	}

	txs := make([]store.Transaction, 0, len(raw))

	for _, r := range raw {
		t, err := r.Transaction()
		if err != nil {
			return nil, err
		}

		txs = append(txs, t)
	}

	return txs, nil
}

// mongoColl is the wire form of a collection, amounts kept as decimal strings.
type mongoColl struct {
	ID            int64     `bson:"id"`
	UserID        int64     `bson:"user_id"`
	Coin          string    `bson:"coin"`
	Address       string    `bson:"address"`
	TriggerTxid   string    `bson:"trigger_txid"`
	Txid          string    `bson:"txid"`
	AmountSent    string    `bson:"amount_sent"`
	TotalAmount   string    `bson:"total_amount"`
	Fee           string    `bson:"fee"`
	MasterAddress string    `bson:"master_address"`
	Status        string    `bson:"status"`
	CreatedAt     time.Time `bson:"created_at"`
}

// Collection converts a mongoColl to store.Collection type.
func (c mongoColl) Collection() (store.Collection, error) {
	out := store.Collection{
		ID: c.ID, UserID: c.UserID, Coin: c.Coin, Address: c.Address,
		TriggerTxid: c.TriggerTxid, Txid: c.Txid, MasterAddress: c.MasterAddress,
		Status: c.Status, CreatedAt: c.CreatedAt,
	}

	for _, pair := range []struct {
		raw string
		dst *decimal.Decimal
	}{{c.AmountSent, &out.AmountSent}, {c.TotalAmount, &out.TotalAmount}, {c.Fee, &out.Fee}} {
		var err error
		if *pair.dst, err = decimal.NewFromString(pair.raw); err != nil {
			return store.Collection{}, fmt.Errorf("bad amount %q in db: %w", pair.raw, err)
		}
	}

	return out, nil
}

// CreateCollection inserts the sweep marker document. A duplicate trigger txid returns
// ErrDuplicate unless the existing marker is failed, in which case it is taken over for the
// retry.
func (m *Mongo) CreateCollection(ctx context.Context, c store.Collection) (int64, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	if c.Status == "" {
		c.Status = store.CollectPending
	}

	id, err := m.nextID(ctx, "collections")
	if err != nil {
		return 0, err
	}

	_, err = m.col("collections").InsertOne(ctx, mongoColl{
		ID: id, UserID: c.UserID, Coin: c.Coin, Address: c.Address,
		TriggerTxid: c.TriggerTxid, Txid: c.Txid, AmountSent: c.AmountSent.String(),
		TotalAmount: c.TotalAmount.String(), Fee: c.Fee.String(),
		MasterAddress: c.MasterAddress, Status: c.Status, CreatedAt: c.CreatedAt,
	})
	if err == nil {
		return id, nil
	}

	if !errors.Is(storeErr(err), store.ErrDuplicate) {
		return 0, storeErr(err)
	}

	// the filtered FindOneAndUpdate is atomic, concurrent retriers race for the failed
	// marker and exactly one wins
	var taken mongoColl

	err = m.col("collections").FindOneAndUpdate(ctx,
		bson.M{"trigger_txid": c.TriggerTxid, "status": store.CollectFailed},
		bson.M{"$set": bson.M{
			"user_id": c.UserID, "txid": "", "amount_sent": c.AmountSent.String(),
			"total_amount": c.TotalAmount.String(), "fee": c.Fee.String(),
			"master_address": c.MasterAddress, "status": c.Status, "created_at": c.CreatedAt,
		}}).Decode(&taken)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return 0, store.ErrDuplicate
	}

	if err != nil {
		return 0, storeErr(err)
	}

	return taken.ID, nil
}

// FinishCollection records the broadcast result on the marker document.
func (m *Mongo) FinishCollection(ctx context.Context, id int64, txid, status string) error {
	res, err := m.col("collections").UpdateOne(ctx, bson.M{"id": id},
		bson.M{"$set": bson.M{"txid": txid, "status": status}})
	if err != nil {
		return storeErr(err)
	}

	return matched(res)
}

// CollectionsByAddress returns the sweeps of one address, most recent first.
func (m *Mongo) CollectionsByAddress(ctx context.Context, coin, address string) ([]store.Collection, error) {
	return m.findColls(ctx, bson.M{"coin": coin, "address": address},
		bson.D{{Key: "created_at", Value: -1}}, 0, 0)
}

// ListCollections returns sweeps, most recent first. userID 0 matches every user.
func (m *Mongo) ListCollections(ctx context.Context, userID int64, limit, offset int) ([]store.Collection, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	filter := bson.M{}
	if userID != 0 {
		filter["user_id"] = userID
	}

	return m.findColls(ctx, filter, bson.D{{Key: "created_at", Value: -1}}, int64(limit), int64(offset))
}

func (m *Mongo) findColls(ctx context.Context, filter bson.M, sort bson.D, limit, skip int64) ([]store.Collection, error) {
	var raw []mongoColl

	if err := m.findAll(ctx, "collections", filter, sort, limit, skip, &raw); err != nil {
		return nil, err
	}

	colls := make([]store.Collection, 0, len(raw))

	for _, r := range raw {
		c, err := r.Collection()
		if err != nil {
			return nil, err
		}

		colls = append(colls, c)
	}

	return colls, nil
}

// CreateSession inserts a login session.
func (m *Mongo) CreateSession(ctx context.Context, sess store.Session) (int64, error) {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}

	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}

	id, err := m.nextID(ctx, "sessions")
	if err != nil {
		return 0, err
	}

	sess.ID = id

	if _, err = m.col("sessions").InsertOne(ctx, sess); err != nil {
		return 0, storeErr(err)
	}

	return id, nil
}

// SessionByToken returns the live session with the given token, bumping its activity time.
func (m *Mongo) SessionByToken(ctx context.Context, token string) (store.Session, error) {
	var sess store.Session

	err := m.col("sessions").FindOne(ctx, bson.M{"token": token}).Decode(&sess)
	if err != nil {
		return store.Session{}, storeErr(err)
	}

	if !sess.ExpiresAt.After(time.Now().UTC()) {
		return store.Session{}, store.ErrNotFound
	}

	_, err = m.col("sessions").UpdateOne(ctx, bson.M{"id": sess.ID},
		bson.M{"$set": bson.M{"last_activity": time.Now().UTC()}})

	return sess, storeErr(err)
}

// DeleteExpiredSessions removes sessions past their expiry, returning how many were dropped.
func (m *Mongo) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := m.col("sessions").DeleteMany(ctx,
		bson.M{"expires_at": bson.M{"$lte": time.Now().UTC()}})
	if err != nil {
		return 0, storeErr(err)
	}

	return res.DeletedCount, nil
}

// LogActivity appends an audit trail entry.
func (m *Mongo) LogActivity(ctx context.Context, a store.Activity) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	id, err := m.nextID(ctx, "activities")
	if err != nil {
		return err
	}

	a.ID = id
	_, err = m.col("activities").InsertOne(ctx, a)

	return storeErr(err)
}

// ActivitiesByUser returns the most recent audit entries of a user.
func (m *Mongo) ActivitiesByUser(ctx context.Context, userID int64, limit int) ([]store.Activity, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	var acts []store.Activity

	err := m.findAll(ctx, "activities", bson.M{"user_id": userID},
		bson.D{{Key: "timestamp", Value: -1}, {Key: "id", Value: -1}}, int64(limit), 0, &acts)

	return acts, err
}

// SaveMonitorState upserts the persisted state of one coin monitor.
func (m *Mongo) SaveMonitorState(ctx context.Context, ms store.MonitorState) error {
	if ms.UpdatedAt.IsZero() {
		ms.UpdatedAt = time.Now().UTC()
	}

	_, err := m.col("monitor_states").UpdateOne(ctx,
		bson.M{"coin": ms.Coin},
		bson.M{"$set": ms},
		options.Update().SetUpsert(true))

	return storeErr(err)
}

// MonitorStates returns the persisted state of every coin monitor.
func (m *Mongo) MonitorStates(ctx context.Context) ([]store.MonitorState, error) {
	var states []store.MonitorState

	err := m.findAll(ctx, "monitor_states", bson.M{}, bson.D{{Key: "coin", Value: 1}}, 0, 0, &states)

	return states, err
}

// Stats returns aggregate counters, scoped to one user when userID is given.
func (m *Mongo) Stats(ctx context.Context, userID *int64) (store.Stats, error) {
	var (
		st     store.Stats
		day    = time.Now().UTC().Format("2006-01-02")
		filter = bson.M{}
	)

	if userID != nil {
		filter["user_id"] = *userID
	} else {
		users, err := m.col("users").CountDocuments(ctx, bson.M{})
		if err != nil {
			return store.Stats{}, storeErr(err)
		}

		st.Users = int(users)
	}

	active := bson.M{"is_active": true}
	for k, v := range filter {
		active[k] = v
	}

	for _, c := range []struct {
		col    string
		filter bson.M
		dst    *int
	}{
		{"addresses", active, &st.Addresses},
		{"transactions", filter, &st.Transactions},
		{"collections", filter, &st.Collections},
	} {
		n, err := m.col(c.col).CountDocuments(ctx, c.filter)
		if err != nil {
			return store.Stats{}, storeErr(err)
		}

		*c.dst = int(n)
	}

	callsFilter := bson.M{"day": day}
	for k, v := range filter {
		callsFilter[k] = v
	}

	cur, err := m.col("api_calls").Aggregate(ctx, mgo.Pipeline{
		bson.D{{Key: "$match", Value: callsFilter}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$calls"}}},
		}}},
	})
	if err != nil {
		return store.Stats{}, storeErr(err)
	}
	defer cur.Close(ctx)

	if cur.Next(ctx) {
		var doc struct {
			Total int `bson:"total"`
		}

		if err = cur.Decode(&doc); err != nil {
			return store.Stats{}, storeErr(err)
		}

		st.APICallsToday = doc.Total
	}

	return st, cur.Err()
}

// findAll decodes every document matching the filter into out.
func (m *Mongo) findAll(ctx context.Context, col string, filter bson.M, sort bson.D, limit, skip int64, out interface{}) error {
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}

	if skip > 0 {
		opts = opts.SetSkip(skip)
	}

	cur, err := m.col(col).Find(ctx, filter, opts)
	if err != nil {
		return storeErr(err)
	}

	return storeErr(cur.All(ctx, out))
}

func matched(res *mgo.UpdateResult) error {
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}

	return nil
}
