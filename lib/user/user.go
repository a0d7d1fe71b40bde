// Package user implements account management on top of the store: API keys, roles, quota
// enforcement, capability gates, sessions and the audit trail.
package user

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarancss/chainwatch/lib/config"
	"github.com/tarancss/chainwatch/lib/logger"
	"github.com/tarancss/chainwatch/lib/store"
)

// Errors returned
var (
	ErrAuthFailed    = errors.New("authentication failed")
	ErrForbidden     = errors.New("operation not permitted for this user")
	ErrQuotaExceeded = errors.New("user quota exceeded")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrInvalid       = errors.New("invalid user request")
)

const (
	dayFormat = "2006-01-02"
	keyBytes  = 32
)

// Capabilities gated by the per-user quota flags.
const (
	CapCollectFunds     = "can_collect_funds"
	CapCreateAddresses  = "can_create_addresses"
	CapViewTransactions = "can_view_transactions"
)

// Principal is an authenticated user together with its quotas.
type Principal struct {
	User   store.User
	Quotas store.Quotas
}

// IsAdmin reports whether the principal has the admin role.
func (p *Principal) IsAdmin() bool {
	return p.User.Role == store.RoleAdmin
}

// Can reports whether the principal holds a capability. Admins hold all of them.
func (p *Principal) Can(capability string) bool {
	if p.IsAdmin() {
		return true
	}

	switch capability {
	case CapCollectFunds:
		return p.Quotas.CanCollectFunds
	case CapCreateAddresses:
		return p.Quotas.CanCreateAddresses
	case CapViewTransactions:
		return p.Quotas.CanViewTransactions
	}

	return false
}

// Manager implements account operations over the store.
type Manager struct {
	db             store.DB
	defaults       config.Quotas
	sessionTimeout time.Duration
	log            zerolog.Logger

	// serializes the address count-and-insert per user, so concurrent registrations
	// cannot both pass the quota check at limit-1
	almu      sync.Mutex
	addrLocks map[int64]*sync.Mutex
}

// NewManager returns a manager applying the configured default quotas and session timeout.
func NewManager(dbh store.DB, cfg config.Multiuser) *Manager {
	timeout := time.Duration(cfg.SessionTimeout) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}

	return &Manager{
		db:             dbh,
		defaults:       cfg.DefaultQuotas,
		sessionTimeout: timeout,
		addrLocks:      make(map[int64]*sync.Mutex),
		log:            logger.GetLogger().With().Str("component", "user").Logger(),
	}
}

// GenerateAPIKey returns a fresh API key for the role and its storable hash. The plaintext is
// shown once and never persisted.
func GenerateAPIKey(role string) (key, hash string, err error) {
	var b [keyBytes]byte
	if _, err = rand.Read(b[:]); err != nil {
		return "", "", fmt.Errorf("could not generate API key: %w", err)
	}

	prefix := "user"
	if role == store.RoleAdmin {
		prefix = "admin"
	}

	key = prefix + "_" + base64.RawURLEncoding.EncodeToString(b[:])

	return key, HashKey(key), nil
}

// HashKey returns the SHA-256 hex digest under which a key is stored and looked up.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))

	return hex.EncodeToString(sum[:])
}

// Authenticate resolves an API key to a principal. Unknown keys, inactive users and empty
// keys all fail the same way.
func (m *Manager) Authenticate(ctx context.Context, apiKey string) (*Principal, error) {
	if apiKey == "" {
		return nil, ErrAuthFailed
	}

	hash := HashKey(apiKey)

	u, err := m.db.UserByKeyHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAuthFailed
	}

	if err != nil {
		return nil, err
	}

	// the index lookup alone must not decide
	if subtle.ConstantTimeCompare([]byte(hash), []byte(u.APIKeyHash)) != 1 {
		return nil, ErrAuthFailed
	}

	if u.Status != store.StatusActive {
		return nil, ErrAuthFailed
	}

	return &Principal{User: u, Quotas: m.quotasOf(ctx, u)}, nil
}

// AuthenticateSession resolves a session token to a principal.
func (m *Manager) AuthenticateSession(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrAuthFailed
	}

	sess, err := m.db.SessionByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAuthFailed
	}

	if err != nil {
		return nil, err
	}

	u, err := m.db.UserByID(ctx, sess.UserID)
	if err != nil {
		return nil, ErrAuthFailed
	}

	if u.Status != store.StatusActive {
		return nil, ErrAuthFailed
	}

	return &Principal{User: u, Quotas: m.quotasOf(ctx, u)}, nil
}

// Login exchanges an API key for a session valid for the configured timeout.
func (m *Manager) Login(ctx context.Context, apiKey, ip, userAgent string) (store.Session, error) {
	p, err := m.Authenticate(ctx, apiKey)
	if err != nil {
		return store.Session{}, err
	}

	var b [keyBytes]byte
	if _, err = rand.Read(b[:]); err != nil {
		return store.Session{}, fmt.Errorf("could not generate session token: %w", err)
	}

	now := time.Now().UTC()
	sess := store.Session{
		UserID:       p.User.ID,
		Token:        base64.RawURLEncoding.EncodeToString(b[:]),
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.sessionTimeout),
		LastActivity: now,
		IP:           ip,
		UserAgent:    userAgent,
	}

	if sess.ID, err = m.db.CreateSession(ctx, sess); err != nil {
		return store.Session{}, err
	}

	if err = m.db.TouchLogin(ctx, p.User.ID); err != nil {
		return store.Session{}, err
	}

	m.audit(ctx, p.User.ID, "login", "session", "", ip, userAgent)

	return sess, nil
}

// PrincipalOf loads the principal of a known user ID, applying the default quotas when none
// are stored. It does not authenticate.
func (m *Manager) PrincipalOf(ctx context.Context, userID int64) (*Principal, error) {
	u, err := m.db.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &Principal{User: u, Quotas: m.quotasOf(ctx, u)}, nil
}

// CountRequest spends one unit of the daily API budget, failing the request once the budget is
// gone. Admins are not budgeted.
func (m *Manager) CountRequest(ctx context.Context, p *Principal) error {
	if p.IsAdmin() || p.Quotas.MaxDailyAPICalls <= 0 {
		return nil
	}

	n, err := m.db.CountAPICall(ctx, p.User.ID, time.Now().UTC().Format(dayFormat))
	if err != nil {
		return err
	}

	if n > p.Quotas.MaxDailyAPICalls {
		return fmt.Errorf("%w: %d API calls per day", ErrRateLimited, p.Quotas.MaxDailyAPICalls)
	}

	return nil
}

// Register creates a user with the default quotas, returning the user and its API key
// plaintext. Role defaults to user.
func (m *Manager) Register(ctx context.Context, username, email, role string) (store.User, string, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if username == "" || !strings.Contains(email, "@") {
		return store.User{}, "", fmt.Errorf("%w: username and email are required", ErrInvalid)
	}

	switch role {
	case "":
		role = store.RoleUser
	case store.RoleAdmin, store.RoleUser, store.RoleViewer:
	default:
		return store.User{}, "", fmt.Errorf("%w: unknown role %q", ErrInvalid, role)
	}

	key, hash, err := GenerateAPIKey(role)
	if err != nil {
		return store.User{}, "", err
	}

	u := store.User{
		Username:   username,
		Email:      email,
		APIKeyHash: hash,
		Role:       role,
		Status:     store.StatusActive,
		RateLimit:  config.RestDefault.RateLimit,
	}

	if u.ID, err = m.db.CreateUser(ctx, u); err != nil {
		return store.User{}, "", err
	}

	if err = m.db.SetQuotas(ctx, m.defaultQuotas(u.ID, role)); err != nil {
		return store.User{}, "", err
	}

	m.audit(ctx, u.ID, "user_registered", "user", username, "", "")
	m.log.Info().Str("username", username).Str("role", role).Msg("user registered")

	return u, key, nil
}

// UpdateProfile updates the mutable fields of a user.
func (m *Manager) UpdateProfile(ctx context.Context, u store.User) error {
	return m.db.UpdateUser(ctx, u)
}

// ResetAPIKey issues a new API key for the user, invalidating the old one.
func (m *Manager) ResetAPIKey(ctx context.Context, userID int64) (string, error) {
	u, err := m.db.UserByID(ctx, userID)
	if err != nil {
		return "", err
	}

	key, hash, err := GenerateAPIKey(u.Role)
	if err != nil {
		return "", err
	}

	if err = m.db.SetAPIKeyHash(ctx, userID, hash); err != nil {
		return "", err
	}

	m.audit(ctx, userID, "api_key_reset", "user", u.Username, "", "")

	return key, nil
}

// AddAddress puts an address under watch for the principal, enforcing the capability and the
// address quota before any write.
func (m *Manager) AddAddress(ctx context.Context, p *Principal, a store.MonitoredAddress, ip, userAgent string) (int64, error) {
	if !p.Can(CapCreateAddresses) {
		return 0, fmt.Errorf("%w: %s", ErrForbidden, CapCreateAddresses)
	}

	l := m.addrLock(p.User.ID)
	l.Lock()
	defer l.Unlock()

	n, err := m.db.CountActiveAddresses(ctx, p.User.ID)
	if err != nil {
		return 0, err
	}

	if max := p.Quotas.MaxMonitoredAddresses; !p.IsAdmin() && max > 0 && n >= max {
		return 0, fmt.Errorf("%w: %d monitored addresses", ErrQuotaExceeded, max)
	}

	a.UserID = p.User.ID

	id, err := m.db.AddAddress(ctx, a)
	if err != nil {
		return 0, err
	}

	m.audit(ctx, p.User.ID, "address_added", "address", a.Address, ip, userAgent)

	return id, nil
}

func (m *Manager) addrLock(userID int64) *sync.Mutex {
	m.almu.Lock()
	defer m.almu.Unlock()

	l, ok := m.addrLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.addrLocks[userID] = l
	}

	return l
}

// RemoveAddress takes an address out of watch for the principal.
func (m *Manager) RemoveAddress(ctx context.Context, p *Principal, coin, address, ip, userAgent string) error {
	if err := m.db.RemoveAddress(ctx, p.User.ID, coin, address); err != nil {
		return err
	}

	m.audit(ctx, p.User.ID, "address_removed", "address", address, ip, userAgent)

	return nil
}

// MonitorBudget returns how many concurrent monitors the principal may run, 0 meaning
// unlimited.
func (m *Manager) MonitorBudget(p *Principal) int {
	if p.IsAdmin() {
		return 0
	}

	return p.Quotas.MaxConcurrentMonitors
}

// UserStats returns the aggregate counters of one user.
func (m *Manager) UserStats(ctx context.Context, userID int64) (store.Stats, error) {
	return m.db.Stats(ctx, &userID)
}

// EnsureAdmin provisions the admin account on first start. When configuredKey is empty a key
// is generated and logged once; an existing admin leaves the store untouched and returns "".
func (m *Manager) EnsureAdmin(ctx context.Context, configuredKey string) (string, error) {
	users, err := m.db.ListUsers(ctx)
	if err != nil {
		return "", err
	}

	for _, u := range users {
		if u.Role == store.RoleAdmin {
			return "", nil
		}
	}

	key := configuredKey
	generated := false

	if key == "" {
		if key, _, err = GenerateAPIKey(store.RoleAdmin); err != nil {
			return "", err
		}

		generated = true
	}

	admin := store.User{
		Username:   "admin",
		Email:      "admin@localhost",
		APIKeyHash: HashKey(key),
		Role:       store.RoleAdmin,
		Status:     store.StatusActive,
		RateLimit:  config.RestDefault.RateLimit,
	}

	if admin.ID, err = m.db.CreateUser(ctx, admin); err != nil {
		return "", err
	}

	q := m.defaultQuotas(admin.ID, store.RoleAdmin)
	if err = m.db.SetQuotas(ctx, q); err != nil {
		return "", err
	}

	if generated {
		m.log.Warn().Str("api_key", key).Msg("generated admin API key, store it now: it is not shown again")
	} else {
		m.log.Info().Msg("admin account provisioned from configuration")
	}

	return key, nil
}

// CleanupSessions drops expired sessions, meant to run periodically.
func (m *Manager) CleanupSessions(ctx context.Context) {
	n, err := m.db.DeleteExpiredSessions(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("session cleanup failed")

		return
	}

	if n > 0 {
		m.log.Debug().Int64("dropped", n).Msg("expired sessions removed")
	}
}

// quotasOf returns the stored quotas of a user, falling back to the configured defaults.
func (m *Manager) quotasOf(ctx context.Context, u store.User) store.Quotas {
	q, err := m.db.QuotasByUser(ctx, u.ID)
	if err != nil {
		return m.defaultQuotas(u.ID, u.Role)
	}

	return q
}

// defaultQuotas maps the configured defaults to a user, admins getting every capability.
func (m *Manager) defaultQuotas(userID int64, role string) store.Quotas {
	q := store.Quotas{
		UserID:                userID,
		MaxMonitoredAddresses: m.defaults.MaxMonitoredAddresses,
		MaxDailyAPICalls:      m.defaults.MaxDailyAPICalls,
		MaxConcurrentMonitors: m.defaults.MaxConcurrentMonitors,
		CanCollectFunds:       m.defaults.CanCollectFunds,
		CanCreateAddresses:    m.defaults.CanCreateAddresses,
		CanViewTransactions:   m.defaults.CanViewTransactions,
	}

	if role == store.RoleAdmin {
		q.CanCollectFunds = true
		q.CanCreateAddresses = true
		q.CanViewTransactions = true
	}

	return q
}

// audit writes a best effort audit trail entry.
func (m *Manager) audit(ctx context.Context, userID int64, action, resourceType, resourceID, ip, userAgent string) {
	err := m.db.LogActivity(ctx, store.Activity{
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IP:           ip,
		UserAgent:    userAgent,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		m.log.Error().Err(err).Str("action", action).Msg("could not record activity")
	}
}
