package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tarancss/chainwatch/lib/config"
	"github.com/tarancss/chainwatch/lib/store"
	"github.com/tarancss/chainwatch/lib/user"
)

// adminOnly guards the admin subtree.
func (s *Service) adminOnly(r *http.Request) error {
	if p := s.principal(r); p == nil || !p.IsAdmin() {
		return fmt.Errorf("%w: admin access required", user.ErrForbidden)
	}

	return nil
}

// pathID parses the {id} route variable.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid user id", errBadRequest)
	}

	return id, nil
}

// adminUsersHandler replies every registered account.
func (s *Service) adminUsersHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	if err = s.adminOnly(r); err != nil {
		return
	}

	var users []store.User
	if users, err = s.db.ListUsers(r.Context()); err != nil {
		return
	}

	out = map[string]interface{}{"users": users, "total": len(users)}
}

// adminCreateUserHandler registers an account and replies its API key, the only time the
// plaintext is shown.
func (s *Service) adminCreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	if err = s.adminOnly(r); err != nil {
		return
	}

	var req struct {
		Username string         `json:"username"`
		Email    string         `json:"email"`
		Role     string         `json:"role"`
		Quotas   *config.Quotas `json:"quotas"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		err = fmt.Errorf("%w: invalid JSON body", errBadRequest)

		return
	}

	var u store.User

	var key string

	if u, key, err = s.users.Register(r.Context(), req.Username, req.Email, req.Role); err != nil {
		return
	}

	if req.Quotas != nil {
		if err = s.db.SetQuotas(r.Context(), quotasOf(u.ID, *req.Quotas)); err != nil {
			return
		}
	}

	out = map[string]interface{}{"user": u, "api_key": key}
}

// adminUserHandler replies one account with its quotas.
func (s *Service) adminUserHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	if err = s.adminOnly(r); err != nil {
		return
	}

	var id int64
	if id, err = pathID(r); err != nil {
		return
	}

	var p *user.Principal
	if p, err = s.users.PrincipalOf(r.Context(), id); err != nil {
		return
	}

	out = map[string]interface{}{"user": p.User, "quotas": p.Quotas}
}

// adminUpdateUserHandler changes account fields and quotas. Absent fields keep their value.
func (s *Service) adminUpdateUserHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	if err = s.adminOnly(r); err != nil {
		return
	}

	var id int64
	if id, err = pathID(r); err != nil {
		return
	}

	var req struct {
		Email     *string        `json:"email"`
		Role      *string        `json:"role"`
		Status    *string        `json:"status"`
		RateLimit *int           `json:"rate_limit"`
		Settings  *string        `json:"settings"`
		Quotas    *config.Quotas `json:"quotas"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		err = fmt.Errorf("%w: invalid JSON body", errBadRequest)

		return
	}

	var u store.User
	if u, err = s.db.UserByID(r.Context(), id); err != nil {
		return
	}

	if req.Email != nil {
		u.Email = *req.Email
	}

	if req.Role != nil {
		switch *req.Role {
		case store.RoleAdmin, store.RoleUser, store.RoleViewer:
			u.Role = *req.Role
		default:
			err = fmt.Errorf("%w: unknown role %q", errBadRequest, *req.Role)

			return
		}
	}

	if req.Status != nil {
		switch *req.Status {
		case store.StatusActive, store.StatusInactive, store.StatusSuspended, store.StatusBanned:
			u.Status = *req.Status
		default:
			err = fmt.Errorf("%w: unknown status %q", errBadRequest, *req.Status)

			return
		}
	}

	if req.RateLimit != nil {
		u.RateLimit = *req.RateLimit
	}

	if req.Settings != nil {
		u.Settings = *req.Settings
	}

	if err = s.db.UpdateUser(r.Context(), u); err != nil {
		return
	}

	if req.Quotas != nil {
		if err = s.db.SetQuotas(r.Context(), quotasOf(id, *req.Quotas)); err != nil {
			return
		}
	}

	out = map[string]string{"message": "user updated"}
}

// adminDeleteUserHandler removes an account. Admins cannot remove themselves.
func (s *Service) adminDeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	if err = s.adminOnly(r); err != nil {
		return
	}

	var id int64
	if id, err = pathID(r); err != nil {
		return
	}

	if id == s.principal(r).User.ID {
		err = fmt.Errorf("%w: cannot delete own account", errBadRequest)

		return
	}

	if err = s.db.DeleteUser(r.Context(), id); err != nil {
		return
	}

	out = map[string]string{"message": "user deleted"}
}

// adminResetKeyHandler issues a new API key for an account.
func (s *Service) adminResetKeyHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	if err = s.adminOnly(r); err != nil {
		return
	}

	var id int64
	if id, err = pathID(r); err != nil {
		return
	}

	var key string
	if key, err = s.users.ResetAPIKey(r.Context(), id); err != nil {
		return
	}

	out = map[string]string{"new_api_key": key, "message": "previous API key is no longer valid"}
}

// adminActivityHandler replies the audit trail of one account.
func (s *Service) adminActivityHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	if err = s.adminOnly(r); err != nil {
		return
	}

	var id int64
	if id, err = pathID(r); err != nil {
		return
	}

	limit, _ := pageParams(r)

	var acts []store.Activity
	if acts, err = s.db.ActivitiesByUser(r.Context(), id, limit); err != nil {
		return
	}

	out = map[string]interface{}{"activity": acts, "total": len(acts)}
}

// adminStatsHandler replies the module-wide counters and the running monitors.
func (s *Service) adminStatsHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	if err = s.adminOnly(r); err != nil {
		return
	}

	var st store.Stats
	if st, err = s.db.Stats(r.Context(), nil); err != nil {
		return
	}

	out = map[string]interface{}{
		"totals":         st,
		"monitors":       s.engine.Status(),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}
}

// quotasOf maps configured quota values onto a user's stored row.
func quotasOf(userID int64, q config.Quotas) store.Quotas {
	return store.Quotas{
		UserID:                userID,
		MaxMonitoredAddresses: q.MaxMonitoredAddresses,
		MaxDailyAPICalls:      q.MaxDailyAPICalls,
		MaxConcurrentMonitors: q.MaxConcurrentMonitors,
		CanCollectFunds:       q.CanCollectFunds,
		CanCreateAddresses:    q.CanCreateAddresses,
		CanViewTransactions:   q.CanViewTransactions,
	}
}
