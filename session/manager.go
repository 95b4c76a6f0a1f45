package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"identswitch/models"
	"identswitch/resolver"
)

// AccountSource is the slice of the account store the manager needs.
type AccountSource interface {
	FindByID(userID, id uint) (*models.Account, error)
}

// Cipher re-encrypts resolved credentials before they enter the session
// and decrypts them on the way out.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type SwitchState int

const (
	// SwitchPrimary: the session is back on (or stayed on) the user's
	// own account.
	SwitchPrimary SwitchState = iota
	// SwitchSwitchedTo: the session now impersonates AccountID.
	SwitchSwitchedTo
	// SwitchNotFound: the requested target does not exist, is disabled,
	// or could not be resolved. Logged, no redirect.
	SwitchNotFound
)

// SwitchResult is the tagged outcome of a switch operation.
type SwitchResult struct {
	State     SwitchState
	AccountID uint
	Label     string
}

const sessionTTL = 24 * time.Hour

// Manager owns the session-backed switch state machine.
type Manager struct {
	store    Store
	accounts AccountSource
	logger   *log.Logger
}

func NewManager(store Store, accounts AccountSource, logger *log.Logger) *Manager {
	return &Manager{store: store, accounts: accounts, logger: logger}
}

func sessionKey(sessionID string) string {
	return "identswitch:sess:" + sessionID
}

// Load reads the session context, returning a fresh one when the session
// has no switch state yet.
func (m *Manager) Load(ctx context.Context, sessionID string) (*Context, error) {
	raw, err := m.store.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("session load: %w", err)
	}
	if raw == nil {
		return NewContext(), nil
	}
	var sc Context
	if err := json.Unmarshal(raw, &sc); err != nil {
		// A corrupt blob degrades to a fresh context rather than locking
		// the user out of switching.
		m.logger.Printf("session %s: corrupt context, resetting: %v", sessionID, err)
		return NewContext(), nil
	}
	if sc.Counts == nil {
		sc.Counts = make(map[uint]CountEntry)
	}
	return &sc, nil
}

// Save persists the session context.
func (m *Manager) Save(ctx context.Context, sessionID string, sc *Context) error {
	raw, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("session save: %w", err)
	}
	return m.store.Set(ctx, sessionKey(sessionID), raw, sessionTTL)
}

// Destroy removes the switch state at logout.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	return m.store.Delete(ctx, sessionKey(sessionID))
}

// SwitchTo moves the session onto the given account, or back onto the
// primary when targetID is PrimaryAccountID. The caller persists the
// mutated context afterwards.
func (m *Manager) SwitchTo(sc *Context, userID uint, targetID int, fallbackEmail string, cipher Cipher) SwitchResult {
	if targetID <= PrimaryAccountID {
		return m.switchBack(sc, userID)
	}

	acct, err := m.accounts.FindByID(userID, uint(targetID))
	if err != nil {
		m.logger.Printf("user %d: switch to %d: lookup failed: %v", userID, targetID, err)
		return SwitchResult{State: SwitchNotFound}
	}
	if acct == nil || !acct.Enabled {
		m.logger.Printf("user %d: switch to %d: no such enabled account", userID, targetID)
		return SwitchResult{State: SwitchNotFound}
	}

	params, err := resolver.Resolve(acct, resolver.ProtocolIMAP, fallbackEmail, cipher, m.parentLookup)
	if err != nil {
		m.logger.Printf("user %d: switch to %d: %v", userID, targetID, err)
		return SwitchResult{State: SwitchNotFound}
	}

	encPassword, err := cipher.Encrypt(params.Password)
	if err != nil {
		m.logger.Printf("user %d: switch to %d: re-encrypt: %v", userID, targetID, err)
		return SwitchResult{State: SwitchNotFound}
	}

	refresh := sc.ActiveAccountID == targetID

	// First departure from the primary snapshots its settings. The guard
	// keeps an earlier snapshot intact if a stale shadow survived.
	if !sc.Impersonating() && sc.Shadow == nil {
		snap := sc.Live.Clone()
		sc.Shadow = &snap
	}

	// Live slots are replaced wholesale; this also drops the previous
	// account's folder overrides before the target's are loaded.
	sc.Live = MailSettings{
		Host:      params.Host,
		Port:      params.Port,
		Security:  params.Security.String(),
		Username:  params.Username,
		Password:  encPassword,
		Delimiter: cloneDelimiter(acct.IMAPDelimiter),
		Folders:   acct.Folders(),
	}
	sc.ActiveAccountID = targetID

	if !refresh {
		sc.ResetBaseline(uint(targetID))
	}

	return SwitchResult{State: SwitchSwitchedTo, AccountID: acct.ID, Label: acct.DisplayName()}
}

func (m *Manager) switchBack(sc *Context, userID uint) SwitchResult {
	if !sc.Impersonating() {
		// Already primary; repeating the switch is a no-op.
		return SwitchResult{State: SwitchPrimary}
	}

	if sc.Shadow != nil {
		sc.Live = sc.Shadow.Clone()
		sc.Shadow = nil
	} else {
		// Shadow missing is a session-state inconsistency; degrade to
		// clearing the impersonation without restoring.
		m.logger.Printf("user %d: switch back with no shadow snapshot", userID)
		sc.Live = MailSettings{}
	}
	sc.ActiveAccountID = PrimaryAccountID
	sc.ResetBaseline(PrimaryCountKey)

	return SwitchResult{State: SwitchPrimary}
}

func (m *Manager) parentLookup(userID, id uint) (*models.Account, error) {
	return m.accounts.FindByID(userID, id)
}

func cloneDelimiter(d *string) *string {
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}
