// Package checker polls the INBOX unseen count of every checkable
// account and reconciles it with the session's cached counts. A cycle
// never aborts on one account's failure; a failed check keeps the
// previous cached count so a transient outage cannot zero the badge.
package checker

import (
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"identswitch/models"
	"identswitch/resolver"
	"identswitch/session"
)

// StatusDialer opens one short-lived IMAP connection and reads the INBOX
// unseen count. Implementations close the connection before returning.
type StatusDialer interface {
	UnseenCount(params resolver.ConnectionParams, timeout time.Duration) (uint32, error)
}

// Pusher delivers the two asynchronous messages to the client boundary.
type Pusher interface {
	PushCounts(userID uint, counts map[uint]session.CountEntry)
	PushNotify(userID uint, n Notification)
}

// Notification is fired when an account's unseen count increased since
// the previous observation.
type Notification struct {
	AccountID uint   `json:"account_id"`
	Label     string `json:"label"`
	Count     uint32 `json:"count"`
	Basic     bool   `json:"basic"`
	Sound     bool   `json:"sound"`
	Desktop   bool   `json:"desktop"`
}

// AccountLister is the slice of the account store the checker needs.
type AccountLister interface {
	ListCheckable(userID uint, checkDefault bool) ([]models.Account, error)
	FindByID(userID, id uint) (*models.Account, error)
	IdentityEmail(userID, identityRef uint) (string, error)
}

// Defaults are the global notification settings an inherit override
// falls back to.
type Defaults struct {
	Check   bool
	Basic   bool
	Sound   bool
	Desktop bool
}

type Config struct {
	// RoundRobin checks exactly one candidate per cycle instead of all
	// of them, advancing a session-stored cursor.
	RoundRobin bool
	// Timeout bounds each IMAP connection (default 5s).
	Timeout time.Duration
	// Parallelism bounds concurrent checks in all-at-once mode
	// (default 1).
	Parallelism int

	Defaults Defaults
}

type Checker struct {
	accounts AccountLister
	dialer   StatusDialer
	pusher   Pusher
	cfg      Config
	logger   *log.Logger
}

func New(accounts AccountLister, dialer StatusDialer, pusher Pusher, cfg Config, logger *log.Logger) *Checker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Checker{accounts: accounts, dialer: dialer, pusher: pusher, cfg: cfg, logger: logger}
}

// candidate is one account to check this cycle. acct is nil for the
// virtual primary record synthesized from the shadow snapshot. fallback
// is the username used when the record has none configured: the owning
// identity's address, or the login address when the identity has no
// record of it.
type candidate struct {
	key      uint
	label    string
	fallback string
	acct     *models.Account
}

// RunCycle performs one refresh cycle for the user's session, mutating
// the cached counts in sc. The caller persists sc afterwards. The
// full counts snapshot is always pushed, even for an empty candidate
// set.
func (ch *Checker) RunCycle(userID uint, fallbackEmail string, sc *session.Context, cipher session.Cipher) error {
	candidates, err := ch.buildCandidates(userID, fallbackEmail, sc)
	if err != nil {
		return err
	}

	if ch.cfg.RoundRobin && len(candidates) > 0 {
		// The modulo keeps the position valid when the candidate list
		// shrank or grew between cycles; the cursor itself only ever
		// advances.
		idx := sc.Cursor % len(candidates)
		sc.Cursor++
		candidates = candidates[idx : idx+1]
	}

	var mu sync.Mutex
	now := time.Now()

	if ch.cfg.Parallelism > 1 && len(candidates) > 1 {
		var g errgroup.Group
		g.SetLimit(ch.cfg.Parallelism)
		for _, cand := range candidates {
			cand := cand
			g.Go(func() error {
				ch.checkOne(userID, cand, sc, cipher, now, &mu)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, cand := range candidates {
			ch.checkOne(userID, cand, sc, cipher, now, &mu)
		}
	}

	ch.pusher.PushCounts(userID, snapshotCounts(sc))
	return nil
}

func (ch *Checker) buildCandidates(userID uint, fallbackEmail string, sc *session.Context) ([]candidate, error) {
	accounts, err := ch.accounts.ListCheckable(userID, ch.cfg.Defaults.Check)
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, 0, len(accounts)+1)
	for i := range accounts {
		acct := &accounts[i]
		// The live mail view already covers the active account.
		if sc.Impersonating() && int(acct.ID) == sc.ActiveAccountID {
			continue
		}
		fallback := fallbackEmail
		if email, err := ch.accounts.IdentityEmail(userID, acct.IdentityRef); err == nil && email != "" {
			fallback = email
		}
		candidates = append(candidates, candidate{key: acct.ID, label: acct.DisplayName(), fallback: fallback, acct: acct})
	}

	// While impersonating, the primary's own mailbox is no longer on
	// screen; track it through the shadow snapshot.
	if sc.Impersonating() && sc.Shadow != nil && sc.Shadow.Host != "" {
		candidates = append(candidates, candidate{key: session.PrimaryCountKey, label: fallbackEmail, fallback: fallbackEmail})
	}

	return candidates, nil
}

func (ch *Checker) checkOne(userID uint, cand candidate, sc *session.Context, cipher session.Cipher, now time.Time, mu *sync.Mutex) {
	params, err := ch.resolveCandidate(cand, sc, cipher)
	if err != nil {
		// Decrypt and consistency failures skip the account for this
		// cycle, keeping the previous cached count.
		ch.logger.Printf("user %d: check account %d: %v", userID, cand.key, err)
		return
	}

	count, err := ch.dialer.UnseenCount(params, ch.cfg.Timeout)
	if err != nil {
		ch.logger.Printf("user %d: check account %d (%s): %v", userID, cand.key, params.Host, err)
		return
	}

	mu.Lock()
	prev, had := sc.Counts[cand.key]
	entry := session.CountEntry{Unseen: count, CheckedAt: now}
	if had && prev.Baseline != nil {
		entry.Baseline = prev.Baseline
	} else {
		// First observation (or post-reset): the current count is the
		// zero-point, so no spurious delta shows.
		baseline := count
		entry.Baseline = &baseline
	}
	sc.Counts[cand.key] = entry
	increased := had && count > prev.Unseen
	mu.Unlock()

	if increased {
		ch.pusher.PushNotify(userID, ch.notification(cand, count))
	}
}

func (ch *Checker) resolveCandidate(cand candidate, sc *session.Context, cipher session.Cipher) (resolver.ConnectionParams, error) {
	if cand.acct != nil {
		return resolver.Resolve(cand.acct, resolver.ProtocolIMAP, cand.fallback, cipher, ch.accounts.FindByID)
	}

	// Virtual primary: connection parameters live in the shadow slots.
	shadow := sc.Shadow
	password, err := cipher.Decrypt(shadow.Password)
	if err != nil {
		return resolver.ConnectionParams{}, err
	}
	return resolver.ConnectionParams{
		Host:     shadow.Host,
		Port:     shadow.Port,
		Security: resolver.SecurityFromString(shadow.Security),
		Username: shadow.Username,
		Password: password,
	}, nil
}

func (ch *Checker) notification(cand candidate, count uint32) Notification {
	n := Notification{
		AccountID: cand.key,
		Label:     cand.label,
		Count:     count,
		Basic:     ch.cfg.Defaults.Basic,
		Sound:     ch.cfg.Defaults.Sound,
		Desktop:   ch.cfg.Defaults.Desktop,
	}
	if cand.acct != nil {
		n.Basic = cand.acct.NotifyBasic.Resolve(ch.cfg.Defaults.Basic)
		n.Sound = cand.acct.NotifySound.Resolve(ch.cfg.Defaults.Sound)
		n.Desktop = cand.acct.NotifyDesktop.Resolve(ch.cfg.Defaults.Desktop)
	}
	return n
}

func snapshotCounts(sc *session.Context) map[uint]session.CountEntry {
	snap := make(map[uint]session.CountEntry, len(sc.Counts))
	for k, v := range sc.Counts {
		snap[k] = v
	}
	return snap
}
