package session

import (
	"time"
)

// PrimaryAccountID is the switch target meaning "back to the user's own
// login account".
const PrimaryAccountID = -1

// PrimaryCountKey is the cached-counts key of the primary account.
// Record ids start at 1, so 0 is free.
const PrimaryCountKey uint = 0

// MailSettings are the live storage parameters the mail view connects
// with. The password is kept in its encrypted form; it is decrypted only
// at connection time.
type MailSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Security string `json:"security"`
	Username string `json:"username"`
	Password string `json:"password"` // encrypted

	// Delimiter overrides the folder hierarchy separator; nil means
	// auto-detect.
	Delimiter *string `json:"delimiter,omitempty"`

	// Folders maps folder type (drafts/sent/junk/trash) to the mailbox
	// name for the active account.
	Folders map[string]string `json:"folders,omitempty"`
}

// Clone deep-copies the settings so shadow and live slots never share
// the folder map.
func (m MailSettings) Clone() MailSettings {
	cp := m
	if m.Delimiter != nil {
		d := *m.Delimiter
		cp.Delimiter = &d
	}
	if m.Folders != nil {
		cp.Folders = make(map[string]string, len(m.Folders))
		for k, v := range m.Folders {
			cp.Folders[k] = v
		}
	}
	return cp
}

// CountEntry is the cached unread state of one account. Baseline is set
// on first observation and held until explicitly reset; the UI badge
// shows Unseen - Baseline clamped to zero.
type CountEntry struct {
	Unseen    uint32    `json:"unseen"`
	Baseline  *uint32   `json:"baseline,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Delta is the "new since last reset" count.
func (e CountEntry) Delta() uint32 {
	if e.Baseline == nil || e.Unseen <= *e.Baseline {
		return 0
	}
	return e.Unseen - *e.Baseline
}

// Context is the per-session switch state, created at login and
// destroyed at logout. It is mutated only by the single request thread
// owning the session.
type Context struct {
	// ActiveAccountID is PrimaryAccountID when no switch is in effect,
	// otherwise the record id being impersonated.
	ActiveAccountID int `json:"active_account_id"`

	// Live holds the storage settings the mail view currently uses.
	Live MailSettings `json:"live"`

	// Shadow snapshots the primary account's settings the first time the
	// session switches away from it, and is restored on switch-back. It
	// is populated at most once per session.
	Shadow *MailSettings `json:"shadow,omitempty"`

	// Counts caches unread state per record id (PrimaryCountKey for the
	// primary account).
	Counts map[uint]CountEntry `json:"counts"`

	// Cursor is the round-robin position of the background checker.
	Cursor int `json:"cursor"`
}

func NewContext() *Context {
	return &Context{
		ActiveAccountID: PrimaryAccountID,
		Counts:          make(map[uint]CountEntry),
	}
}

// Impersonating reports whether the live settings belong to a configured
// account rather than the user's own.
func (c *Context) Impersonating() bool {
	return c.ActiveAccountID != PrimaryAccountID
}

// ResetBaseline clears only the stored baseline of one account's entry,
// making the next observed count the new zero-point.
func (c *Context) ResetBaseline(key uint) {
	entry, ok := c.Counts[key]
	if !ok {
		return
	}
	entry.Baseline = nil
	c.Counts[key] = entry
}
