package models

import (
	"gorm.io/gorm"
)

// Auth modes for the SMTP and Sieve credential choice. IMAP always uses
// its own stored credentials.
const (
	AuthModeIMAP   = "use-imap"
	AuthModeNone   = "none"
	AuthModeCustom = "custom"
)

// Folder type keys for the special-folder overrides.
const (
	FolderDrafts = "drafts"
	FolderSent   = "sent"
	FolderJunk   = "junk"
	FolderTrash  = "trash"
)

// Account holds the server configuration of one switchable identity
// account. A record is either a full configuration or, when ParentID is
// set, an alias that inherits every protocol field from its parent.
// The user's own login account never has a record.
type Account struct {
	gorm.Model
	UserID      uint `gorm:"not null;index;uniqueIndex:idx_accounts_user_identity" json:"user_id"`
	IdentityRef uint `gorm:"not null;uniqueIndex:idx_accounts_user_identity" json:"identity_ref"`

	// ParentID marks this record as an alias of another record owned by
	// the same user. Alias records carry only ParentID, Label and
	// Enabled; their protocol fields are cleared on save.
	ParentID *uint `gorm:"index" json:"parent_id,omitempty"`

	Enabled bool   `gorm:"default:true" json:"enabled"`
	Label   string `json:"label"`

	// ========= IMAP (mandatory) =========
	// Hosts are persisted with an optional ssl:// or tls:// prefix for
	// compatibility with older records; the prefix is parsed out at the
	// resolver boundary, never interpreted deeper in.
	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port"`
	IMAPUsername string `json:"imap_username"`
	IMAPPassword string `json:"-"` // Encrypted in application layer
	// LegacySecureIMAP is the pre-prefix boolean; with no scheme prefix
	// on IMAPHost it forces STARTTLS. It never applies to SMTP or Sieve.
	LegacySecureIMAP bool `json:"legacy_secure_imap"`

	// IMAPDelimiter overrides the folder hierarchy separator; nil means
	// auto-detect from the server.
	IMAPDelimiter *string `gorm:"size:1" json:"imap_delimiter,omitempty"`

	// ========= SMTP (host falls back to IMAP host when blank) =========
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPAuthMode string `gorm:"default:'use-imap'" json:"smtp_auth_mode"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"` // Encrypted in application layer

	// ========= Sieve (entirely optional; blank host disables it) =========
	SieveHost     string `json:"sieve_host"`
	SievePort     int    `json:"sieve_port"`
	SieveAuthMode string `gorm:"default:'use-imap'" json:"sieve_auth_mode"`
	SieveUsername string `json:"sieve_username"`
	SievePassword string `json:"-"` // Encrypted in application layer

	// ========= Notification overrides (null = inherit global default) =========
	NotifyCheck   TriState `json:"notify_check"`
	NotifyBasic   TriState `json:"notify_basic"`
	NotifySound   TriState `json:"notify_sound"`
	NotifyDesktop TriState `json:"notify_desktop"`

	// ========= Special folder overrides =========
	// Settable only while impersonating this account.
	DraftsMbox string `json:"drafts_mbox"`
	SentMbox   string `json:"sent_mbox"`
	JunkMbox   string `json:"junk_mbox"`
	TrashMbox  string `json:"trash_mbox"`
}

// IsAlias reports whether this record inherits its configuration.
func (a *Account) IsAlias() bool {
	return a.ParentID != nil
}

// DisplayName is the label shown in the switch menu, falling back to the
// IMAP username when no label is set.
func (a *Account) DisplayName() string {
	if a.Label != "" {
		return a.Label
	}
	return a.IMAPUsername
}

// Folders returns the non-empty special-folder overrides keyed by folder
// type.
func (a *Account) Folders() map[string]string {
	f := make(map[string]string, 4)
	if a.DraftsMbox != "" {
		f[FolderDrafts] = a.DraftsMbox
	}
	if a.SentMbox != "" {
		f[FolderSent] = a.SentMbox
	}
	if a.JunkMbox != "" {
		f[FolderJunk] = a.JunkMbox
	}
	if a.TrashMbox != "" {
		f[FolderTrash] = a.TrashMbox
	}
	return f
}

// ClearServerConfig empties every protocol field. Alias records are
// persisted this way so stale configuration can never leak through.
func (a *Account) ClearServerConfig() {
	a.IMAPHost = ""
	a.IMAPPort = 0
	a.IMAPUsername = ""
	a.IMAPPassword = ""
	a.LegacySecureIMAP = false
	a.IMAPDelimiter = nil
	a.SMTPHost = ""
	a.SMTPPort = 0
	a.SMTPAuthMode = ""
	a.SMTPUsername = ""
	a.SMTPPassword = ""
	a.SieveHost = ""
	a.SievePort = 0
	a.SieveAuthMode = ""
	a.SieveUsername = ""
	a.SievePassword = ""
	a.DraftsMbox = ""
	a.SentMbox = ""
	a.JunkMbox = ""
	a.TrashMbox = ""
}

// Sanitize clears encrypted secrets before the record is returned to a
// client.
func (a *Account) Sanitize() {
	a.IMAPPassword = ""
	a.SMTPPassword = ""
	a.SievePassword = ""
}
