// Package resolver turns an account record into the effective connection
// parameters for one protocol: host with any embedded scheme prefix
// stripped, the default or explicit port, and the decrypted credentials.
// Alias records are followed one level; chained aliases fail closed.
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"identswitch/models"
)

type Protocol string

const (
	ProtocolIMAP  Protocol = "imap"
	ProtocolSMTP  Protocol = "smtp"
	ProtocolSieve Protocol = "sieve"
)

type Security int

const (
	SecurityNone Security = iota
	SecurityTLS           // STARTTLS on the plain port
	SecuritySSL           // implicit TLS from the first byte
)

func (s Security) String() string {
	switch s {
	case SecurityTLS:
		return "tls"
	case SecuritySSL:
		return "ssl"
	default:
		return "none"
	}
}

// SecurityFromString parses the persisted form; unknown values mean none.
func SecurityFromString(v string) Security {
	switch strings.ToLower(v) {
	case "tls":
		return SecurityTLS
	case "ssl":
		return SecuritySSL
	default:
		return SecurityNone
	}
}

// ConnectionParams is everything a protocol client needs to connect.
type ConnectionParams struct {
	Host     string
	Port     int
	Security Security
	Username string
	Password string
}

var (
	// ErrUnavailable means no usable parameters exist for this protocol:
	// blank host, missing alias parent, or an undecryptable password.
	ErrUnavailable = errors.New("connection parameters unavailable")
	// ErrAliasChain means the alias points at a record that is itself an
	// alias. Aliases must reference a fully configured parent.
	ErrAliasChain = errors.New("alias parent is itself an alias")
)

// Decrypter is the per-user credential decryption capability.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// ParentLookup fetches the alias parent by id, scoped to the same user.
type ParentLookup func(userID, id uint) (*models.Account, error)

// ParseHostScheme splits an optional case-insensitive ssl:// or tls://
// prefix off a persisted host value.
func ParseHostScheme(raw string) (Security, string) {
	trimmed := strings.TrimSpace(raw)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "ssl://"):
		return SecuritySSL, trimmed[len("ssl://"):]
	case strings.HasPrefix(lower, "tls://"):
		return SecurityTLS, trimmed[len("tls://"):]
	default:
		return SecurityNone, trimmed
	}
}

// ComposeHostScheme is the inverse, used when persisting a record from a
// form that submits security separately from the host.
func ComposeHostScheme(sec Security, host string) string {
	if host == "" || sec == SecurityNone {
		return host
	}
	return sec.String() + "://" + host
}

// DefaultPort returns the conventional port for the protocol and
// security mode. SMTP uses the submission port except under implicit
// TLS; Sieve always uses 4190.
func DefaultPort(proto Protocol, sec Security) int {
	switch proto {
	case ProtocolIMAP:
		if sec == SecuritySSL {
			return 993
		}
		return 143
	case ProtocolSMTP:
		if sec == SecuritySSL {
			return 465
		}
		return 587
	case ProtocolSieve:
		return 4190
	}
	return 0
}

// Resolve computes the connection parameters of one protocol for the
// given record. fallbackUser is the owning identity's email address,
// used when no username is configured. The function has no side effects
// beyond the parent lookup.
func Resolve(acct *models.Account, proto Protocol, fallbackUser string, dec Decrypter, parents ParentLookup) (ConnectionParams, error) {
	target := acct
	if acct.IsAlias() {
		if parents == nil {
			return ConnectionParams{}, fmt.Errorf("alias %d: no parent lookup: %w", acct.ID, ErrUnavailable)
		}
		parent, err := parents(acct.UserID, *acct.ParentID)
		if err != nil {
			return ConnectionParams{}, fmt.Errorf("alias %d: parent %d: %v: %w", acct.ID, *acct.ParentID, err, ErrUnavailable)
		}
		if parent == nil {
			return ConnectionParams{}, fmt.Errorf("alias %d: parent %d not found: %w", acct.ID, *acct.ParentID, ErrUnavailable)
		}
		if parent.IsAlias() {
			return ConnectionParams{}, fmt.Errorf("alias %d: parent %d: %w", acct.ID, *acct.ParentID, ErrAliasChain)
		}
		target = parent
	}

	switch proto {
	case ProtocolIMAP:
		return resolveIMAP(target, fallbackUser, dec)
	case ProtocolSMTP:
		return resolveWithAuthMode(target, proto, target.SMTPHost, target.SMTPPort,
			target.SMTPAuthMode, target.SMTPUsername, target.SMTPPassword, fallbackUser, dec)
	case ProtocolSieve:
		return resolveWithAuthMode(target, proto, target.SieveHost, target.SievePort,
			target.SieveAuthMode, target.SieveUsername, target.SievePassword, fallbackUser, dec)
	}
	return ConnectionParams{}, fmt.Errorf("unknown protocol %q: %w", proto, ErrUnavailable)
}

func resolveIMAP(target *models.Account, fallbackUser string, dec Decrypter) (ConnectionParams, error) {
	sec, host := ParseHostScheme(target.IMAPHost)
	if host == "" {
		return ConnectionParams{}, fmt.Errorf("account %d: no imap host: %w", target.ID, ErrUnavailable)
	}
	// Records written before the scheme-prefix convention carry the old
	// boolean instead. IMAP only.
	if sec == SecurityNone && target.LegacySecureIMAP {
		sec = SecurityTLS
	}

	port := target.IMAPPort
	if port == 0 {
		port = DefaultPort(ProtocolIMAP, sec)
	}

	username := target.IMAPUsername
	if username == "" {
		username = fallbackUser
	}
	password, err := dec.Decrypt(target.IMAPPassword)
	if err != nil {
		return ConnectionParams{}, fmt.Errorf("account %d: imap password: %v: %w", target.ID, err, ErrUnavailable)
	}

	return ConnectionParams{Host: host, Port: port, Security: sec, Username: username, Password: password}, nil
}

func resolveWithAuthMode(target *models.Account, proto Protocol, rawHost string, explicitPort int,
	authMode, username, encPassword, fallbackUser string, dec Decrypter) (ConnectionParams, error) {

	if rawHost == "" && proto == ProtocolSMTP {
		// SMTP inherits the IMAP server when not configured separately.
		rawHost = target.IMAPHost
	}
	sec, host := ParseHostScheme(rawHost)
	if host == "" {
		return ConnectionParams{}, fmt.Errorf("account %d: no %s host: %w", target.ID, proto, ErrUnavailable)
	}

	port := explicitPort
	if port == 0 {
		port = DefaultPort(proto, sec)
	}

	params := ConnectionParams{Host: host, Port: port, Security: sec}

	switch authMode {
	case models.AuthModeNone:
		// Empty credentials; the server side trusts the connection.
	case models.AuthModeCustom:
		params.Username = username
		if params.Username == "" {
			params.Username = fallbackUser
		}
		password, err := dec.Decrypt(encPassword)
		if err != nil {
			return ConnectionParams{}, fmt.Errorf("account %d: %s password: %v: %w", target.ID, proto, err, ErrUnavailable)
		}
		params.Password = password
	default:
		// use-imap-credentials, also the fallback for legacy rows with
		// an unset mode.
		imapParams, err := resolveIMAP(target, fallbackUser, dec)
		if err != nil {
			return ConnectionParams{}, err
		}
		params.Username = imapParams.Username
		params.Password = imapParams.Password
	}

	return params, nil
}
