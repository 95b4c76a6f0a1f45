package resolver

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identswitch/models"
)

type fakeCipher struct{}

func (fakeCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if !strings.HasPrefix(ciphertext, "enc:") {
		return "", errors.New("bad ciphertext")
	}
	return strings.TrimPrefix(ciphertext, "enc:"), nil
}

func account(id uint, mutate func(*models.Account)) *models.Account {
	a := &models.Account{
		UserID:       1,
		IdentityRef:  id,
		Enabled:      true,
		IMAPHost:     "mail.example.com",
		IMAPUsername: "user@example.com",
		IMAPPassword: "enc:secret",
	}
	a.ID = id
	if mutate != nil {
		mutate(a)
	}
	return a
}

func TestParseHostScheme(t *testing.T) {
	tests := []struct {
		raw  string
		sec  Security
		host string
	}{
		{"mail.example.com", SecurityNone, "mail.example.com"},
		{"ssl://mail.example.com", SecuritySSL, "mail.example.com"},
		{"tls://mail.example.com", SecurityTLS, "mail.example.com"},
		{"SSL://mail.example.com", SecuritySSL, "mail.example.com"},
		{"TLS://MAIL.example.com", SecurityTLS, "MAIL.example.com"},
		{"  ssl://mail.example.com ", SecuritySSL, "mail.example.com"},
		{"", SecurityNone, ""},
	}
	for _, tt := range tests {
		sec, host := ParseHostScheme(tt.raw)
		assert.Equal(t, tt.sec, sec, tt.raw)
		assert.Equal(t, tt.host, host, tt.raw)
	}
}

func TestComposeHostScheme(t *testing.T) {
	assert.Equal(t, "ssl://mail.example.com", ComposeHostScheme(SecuritySSL, "mail.example.com"))
	assert.Equal(t, "tls://mail.example.com", ComposeHostScheme(SecurityTLS, "mail.example.com"))
	assert.Equal(t, "mail.example.com", ComposeHostScheme(SecurityNone, "mail.example.com"))
	assert.Equal(t, "", ComposeHostScheme(SecuritySSL, ""))
}

func TestResolveIMAPDefaultPorts(t *testing.T) {
	tests := []struct {
		host string
		port int
		sec  Security
	}{
		{"ssl://mail.example.com", 993, SecuritySSL},
		{"tls://mail.example.com", 143, SecurityTLS},
		{"mail.example.com", 143, SecurityNone},
	}
	for _, tt := range tests {
		a := account(1, func(a *models.Account) { a.IMAPHost = tt.host })
		params, err := Resolve(a, ProtocolIMAP, "fallback@example.com", fakeCipher{}, nil)
		require.NoError(t, err, tt.host)
		assert.Equal(t, "mail.example.com", params.Host)
		assert.Equal(t, tt.port, params.Port)
		assert.Equal(t, tt.sec, params.Security)
	}
}

func TestResolveExplicitPortWins(t *testing.T) {
	a := account(1, func(a *models.Account) {
		a.IMAPHost = "ssl://mail.example.com"
		a.IMAPPort = 1993
	})
	params, err := Resolve(a, ProtocolIMAP, "", fakeCipher{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1993, params.Port)
}

func TestResolveLegacySecureIMAP(t *testing.T) {
	a := account(1, func(a *models.Account) { a.LegacySecureIMAP = true })
	params, err := Resolve(a, ProtocolIMAP, "", fakeCipher{}, nil)
	require.NoError(t, err)
	assert.Equal(t, SecurityTLS, params.Security)
	assert.Equal(t, 143, params.Port)

	// An explicit scheme prefix beats the legacy flag.
	a = account(1, func(a *models.Account) {
		a.IMAPHost = "ssl://mail.example.com"
		a.LegacySecureIMAP = true
	})
	params, err = Resolve(a, ProtocolIMAP, "", fakeCipher{}, nil)
	require.NoError(t, err)
	assert.Equal(t, SecuritySSL, params.Security)

	// The flag never applies to SMTP.
	a = account(1, func(a *models.Account) {
		a.LegacySecureIMAP = true
		a.SMTPHost = "smtp.example.com"
		a.SMTPAuthMode = models.AuthModeNone
	})
	params, err = Resolve(a, ProtocolSMTP, "", fakeCipher{}, nil)
	require.NoError(t, err)
	assert.Equal(t, SecurityNone, params.Security)
}

func TestResolveSMTPPorts(t *testing.T) {
	tests := []struct {
		host string
		port int
	}{
		{"ssl://smtp.example.com", 465},
		{"tls://smtp.example.com", 587},
		{"smtp.example.com", 587},
	}
	for _, tt := range tests {
		a := account(1, func(a *models.Account) {
			a.SMTPHost = tt.host
			a.SMTPAuthMode = models.AuthModeNone
		})
		params, err := Resolve(a, ProtocolSMTP, "", fakeCipher{}, nil)
		require.NoError(t, err, tt.host)
		assert.Equal(t, tt.port, params.Port, tt.host)
	}
}

func TestResolveSMTPHostFallsBackToIMAP(t *testing.T) {
	a := account(1, func(a *models.Account) {
		a.IMAPHost = "ssl://mail.example.com"
		a.SMTPHost = ""
		a.SMTPAuthMode = models.AuthModeNone
	})
	params, err := Resolve(a, ProtocolSMTP, "", fakeCipher{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", params.Host)
	assert.Equal(t, 465, params.Port)
}

func TestResolveSievePortIgnoresSecurity(t *testing.T) {
	for _, host := range []string{"sieve.example.com", "tls://sieve.example.com", "ssl://sieve.example.com"} {
		a := account(1, func(a *models.Account) {
			a.SieveHost = host
			a.SieveAuthMode = models.AuthModeNone
		})
		params, err := Resolve(a, ProtocolSieve, "", fakeCipher{}, nil)
		require.NoError(t, err, host)
		assert.Equal(t, 4190, params.Port, host)
	}
}

func TestResolveSieveAbsentHost(t *testing.T) {
	a := account(1, nil)
	_, err := Resolve(a, ProtocolSieve, "", fakeCipher{}, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestResolveUsernameFallback(t *testing.T) {
	a := account(1, func(a *models.Account) { a.IMAPUsername = "" })
	params, err := Resolve(a, ProtocolIMAP, "ident@example.com", fakeCipher{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ident@example.com", params.Username)
}

func TestResolveAuthModes(t *testing.T) {
	base := func(mode string) *models.Account {
		return account(1, func(a *models.Account) {
			a.SMTPHost = "smtp.example.com"
			a.SMTPAuthMode = mode
			a.SMTPUsername = "smtpuser"
			a.SMTPPassword = "enc:smtppass"
		})
	}

	params, err := Resolve(base(models.AuthModeIMAP), ProtocolSMTP, "", fakeCipher{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", params.Username)
	assert.Equal(t, "secret", params.Password)

	params, err = Resolve(base(models.AuthModeNone), ProtocolSMTP, "", fakeCipher{}, nil)
	require.NoError(t, err)
	assert.Empty(t, params.Username)
	assert.Empty(t, params.Password)

	params, err = Resolve(base(models.AuthModeCustom), ProtocolSMTP, "", fakeCipher{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "smtpuser", params.Username)
	assert.Equal(t, "smtppass", params.Password)

	// Legacy rows with an unset mode behave like use-imap.
	params, err = Resolve(base(""), ProtocolSMTP, "", fakeCipher{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", params.Username)
}

func TestResolveDecryptFailure(t *testing.T) {
	a := account(1, func(a *models.Account) { a.IMAPPassword = "garbage" })
	_, err := Resolve(a, ProtocolIMAP, "", fakeCipher{}, nil)
	assert.ErrorIs(t, err, ErrUnavailable)

	// use-imap credentials propagate the same failure to SMTP.
	a.SMTPHost = "smtp.example.com"
	a.SMTPAuthMode = models.AuthModeIMAP
	_, err = Resolve(a, ProtocolSMTP, "", fakeCipher{}, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestResolveAliasFollowsParent(t *testing.T) {
	parent := account(7, func(a *models.Account) { a.IMAPHost = "ssl://mail.example.com" })
	parentID := parent.ID
	alias := account(9, func(a *models.Account) {
		a.ParentID = &parentID
		a.ClearServerConfig()
	})

	lookup := func(userID, id uint) (*models.Account, error) {
		if id == parent.ID && userID == parent.UserID {
			return parent, nil
		}
		return nil, nil
	}

	direct, err := Resolve(parent, ProtocolIMAP, "fb@example.com", fakeCipher{}, nil)
	require.NoError(t, err)
	viaAlias, err := Resolve(alias, ProtocolIMAP, "fb@example.com", fakeCipher{}, lookup)
	require.NoError(t, err)
	assert.Equal(t, direct, viaAlias)
}

func TestResolveAliasMissingParent(t *testing.T) {
	missing := uint(99)
	alias := account(9, func(a *models.Account) { a.ParentID = &missing })
	lookup := func(userID, id uint) (*models.Account, error) { return nil, nil }

	_, err := Resolve(alias, ProtocolIMAP, "", fakeCipher{}, lookup)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestResolveAliasChainRejected(t *testing.T) {
	grandparentID := uint(1)
	parent := account(2, func(a *models.Account) { a.ParentID = &grandparentID })
	parentID := parent.ID
	alias := account(3, func(a *models.Account) { a.ParentID = &parentID })

	lookup := func(userID, id uint) (*models.Account, error) {
		if id == parent.ID {
			return parent, nil
		}
		return nil, nil
	}

	_, err := Resolve(alias, ProtocolIMAP, "", fakeCipher{}, lookup)
	assert.ErrorIs(t, err, ErrAliasChain)
}
