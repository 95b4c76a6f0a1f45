package checker

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"identswitch/resolver"
)

// IMAPDialer is the production StatusDialer. Each call opens a fresh
// connection, runs a single STATUS and logs out; nothing is pooled.
type IMAPDialer struct{}

func (IMAPDialer) UnseenCount(params resolver.ConnectionParams, timeout time.Duration) (uint32, error) {
	addr := fmt.Sprintf("%s:%d", params.Host, params.Port)
	dialer := &net.Dialer{Timeout: timeout}
	tlsConfig := &tls.Config{ServerName: params.Host}

	var c *client.Client
	var err error
	switch params.Security {
	case resolver.SecuritySSL:
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	case resolver.SecurityTLS:
		c, err = client.DialWithDialer(dialer, addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	default:
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return 0, fmt.Errorf("imap connect %s: %w", addr, err)
	}
	defer c.Logout()

	c.Timeout = timeout

	if params.Username != "" {
		if err := c.Login(params.Username, params.Password); err != nil {
			return 0, fmt.Errorf("imap login %s: %w", addr, err)
		}
	}

	status, err := c.Status("INBOX", []imap.StatusItem{imap.StatusUnseen})
	if err != nil {
		return 0, fmt.Errorf("imap status %s: %w", addr, err)
	}
	return status.Unseen, nil
}
