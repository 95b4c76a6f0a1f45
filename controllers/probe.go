package controller

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/client"
	"gopkg.in/gomail.v2"

	"identswitch/models"
	"identswitch/resolver"
	"identswitch/session"
)

// testTimeout bounds each pre-save connection test. Longer than the
// background check timeout because a save is interactive and a false
// rejection is worse than a slow one.
const testTimeout = 10 * time.Second

// testCandidate opens and immediately closes one connection per
// configured protocol with the candidate credentials. The first failure
// aborts with a protocol-tagged code so the UI can point at the right
// form section.
func testCandidate(acct *models.Account, fallbackEmail string, cipher session.Cipher) (string, error) {
	imapParams, err := resolver.Resolve(acct, resolver.ProtocolIMAP, fallbackEmail, cipher, nil)
	if err != nil {
		return "imap_failed", err
	}
	if err := probeIMAP(imapParams); err != nil {
		return "imap_failed", err
	}

	smtpParams, err := resolver.Resolve(acct, resolver.ProtocolSMTP, fallbackEmail, cipher, nil)
	if err != nil {
		return "smtp_failed", err
	}
	if err := probeSMTP(smtpParams); err != nil {
		return "smtp_failed", err
	}

	// Sieve is entirely optional; a blank host disables the feature.
	if acct.SieveHost != "" {
		sieveParams, err := resolver.Resolve(acct, resolver.ProtocolSieve, fallbackEmail, cipher, nil)
		if err != nil {
			return "sieve_failed", err
		}
		if err := probeSieve(sieveParams); err != nil {
			return "sieve_failed", err
		}
	}

	return "", nil
}

func probeIMAP(params resolver.ConnectionParams) error {
	addr := fmt.Sprintf("%s:%d", params.Host, params.Port)
	dialer := &net.Dialer{Timeout: testTimeout}
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
		return fmt.Errorf("imap connect %s: %w", addr, err)
	}
	defer c.Logout()

	c.Timeout = testTimeout
	if params.Username != "" {
		if err := c.Login(params.Username, params.Password); err != nil {
			return fmt.Errorf("imap login %s: %w", addr, err)
		}
	}
	return nil
}

func probeSMTP(params resolver.ConnectionParams) error {
	d := gomail.NewDialer(params.Host, params.Port, params.Username, params.Password)
	switch params.Security {
	case resolver.SecuritySSL:
		d.SSL = true
	case resolver.SecurityTLS:
		d.TLSConfig = &tls.Config{ServerName: params.Host}
	}

	// gomail has no dial timeout of its own.
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		closer, err := d.Dial()
		if err != nil {
			errChan <- err
			return
		}
		errChan <- closer.Close()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("smtp connect %s:%d: %w", params.Host, params.Port, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp connect %s:%d: %w", params.Host, params.Port, ctx.Err())
	}
}

// probeSieve speaks just enough ManageSieve (RFC 5804) to verify host
// and credentials: greeting, optional STARTTLS, AUTHENTICATE PLAIN,
// LOGOUT.
func probeSieve(params resolver.ConnectionParams) error {
	addr := fmt.Sprintf("%s:%d", params.Host, params.Port)

	conn, err := net.DialTimeout("tcp", addr, testTimeout)
	if err != nil {
		return fmt.Errorf("sieve connect %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(testTimeout))

	tlsConfig := &tls.Config{ServerName: params.Host}
	if params.Security == resolver.SecuritySSL {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("sieve tls %s: %w", addr, err)
		}
		conn = tlsConn
	}

	r := bufio.NewReader(conn)
	if err := readSieveResponse(r); err != nil {
		return fmt.Errorf("sieve greeting %s: %w", addr, err)
	}

	if params.Security == resolver.SecurityTLS {
		if _, err := fmt.Fprintf(conn, "STARTTLS\r\n"); err != nil {
			return fmt.Errorf("sieve starttls %s: %w", addr, err)
		}
		if err := readSieveResponse(r); err != nil {
			return fmt.Errorf("sieve starttls %s: %w", addr, err)
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("sieve tls %s: %w", addr, err)
		}
		conn = tlsConn
		r = bufio.NewReader(conn)
		// The server re-sends its capabilities after the handshake.
		if err := readSieveResponse(r); err != nil {
			return fmt.Errorf("sieve greeting %s: %w", addr, err)
		}
	}

	if params.Username != "" {
		ir := base64.StdEncoding.EncodeToString([]byte("\x00" + params.Username + "\x00" + params.Password))
		if _, err := fmt.Fprintf(conn, "AUTHENTICATE \"PLAIN\" \"%s\"\r\n", ir); err != nil {
			return fmt.Errorf("sieve auth %s: %w", addr, err)
		}
		if err := readSieveResponse(r); err != nil {
			return fmt.Errorf("sieve auth %s: %w", addr, err)
		}
	}

	_, _ = fmt.Fprintf(conn, "LOGOUT\r\n")
	return nil
}

// readSieveResponse consumes lines until the terminating OK/NO/BYE.
func readSieveResponse(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "OK"):
			return nil
		case strings.HasPrefix(upper, "NO"), strings.HasPrefix(upper, "BYE"):
			return fmt.Errorf("server rejected: %s", trimmed)
		}
		// Anything else is a capability line; keep reading.
	}
}
