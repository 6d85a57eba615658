// Package smtp builds outgoing MIME messages and submits them over SMTP.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
)

const (
	providerName = "smtp"
	dialTimeout  = 10 * time.Second
)

// Server is an SMTP submission endpoint.
type Server struct {
	Host     string
	Port     int
	Security models.Security
}

// Addr returns host:port.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// GmailServer is the submission endpoint used for Google accounts.
var GmailServer = Server{Host: "smtp.gmail.com", Port: 587, Security: models.SecuritySTARTTLS}

// Vault decrypts stored passwords.
type Vault interface {
	Decrypt(ciphertext []byte) (string, error)
}

// Sender submits raw messages.
type Sender struct {
	timeout time.Duration
}

// NewSender creates a Sender.
func NewSender() *Sender {
	return &Sender{timeout: dialTimeout}
}

// PlainAuth decrypts the outgoing server login of a password account.
func PlainAuth(acct *models.Account, vault Vault) (Server, sasl.Client, error) {
	cfg := acct.Outgoing
	if cfg == nil || cfg.Host == "" {
		return Server{}, nil, mailerr.New(providerName, "credentials", mailerr.ErrUnsupported,
			errors.New("account has no outgoing server"))
	}
	password, err := vault.Decrypt(cfg.EncryptedPassword)
	if err != nil {
		return Server{}, nil, mailerr.New(providerName, "credentials", mailerr.ErrReauthRequired, err)
	}
	username := cfg.Username
	if username == "" {
		username = acct.EmailAddress
	}
	server := Server{Host: cfg.Host, Port: cfg.Port, Security: cfg.Security}
	return server, sasl.NewPlainClient("", username, password), nil
}

// OAuthBearer returns OAUTHBEARER credentials for a token-based account.
func OAuthBearer(server Server, email, token string) sasl.Client {
	return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: email,
		Token:    token,
		Host:     server.Host,
		Port:     server.Port,
	})
}

// Send delivers raw to rcpts. Authentication rejections come back as
// mailerr.ErrUnauthorized so token callers can refresh and retry once.
func (s *Sender) Send(ctx context.Context, server Server, auth sasl.Client, from string, rcpts []string, raw []byte) error {
	if len(rcpts) == 0 {
		return mailerr.New(providerName, "send", mailerr.ErrParse, errors.New("no recipients"))
	}

	c, err := s.dial(ctx, server)
	if err != nil {
		return mailerr.New(providerName, "dial", mailerr.ErrTransient, err)
	}
	defer c.Close()

	if deadline, ok := ctx.Deadline(); ok {
		c.CommandTimeout = time.Until(deadline)
		c.SubmissionTimeout = time.Until(deadline)
	}

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return classify("auth", err)
		}
	}
	if err := c.SendMail(from, rcpts, bytes.NewReader(raw)); err != nil {
		return classify("send", err)
	}
	// The message is accepted once DATA completes; a failed QUIT changes nothing.
	_ = c.Quit()
	return nil
}

func (s *Sender) dial(ctx context.Context, server Server) (*gosmtp.Client, error) {
	dialer := &net.Dialer{Timeout: s.timeout}
	tlsConfig := &tls.Config{ServerName: server.Host}

	switch server.Security {
	case models.SecurityTLS:
		conn, err := (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", server.Addr())
		if err != nil {
			return nil, err
		}
		return gosmtp.NewClient(conn), nil
	case models.SecurityNone:
		conn, err := dialer.DialContext(ctx, "tcp", server.Addr())
		if err != nil {
			return nil, err
		}
		return gosmtp.NewClient(conn), nil
	default:
		conn, err := dialer.DialContext(ctx, "tcp", server.Addr())
		if err != nil {
			return nil, err
		}
		c, err := gosmtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return c, nil
	}
}

// classify maps SMTP reply codes onto error kinds.
func classify(op string, err error) error {
	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return mailerr.New(providerName, op, mailerr.ErrTransient, err)
	}
	switch {
	case smtpErr.Code == 530 || smtpErr.Code == 534 || smtpErr.Code == 535:
		return mailerr.New(providerName, op, mailerr.ErrUnauthorized, err)
	case smtpErr.Code == 421 || smtpErr.Code == 451 || smtpErr.Code == 452:
		return mailerr.New(providerName, op, mailerr.ErrRateLimited, err)
	case smtpErr.Code >= 400 && smtpErr.Code < 500:
		return mailerr.New(providerName, op, mailerr.ErrTransient, err)
	case smtpErr.Code == 550 || smtpErr.Code == 551 || smtpErr.Code == 553:
		return mailerr.New(providerName, op, mailerr.ErrNotFound, fmt.Errorf("recipient rejected: %w", err))
	default:
		return mailerr.New(providerName, op, mailerr.ErrUnsupported, err)
	}
}
