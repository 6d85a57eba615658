// Package gmail fetches, watches and drafts mail through the Gmail REST API.
package gmail

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	providerName = "gmail"
	userID       = "me"
	// maxListPage is the largest page Messages.List accepts.
	maxListPage = 500
)

// metadataHeaders are requested when bodies are not needed.
var metadataHeaders = []string{
	"From", "To", "Cc", "Bcc", "Subject", "Date",
	"Message-ID", "In-Reply-To", "References",
}

// TokenProvider runs a call with a valid access token, refreshing once on 401.
type TokenProvider interface {
	WithToken(ctx context.Context, acct *models.Account, fn func(ctx context.Context, token string) error) error
}

// Pacer spaces out per-message calls for one account.
type Pacer interface {
	Wait(ctx context.Context, accountID string) error
}

// Meter records spent API quota units.
type Meter interface {
	Consume(ctx context.Context, accountID string, units int) error
}

// Client talks to the Gmail API on behalf of linked accounts.
type Client struct {
	tokens     TokenProvider
	pacer      Pacer
	meter      Meter
	endpoint   string
	httpClient *http.Client

	// One breaker per account, so a mailbox whose calls keep failing does not
	// cut off the others.
	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint points the client at another API root, for example a fake server.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithHTTPClient sets the base transport used under the OAuth2 token.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMeter counts quota units for every call.
func WithMeter(m Meter) Option {
	return func(c *Client) { c.meter = m }
}

// NewClient creates a Gmail client.
func NewClient(tokens TokenProvider, pacer Pacer, opts ...Option) *Client {
	c := &Client{tokens: tokens, pacer: pacer}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) breaker(accountID string) *gobreaker.CircuitBreaker {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	if cb, ok := c.breakers[accountID]; ok {
		return cb
	}
	if c.breakers == nil {
		c.breakers = make(map[string]*gobreaker.CircuitBreaker)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api:" + accountID,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// Only provider-side trouble opens the circuit; 4xx answers are the caller's problem.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, mailerr.ErrTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker changed state")
		},
	})
	c.breakers[accountID] = cb
	return cb
}

func (c *Client) service(ctx context.Context, token string) (*gmailapi.Service, error) {
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	return gmailapi.NewService(ctx, opts...)
}

// call runs fn with an authenticated service behind the circuit breaker and
// returns a classified error.
func (c *Client) call(ctx context.Context, acct *models.Account, op string, cost int, fn func(ctx context.Context, svc *gmailapi.Service) error) error {
	err := c.tokens.WithToken(ctx, acct, func(ctx context.Context, token string) error {
		svc, err := c.service(ctx, token)
		if err != nil {
			return mailerr.New(providerName, op, mailerr.ErrTransient, err)
		}

		_, err = c.breaker(acct.ID).Execute(func() (interface{}, error) {
			if err := fn(ctx, svc); err != nil {
				return nil, classify(op, err)
			}
			return nil, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return mailerr.New(providerName, op, mailerr.ErrTransient, err)
		}
		return err
	})

	if c.meter != nil && cost > 0 {
		if merr := c.meter.Consume(ctx, acct.ID, cost); merr != nil {
			log.Warn().Str("account_id", acct.ID).Err(merr).Msg("Failed to record Gmail quota usage")
		}
	}
	return err
}

// classify maps Gmail API failures onto the mailerr taxonomy.
func classify(op string, err error) error {
	var provErr *mailerr.ProviderError
	if errors.As(err, &provErr) {
		return err
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return mailerr.New(providerName, op, mailerr.ErrTransient, err)
	}

	kind := mailerr.KindFromStatus(apiErr.Code)
	if apiErr.Code == http.StatusForbidden && !isRateLimitReason(apiErr) {
		kind = mailerr.ErrUnauthorized
	}
	return mailerr.New(providerName, op, kind, err)
}

func isRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "dailyLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "rate limit")
}
