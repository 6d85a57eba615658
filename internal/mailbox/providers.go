package mailbox

import (
	"context"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/vdavid/marketdesk/internal/gmail"
	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/smtp"
)

// Sent identifies a message handed to the provider.
type Sent struct {
	MessageID string
}

// Provider is the capability set of one mailbox variant.
type Provider interface {
	Fetch(ctx context.Context, acct *models.Account, opts models.FetchOptions) (*models.FetchPage, error)
	Send(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) (*Sent, error)
	// Reply sends out as an answer to original. out already carries the
	// threading headers and subject.
	Reply(ctx context.Context, acct *models.Account, original *models.Message, out *models.OutgoingMessage) (*Sent, error)
	CreateDraft(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) (string, error)
}

// TokenProvider runs fn with a valid OAuth access token, refreshing once on 401.
type TokenProvider interface {
	WithToken(ctx context.Context, acct *models.Account, fn func(ctx context.Context, token string) error) error
}

// MailSender submits raw messages over SMTP.
type MailSender interface {
	Send(ctx context.Context, server smtp.Server, auth sasl.Client, from string, rcpts []string, raw []byte) error
}

func sender(acct *models.Account) models.Address {
	return models.Address{Email: acct.EmailAddress, Name: acct.DisplayName}
}

// GmailClient is the Gmail API surface the facade needs.
type GmailClient interface {
	Fetch(ctx context.Context, acct *models.Account, opts models.FetchOptions) (*models.FetchPage, error)
	CreateDraft(ctx context.Context, acct *models.Account, raw []byte, threadID string) (string, error)
}

// GmailProvider reads and drafts through the Gmail API and sends over
// smtp.gmail.com with an OAUTHBEARER token.
type GmailProvider struct {
	client GmailClient
	tokens TokenProvider
	sender MailSender
	server smtp.Server
	now    func() time.Time
}

// NewGmailProvider creates the Gmail variant. server is usually smtp.GmailServer.
func NewGmailProvider(client GmailClient, tokens TokenProvider, mailSender MailSender, server smtp.Server) *GmailProvider {
	return &GmailProvider{client: client, tokens: tokens, sender: mailSender, server: server, now: time.Now}
}

func (p *GmailProvider) Fetch(ctx context.Context, acct *models.Account, opts models.FetchOptions) (*models.FetchPage, error) {
	return p.client.Fetch(ctx, acct, opts)
}

func (p *GmailProvider) Send(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) (*Sent, error) {
	built, err := smtp.BuildMessage(sender(acct), out, p.now())
	if err != nil {
		return nil, err
	}
	err = p.tokens.WithToken(ctx, acct, func(ctx context.Context, token string) error {
		auth := smtp.OAuthBearer(p.server, acct.EmailAddress, token)
		return p.sender.Send(ctx, p.server, auth, acct.EmailAddress, out.Recipients(), built.Raw)
	})
	if err != nil {
		return nil, err
	}
	return &Sent{MessageID: built.MessageID}, nil
}

func (p *GmailProvider) Reply(ctx context.Context, acct *models.Account, _ *models.Message, out *models.OutgoingMessage) (*Sent, error) {
	return p.Send(ctx, acct, out)
}

func (p *GmailProvider) CreateDraft(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) (string, error) {
	built, err := smtp.BuildMessage(sender(acct), out, p.now())
	if err != nil {
		return "", err
	}
	return p.client.CreateDraft(ctx, acct, built.Raw, out.ThreadID)
}

// OutlookClient is the Graph surface the facade needs.
type OutlookClient interface {
	Fetch(ctx context.Context, acct *models.Account, opts models.FetchOptions) (*models.FetchPage, error)
	Send(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) error
	Reply(ctx context.Context, acct *models.Account, providerMessageID string, out *models.OutgoingMessage) error
	CreateDraft(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) (string, error)
}

// OutlookProvider does everything through Microsoft Graph.
type OutlookProvider struct {
	client OutlookClient
}

func NewOutlookProvider(client OutlookClient) *OutlookProvider {
	return &OutlookProvider{client: client}
}

func (p *OutlookProvider) Fetch(ctx context.Context, acct *models.Account, opts models.FetchOptions) (*models.FetchPage, error) {
	return p.client.Fetch(ctx, acct, opts)
}

// Send returns no message id: sendMail answers 202 without one.
func (p *OutlookProvider) Send(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) (*Sent, error) {
	if err := p.client.Send(ctx, acct, out); err != nil {
		return nil, err
	}
	return &Sent{}, nil
}

func (p *OutlookProvider) Reply(ctx context.Context, acct *models.Account, original *models.Message, out *models.OutgoingMessage) (*Sent, error) {
	if err := p.client.Reply(ctx, acct, original.ProviderMessageID, out); err != nil {
		return nil, err
	}
	return &Sent{}, nil
}

func (p *OutlookProvider) CreateDraft(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) (string, error) {
	return p.client.CreateDraft(ctx, acct, out)
}

// IMAPClient is the IMAP surface the facade needs.
type IMAPClient interface {
	Fetch(ctx context.Context, acct *models.Account, opts models.FetchOptions) (*models.FetchPage, error)
	AppendDraft(ctx context.Context, acct *models.Account, raw []byte) (string, error)
}

// Vault decrypts stored passwords.
type Vault interface {
	Decrypt(ciphertext []byte) (string, error)
}

// IMAPProvider reads and drafts over IMAP and sends over the account's SMTP server.
type IMAPProvider struct {
	client IMAPClient
	sender MailSender
	vault  Vault
	now    func() time.Time
}

func NewIMAPProvider(client IMAPClient, mailSender MailSender, vault Vault) *IMAPProvider {
	return &IMAPProvider{client: client, sender: mailSender, vault: vault, now: time.Now}
}

func (p *IMAPProvider) Fetch(ctx context.Context, acct *models.Account, opts models.FetchOptions) (*models.FetchPage, error) {
	return p.client.Fetch(ctx, acct, opts)
}

func (p *IMAPProvider) Send(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) (*Sent, error) {
	server, auth, err := smtp.PlainAuth(acct, p.vault)
	if err != nil {
		return nil, err
	}
	built, err := smtp.BuildMessage(sender(acct), out, p.now())
	if err != nil {
		return nil, err
	}
	if err := p.sender.Send(ctx, server, auth, acct.EmailAddress, out.Recipients(), built.Raw); err != nil {
		return nil, err
	}
	return &Sent{MessageID: built.MessageID}, nil
}

func (p *IMAPProvider) Reply(ctx context.Context, acct *models.Account, _ *models.Message, out *models.OutgoingMessage) (*Sent, error) {
	return p.Send(ctx, acct, out)
}

// CreateDraft appends the message to the drafts mailbox; its Message-ID is the draft id.
func (p *IMAPProvider) CreateDraft(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) (string, error) {
	built, err := smtp.BuildMessage(sender(acct), out, p.now())
	if err != nil {
		return "", err
	}
	if _, err := p.client.AppendDraft(ctx, acct, built.Raw); err != nil {
		return "", err
	}
	return built.MessageID, nil
}

// AddressResolver looks up the mailbox address behind freshly linked OAuth tokens.
type AddressResolver interface {
	MailboxAddress(ctx context.Context, acct *models.Account) (string, error)
}

// AddressFunc adapts a function to AddressResolver.
type AddressFunc func(ctx context.Context, acct *models.Account) (string, error)

func (f AddressFunc) MailboxAddress(ctx context.Context, acct *models.Account) (string, error) {
	return f(ctx, acct)
}

// GmailProfiler reads the Gmail profile of an account.
type GmailProfiler interface {
	GetProfile(ctx context.Context, acct *models.Account) (*gmail.Profile, error)
}

// GmailAddress resolves the address from the Gmail profile.
func GmailAddress(p GmailProfiler) AddressResolver {
	return AddressFunc(func(ctx context.Context, acct *models.Account) (string, error) {
		profile, err := p.GetProfile(ctx, acct)
		if err != nil {
			return "", err
		}
		return profile.EmailAddress, nil
	})
}
