package mailbox

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/marketdesk/internal/gmail"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/smtp"
	"github.com/vdavid/marketdesk/internal/testutil"
)

type staticTokens struct {
	token string
	err   error
	calls int
}

func (s *staticTokens) WithToken(ctx context.Context, _ *models.Account, fn func(ctx context.Context, token string) error) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	return fn(ctx, s.token)
}

type fakeGmailClient struct {
	page      *models.FetchPage
	draftRaw  []byte
	draftTID  string
	draftErr  error
	profile   *gmail.Profile
	fetchOpts models.FetchOptions
}

func (f *fakeGmailClient) Fetch(_ context.Context, _ *models.Account, opts models.FetchOptions) (*models.FetchPage, error) {
	f.fetchOpts = opts
	return f.page, nil
}

func (f *fakeGmailClient) CreateDraft(_ context.Context, _ *models.Account, raw []byte, threadID string) (string, error) {
	if f.draftErr != nil {
		return "", f.draftErr
	}
	f.draftRaw = raw
	f.draftTID = threadID
	return "r-draft-1", nil
}

func (f *fakeGmailClient) GetProfile(context.Context, *models.Account) (*gmail.Profile, error) {
	if f.profile == nil {
		return nil, mailerr.New("gmail", "profile", mailerr.ErrUnauthorized, errors.New("401"))
	}
	return f.profile, nil
}

type fakeIMAPClient struct {
	appended [][]byte
}

func (f *fakeIMAPClient) Fetch(context.Context, *models.Account, models.FetchOptions) (*models.FetchPage, error) {
	return &models.FetchPage{}, nil
}

func (f *fakeIMAPClient) AppendDraft(_ context.Context, _ *models.Account, raw []byte) (string, error) {
	f.appended = append(f.appended, raw)
	return "Drafts", nil
}

func readEnvelope(t *testing.T, raw []byte) *enmime.Envelope {
	t.Helper()
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)
	return env
}

func TestGmailProvider(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)
	target := smtp.Server{Host: server.Host, Port: server.Port, Security: models.SecurityNone}
	acct := &models.Account{ID: "g1", EmailAddress: "seller@gmail.com", OAuth: &models.OAuthCredential{Provider: models.OAuthGoogle}}

	t.Run("send uses the OAuth token over SMTP", func(t *testing.T) {
		server.Backend.ClearMessages()
		tokens := &staticTokens{token: "ya29.fresh"}
		p := NewGmailProvider(&fakeGmailClient{}, tokens, smtp.NewSender(), target)

		sent, err := p.Send(context.Background(), acct, &models.OutgoingMessage{
			To:       []models.Address{{Email: "buyer@example.com"}},
			Subject:  "Tracking number",
			BodyText: "1Z999",
		})
		require.NoError(t, err)
		assert.Contains(t, sent.MessageID, "@gmail.com>")
		assert.Equal(t, 1, tokens.calls)

		msgs := server.GetMessages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "seller@gmail.com", msgs[0].From)
		env := readEnvelope(t, msgs[0].Data)
		assert.Equal(t, sent.MessageID, env.GetHeader("Message-Id"))

		auths := server.Backend.GetAuths()
		last := auths[len(auths)-1]
		assert.Equal(t, "OAUTHBEARER", last.Mechanism)
		assert.Equal(t, "ya29.fresh", last.Secret)
	})

	t.Run("token failure stops the send", func(t *testing.T) {
		server.Backend.ClearMessages()
		reauth := mailerr.New("google", "refresh", mailerr.ErrReauthRequired, errors.New("invalid_grant"))
		p := NewGmailProvider(&fakeGmailClient{}, &staticTokens{err: reauth}, smtp.NewSender(), target)

		_, err := p.Send(context.Background(), acct, &models.OutgoingMessage{To: []models.Address{{Email: "b@example.com"}}})
		assert.ErrorIs(t, err, mailerr.ErrReauthRequired)
		assert.Empty(t, server.GetMessages())
	})

	t.Run("draft goes through the API with the native thread id", func(t *testing.T) {
		client := &fakeGmailClient{}
		p := NewGmailProvider(client, &staticTokens{}, smtp.NewSender(), target)

		id, err := p.CreateDraft(context.Background(), acct, &models.OutgoingMessage{
			To:        []models.Address{{Email: "buyer@example.com"}},
			Subject:   "Re: Order 1001",
			InReplyTo: "<m1@mail.gmail.com>",
			ThreadID:  "18c2f",
		})
		require.NoError(t, err)
		assert.Equal(t, "r-draft-1", id)
		assert.Equal(t, "18c2f", client.draftTID)
		assert.Equal(t, "<m1@mail.gmail.com>", readEnvelope(t, client.draftRaw).GetHeader("In-Reply-To"))
	})
}

func TestIMAPProvider(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)
	encryptor := testutil.GetTestEncryptor(t)
	password, err := encryptor.Encrypt("hunter2")
	require.NoError(t, err)

	acct := &models.Account{
		ID:           "i1",
		EmailAddress: "shop@example.net",
		DisplayName:  "Shop",
		Outgoing: &models.ServerConfig{
			Host:              server.Host,
			Port:              server.Port,
			Security:          models.SecurityNone,
			EncryptedPassword: password,
		},
	}

	t.Run("send authenticates with the stored password", func(t *testing.T) {
		server.Backend.ClearMessages()
		p := NewIMAPProvider(&fakeIMAPClient{}, smtp.NewSender(), encryptor)

		sent, err := p.Reply(context.Background(), acct, &models.Message{}, &models.OutgoingMessage{
			To:         []models.Address{{Email: "buyer@example.com"}},
			Subject:    "Re: Where is my parcel",
			InReplyTo:  "<q1@example.com>",
			References: []string{"<q1@example.com>"},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, sent.MessageID)

		msgs := server.GetMessages()
		require.Len(t, msgs, 1)
		env := readEnvelope(t, msgs[0].Data)
		assert.Equal(t, "<q1@example.com>", env.GetHeader("In-Reply-To"))
		assert.Equal(t, "Re: Where is my parcel", env.GetHeader("Subject"))

		auths := server.Backend.GetAuths()
		last := auths[len(auths)-1]
		assert.Equal(t, "PLAIN", last.Mechanism)
		assert.Equal(t, "shop@example.net", last.Username)
		assert.Equal(t, "hunter2", last.Secret)
	})

	t.Run("draft is appended and keyed by Message-ID", func(t *testing.T) {
		client := &fakeIMAPClient{}
		p := NewIMAPProvider(client, smtp.NewSender(), encryptor)

		id, err := p.CreateDraft(context.Background(), acct, &models.OutgoingMessage{
			To:      []models.Address{{Email: "buyer@example.com"}},
			Subject: "Quote",
		})
		require.NoError(t, err)
		require.Len(t, client.appended, 1)
		assert.Equal(t, id, readEnvelope(t, client.appended[0]).GetHeader("Message-Id"))
	})

	t.Run("missing outgoing server", func(t *testing.T) {
		p := NewIMAPProvider(&fakeIMAPClient{}, smtp.NewSender(), encryptor)
		_, err := p.Send(context.Background(), &models.Account{ID: "i2"}, &models.OutgoingMessage{To: []models.Address{{Email: "b@example.com"}}})
		assert.ErrorIs(t, err, mailerr.ErrUnsupported)
	})
}

func TestGmailAddress(t *testing.T) {
	resolver := GmailAddress(&fakeGmailClient{profile: &gmail.Profile{EmailAddress: "Seller@Gmail.com", HistoryID: 5}})
	email, err := resolver.MailboxAddress(context.Background(), &models.Account{})
	require.NoError(t, err)
	assert.Equal(t, "Seller@Gmail.com", email)

	_, err = GmailAddress(&fakeGmailClient{}).MailboxAddress(context.Background(), &models.Account{})
	assert.ErrorIs(t, err, mailerr.ErrUnauthorized)
}
