package smtp

import (
	"bytes"
	"context"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/testutil"
)

func TestBuildMessage(t *testing.T) {
	from := models.Address{Email: "seller@shop.example", Name: "Seller"}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("reply carries threading headers", func(t *testing.T) {
		out := &models.OutgoingMessage{
			To:         []models.Address{{Email: "buyer@example.com", Name: "Buyer"}},
			Bcc:        []models.Address{{Email: "audit@shop.example"}},
			Subject:    "Re: Order 1001",
			BodyText:   "Shipped today",
			BodyHTML:   "<p>Shipped today</p>",
			InReplyTo:  "<m2@example.com>",
			References: []string{"<m1@example.com>", "<m2@example.com>"},
			Headers:    map[string]string{"X-Order-Id": "1001", "Bcc": "ignored@example.com"},
			Attachments: []models.OutgoingFile{
				{Filename: "label.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4")},
			},
		}

		built, err := BuildMessage(from, out, now)
		require.NoError(t, err)
		assert.Regexp(t, `^<[0-9a-f-]{36}@shop\.example>$`, built.MessageID)

		env, err := enmime.ReadEnvelope(bytes.NewReader(built.Raw))
		require.NoError(t, err)
		assert.Equal(t, built.MessageID, env.GetHeader("Message-Id"))
		assert.Equal(t, "<m2@example.com>", env.GetHeader("In-Reply-To"))
		assert.Equal(t, "<m1@example.com> <m2@example.com>", env.GetHeader("References"))
		assert.Equal(t, "Re: Order 1001", env.GetHeader("Subject"))
		assert.Equal(t, "1001", env.GetHeader("X-Order-Id"))
		assert.Empty(t, env.GetHeader("Bcc"))
		assert.Contains(t, env.Text, "Shipped today")
		assert.Contains(t, env.HTML, "<p>Shipped today</p>")
		require.Len(t, env.Attachments, 1)
		assert.Equal(t, "label.pdf", env.Attachments[0].FileName)
	})

	t.Run("empty subject gets a placeholder", func(t *testing.T) {
		built, err := BuildMessage(from, &models.OutgoingMessage{
			To: []models.Address{{Email: "buyer@example.com"}},
		}, now)
		require.NoError(t, err)
		env, err := enmime.ReadEnvelope(bytes.NewReader(built.Raw))
		require.NoError(t, err)
		assert.Equal(t, noSubject, env.GetHeader("Subject"))
	})

	t.Run("no recipients", func(t *testing.T) {
		_, err := BuildMessage(from, &models.OutgoingMessage{Subject: "x"}, now)
		assert.Error(t, err)
	})
}

func TestSend(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)
	target := Server{Host: server.Host, Port: server.Port, Security: models.SecurityNone}
	raw := []byte("From: seller@shop.example\r\nTo: buyer@example.com\r\nSubject: hi\r\n\r\nhello\r\n")

	t.Run("PLAIN auth from an account", func(t *testing.T) {
		server.Backend.ClearMessages()
		encryptor := testutil.GetTestEncryptor(t)
		password, err := encryptor.Encrypt("s3cret")
		require.NoError(t, err)

		acct := &models.Account{
			ID:           "acct-1",
			EmailAddress: "seller@shop.example",
			Outgoing: &models.ServerConfig{
				Host:              server.Host,
				Port:              server.Port,
				Security:          models.SecurityNone,
				EncryptedPassword: password,
			},
		}
		srv, auth, err := PlainAuth(acct, encryptor)
		require.NoError(t, err)
		assert.Equal(t, target, srv)

		err = NewSender().Send(context.Background(), srv, auth, acct.EmailAddress, []string{"buyer@example.com", "audit@shop.example"}, raw)
		require.NoError(t, err)

		msgs := server.GetMessages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "seller@shop.example", msgs[0].From)
		assert.Equal(t, []string{"buyer@example.com", "audit@shop.example"}, msgs[0].To)
		assert.Contains(t, string(msgs[0].Data), "hello")

		auths := server.Backend.GetAuths()
		require.NotEmpty(t, auths)
		last := auths[len(auths)-1]
		assert.Equal(t, "PLAIN", last.Mechanism)
		assert.Equal(t, "seller@shop.example", last.Username)
		assert.Equal(t, "s3cret", last.Secret)
	})

	t.Run("OAUTHBEARER token", func(t *testing.T) {
		server.Backend.ClearMessages()
		err := NewSender().Send(context.Background(), target, OAuthBearer(target, "me@gmail.com", "ya29.token"), "me@gmail.com", []string{"buyer@example.com"}, raw)
		require.NoError(t, err)

		auths := server.Backend.GetAuths()
		last := auths[len(auths)-1]
		assert.Equal(t, "OAUTHBEARER", last.Mechanism)
		assert.Equal(t, "ya29.token", last.Secret)
		assert.Len(t, server.GetMessages(), 1)
	})

	t.Run("no recipients", func(t *testing.T) {
		err := NewSender().Send(context.Background(), target, nil, "me@gmail.com", nil, raw)
		assert.ErrorIs(t, err, mailerr.ErrParse)
	})

	t.Run("unreachable server is transient", func(t *testing.T) {
		err := NewSender().Send(context.Background(), Server{Host: "127.0.0.1", Port: 1, Security: models.SecurityNone}, nil, "a@b.c", []string{"x@y.z"}, raw)
		assert.ErrorIs(t, err, mailerr.ErrTransient)
	})
}

func TestPlainAuthErrors(t *testing.T) {
	encryptor := testutil.GetTestEncryptor(t)

	_, _, err := PlainAuth(&models.Account{ID: "a"}, encryptor)
	assert.ErrorIs(t, err, mailerr.ErrUnsupported)

	_, _, err = PlainAuth(&models.Account{ID: "a", Outgoing: &models.ServerConfig{Host: "h", EncryptedPassword: []byte("garbage")}}, encryptor)
	assert.ErrorIs(t, err, mailerr.ErrReauthRequired)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{535, mailerr.ErrUnauthorized},
		{421, mailerr.ErrRateLimited},
		{450, mailerr.ErrTransient},
		{550, mailerr.ErrNotFound},
		{554, mailerr.ErrUnsupported},
	}
	for _, tt := range tests {
		err := classify("send", &gosmtp.SMTPError{Code: tt.code, Message: "rejected"})
		assert.ErrorIs(t, err, tt.want, "code %d", tt.code)
	}
}
