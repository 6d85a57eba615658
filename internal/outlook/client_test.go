package outlook

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
)

type staticTokens struct{ token string }

func (s staticTokens) WithToken(ctx context.Context, _ *models.Account, fn func(context.Context, string) error) error {
	return fn(ctx, s.token)
}

// fakeGraph serves a fixed, newest-first list of messages per folder.
type fakeGraph struct {
	folders  map[string][]graphmodels.Messageable
	queries  []messageQuery
	sent     []graphmodels.Messageable
	replies  map[string]graphmodels.Messageable
	read     []string
	tokens   []string
	countErr error
	listErr  error
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{folders: map[string][]graphmodels.Messageable{}, replies: map[string]graphmodels.Messageable{}}
}

func (f *fakeGraph) listMessages(_ context.Context, token string, q messageQuery) ([]graphmodels.Messageable, error) {
	f.tokens = append(f.tokens, token)
	f.queries = append(f.queries, q)
	if f.listErr != nil {
		return nil, f.listErr
	}
	all := f.folders[q.Folder]
	start := min(int(q.Skip), len(all))
	end := min(start+int(q.Top), len(all))
	return all[start:end], nil
}

func (f *fakeGraph) countMessages(_ context.Context, _ string, folder, _ string) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return len(f.folders[folder]), nil
}

func (f *fakeGraph) sendMail(_ context.Context, _ string, msg graphmodels.Messageable) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeGraph) reply(_ context.Context, _ string, id string, msg graphmodels.Messageable) error {
	f.replies[id] = msg
	return nil
}

func (f *fakeGraph) createDraft(_ context.Context, _ string, msg graphmodels.Messageable) (graphmodels.Messageable, error) {
	id := "draft-1"
	msg.SetId(&id)
	return msg, nil
}

func (f *fakeGraph) mailboxAddress(context.Context, string) (string, error) {
	return "seller@contoso.example", nil
}

func (f *fakeGraph) markRead(_ context.Context, _ string, id string) error {
	f.read = append(f.read, id)
	return nil
}

func strPtr(s string) *string { return &s }

func graphMessage(id, conversation, subject string, at time.Time, read bool) graphmodels.Messageable {
	m := graphmodels.NewMessage()
	m.SetId(strPtr(id))
	m.SetConversationId(strPtr(conversation))
	m.SetInternetMessageId(strPtr("<" + id + "@outlook.example>"))
	m.SetSubject(strPtr(subject))
	m.SetReceivedDateTime(&at)
	m.SetIsRead(&read)

	ea := graphmodels.NewEmailAddress()
	ea.SetAddress(strPtr("buyer@example.com"))
	ea.SetName(strPtr("Buyer"))
	from := graphmodels.NewRecipient()
	from.SetEmailAddress(ea)
	m.SetFrom(from)
	return m
}

func newTestClient(api *fakeGraph) *Client {
	return &Client{tokens: staticTokens{"graph-token"}, api: api}
}

func testAccount() *models.Account {
	return &models.Account{
		ID:           "acct-ms",
		EmailAddress: "seller@contoso.example",
		OAuth:        &models.OAuthCredential{Provider: models.OAuthMicrosoft},
	}
}

func seedInbox(api *fakeGraph, n int) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		api.folders["inbox"] = append(api.folders["inbox"],
			graphMessage(fmt.Sprintf("m%02d", i), fmt.Sprintf("c%02d", i), fmt.Sprintf("Subject %d", i),
				base.Add(-time.Duration(i)*time.Minute), i%2 == 1))
	}
}

func TestFetchPageWindow(t *testing.T) {
	api := newFakeGraph()
	seedInbox(api, 35)
	client := newTestClient(api)

	t.Run("second page of 20 out of 35", func(t *testing.T) {
		page, err := client.Fetch(context.Background(), testAccount(), models.FetchOptions{Page: 2, PageSize: 20})
		require.NoError(t, err)
		require.Len(t, page.Messages, 15)
		assert.Equal(t, "m20", page.Messages[0].ProviderMessageID)
		assert.Equal(t, 35, page.TotalCount)
		assert.False(t, page.Pagination.HasNextPage)

		q := api.queries[len(api.queries)-1]
		assert.Equal(t, int32(20), q.Top)
		assert.Equal(t, int32(20), q.Skip)
		assert.Equal(t, []string{"receivedDateTime desc"}, q.OrderBy)
	})

	t.Run("first page has a next page", func(t *testing.T) {
		page, err := client.Fetch(context.Background(), testAccount(), models.FetchOptions{Page: 1, PageSize: 20})
		require.NoError(t, err)
		assert.Len(t, page.Messages, 20)
		assert.True(t, page.Pagination.HasNextPage)
		assert.Equal(t, "20", page.Pagination.NextCursor)
	})

	t.Run("count failure falls back to what was seen", func(t *testing.T) {
		api.countErr = errors.New("count unavailable")
		defer func() { api.countErr = nil }()

		page, err := client.Fetch(context.Background(), testAccount(), models.FetchOptions{Page: 1, PageSize: 20})
		require.NoError(t, err)
		assert.Equal(t, 20, page.TotalCount)
		assert.False(t, page.Pagination.HasNextPage)
	})
}

func TestFetchFolderAndFilter(t *testing.T) {
	api := newFakeGraph()
	client := newTestClient(api)
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := client.Fetch(context.Background(), testAccount(), models.FetchOptions{
		Folder: "spam", Since: &since, Search: "o'brien", IncludeBody: true,
	})
	require.NoError(t, err)

	q := api.queries[0]
	assert.Equal(t, "junkemail", q.Folder)
	assert.Equal(t, "receivedDateTime ge 2026-02-01T00:00:00Z and contains(subject,'o''brien')", q.Filter)
	assert.Contains(t, q.Select, "body")
	assert.NotEmpty(t, q.Expand)
	assert.Equal(t, []string{"graph-token"}, api.tokens)
}

func TestFolderID(t *testing.T) {
	tests := map[string]string{
		"INBOX":   "inbox",
		"Sent":    "sentitems",
		"DRAFTS":  "drafts",
		"TRASH":   "deleteditems",
		"SPAM":    "junkemail",
		"archive": "archive",
		"OUTBOX":  "outbox",
		"ALL":     "",
		"AAMkAD=": "AAMkAD=",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, folderID(in))
		})
	}
}

func TestFetchAllWalksChunks(t *testing.T) {
	api := newFakeGraph()
	seedInbox(api, 230)
	client := newTestClient(api)

	page, err := client.Fetch(context.Background(), testAccount(), models.FetchOptions{FetchAll: true})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 230)
	assert.Equal(t, 230, page.TotalCount)
	assert.Len(t, api.queries, 3)
}

func TestListPageCursor(t *testing.T) {
	api := newFakeGraph()
	seedInbox(api, 5)
	api.folders[""] = api.folders["inbox"]
	client := newTestClient(api)

	first, err := client.ListPage(context.Background(), testAccount(), "", 3)
	require.NoError(t, err)
	assert.Len(t, first.Messages, 3)
	assert.Equal(t, 5, first.TotalCount)
	assert.Equal(t, "3", first.Pagination.NextCursor)

	second, err := client.ListPage(context.Background(), testAccount(), first.Pagination.NextCursor, 3)
	require.NoError(t, err)
	assert.Len(t, second.Messages, 2)
	assert.False(t, second.Pagination.HasNextPage)

	_, err = client.ListPage(context.Background(), testAccount(), "not-a-number", 3)
	assert.Error(t, err)
}

func TestToMessage(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m := graphMessage("AAMk1", "conv-1", "RE: Order #12345", at, false)

	inReplyTo := graphmodels.NewInternetMessageHeader()
	inReplyTo.SetName(strPtr("In-Reply-To"))
	inReplyTo.SetValue(strPtr("<order-12345@shop.example>"))
	refs := graphmodels.NewInternetMessageHeader()
	refs.SetName(strPtr("References"))
	refs.SetValue(strPtr("<root@shop.example> <order-12345@shop.example>"))
	m.SetInternetMessageHeaders([]graphmodels.InternetMessageHeaderable{inReplyTo, refs})

	body := graphmodels.NewItemBody()
	ct := graphmodels.HTML_BODYTYPE
	body.SetContentType(&ct)
	body.SetContent(strPtr("<p>Where is my parcel?</p>"))
	m.SetBody(body)
	m.SetBodyPreview(strPtr("Where is my parcel?"))

	att := graphmodels.NewFileAttachment()
	att.SetName(strPtr("label.pdf"))
	att.SetContentType(strPtr("application/pdf"))
	size := int32(2048)
	att.SetSize(&size)
	m.SetAttachments([]graphmodels.Attachmentable{att})

	msg, err := toMessage(m)
	require.NoError(t, err)
	assert.Equal(t, "<AAMk1@outlook.example>", msg.MessageID)
	assert.Equal(t, "AAMk1", msg.ProviderMessageID)
	assert.Equal(t, "conv-1", msg.ProviderThreadID)
	assert.Equal(t, "<order-12345@shop.example>", msg.InReplyTo)
	assert.Equal(t, []string{"<root@shop.example>", "<order-12345@shop.example>"}, msg.References)
	assert.Equal(t, "<p>Where is my parcel?</p>", msg.BodyHTML)
	assert.Equal(t, "Where is my parcel?", msg.BodyText)
	assert.Equal(t, at, msg.Date)
	assert.False(t, msg.IsRead)
	assert.Equal(t, "buyer@example.com", msg.Sender().Email)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, int64(2048), msg.Attachments[0].SizeBytes)

	_, err = toMessage(graphmodels.NewMessage())
	assert.ErrorIs(t, err, mailerr.ErrParse)
}

func TestMarkAsReadDuringFetch(t *testing.T) {
	api := newFakeGraph()
	seedInbox(api, 4)
	client := newTestClient(api)

	page, err := client.Fetch(context.Background(), testAccount(), models.FetchOptions{MarkAsRead: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"m00", "m02"}, api.read)
	for _, m := range page.Messages {
		assert.True(t, m.IsRead)
	}
}

func TestSendReplyDraft(t *testing.T) {
	api := newFakeGraph()
	client := newTestClient(api)
	out := &models.OutgoingMessage{
		To:       []models.Address{{Email: "buyer@example.com", Name: "Buyer"}},
		Cc:       []models.Address{{Email: "ops@contoso.example"}},
		Subject:  "Your order",
		BodyHTML: "<p>Shipped</p>",
		Headers:  map[string]string{"X-Order-Id": "12345", "In-Reply-To": "<ignored@x>"},
		Attachments: []models.OutgoingFile{
			{Filename: "invoice.pdf", ContentType: "application/pdf", Content: []byte("%PDF")},
		},
	}

	require.NoError(t, client.Send(context.Background(), testAccount(), out))
	require.Len(t, api.sent, 1)
	sent := api.sent[0]
	assert.Equal(t, "Your order", *sent.GetSubject())
	assert.Equal(t, graphmodels.HTML_BODYTYPE, *sent.GetBody().GetContentType())
	require.Len(t, sent.GetToRecipients(), 1)
	assert.Equal(t, "buyer@example.com", *sent.GetToRecipients()[0].GetEmailAddress().GetAddress())
	require.Len(t, sent.GetInternetMessageHeaders(), 1)
	assert.Equal(t, "X-Order-Id", *sent.GetInternetMessageHeaders()[0].GetName())
	assert.Len(t, sent.GetAttachments(), 1)

	require.NoError(t, client.Reply(context.Background(), testAccount(), "AAMk1", out))
	assert.Contains(t, api.replies, "AAMk1")

	id, err := client.CreateDraft(context.Background(), testAccount(), out)
	require.NoError(t, err)
	assert.Equal(t, "draft-1", id)

	address, err := client.MailboxAddress(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, "seller@contoso.example", address)
}

func TestClassify(t *testing.T) {
	odata := func(status int) error {
		e := odataerrors.NewODataError()
		e.ResponseStatusCode = status
		return e
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unauthorized", odata(401), mailerr.ErrUnauthorized},
		{"forbidden", odata(403), mailerr.ErrUnauthorized},
		{"not found", odata(404), mailerr.ErrNotFound},
		{"throttled", odata(429), mailerr.ErrRateLimited},
		{"server error", odata(503), mailerr.ErrTransient},
		{"network", errors.New("connection reset"), mailerr.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify("list", tt.err), tt.want)
		})
	}
}

func TestFetchPropagatesClassifiedErrors(t *testing.T) {
	api := newFakeGraph()
	e := odataerrors.NewODataError()
	e.ResponseStatusCode = 401
	api.listErr = e

	_, err := newTestClient(api).Fetch(context.Background(), testAccount(), models.FetchOptions{})
	assert.ErrorIs(t, err, mailerr.ErrUnauthorized)
}
