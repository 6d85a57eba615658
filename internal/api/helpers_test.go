package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/vdavid/marketdesk/internal/auth"
	"github.com/vdavid/marketdesk/internal/db"
	"github.com/vdavid/marketdesk/internal/mailbox"
	"github.com/vdavid/marketdesk/internal/models"
)

const (
	testUserEmail = "seller@example.com"
	testAccountID = "5b0e4a52-3f8a-4c55-9d59-2d7c1f0b8a11"
)

// memDirectory is an in-memory user and account directory.
type memDirectory struct {
	mu       sync.Mutex
	users    map[string]string
	accounts map[string]*models.Account
	err      error
}

func newMemDirectory() *memDirectory {
	return &memDirectory{users: map[string]string{}, accounts: map[string]*models.Account{}}
}

func (d *memDirectory) GetOrCreateUser(_ context.Context, email string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	id, ok := d.users[email]
	if !ok {
		id = "user-" + email
		d.users[email] = id
	}
	return id, nil
}

func (d *memDirectory) GetAccountForUser(_ context.Context, userID, accountID string) (*models.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	acct, ok := d.accounts[accountID]
	if !ok || acct.UserID != userID {
		return nil, db.ErrAccountNotFound
	}
	return acct, nil
}

func (d *memDirectory) ListAccountsForUser(_ context.Context, userID string) ([]*models.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*models.Account
	for _, acct := range d.accounts {
		if acct.UserID == userID {
			out = append(out, acct)
		}
	}
	return out, nil
}

// addAccount stores an account owned by ownerEmail.
func (d *memDirectory) addAccount(ownerEmail string, acct *models.Account) *models.Account {
	userID, _ := d.GetOrCreateUser(context.Background(), ownerEmail)
	acct.UserID = userID
	d.mu.Lock()
	d.accounts[acct.ID] = acct
	d.mu.Unlock()
	return acct
}

func gmailAccount() *models.Account {
	return &models.Account{
		ID:           testAccountID,
		EmailAddress: "shop@gmail.com",
		Type:         models.AccountTypeGmail,
		Status:       models.AccountStatusActive,
		OAuth:        &models.OAuthCredential{Provider: models.OAuthGoogle},
	}
}

func imapAccount() *models.Account {
	return &models.Account{
		ID:           testAccountID,
		EmailAddress: "shop@example.com",
		Type:         models.AccountTypeIMAP,
		Status:       models.AccountStatusActive,
		Incoming:     &models.ServerConfig{Host: "imap.example.com", Port: 993},
	}
}

type mockMailbox struct {
	mock.Mock
}

func (m *mockMailbox) FetchEmailsFromAccount(ctx context.Context, acct *models.Account, opts models.FetchOptions) *models.FetchResult {
	args := m.Called(ctx, acct, opts)
	return args.Get(0).(*models.FetchResult)
}

func (m *mockMailbox) Send(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) *models.SendResult {
	args := m.Called(ctx, acct, out)
	return args.Get(0).(*models.SendResult)
}

func (m *mockMailbox) Reply(ctx context.Context, acct *models.Account, originalMessageID string, out *models.OutgoingMessage) *models.SendResult {
	args := m.Called(ctx, acct, originalMessageID, out)
	return args.Get(0).(*models.SendResult)
}

func (m *mockMailbox) CreateDraft(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) *models.DraftResult {
	args := m.Called(ctx, acct, out)
	return args.Get(0).(*models.DraftResult)
}

func (m *mockMailbox) CreateIMAPAccount(ctx context.Context, userID string, req mailbox.IMAPAccountRequest) (*models.Account, error) {
	args := m.Called(ctx, userID, req)
	acct, _ := args.Get(0).(*models.Account)
	return acct, args.Error(1)
}

func (m *mockMailbox) LinkAccount(ctx context.Context, userID string, provider models.OAuthProvider, code string) (*models.Account, error) {
	args := m.Called(ctx, userID, provider, code)
	acct, _ := args.Get(0).(*models.Account)
	return acct, args.Error(1)
}

// newRequest builds a request for path with the given account id path value
// and the test user in context.
func newRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetPathValue("id", testAccountID)
	return req.WithContext(auth.WithUserEmail(req.Context(), testUserEmail))
}

// VerifyAuthCheck verifies that the handler returns 401 Unauthorized when no user is in context.
func VerifyAuthCheck(t *testing.T, handlerFunc http.HandlerFunc, method, url string) {
	t.Helper()
	req := httptest.NewRequest(method, url, nil)
	req.SetPathValue("id", testAccountID)
	rr := httptest.NewRecorder()
	handlerFunc(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "Expected status 401 when no user email in context")
}

var errBoom = errors.New("boom")
