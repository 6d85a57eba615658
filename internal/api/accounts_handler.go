package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/mailbox"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
)

// Mailbox is the provider facade used by the account handlers.
type Mailbox interface {
	FetchEmailsFromAccount(ctx context.Context, acct *models.Account, opts models.FetchOptions) *models.FetchResult
	Send(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) *models.SendResult
	Reply(ctx context.Context, acct *models.Account, originalMessageID string, out *models.OutgoingMessage) *models.SendResult
	CreateDraft(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) *models.DraftResult
	CreateIMAPAccount(ctx context.Context, userID string, req mailbox.IMAPAccountRequest) (*models.Account, error)
	LinkAccount(ctx context.Context, userID string, provider models.OAuthProvider, code string) (*models.Account, error)
}

// TokenRefresher forces an OAuth token refresh.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, acct *models.Account) *models.RefreshResult
}

// AccountsHandler serves account management and the per-account mailbox operations.
type AccountsHandler struct {
	users    Users
	accounts Accounts
	mailbox  Mailbox
	tokens   TokenRefresher
}

func NewAccountsHandler(users Users, accounts Accounts, mb Mailbox, tokens TokenRefresher) *AccountsHandler {
	return &AccountsHandler{users: users, accounts: accounts, mailbox: mb, tokens: tokens}
}

type accountsResponse struct {
	Accounts []*models.Account `json:"accounts"`
}

// ListAccounts returns the accounts of the authenticated user.
func (h *AccountsHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	accounts, err := h.accounts.ListAccountsForUser(ctx, userID)
	if err != nil {
		log.Error().Err(err).Msg("AccountsHandler: Failed to list accounts")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if accounts == nil {
		accounts = []*models.Account{}
	}
	WriteJSONResponse(w, accountsResponse{Accounts: accounts})
}

// CreateIMAPAccount adds a password-based account after checking its IMAP login.
func (h *AccountsHandler) CreateIMAPAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	var req mailbox.IMAPAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	acct, err := h.mailbox.CreateIMAPAccount(ctx, userID, req)
	if err != nil {
		var providerErr *mailerr.ProviderError
		if errors.As(err, &providerErr) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		log.Error().Err(err).Msg("AccountsHandler: Failed to create IMAP account")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSONStatus(w, http.StatusCreated, acct)
}

// Fetch fetches one window of messages with the options in the body and ingests them.
func (h *AccountsHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountFromRequest(w, r, h.users, h.accounts)
	if !ok {
		return
	}

	var opts models.FetchOptions
	if !decodeJSON(w, r, &opts) {
		return
	}

	result := h.mailbox.FetchEmailsFromAccount(r.Context(), acct, opts)
	writeJSONStatus(w, resultStatus(result.Success, result.RequiresReauth), result)
}

// RefreshToken forces a token refresh of an OAuth account.
func (h *AccountsHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountFromRequest(w, r, h.users, h.accounts)
	if !ok {
		return
	}
	if acct.OAuth == nil {
		http.Error(w, "Account does not use OAuth", http.StatusBadRequest)
		return
	}

	result := h.tokens.RefreshTokens(r.Context(), acct)
	writeJSONStatus(w, resultStatus(result.Success, result.RequiresReauth), result)
}

// Send sends a new message.
func (h *AccountsHandler) Send(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountFromRequest(w, r, h.users, h.accounts)
	if !ok {
		return
	}

	var out models.OutgoingMessage
	if !decodeJSON(w, r, &out) {
		return
	}
	if len(out.Recipients()) == 0 {
		http.Error(w, "at least one recipient is required", http.StatusBadRequest)
		return
	}

	result := h.mailbox.Send(r.Context(), acct, &out)
	writeJSONStatus(w, resultStatus(result.Success, result.RequiresReauth), result)
}

type replyRequest struct {
	OriginalMessageID string `json:"originalMessageId"`
	models.OutgoingMessage
}

// Reply answers a stored message; recipients default to the original sender.
func (h *AccountsHandler) Reply(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountFromRequest(w, r, h.users, h.accounts)
	if !ok {
		return
	}

	var req replyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OriginalMessageID == "" {
		http.Error(w, "originalMessageId is required", http.StatusBadRequest)
		return
	}

	result := h.mailbox.Reply(r.Context(), acct, req.OriginalMessageID, &req.OutgoingMessage)
	writeJSONStatus(w, resultStatus(result.Success, result.RequiresReauth), result)
}

// CreateDraft saves a draft in the provider mailbox.
func (h *AccountsHandler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountFromRequest(w, r, h.users, h.accounts)
	if !ok {
		return
	}

	var out models.OutgoingMessage
	if !decodeJSON(w, r, &out) {
		return
	}

	result := h.mailbox.CreateDraft(r.Context(), acct, &out)
	status := resultStatus(result.Success, result.RequiresReauth)
	if result.Success {
		status = http.StatusCreated
	}
	writeJSONStatus(w, status, result)
}
