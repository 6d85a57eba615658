package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/auth"
	"github.com/vdavid/marketdesk/internal/db"
	"github.com/vdavid/marketdesk/internal/models"
)

// maxBodyBytes bounds JSON request bodies; attachments travel base64-encoded.
const maxBodyBytes = 25 << 20

// Users resolves the acting user.
type Users interface {
	GetOrCreateUser(ctx context.Context, email string) (string, error)
}

// Accounts loads accounts owned by a user.
type Accounts interface {
	GetAccountForUser(ctx context.Context, userID, accountID string) (*models.Account, error)
	ListAccountsForUser(ctx context.Context, userID string) ([]*models.Account, error)
}

// GetUserIDFromContext extracts the user's email from context, resolves/creates the DB user,
// and writes appropriate HTTP errors when it fails. Returns (userID, true) on success.
func GetUserIDFromContext(ctx context.Context, w http.ResponseWriter, users Users) (string, bool) {
	email, ok := auth.GetUserEmailFromContext(ctx)
	if !ok {
		log.Warn().Msg("API: No user email in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}

	userID, err := users.GetOrCreateUser(ctx, email)
	if err != nil {
		log.Error().Err(err).Msg("API: Failed to get/create user")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return "", false
	}

	return userID, true
}

// accountFromRequest loads the {id} account of the authenticated user.
// Accounts of other users answer 404.
func accountFromRequest(w http.ResponseWriter, r *http.Request, users Users, accounts Accounts) (*models.Account, bool) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, users)
	if !ok {
		return nil, false
	}

	accountID := r.PathValue("id")
	if _, err := uuid.Parse(accountID); err != nil {
		http.Error(w, "Account not found", http.StatusNotFound)
		return nil, false
	}

	acct, err := accounts.GetAccountForUser(ctx, userID, accountID)
	if err != nil {
		if errors.Is(err, db.ErrAccountNotFound) {
			http.Error(w, "Account not found", http.StatusNotFound)
			return nil, false
		}
		log.Error().Str("account_id", accountID).Err(err).Msg("API: Failed to get account")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return acct, true
}

// ParsePaginationParams parses page and limit from query parameters.
// Returns default values (page=1, limit=defaultLimit) if parameters are missing or invalid.
func ParsePaginationParams(r *http.Request, defaultLimit int) (page, limit int) {
	page = 1
	limit = defaultLimit

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if parsed, err := strconv.Atoi(pageStr); err == nil && parsed > 0 {
			page = parsed
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	return page, limit
}

// decodeJSON reads a JSON request body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

// WriteJSONResponse encodes v into a buffer first so an encoding failure can
// still produce a clean 500 instead of a partial body.
func WriteJSONResponse(w http.ResponseWriter, v any) bool {
	return writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("API: Failed to encode response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Warn().Err(err).Msg("API: Failed to write response")
		return false
	}
	return true
}

// resultStatus maps a structured operation result onto an HTTP status.
func resultStatus(success, requiresReauth bool) int {
	switch {
	case success:
		return http.StatusOK
	case requiresReauth:
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}
