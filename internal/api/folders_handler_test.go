package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
)

type stubFolders struct {
	folders []models.Folder
	err     error
}

func (s stubFolders) ListFolders(context.Context, *models.Account) ([]models.Folder, error) {
	return s.folders, s.err
}

func TestFoldersHandler_GetFolders(t *testing.T) {
	t.Run("returns 401 when no user email in context", func(t *testing.T) {
		dir := newMemDirectory()
		VerifyAuthCheck(t, NewFoldersHandler(dir, dir, stubFolders{}).GetFolders, http.MethodGet, "/x")
	})

	t.Run("sorts well-known folders first", func(t *testing.T) {
		dir := newMemDirectory()
		dir.addAccount(testUserEmail, imapAccount())
		lister := stubFolders{folders: []models.Folder{
			{Name: "Receipts"},
			{Name: "Trash", Attributes: []string{`\Trash`}},
			{Name: "Archive", Attributes: []string{`\Archive`}},
			{Name: "Drafts", Attributes: []string{`\Drafts`}},
			{Name: "Orders"},
			{Name: "Sent Items", Attributes: []string{`\Sent`}},
			{Name: "Junk", Attributes: []string{`\Junk`}},
			{Name: "INBOX"},
		}}

		rr := httptest.NewRecorder()
		NewFoldersHandler(dir, dir, lister).GetFolders(rr, newRequest(http.MethodGet, "/x", ""))
		require.Equal(t, http.StatusOK, rr.Code)

		var got []models.Folder
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		names := make([]string, 0, len(got))
		for _, f := range got {
			names = append(names, f.Name)
		}
		assert.Equal(t, []string{"INBOX", "Sent Items", "Drafts", "Junk", "Trash", "Archive", "Orders", "Receipts"}, names)
	})

	t.Run("only IMAP accounts have folders", func(t *testing.T) {
		dir := newMemDirectory()
		dir.addAccount(testUserEmail, gmailAccount())

		rr := httptest.NewRecorder()
		NewFoldersHandler(dir, dir, stubFolders{}).GetFolders(rr, newRequest(http.MethodGet, "/x", ""))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"login rejected", mailerr.New("imap", "login", mailerr.ErrReauthRequired, errors.New("bad password")), http.StatusUnauthorized},
		{"timeout", errors.New("dial tcp: i/o timeout"), http.StatusServiceUnavailable},
		{"other failure", errBoom, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newMemDirectory()
			dir.addAccount(testUserEmail, imapAccount())

			rr := httptest.NewRecorder()
			NewFoldersHandler(dir, dir, stubFolders{err: tt.err}).GetFolders(rr, newRequest(http.MethodGet, "/x", ""))
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}
