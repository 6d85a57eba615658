package api

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
)

// FolderLister lists the mailboxes of an IMAP account.
type FolderLister interface {
	ListFolders(ctx context.Context, acct *models.Account) ([]models.Folder, error)
}

// FoldersHandler handles IMAP folder-related API requests.
type FoldersHandler struct {
	users    Users
	accounts Accounts
	imap     FolderLister
}

// NewFoldersHandler creates a new FoldersHandler instance.
func NewFoldersHandler(users Users, accounts Accounts, lister FolderLister) *FoldersHandler {
	return &FoldersHandler{users: users, accounts: accounts, imap: lister}
}

// GetFolders returns the folders of an IMAP account, well-known folders first.
func (h *FoldersHandler) GetFolders(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountFromRequest(w, r, h.users, h.accounts)
	if !ok {
		return
	}
	if acct.ProviderKind() != models.ProviderIMAP {
		http.Error(w, "folders are only listed for IMAP accounts", http.StatusBadRequest)
		return
	}

	folders, err := h.imap.ListFolders(r.Context(), acct)
	if err != nil {
		log.Warn().Str("account_id", acct.ID).Err(err).Msg("FoldersHandler: Failed to list folders")
		if mailerr.IsAuth(err) {
			http.Error(w, "IMAP login failed", http.StatusUnauthorized)
			return
		}
		if strings.Contains(err.Error(), "i/o timeout") {
			http.Error(w, "Connection to IMAP server timed out", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "Failed to list folders", http.StatusBadGateway)
		return
	}
	if folders == nil {
		folders = []models.Folder{}
	}

	sortFoldersByRole(folders)
	WriteJSONResponse(w, folders)
}

// folderRole ranks a folder by its name or RFC 6154 SPECIAL-USE attribute.
func folderRole(f models.Folder) int {
	if strings.EqualFold(f.Name, models.DefaultFolder) {
		return 1
	}
	rank := map[string]int{
		`\sent`:    2,
		`\drafts`:  3,
		`\junk`:    4,
		`\trash`:   5,
		`\archive`: 6,
	}
	for _, attr := range f.Attributes {
		if r, ok := rank[strings.ToLower(attr)]; ok {
			return r
		}
	}
	return 7
}

// sortFoldersByRole sorts folders by role priority, then alphabetically for other folders.
// Priority order: inbox, sent, drafts, spam, trash, archive, other.
func sortFoldersByRole(folders []models.Folder) {
	sort.SliceStable(folders, func(i, j int) bool {
		ri, rj := folderRole(folders[i]), folderRole(folders[j])
		if ri != rj {
			return ri < rj
		}
		return folders[i].Name < folders[j].Name
	})
}
