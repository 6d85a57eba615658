// Package mailbox is the provider-agnostic entry point for fetching, sending,
// replying, drafting and linking accounts. Each call resolves the account's
// provider variant once and routes to the matching Provider.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/db"
	"github.com/vdavid/marketdesk/internal/imap"
	"github.com/vdavid/marketdesk/internal/ingest"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/syncer"
	"github.com/vdavid/marketdesk/internal/threading"
	"github.com/vdavid/marketdesk/internal/websocket"
)

// idleFetchLimit bounds the INBOX fetch triggered by an IDLE notification.
const idleFetchLimit = 20

// Store is the persistence the facade needs.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	GetMessage(ctx context.Context, accountID, messageID string) (*models.Message, error)
	CreateAccount(ctx context.Context, acct *models.Account) error
	MarkReauthRequired(ctx context.Context, accountID, reason string) error
	RecordAccountError(ctx context.Context, accountID, message string) error
	ListActiveAccounts(ctx context.Context) ([]*models.Account, error)
	AcquireSync(ctx context.Context, accountID string, now time.Time) (*models.SyncState, error)
	ReleaseSync(ctx context.Context, accountID string) error
}

// HistorySyncer runs Gmail History API syncs.
type HistorySyncer interface {
	SyncGmailWithHistoryAPI(ctx context.Context, acct *models.Account, opts models.FetchOptions) *models.FetchResult
}

// Ingester stores fetched messages.
type Ingester interface {
	IngestBatch(ctx context.Context, acct *models.Account, msgs []*models.Message) *ingest.BatchResult
}

// Publisher pushes events to a user's websocket clients.
type Publisher interface {
	Publish(userID string, event websocket.Event)
}

// Linker exchanges OAuth authorization codes for encrypted token bundles.
type Linker interface {
	Exchange(ctx context.Context, provider models.OAuthProvider, code string) (*models.OAuthCredential, string, error)
}

// Encrypter seals passwords before they are stored.
type Encrypter interface {
	Encrypt(plaintext string) ([]byte, error)
}

// IMAPAccess is the IMAP surface used for account verification and IDLE.
type IMAPAccess interface {
	ListFolders(ctx context.Context, acct *models.Account) ([]models.Folder, error)
	StartIdleListener(ctx context.Context, acct *models.Account, onNewMail imap.NewMailHandler)
}

// Deps are the collaborators of a Service. History, Linker, IMAP and Events may be nil.
type Deps struct {
	Store     Store
	Providers map[models.ProviderKind]Provider
	Addresses map[models.ProviderKind]AddressResolver
	History   HistorySyncer
	Ingester  Ingester
	Vault     Encrypter
	Linker    Linker
	IMAP      IMAPAccess
	Events    Publisher
}

// Service routes mailbox operations to the provider of each account.
type Service struct {
	deps Deps
}

func NewService(deps Deps) *Service {
	return &Service{deps: deps}
}

func (s *Service) provider(kind models.ProviderKind) (Provider, error) {
	p, ok := s.deps.Providers[kind]
	if !ok {
		return nil, mailerr.New(string(kind), "route", mailerr.ErrUnsupported,
			fmt.Errorf("no provider configured for %s accounts", kind))
	}
	return p, nil
}

func (s *Service) publish(acct *models.Account, event websocket.Event) {
	if s.deps.Events == nil {
		return
	}
	event.AccountID = acct.ID
	s.deps.Events.Publish(acct.UserID, event)
}

// recordFailure flags the account after a failed provider call. OAuth accounts
// are flagged by the token manager itself; password accounts are flagged here.
func (s *Service) recordFailure(ctx context.Context, acct *models.Account, op string, err error) {
	kind := acct.ProviderKind()
	log.Warn().Str("account_id", acct.ID).Str("provider", string(kind)).Err(err).Msgf("%s failed", op)

	var storeErr error
	if kind == models.ProviderIMAP && mailerr.RequiresReauth(err) {
		storeErr = s.deps.Store.MarkReauthRequired(ctx, acct.ID, err.Error())
	} else {
		storeErr = s.deps.Store.RecordAccountError(ctx, acct.ID, err.Error())
	}
	if storeErr != nil {
		log.Error().Str("account_id", acct.ID).Err(storeErr).Msg("Failed to record account error")
	}
}

// FetchEmailsFromAccount fetches one window of messages and ingests them.
// UseHistoryAPI on a Gmail account runs the incremental history sync instead.
func (s *Service) FetchEmailsFromAccount(ctx context.Context, acct *models.Account, opts models.FetchOptions) *models.FetchResult {
	kind := acct.ProviderKind()
	if opts.UseHistoryAPI && kind == models.ProviderGmail && s.deps.History != nil {
		return s.deps.History.SyncGmailWithHistoryAPI(ctx, acct, opts)
	}

	result := &models.FetchResult{
		AccountID:    acct.ID,
		EmailAddress: acct.EmailAddress,
		Provider:     kind,
		SyncStatus:   acct.SyncState.Status,
		Messages:     []*models.Message{},
	}
	if !acct.IsActive {
		result.Error = "account is inactive"
		return result
	}
	if acct.RequiresReauth {
		result.Error = "account requires re-authentication"
		result.RequiresReauth = true
		return result
	}

	p, err := s.provider(kind)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	// Fetched messages land in the same threads a running sync writes to.
	if _, err := s.deps.Store.AcquireSync(ctx, acct.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, db.ErrSyncInProgress) {
			result.Error = syncer.SyncInProgressMessage
		} else {
			result.Error = err.Error()
		}
		return result
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.deps.Store.ReleaseSync(rctx, acct.ID); err != nil {
			log.Error().Str("account_id", acct.ID).Err(err).Msg("Failed to release sync guard")
		}
	}()

	page, err := p.Fetch(ctx, acct, opts)
	if err != nil {
		s.recordFailure(ctx, acct, "Fetch", err)
		result.Error = err.Error()
		result.RequiresReauth = mailerr.RequiresReauth(err)
		return result
	}

	result.Messages = page.Messages
	result.TotalCount = page.TotalCount
	result.Pagination = page.Pagination

	batch := s.deps.Ingester.IngestBatch(ctx, acct, page.Messages)
	result.Stored = batch.Stored
	result.Duplicates = batch.Duplicates
	if batch.Stats != nil {
		acct.Stats = *batch.Stats
	}
	if batch.Stopped {
		log.Error().Str("account_id", acct.ID).Err(batch.Err).Msg("Ingestion stopped")
		result.Error = batch.Err.Error()
		return result
	}
	if page.Skipped > 0 {
		log.Warn().Str("account_id", acct.ID).Int("skipped", page.Skipped).Msg("Some messages could not be parsed")
	}

	if batch.Stored > 0 {
		s.publish(acct, websocket.Event{Type: websocket.EventNewEmail, Stored: batch.Stored})
	}
	result.Success = true
	return result
}

// Send delivers a new message from the account.
func (s *Service) Send(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) *models.SendResult {
	result := &models.SendResult{
		Provider:     acct.ProviderKind(),
		AccountID:    acct.ID,
		EmailAddress: acct.EmailAddress,
	}
	p, err := s.provider(result.Provider)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	sent, err := p.Send(ctx, acct, out)
	if err != nil {
		s.sendFailed(ctx, acct, "Send", err, result)
		return result
	}
	result.Success = true
	result.MessageID = sent.MessageID
	result.ThreadID = out.ThreadID
	return result
}

// Reply answers a stored message. The reply carries In-Reply-To, the
// accumulated References and a "Re:" subject; it goes to the original sender
// unless recipients are given.
func (s *Service) Reply(ctx context.Context, acct *models.Account, originalMessageID string, out *models.OutgoingMessage) *models.SendResult {
	result := &models.SendResult{
		Provider:     acct.ProviderKind(),
		AccountID:    acct.ID,
		EmailAddress: acct.EmailAddress,
	}
	p, err := s.provider(result.Provider)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	original, err := s.deps.Store.GetMessage(ctx, acct.ID, originalMessageID)
	if err != nil {
		if errors.Is(err, db.ErrMessageNotFound) {
			result.Error = fmt.Sprintf("original message %s not found", originalMessageID)
		} else {
			result.Error = err.Error()
		}
		return result
	}

	reply := prepareReply(original, out)
	sent, err := p.Reply(ctx, acct, original, reply)
	if err != nil {
		s.sendFailed(ctx, acct, "Reply", err, result)
		return result
	}
	result.Success = true
	result.MessageID = sent.MessageID
	result.ThreadID = original.ThreadID
	return result
}

// prepareReply copies out and fills in the threading fields for a reply to original.
func prepareReply(original *models.Message, out *models.OutgoingMessage) *models.OutgoingMessage {
	reply := *out
	reply.InReplyTo = original.MessageID
	reply.References = threading.ReplyReferences(original)
	subject := out.Subject
	if strings.TrimSpace(subject) == "" {
		subject = original.Subject
	}
	reply.Subject = threading.ReplySubject(subject)
	reply.ThreadID = original.ProviderThreadID
	if len(reply.To) == 0 && len(reply.Cc) == 0 && len(reply.Bcc) == 0 {
		if from := original.Sender(); from.Email != "" {
			reply.To = []models.Address{from}
		}
	}
	return &reply
}

func (s *Service) sendFailed(ctx context.Context, acct *models.Account, op string, err error, result *models.SendResult) {
	result.Error = err.Error()
	result.RequiresReauth = mailerr.RequiresReauth(err)
	if mailerr.IsAuth(err) {
		s.recordFailure(ctx, acct, op, err)
		return
	}
	log.Warn().Str("account_id", acct.ID).Str("provider", string(result.Provider)).Err(err).Msgf("%s failed", op)
}

// CreateDraft saves a draft in the provider mailbox.
func (s *Service) CreateDraft(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) *models.DraftResult {
	result := &models.DraftResult{
		Provider:  acct.ProviderKind(),
		AccountID: acct.ID,
	}
	p, err := s.provider(result.Provider)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	id, err := p.CreateDraft(ctx, acct, out)
	if err != nil {
		result.Error = err.Error()
		result.RequiresReauth = mailerr.RequiresReauth(err)
		if mailerr.IsAuth(err) {
			s.recordFailure(ctx, acct, "CreateDraft", err)
		}
		return result
	}
	result.Success = true
	result.DraftID = id
	return result
}

// LinkAccount finishes an OAuth consent flow: it exchanges the code, looks up
// the mailbox address and stores the account. Linking an address again
// replaces its tokens and reactivates it.
func (s *Service) LinkAccount(ctx context.Context, userID string, provider models.OAuthProvider, code string) (*models.Account, error) {
	if s.deps.Linker == nil {
		return nil, errors.New("OAuth linking is not configured")
	}
	cred, _, err := s.deps.Linker.Exchange(ctx, provider, code)
	if err != nil {
		return nil, err
	}

	acct := &models.Account{
		UserID:    userID,
		OAuth:     cred,
		SyncState: models.SyncState{Status: models.SyncInitial},
	}
	switch acct.ProviderKind() {
	case models.ProviderGmail:
		acct.Type = models.AccountTypeGmail
	case models.ProviderOutlook:
		acct.Type = models.AccountTypeOutlook
	default:
		return nil, fmt.Errorf("unsupported OAuth provider %q", provider)
	}

	resolver, ok := s.deps.Addresses[acct.ProviderKind()]
	if !ok {
		return nil, fmt.Errorf("no address lookup for %s accounts", acct.ProviderKind())
	}
	email, err := resolver.MailboxAddress(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("failed to read mailbox address: %w", err)
	}
	acct.EmailAddress = strings.ToLower(strings.TrimSpace(email))

	if err := s.deps.Store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	log.Info().Str("account_id", acct.ID).Str("provider", string(provider)).Msg("Linked OAuth account")
	return acct, nil
}

// ServerSettings is a server login as entered by the user.
type ServerSettings struct {
	Host     string          `json:"host"`
	Port     int             `json:"port"`
	Security models.Security `json:"security"`
	Username string          `json:"username"`
	Password string          `json:"password"`
}

// IMAPAccountRequest describes a password-based account to create.
type IMAPAccountRequest struct {
	EmailAddress string             `json:"emailAddress"`
	DisplayName  string             `json:"displayName"`
	Type         models.AccountType `json:"accountType"`
	Incoming     ServerSettings     `json:"incoming"`
	Outgoing     ServerSettings     `json:"outgoing"`
}

// Validate checks the fields needed to reach both servers.
func (r IMAPAccountRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.EmailAddress) == "":
		return errors.New("emailAddress is required")
	case r.Incoming.Host == "" || r.Incoming.Port == 0:
		return errors.New("incoming host and port are required")
	case r.Outgoing.Host == "" || r.Outgoing.Port == 0:
		return errors.New("outgoing host and port are required")
	case r.Incoming.Password == "":
		return errors.New("incoming password is required")
	}
	return nil
}

// CreateIMAPAccount encrypts the passwords, checks that the IMAP login works
// and stores the account. The outgoing password defaults to the incoming one.
func (s *Service) CreateIMAPAccount(ctx context.Context, userID string, req IMAPAccountRequest) (*models.Account, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Outgoing.Password == "" {
		req.Outgoing.Password = req.Incoming.Password
	}

	incoming, err := s.serverConfig(req.Incoming)
	if err != nil {
		return nil, err
	}
	outgoing, err := s.serverConfig(req.Outgoing)
	if err != nil {
		return nil, err
	}

	acctType := req.Type
	if acctType == "" {
		acctType = models.AccountTypeIMAP
	}
	acct := &models.Account{
		UserID:       userID,
		EmailAddress: strings.ToLower(strings.TrimSpace(req.EmailAddress)),
		DisplayName:  req.DisplayName,
		Type:         acctType,
		IsActive:     true,
		Incoming:     incoming,
		Outgoing:     outgoing,
		SyncState:    models.SyncState{Status: models.SyncInitial},
	}

	if s.deps.IMAP != nil {
		if _, err := s.deps.IMAP.ListFolders(ctx, acct); err != nil {
			return nil, fmt.Errorf("failed to verify IMAP login: %w", err)
		}
	}
	if err := s.deps.Store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *Service) serverConfig(in ServerSettings) (*models.ServerConfig, error) {
	sealed, err := s.deps.Vault.Encrypt(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password: %w", err)
	}
	security := in.Security
	if security == "" {
		security = models.SecurityTLS
	}
	return &models.ServerConfig{
		Host:              in.Host,
		Port:              in.Port,
		Security:          security,
		Username:          in.Username,
		EncryptedPassword: sealed,
	}, nil
}

// StartIdleListeners starts one IDLE loop per active IMAP account. Each new
// mail notification fetches and ingests the newest INBOX messages. The loops
// stop when ctx is canceled; the returned WaitGroup tracks them.
func (s *Service) StartIdleListeners(ctx context.Context) (*sync.WaitGroup, error) {
	var wg sync.WaitGroup
	if s.deps.IMAP == nil {
		return &wg, nil
	}
	accounts, err := s.deps.Store.ListActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}

	for _, acct := range accounts {
		if acct.ProviderKind() != models.ProviderIMAP || acct.RequiresReauth {
			continue
		}
		wg.Add(1)
		go func(acct *models.Account) {
			defer wg.Done()
			s.deps.IMAP.StartIdleListener(ctx, acct, s.onNewMail)
		}(acct)
		log.Info().Str("account_id", acct.ID).Msg("Started IMAP IDLE listener")
	}
	return &wg, nil
}

func (s *Service) onNewMail(ctx context.Context, acct *models.Account) {
	result := s.FetchEmailsFromAccount(ctx, acct, models.FetchOptions{
		Folder:      models.DefaultFolder,
		Limit:       idleFetchLimit,
		IncludeBody: true,
	})
	switch {
	case result.Success:
	case result.Error == syncer.SyncInProgressMessage:
		log.Debug().Str("account_id", acct.ID).Msg("Sync running, IDLE-triggered fetch skipped")
	default:
		log.Warn().Str("account_id", acct.ID).Str("error", result.Error).Msg("IDLE-triggered fetch failed")
	}
}

// FetchAccount loads an account and runs FetchEmailsFromAccount on it.
func (s *Service) FetchAccount(ctx context.Context, accountID string, opts models.FetchOptions) (*models.FetchResult, error) {
	acct, err := s.deps.Store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.FetchEmailsFromAccount(ctx, acct, opts), nil
}
