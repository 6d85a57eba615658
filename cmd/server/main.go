package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/api"
	"github.com/vdavid/marketdesk/internal/auth"
	"github.com/vdavid/marketdesk/internal/config"
	"github.com/vdavid/marketdesk/internal/crypto"
	"github.com/vdavid/marketdesk/internal/db"
	"github.com/vdavid/marketdesk/internal/gmail"
	"github.com/vdavid/marketdesk/internal/imap"
	"github.com/vdavid/marketdesk/internal/ingest"
	"github.com/vdavid/marketdesk/internal/mailbox"
	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/notify"
	"github.com/vdavid/marketdesk/internal/oauth"
	"github.com/vdavid/marketdesk/internal/outlook"
	"github.com/vdavid/marketdesk/internal/quota"
	"github.com/vdavid/marketdesk/internal/smtp"
	"github.com/vdavid/marketdesk/internal/syncer"
	"github.com/vdavid/marketdesk/internal/threading"
	"github.com/vdavid/marketdesk/internal/websocket"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.CloseConnection(pool)
	log.Info().Msg("Successfully connected to database")

	app, err := NewApp(cfg, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer app.Close()

	if cfg.APIToken == "" {
		log.Warn().Msg("MARKETDESK_API_TOKEN is not set; every API request will be rejected")
	}

	var background sync.WaitGroup
	app.StartBackground(ctx, &background)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
		}
	}()

	log.Info().Str("address", server.Addr).Str("environment", cfg.Environment).Msg("MarketDesk server starting")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}

	background.Wait()
	log.Info().Msg("MarketDesk server stopped")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// App holds the wired services behind the HTTP handler.
type App struct {
	Handler http.Handler

	cfg      *config.Config
	imapPool *imap.Pool
	mailbox  *mailbox.Service
	history  *syncer.HistorySync
	notify   *notify.Handler
}

// NewApp wires every component from cfg and the database pool.
func NewApp(cfg *config.Config, pool *pgxpool.Pool) (*App, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, err
	}

	store := db.NewStore(pool)
	hub := websocket.NewHub(10)
	tokens := oauth.NewManager(cfg, store, encryptor)
	tracker := quota.NewTracker(store, cfg.GmailDailyQuota, cfg.GmailQuotaMargin)
	pacer := quota.NewLimiters(cfg.FetchInterval)

	gmailClient := gmail.NewClient(tokens, pacer, gmail.WithMeter(tracker))
	outlookClient := outlook.NewClient(tokens, pacer)
	imapPool := imap.NewPoolWithMaxWorkers(cfg.IMAPMaxWorkers)
	imapClient := imap.NewClient(imapPool, encryptor, pacer)

	engine := threading.NewEngine(store, threading.Options{
		RecencyWindow: cfg.ThreadWindow,
		MinConfidence: cfg.ThreadMinConfidence,
	})
	ingester := ingest.NewIngester(store, engine)

	history := syncer.NewHistorySync(store, gmailClient, ingester, tracker, hub, syncer.HistoryOptions{
		Topic:     cfg.WatchTopicName(),
		BatchSize: cfg.HistoryBatchSize,
	})
	manual := syncer.NewManualSync(store,
		map[models.ProviderKind]syncer.Pager{
			models.ProviderGmail:   gmailClient,
			models.ProviderOutlook: outlookClient,
			models.ProviderIMAP:    imapClient,
		},
		map[models.ProviderKind]syncer.CursorSource{
			models.ProviderGmail: gmailClient,
		},
		ingester, hub, cfg.ManualBatchSize)

	sender := smtp.NewSender()
	mb := mailbox.NewService(mailbox.Deps{
		Store: store,
		Providers: map[models.ProviderKind]mailbox.Provider{
			models.ProviderGmail:   mailbox.NewGmailProvider(gmailClient, tokens, sender, smtp.GmailServer),
			models.ProviderOutlook: mailbox.NewOutlookProvider(outlookClient),
			models.ProviderIMAP:    mailbox.NewIMAPProvider(imapClient, sender, encryptor),
		},
		Addresses: map[models.ProviderKind]mailbox.AddressResolver{
			models.ProviderGmail:   mailbox.GmailAddress(gmailClient),
			models.ProviderOutlook: outlookClient,
		},
		History:  history,
		Ingester: ingester,
		Vault:    encryptor,
		Linker:   tokens,
		IMAP:     imapClient,
		Events:   hub,
	})

	authn := auth.NewAuthenticator(cfg.APIToken)
	handler := api.NewRouter(api.Handlers{
		Auth:      api.NewAuthHandler(store, tokens, mb),
		Accounts:  api.NewAccountsHandler(store, store, mb, tokens),
		Sync:      api.NewSyncHandler(store, store, history, manual),
		Threads:   api.NewThreadsHandler(store, store, store),
		Folders:   api.NewFoldersHandler(store, store, imapClient),
		WebSocket: api.NewWebSocketHandler(store, authn, hub),
	}, authn)

	return &App{
		Handler:  handler,
		cfg:      cfg,
		imapPool: imapPool,
		mailbox:  mb,
		history:  history,
		notify:   notify.NewHandler(store, history),
	}, nil
}

// StartBackground starts IMAP IDLE listeners, the Gmail push listener and the
// watch renewal loop. They all stop when ctx is canceled.
func (a *App) StartBackground(ctx context.Context, wg *sync.WaitGroup) {
	idle, err := a.mailbox.StartIdleListeners(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start IMAP IDLE listeners")
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idle.Wait()
		}()
	}

	if !a.cfg.WatchEnabled() {
		log.Info().Msg("Gmail push notifications are not configured")
		return
	}

	listener, err := notify.NewListener(ctx, a.cfg.PubSubProjectID, a.cfg.TopicID(), a.cfg.SubscriptionID(), a.notify)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create Pub/Sub listener")
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { _ = listener.Close() }()
			if err := listener.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Pub/Sub listener stopped")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.renewWatches(ctx)
	}()
}

func (a *App) renewWatches(ctx context.Context) {
	renew := func() {
		if _, err := a.history.RenewWatches(ctx); err != nil {
			log.Warn().Err(err).Msg("Watch renewal failed")
		}
	}

	renew()
	ticker := time.NewTicker(a.cfg.WatchRenewalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renew()
		}
	}
}

// Close releases pooled IMAP connections.
func (a *App) Close() {
	a.imapPool.Close()
}
