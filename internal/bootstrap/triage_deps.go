package bootstrap

import (
	"context"
	"fmt"
	"time"

	"triage_server/adapter/in/worker"
	"triage_server/adapter/out/llm"
	"triage_server/adapter/out/messaging"
	"triage_server/adapter/out/mongodb"
	"triage_server/adapter/out/persistence"
	"triage_server/adapter/out/provider/credential"
	"triage_server/adapter/out/provider/fake"
	"triage_server/adapter/out/provider/gmail"
	"triage_server/adapter/out/provider/graphsdk"
	"triage_server/adapter/out/provider/imap"
	"triage_server/adapter/out/provider/outlook"
	"triage_server/config"
	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/core/service/classification"
	"triage_server/core/service/triage"
	"triage_server/infra/database"
	"triage_server/pkg/httputil"
	"triage_server/pkg/logger"
	"triage_server/pkg/metrics"
	"triage_server/pkg/resilience"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

type Dependencies struct {
	Config  *config.Config
	Redis   *redis.Client
	MongoDB *mongo.Client

	// Adapters
	Store       out.CheckpointStore
	Source      out.MessageSource
	Annotator   out.CategoryAnnotator
	Credentials out.CredentialProvider
	Events      out.RunEventPublisher

	// Fake is set when MAIL_PROVIDER=fake so dev routes can seed it.
	Fake *fake.Mailbox

	// Services
	Classifier *classification.Classifier
	Triage     *triage.Orchestrator
	Scheduler  *worker.Scheduler
	Metrics    *metrics.Registry

	// Health
	Components map[string]string
	Pingers    map[string]out.Pinger
}

func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{
		Config:     cfg,
		Metrics:    metrics.Global(),
		Components: map[string]string{},
		Pingers:    map[string]out.Pinger{},
	}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	mailbox := cfg.Mailbox()

	// Redis is shared by the redis store and the redis event stream
	if cfg.StoreDriver == config.StoreRedis || cfg.EventsDriver == config.EventsRedis {
		client, err := database.NewRedis(ctx, cfg.RedisURL, database.DefaultRedisConfig())
		if err != nil {
			return fail(err)
		}
		deps.Redis = client
		deps.Pingers["redis"] = pingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
		cleanups = append(cleanups, func() { client.Close() })
	}

	// Checkpoint store
	store, closeStore, err := newStore(ctx, cfg, deps, mailbox)
	if err != nil {
		return fail(err)
	}
	if closeStore != nil {
		cleanups = append(cleanups, closeStore)
	}
	deps.Store = store
	deps.Components["store"] = cfg.StoreDriver
	if p, ok := store.(out.Pinger); ok {
		deps.Pingers["store"] = p
	}

	// Mail provider
	if err := newProvider(ctx, cfg, deps); err != nil {
		return fail(err)
	}
	deps.Components["provider"] = cfg.MailProvider
	if !cfg.AnnotateEnabled {
		deps.Annotator = nil
		deps.Components["annotate"] = "disabled"
	}

	// Events
	events, err := newEvents(cfg, deps, mailbox)
	if err != nil {
		return fail(err)
	}
	deps.Events = events
	deps.Components["events"] = cfg.EventsDriver
	cleanups = append(cleanups, func() { events.Close() })

	// Classifier
	var backend out.LabelBackend
	if cfg.OpenAIAPIKey != "" {
		client := llm.NewClientWithConfig(llm.ClientConfig{
			APIKey:        cfg.OpenAIAPIKey,
			BaseURL:       cfg.OpenAIBaseURL,
			AzureEndpoint: cfg.AzureOpenAIEndpoint,
			Model:         cfg.LLMModel,
			MaxTokens:     cfg.LLMMaxTokens,
			Temperature:   cfg.LLMTemperature,
		})
		backend = llm.NewLabelBackend(client)
		deps.Components["classifier"] = "llm:" + cfg.LLMModel
	} else {
		deps.Components["classifier"] = "rules"
		logger.Warn("OPENAI_API_KEY not set, classifying with keyword rules only")
	}
	deps.Classifier = classification.NewClassifier(
		backend,
		classification.NewRuleClassifier(nil),
		classification.Config{
			MinConfidence:      cfg.MinConfidence,
			FallbackConfidence: cfg.FallbackConfidence,
			MaxInputChars:      classification.DefaultMaxInputChars,
			Timeout:            time.Duration(cfg.ClassifyTimeoutSec) * time.Second,
		},
		deps.Metrics,
	)

	// Orchestrator
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.FetchMaxRetries
	deps.Triage = triage.NewOrchestrator(triage.Deps{
		Store:       deps.Store,
		Source:      deps.Source,
		Classifier:  deps.Classifier,
		Annotator:   deps.Annotator,
		Credentials: deps.Credentials,
		Events:      deps.Events,
		Metrics:     deps.Metrics,
	}, triage.Config{
		FetchPageSize:       cfg.FetchPageSize,
		MaxMessagesPerRun:   cfg.MaxMessagesPerRun,
		ClassifyConcurrency: cfg.ClassifyConcurrency,
		FetchTimeout:        time.Duration(cfg.FetchTimeoutSec) * time.Second,
		AnnotateTimeout:     time.Duration(cfg.AnnotateTimeoutSec) * time.Second,
		StoreTimeout:        time.Duration(cfg.StoreTimeoutSec) * time.Second,
		PublishTimeout:      cfg.PublishTimeout,
		FetchRetry:          retry,
		AnnotateRetry:       resilience.DefaultRetryConfig(),
	})

	deps.Scheduler = worker.NewScheduler(deps.Triage, cfg.MailFolder, cfg.PollingInterval)
	deps.Scheduler.SetRunTimeout(cfg.RunTimeout)
	cleanups = append(cleanups, deps.Scheduler.Stop)

	logger.WithFields(map[string]any{
		"mailbox":    mailbox,
		"components": deps.Components,
	}).Info("dependencies ready")

	return deps, cleanup, nil
}

func newStore(ctx context.Context, cfg *config.Config, deps *Dependencies, mailbox string) (out.CheckpointStore, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return persistence.NewMemoryStore(), nil, nil

	case config.StoreSQLite:
		s, err := persistence.OpenSQLite(cfg.SQLitePath, mailbox)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case config.StorePostgres:
		pool, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.DefaultPostgresConfig())
		if err != nil {
			return nil, nil, err
		}
		db := database.SQLX(pool)
		s := persistence.NewPostgresStore(db, mailbox)
		if err := s.EnsureSchema(ctx); err != nil {
			db.Close()
			pool.Close()
			return nil, nil, err
		}
		return s, func() {
			db.Close()
			pool.Close()
		}, nil

	case config.StoreRedis:
		return persistence.NewRedisStore(deps.Redis, cfg.RedisKeyPrefix, mailbox), nil, nil

	case config.StoreMongoDB:
		client, err := mongodb.NewClient(cfg.MongoDBURL)
		if err != nil {
			return nil, nil, err
		}
		deps.MongoDB = client
		s := mongodb.NewCheckpointStore(client.Database(cfg.MongoDBName), mailbox)
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		return s, func() { _ = client.Disconnect(context.Background()) }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// newProvider sets Source, Annotator and Credentials for the configured mailbox.
func newProvider(ctx context.Context, cfg *config.Config, deps *Dependencies) error {
	switch cfg.MailProvider {
	case config.ProviderFake:
		mb := fake.NewMailbox()
		mb.Add(domain.FolderInbox, fake.DemoMessages(time.Now().UTC().Truncate(time.Minute))...)
		deps.Fake = mb
		deps.Source, deps.Annotator = mb, mb
		return nil

	case config.ProviderOutlook:
		creds := microsoftCredentials(cfg)
		p := outlook.NewProvider(creds, outlook.Config{
			UserID:     cfg.MailUser,
			HTTPClient: httputil.NewClient(httputil.GraphClientConfig()),
		})
		deps.Source, deps.Annotator, deps.Credentials = p, p, creds
		return nil

	case config.ProviderGraphSDK:
		creds := microsoftCredentials(cfg)
		p, err := graphsdk.New(creds, cfg.MailUser)
		if err != nil {
			return err
		}
		deps.Source, deps.Annotator, deps.Credentials = p, p, creds
		return nil

	case config.ProviderGmail:
		var creds out.CredentialProvider
		if cfg.MailAccessToken != "" {
			creds = credential.NewStatic(cfg.MailAccessToken)
		} else {
			creds = credential.NewOAuthProvider(
				credential.GoogleOAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret),
				cfg.GoogleRefreshToken,
			)
		}
		p, err := gmail.New(ctx, creds)
		if err != nil {
			return err
		}
		deps.Source, deps.Annotator, deps.Credentials = p, p, creds
		return nil

	case config.ProviderIMAP:
		var creds out.CredentialProvider
		if cfg.IMAPPassword == "" {
			creds = credential.NewStatic(cfg.MailAccessToken)
		}
		p := imap.New(imap.Config{
			Addr:     cfg.IMAPAddr,
			Username: cfg.IMAPUsername,
			Password: cfg.IMAPPassword,
			TLS:      cfg.IMAPTLS,
			Timeout:  time.Duration(cfg.FetchTimeoutSec) * time.Second,
		}, creds)
		deps.Source, deps.Annotator = p, p
		if creds != nil {
			deps.Credentials = creds
		}
		return nil
	}
	return fmt.Errorf("unknown mail provider %q", cfg.MailProvider)
}

func microsoftCredentials(cfg *config.Config) out.CredentialProvider {
	if cfg.MailAccessToken != "" {
		return credential.NewStatic(cfg.MailAccessToken)
	}
	return credential.NewOAuthProvider(
		credential.OutlookOAuthConfig(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftTenantID),
		cfg.MicrosoftRefreshToken,
	)
}

func newEvents(cfg *config.Config, deps *Dependencies, mailbox string) (out.RunEventPublisher, error) {
	switch cfg.EventsDriver {
	case config.EventsNone, "":
		return messaging.Noop{}, nil
	case config.EventsNATS:
		p, err := messaging.NewNatsPublisher(cfg.NatsURL, cfg.NatsStream, mailbox)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.EventsRedis:
		return messaging.NewRedisPublisher(deps.Redis, cfg.RedisKeyPrefix, mailbox, cfg.EventsMaxLen), nil
	}
	return nil, fmt.Errorf("unknown events driver %q", cfg.EventsDriver)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
