// Package main is the entry point for the mail router and its delivery
// workers.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/shineum/ses-mail-router/internal/awsclient"
	"github.com/shineum/ses-mail-router/internal/bouncer"
	"github.com/shineum/ses-mail-router/internal/canary"
	"github.com/shineum/ses-mail-router/internal/config"
	"github.com/shineum/ses-mail-router/internal/credential"
	"github.com/shineum/ses-mail-router/internal/dispatch"
	"github.com/shineum/ses-mail-router/internal/forwarder"
	"github.com/shineum/ses-mail-router/internal/jmap"
	"github.com/shineum/ses-mail-router/internal/provider"
	"github.com/shineum/ses-mail-router/internal/provider/gmail"
	"github.com/shineum/ses-mail-router/internal/provider/ses"
	"github.com/shineum/ses-mail-router/internal/provider/stdout"
	"github.com/shineum/ses-mail-router/internal/router"
	"github.com/shineum/ses-mail-router/internal/routing"
	"github.com/shineum/ses-mail-router/internal/rules"
	"github.com/shineum/ses-mail-router/internal/server"
	"github.com/shineum/ses-mail-router/internal/storage"
	"github.com/shineum/ses-mail-router/internal/tagging"
	apptls "github.com/shineum/ses-mail-router/internal/tls"
	"github.com/shineum/ses-mail-router/internal/validator"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	awsCfg, err := awsclient.Load(ctx, cfg.AWS)
	if err != nil {
		slog.Error("failed to load AWS configuration", "error", err)
		os.Exit(1)
	}

	store, closeStore, err := selectRuleStore(ctx, cfg, awsCfg)
	if err != nil {
		slog.Error("failed to open rule store", "backend", cfg.Rules.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	gate := routing.SecurityGate{
		BypassToken:  cfg.Routing.BypassToken,
		BypassHeader: cfg.Routing.BypassHeader,
	}
	engine := routing.NewEngine(store,
		routing.WithSecurityGate(gate),
		routing.WithParallelism(cfg.Routing.Parallelism),
	)

	s3Client := s3.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)
	ssmClient := ssm.NewFromConfig(awsCfg)
	objects := storage.NewS3(s3Client)

	handler := router.New(engine, dispatchChannels(cfg, sqsClient), tagging.New(s3Client), router.Config{
		Environment: cfg.Environment,
		Bucket:      cfg.Storage.Bucket,
		Prefix:      cfg.Storage.Prefix,
	})

	tlsConfig, err := apptls.ServerConfig(cfg.HTTP.TLS.CertFile, cfg.HTTP.TLS.KeyFile, cfg.HTTP.TLS.SelfSigned)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	srvCfg := server.ServerConfig{
		ListenAddr:      cfg.HTTP.Listen,
		TLSConfig:       tlsConfig,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Router:          handler,
		Bouncer:         bouncer.New(selectSender(cfg, awsCfg), objects),
		Validator:       validator.New(gate),
	}

	if cfg.GmailConfigured() {
		guard := credential.NewGuard(
			credential.NewSSMSecrets(ssmClient,
				cfg.Gmail.RefreshTokenParameter, cfg.Gmail.ClientCredentialsParameter),
			credential.NewOAuthExchanger(&http.Client{Timeout: 30 * time.Second}),
			credential.NewSQSRetryChannel(sqsClient, cfg.Queues.Retry),
		)
		srvCfg.Forwarder = forwarder.New(objects, gmail.New(gmail.WithLabels(cfg.Gmail.Labels)), guard)
	} else {
		slog.Info("gmail forwarder disabled, credentials parameters or retry queue not configured")
	}

	if cfg.JMAPConfigured() {
		var urls jmap.URLSource = jmap.StaticURL(cfg.JMAP.APIURL)
		if cfg.JMAP.APIURL == "" {
			urls = jmap.NewSSMURL(ssmClient, cfg.JMAP.APIURLParameter)
		}
		srvCfg.JMAP = jmap.NewDeliverer(objects, jmap.New(urls, awsCfg.Credentials, awsCfg.Region))
	} else {
		slog.Info("jmap deliverer disabled, API URL not configured")
	}

	if cfg.CanaryMonitorEnabled() {
		completions := canary.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.Rules.Table, cfg.Environment)
		srvCfg.Canary = canary.NewMonitor(completions, objects)
	} else {
		slog.Info("canary monitor disabled, no DynamoDB table configured")
	}

	slog.Info("starting ses-mail-router",
		"environment", cfg.Environment,
		"listen", cfg.HTTP.Listen,
		"tls_enabled", cfg.TLSEnabled(),
		"rules_backend", cfg.Rules.Backend,
		"bucket", cfg.Storage.Bucket,
		"forwarder_enabled", srvCfg.Forwarder != nil,
		"jmap_enabled", srvCfg.JMAP != nil,
		"canary_enabled", srvCfg.Canary != nil,
	)

	// Start the server (blocks until context is cancelled)
	if err := server.New(srvCfg).ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("ses-mail-router stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectRuleStore opens the configured rule store. The returned func
// releases it.
func selectRuleStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (routing.RuleStore, func(), error) {
	switch cfg.Rules.Backend {
	case config.BackendSQLite:
		slog.Info("using sqlite rule store", "path", cfg.Rules.SQLitePath)
		st, err := rules.OpenSQLite(ctx, cfg.Rules.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			if err := st.Close(); err != nil {
				slog.Warn("failed to close rule store", "error", err)
			}
		}, nil
	default:
		slog.Info("using dynamodb rule store", "table", cfg.Rules.Table)
		return rules.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.Rules.Table), func() {}, nil
	}
}

// dispatchChannels registers one SQS publisher per configured action queue.
// Actions without a queue are logged and dropped.
func dispatchChannels(cfg *config.Config, client dispatch.SendMessageAPI) *dispatch.Channels {
	ch := dispatch.NewChannels(dispatch.LogPublisher{})

	queues := map[routing.ActionType]string{
		routing.ActionForward: cfg.Queues.Forward,
		routing.ActionJMAP:    cfg.Queues.JMAP,
		routing.ActionCanary:  cfg.Queues.Canary,
		routing.ActionBounce:  cfg.Queues.Bounce,
		routing.ActionStore:   cfg.Queues.Store,
	}
	for action, url := range queues {
		if url == "" {
			slog.Warn("no queue configured for action, dispatch messages will only be logged", "action", action)
			continue
		}
		ch.Register(string(action), dispatch.NewSQSPublisher(client, url))
	}
	return ch
}

// selectSender chooses the bounce notification backend: SES when a bounce
// sender is configured, stdout otherwise.
func selectSender(cfg *config.Config, awsCfg aws.Config) provider.Sender {
	if cfg.SESConfigured() {
		slog.Info("using AWS SES for bounce notifications",
			"sender", cfg.Bounce.Sender,
			"configuration_set", cfg.Bounce.ConfigurationSet,
		)
		return ses.New(awsCfg, cfg.Bounce.Sender, cfg.Bounce.ConfigurationSet)
	}
	slog.Info("no bounce sender configured, using stdout provider")
	return stdout.New()
}
