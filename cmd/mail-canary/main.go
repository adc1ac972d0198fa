// Package main sends one canary message through SES to the canary address
// after checking the domain's mail DNS records.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/shineum/ses-mail-router/internal/awsclient"
	"github.com/shineum/ses-mail-router/internal/canary"
	"github.com/shineum/ses-mail-router/internal/config"
	"github.com/shineum/ses-mail-router/internal/provider/ses"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	domain := flag.String("domain", "", "mail domain to check and send from (defaults to the configured domain)")
	address := flag.String("to", "", "canary address (defaults to the configured address)")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *domain != "" {
		cfg.Canary.Domain = *domain
	}
	if *address != "" {
		cfg.Canary.Address = *address
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	awsCfg, err := awsclient.Load(ctx, cfg.AWS)
	if err != nil {
		slog.Error("failed to load AWS configuration", "error", err)
		os.Exit(1)
	}

	var tracker canary.Tracker
	if cfg.CanaryMonitorEnabled() {
		tracker = canary.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.Rules.Table, cfg.Environment)
	}

	sender := canary.NewSender(
		ses.New(awsCfg, "noreply@"+cfg.Canary.Domain, cfg.Bounce.ConfigurationSet),
		net.DefaultResolver,
		tracker,
		cfg.Canary.Domain, cfg.Canary.Address, cfg.Environment,
	)

	res, err := sender.Send(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		slog.Error("failed to write result", "error", encErr)
	}
	if err != nil {
		if errors.Is(err, canary.ErrDNS) {
			slog.Error("canary not sent", "domain", cfg.Canary.Domain, "error", err)
		} else {
			slog.Error("canary failed", "error", err)
		}
		os.Exit(1)
	}
}
