package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"

	"mp-relay/internal/app"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	cfg, err := app.LoadConfig(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	// Concurrent invocations share state only through DynamoDB.
	if cfg.StateTable == "" {
		slog.Error("required environment variable is not set", "key", "STATE_TABLE")
		os.Exit(1)
	}

	// ---- AWS SDK config ----
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	a, err := app.New(cfg, awsCfg, nil, logger)
	if err != nil {
		slog.Error("failed to build relay", "err", err)
		os.Exit(1)
	}

	lambda.Start(a.Handler.Handle)
}
