package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-checkout/internal/app"
	"github.com/imrishuroy/go-idempotent-checkout/internal/aws"
	"github.com/imrishuroy/go-idempotent-checkout/internal/config"
	"github.com/imrishuroy/go-idempotent-checkout/internal/logger"
	"github.com/imrishuroy/go-idempotent-checkout/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	zl, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx := context.Background()
	var clients *aws.AWSClients
	if cfg.Store.Backend == config.BackendDynamoDB {
		clients, err = aws.NewAWSClients(ctx, aws.Options{Region: cfg.AWS.Region, EndpointOverride: cfg.AWS.EndpointOverride})
		if err != nil {
			zl.Fatal("failed to init aws clients", zap.Error(err))
		}
	}
	backend, err := app.OpenBackend(ctx, cfg.Store, clients, zl)
	if err != nil {
		zl.Fatal("failed to open backend", zap.Error(err))
	}
	defer func() { _ = backend.Close() }()

	p := NewProcessor(backend.Orders, cfg.Payment.AutoConfirm, zl)

	// RUN_LOCAL=true processes a single event from LOCAL_SQS_BODY.
	if cfg.App.RunLocal || os.Getenv("RUN_LOCAL") == "true" {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			b, _ := json.Marshal(notify.OrderCreated("local-order-1", "local-user", 0, time.Now()))
			body = string(b)
		}
		resp, _ := p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{{MessageId: "local-1", Body: body}}})
		if len(resp.BatchItemFailures) > 0 {
			zl.Error("local handler failed")
			os.Exit(1)
		}
		return
	}

	lambda.Start(p.Handle)
}
