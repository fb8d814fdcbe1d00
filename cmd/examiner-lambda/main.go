// Command examiner-lambda serves the examiner HTTP API behind API Gateway
// (HTTP API, payload v2) through the Lambda proxy adapter.
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/fpang/ielts-examiner/internal/config"
	"github.com/fpang/ielts-examiner/internal/lambdaboot"
	"github.com/fpang/ielts-examiner/internal/logging"
	"github.com/fpang/ielts-examiner/internal/mailer"
	"github.com/fpang/ielts-examiner/internal/pipeline"
	"github.com/fpang/ielts-examiner/internal/server"
	"github.com/fpang/ielts-examiner/internal/session"
)

// Build-time version identity, injected via -ldflags.
var commitHash = "dev"

var handler *server.Server

func init() {
	initStart := time.Now()
	logging.Init()

	cfg, err := config.Load(logging.EnvOrDefault("EXAMINER_CONFIG", ""))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	aws := lambdaboot.InitAWS()
	lambdaboot.LoadResendKey(context.Background(), aws.SSM, &cfg)

	var sender mailer.Sender
	if rs, err := mailer.NewResendSender(cfg.ResendAPIKey, cfg.MailFrom); err == nil {
		sender = rs
	}

	// Warm containers keep sessions between invocations. Lambda freezes idle
	// goroutines, so idle sessions are swept from the request path instead.
	sessions := session.NewManager(cfg.SessionTTL)

	handler = server.New(server.Options{
		Pipeline:        pipeline.FromConfig(cfg),
		Sessions:        sessions,
		Uploads:         lambdaboot.InitUploads(aws.Config, cfg),
		Mailer:          sender,
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxRequestBytes: cfg.MaxRequestBytes,
		Version:         commitHash,
		SweepInterval:   time.Minute,
	})

	lambdaboot.StartupLog("examiner-lambda", cfg, initStart).Version(commitHash).Log()
}

func main() {
	adapter := httpadapter.NewV2(handler)
	lambda.Start(adapter.ProxyWithContext)
}
