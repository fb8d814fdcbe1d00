package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/ielts-examiner/internal/cli"
	"github.com/fpang/ielts-examiner/internal/lambdaboot"
	"github.com/fpang/ielts-examiner/internal/mailer"
	"github.com/fpang/ielts-examiner/internal/server"
	"github.com/fpang/ielts-examiner/internal/session"
	"github.com/fpang/ielts-examiner/internal/upload"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve starts the evaluation API:

  POST   /api/evaluate           essay_text or file (+ mode)
  POST   /api/evaluate/batch     files, in page order
  POST   /api/evaluate/uploaded  pages already uploaded to S3
  GET    /api/upload-url         presigned S3 PUT for one page
  GET    /api/results/{mode}     last result for a mode in this session
  POST   /api/send               e-mail a result`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "Port to listen on (overrides PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	initStart := time.Now()
	cfg, p := cli.InitPipeline(configFlag)
	if portFlag > 0 {
		cfg.Port = portFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions := session.NewManager(cfg.SessionTTL)
	go sessions.RunSweeper(ctx, time.Minute)

	var uploads *upload.Service
	if cfg.MediaBucket != "" {
		uploads = lambdaboot.InitUploads(lambdaboot.InitAWS().Config, cfg)
	}

	var sender mailer.Sender
	if rs, err := mailer.NewResendSender(cfg.ResendAPIKey, cfg.MailFrom); err == nil {
		sender = rs
	} else {
		log.Warn().Err(err).Msg("E-mail delivery disabled")
	}

	handler := server.New(server.Options{
		Pipeline:        p,
		Sessions:        sessions,
		Uploads:         uploads,
		Mailer:          sender,
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxRequestBytes: cfg.MaxRequestBytes,
		Version:         commitHash,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: cfg.UpstreamTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Graceful shutdown incomplete")
		}
	}()

	lambdaboot.StartupLog("examiner serve", cfg, initStart).Version(commitHash).Log()
	log.Info().Int("port", cfg.Port).Msg("Starting web server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
