// Package lambdaboot provides the Lambda cold-start bootstrap: AWS config,
// the S3 page store, secrets from SSM and startup logging.
package lambdaboot

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/ielts-examiner/internal/config"
	"github.com/fpang/ielts-examiner/internal/logging"
	"github.com/fpang/ielts-examiner/internal/upload"
)

// AWSClients holds the core AWS SDK clients.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// ParameterGetter is the part of the SSM client secret loading uses.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// InitUploads creates the S3-backed upload service when a media bucket is
// configured. Returns nil (with a warning) otherwise.
func InitUploads(awsCfg aws.Config, cfg config.Config) *upload.Service {
	if cfg.MediaBucket == "" {
		log.Warn().Str("envVar", "MEDIA_BUCKET_NAME").Msg("Media bucket not set: presigned uploads disabled")
		return nil
	}
	store := upload.NewS3Store(s3.NewFromConfig(awsCfg), cfg.MediaBucket)
	return upload.NewService(store, cfg.MaxRawBytes, cfg.MaxFiles)
}

// LoadResendKey fills cfg.ResendAPIKey from SSM Parameter Store when it is
// not already set. Non-fatal: a missing parameter disables mail.
func LoadResendKey(ctx context.Context, ssmClient ParameterGetter, cfg *config.Config) {
	if cfg.ResendAPIKey != "" || cfg.ResendAPIKeyParam == "" {
		return
	}
	start := time.Now()
	out, err := ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(cfg.ResendAPIKeyParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil || out.Parameter == nil {
		log.Warn().Err(err).Str("param", cfg.ResendAPIKeyParam).Msg("Resend API key not found in SSM: mail disabled")
		return
	}
	cfg.ResendAPIKey = aws.ToString(out.Parameter.Value)
	log.Debug().Str("param", cfg.ResendAPIKeyParam).Dur("elapsed", time.Since(start)).Msg("Resend API key loaded from SSM")
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, cfg config.Config, initStart time.Time) *logging.StartupLogger {
	return cfg.Describe(logging.NewStartupLogger(name)).InitDuration(time.Since(initStart))
}
