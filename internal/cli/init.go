package cli

import (
	"github.com/rs/zerolog/log"

	"github.com/fpang/ielts-examiner/internal/config"
	"github.com/fpang/ielts-examiner/internal/pipeline"
)

// InitPipeline loads configuration from path (plus environment) and wires
// the pipeline. Exits fatally when the configuration is invalid.
func InitPipeline(path string) (config.Config, *pipeline.Pipeline) {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("Invalid configuration")
	}
	log.Debug().Str("upstream", cfg.UpstreamURL).Msg("Configuration loaded")
	return cfg, pipeline.FromConfig(cfg)
}
