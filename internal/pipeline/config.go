package pipeline

import (
	"github.com/fpang/ielts-examiner/internal/config"
	"github.com/fpang/ielts-examiner/internal/evaluator"
	"github.com/fpang/ielts-examiner/internal/intake"
)

// FromConfig wires every stage from cfg with a live evaluator client.
func FromConfig(cfg config.Config) *Pipeline {
	return &Pipeline{
		Normalizer: intake.NewNormalizer(cfg.Policy(), intake.WithConcurrency(cfg.Concurrency)),
		Validator:  cfg.Validator(),
		Endpoints:  cfg.Endpoints,
		Evaluator:  evaluator.NewClient(cfg.UpstreamURL, evaluator.WithBudget(cfg.UpstreamTimeout)),
	}
}
