package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/ielts-examiner/internal/cli"
	"github.com/fpang/ielts-examiner/internal/intake"
	"github.com/fpang/ielts-examiner/internal/mailer"
	"github.com/fpang/ielts-examiner/internal/metrics"
	"github.com/fpang/ielts-examiner/internal/pipeline"
	"github.com/fpang/ielts-examiner/internal/session"
	"github.com/fpang/ielts-examiner/internal/submission"
)

var (
	textFlag     string
	textFileFlag string
	modeFlag     string
	pickFlag     bool
	jsonFlag     bool
	emailFlag    string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [page images or directories...]",
	Short: "Evaluate one essay and print the result",
	Long: `Evaluate submits one essay. Give the text with --text or --text-file, or
list page images (a directory contributes its images sorted by name). With
neither, the essay is read from stdin.

One image is evaluated in single-image mode and several in multi-image mode
unless --mode says otherwise.`,
	RunE: runEvaluate,
}

func init() {
	f := evaluateCmd.Flags()
	f.StringVarP(&textFlag, "text", "t", "", "Essay text")
	f.StringVarP(&textFileFlag, "text-file", "f", "", "File containing the essay text")
	f.StringVarP(&modeFlag, "mode", "m", "", "Input mode: text, single-image or multi-image")
	f.BoolVar(&pickFlag, "pick", false, "Choose page images with the native file dialog")
	f.BoolVar(&jsonFlag, "json", false, "Print the evaluator JSON instead of a report")
	f.StringVar(&emailFlag, "email", "", "Also e-mail the result to this address")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	metrics.SetOutput(io.Discard)
	cfg, p := cli.InitPipeline(configFlag)
	out := cmd.OutOrStdout()

	paths := args
	if pickFlag {
		picked, err := cli.PickPages()
		if err != nil {
			return err
		}
		paths = append(paths, picked...)
	}
	pages, err := cli.ResolvePages(paths)
	if err != nil {
		return err
	}

	text, err := essayText(cmd, len(pages) > 0)
	if err != nil {
		return err
	}

	mode, err := inputMode(modeFlag, len(pages))
	if err != nil {
		return err
	}

	in := pipeline.Input{Mode: mode, Text: text}
	if mode != submission.ModeText {
		for _, path := range pages {
			a, err := intake.LoadFile(path, cfg.MaxRawBytes)
			if err != nil {
				return errors.New(cli.ErrorLine(err))
			}
			in.Assets = append(in.Assets, a)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	outcome, err := p.Submit(ctx, session.New(), in)
	if err != nil {
		var rej *pipeline.RejectedError
		if errors.As(err, &rej) {
			cli.FormatRejections(cmd.ErrOrStderr(), rej.Rejected)
		}
		return errors.New(cli.ErrorLine(err))
	}

	if jsonFlag {
		body, err := json.Marshal(outcome.Result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(body))
	} else {
		cli.FormatResult(out, outcome.Result)
		cli.FormatRejections(out, outcome.Rejected)
		fmt.Fprintf(out, "\nEvaluated %s in %s\n", outcome.Mode, cli.FormatDurationShort(time.Since(start)))
	}

	if emailFlag != "" {
		return emailResult(ctx, cfg.ResendAPIKey, cfg.MailFrom, outcome)
	}
	return nil
}

// essayText returns the essay from --text, --text-file or stdin. Stdin is
// only read when no pages were given.
func essayText(cmd *cobra.Command, havePages bool) (string, error) {
	switch {
	case textFlag != "":
		return textFlag, nil
	case textFileFlag != "":
		b, err := os.ReadFile(textFileFlag)
		if err != nil {
			return "", fmt.Errorf("read essay: %w", err)
		}
		return string(b), nil
	case havePages:
		return "", nil
	default:
		return cli.PromptForEssay(cmd.InOrStdin(), cmd.ErrOrStderr())
	}
}

func inputMode(flag string, pages int) (submission.Mode, error) {
	if flag != "" {
		return submission.ParseMode(flag)
	}
	switch {
	case pages == 1:
		return submission.ModeSingleImage, nil
	case pages > 1:
		return submission.ModeMultiImage, nil
	default:
		return submission.ModeText, nil
	}
}

func emailResult(ctx context.Context, apiKey, from string, outcome *pipeline.Outcome) error {
	sender, err := mailer.NewResendSender(apiKey, from)
	if err != nil {
		return err
	}
	content, err := mailer.RenderContent(outcome.Result)
	if err != nil {
		return fmt.Errorf("render e-mail: %w", err)
	}
	subject := "Your IELTS writing evaluation"
	if t := strings.TrimSpace(outcome.Result.Topic); t != "" {
		subject += ": " + t
	}
	resp := mailer.Dispatch(ctx, sender, mailer.Message{Recipient: emailFlag, Subject: subject, Content: content})
	if !resp.Success {
		return fmt.Errorf("send e-mail: %s", resp.Error)
	}
	log.Info().Str("messageId", resp.ID).Msg("Result e-mailed")
	return nil
}
