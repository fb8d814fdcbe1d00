package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fpang/ielts-examiner/internal/evaluator"
	"github.com/fpang/ielts-examiner/internal/intake"
)

// FormatDurationShort formats a duration in a short format (M:SS or H:MM:SS).
func FormatDurationShort(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// FormatBand renders a band score the way examiners write it: 7, 6.5.
func FormatBand(b float64) string {
	return strconv.FormatFloat(b, 'f', -1, 64)
}

// FormatResult writes a terminal report of an evaluation.
func FormatResult(w io.Writer, r *evaluator.Result) {
	if r.Topic != "" {
		fmt.Fprintf(w, "Topic: %s\n", r.Topic)
	}
	if r.WordCount > 0 {
		fmt.Fprintf(w, "Words: %s\n", humanize.Comma(int64(r.WordCount)))
	}
	fmt.Fprintf(w, "\nOverall band: %s\n\n", FormatBand(r.Score.OverallBand))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, c := range r.Score.Criteria() {
		fmt.Fprintf(tw, "  %s\t%s\n", c.Name, FormatBand(c.Band))
	}
	tw.Flush()

	feedback := []struct{ name, text string }{
		{"Task Response", r.Feedback.TaskResponse},
		{"Coherence and Cohesion", r.Feedback.CoherenceAndCohesion},
		{"Lexical Resource", r.Feedback.LexicalResource},
		{"Grammatical Range and Accuracy", r.Feedback.GrammaticalRangeAndAccuracy},
	}
	header := false
	for _, f := range feedback {
		if strings.TrimSpace(f.text) == "" {
			continue
		}
		if !header {
			fmt.Fprintln(w, "\nFeedback")
			header = true
		}
		fmt.Fprintf(w, "  %s: %s\n", f.name, strings.TrimSpace(f.text))
	}

	if len(r.Suggestions) > 0 {
		fmt.Fprintln(w, "\nSuggestions")
		for i, s := range r.Suggestions {
			fmt.Fprintf(w, "  %d. %s\n", i+1, s)
		}
	}
}

// FormatRejections lists pages left out of a batch, numbered from 1.
func FormatRejections(w io.Writer, rejected []intake.Rejection) {
	if len(rejected) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%d page(s) left out:\n", len(rejected))
	for _, r := range rejected {
		fmt.Fprintf(w, "  page %d  %s  %s\n", r.Index+1, r.Name, r.Message)
	}
}
