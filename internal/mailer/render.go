package mailer

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"strconv"

	"github.com/fpang/ielts-examiner/internal/evaluator"
)

var contentTmpl = template.Must(template.New("evaluation").Funcs(template.FuncMap{
	"band": func(f float64) string { return strconv.FormatFloat(f, 'f', 1, 64) },
}).Parse(`<div style="font-family:Arial,sans-serif;max-width:640px">
<h2>IELTS Writing Evaluation</h2>
{{- if .Topic}}
<p><strong>Topic:</strong> {{.Topic}}</p>
{{- end}}
{{- if .WordCount}}
<p><strong>Word count:</strong> {{.WordCount}}</p>
{{- end}}
<p style="font-size:18px"><strong>Overall band: {{band .Score.OverallBand}}</strong></p>
<table cellpadding="6" style="border-collapse:collapse">
{{- range .Criteria}}
<tr><td>{{.Name}}</td><td><strong>{{band .Band}}</strong></td></tr>
{{- end}}
</table>
<h3>Feedback</h3>
{{- range .Feedback}}{{if .Text}}
<p><strong>{{.Name}}:</strong> {{.Text}}</p>
{{- end}}{{end}}
{{- if .Suggestions}}
<h3>Suggestions</h3>
<ul>
{{- range .Suggestions}}
<li>{{.}}</li>
{{- end}}
</ul>
{{- end}}
</div>
`))

type feedbackLine struct {
	Name string
	Text string
}

// RenderContent renders r as the HTML body of an evaluation e-mail. All
// upstream text is escaped.
func RenderContent(r *evaluator.Result) (string, error) {
	if r == nil {
		return "", errors.New("no evaluation to send")
	}
	data := struct {
		*evaluator.Result
		Criteria []evaluator.Criterion
		Feedback []feedbackLine
	}{
		Result:   r,
		Criteria: r.Score.Criteria(),
		Feedback: []feedbackLine{
			{"Task Response", r.Feedback.TaskResponse},
			{"Coherence and Cohesion", r.Feedback.CoherenceAndCohesion},
			{"Lexical Resource", r.Feedback.LexicalResource},
			{"Grammatical Range and Accuracy", r.Feedback.GrammaticalRangeAndAccuracy},
		},
	}

	var buf bytes.Buffer
	if err := contentTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render evaluation: %w", err)
	}
	return buf.String(), nil
}
