package evaluator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Scores are the band scores, 0 to 9 in half-band steps.
type Scores struct {
	OverallBand                 float64 `json:"overall_band"`
	TaskResponse                float64 `json:"task_response"`
	CoherenceAndCohesion        float64 `json:"coherence_and_cohesion"`
	LexicalResource             float64 `json:"lexical_resource"`
	GrammaticalRangeAndAccuracy float64 `json:"grammatical_range_and_accuracy"`
}

// Feedback is the per-criterion commentary.
type Feedback struct {
	TaskResponse                string `json:"task_response"`
	CoherenceAndCohesion        string `json:"coherence_and_cohesion"`
	LexicalResource             string `json:"lexical_resource"`
	GrammaticalRangeAndAccuracy string `json:"grammatical_range_and_accuracy"`
}

// Result is an evaluation as returned by the evaluator. Apart from error
// detection it is pass-through data: Raw keeps the exact upstream body.
type Result struct {
	Topic         string   `json:"topic"`
	WordCount     int      `json:"word_count,omitempty"`
	Score         Scores   `json:"score"`
	Feedback      Feedback `json:"feedback"`
	Suggestions   []string `json:"suggestions"`
	OriginalEssay string   `json:"original_essay"`
	Error         string   `json:"error,omitempty"`

	raw []byte
}

// ParseResult decodes an evaluator success body.
func ParseResult(body []byte) (*Result, error) {
	if t := bytes.TrimSpace(body); len(t) == 0 || t[0] != '{' {
		return nil, errors.New("result is not a JSON object")
	}
	var r Result
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	if err := r.Score.validate(); err != nil {
		return nil, err
	}
	r.raw = append([]byte(nil), body...)
	return &r, nil
}

// Raw returns the upstream body exactly as received. Results built in code
// have no raw body and return nil.
func (r *Result) Raw() []byte {
	return r.raw
}

// MarshalJSON relays the upstream body verbatim when there is one.
func (r *Result) MarshalJSON() ([]byte, error) {
	if len(r.raw) > 0 {
		return r.raw, nil
	}
	type plain Result
	return json.Marshal((*plain)(r))
}

// Criteria returns the four criterion scores with their display names, in the
// order the band descriptors list them.
func (s Scores) Criteria() []Criterion {
	return []Criterion{
		{Name: "Task Response", Band: s.TaskResponse},
		{Name: "Coherence and Cohesion", Band: s.CoherenceAndCohesion},
		{Name: "Lexical Resource", Band: s.LexicalResource},
		{Name: "Grammatical Range and Accuracy", Band: s.GrammaticalRangeAndAccuracy},
	}
}

// Criterion is one named band score.
type Criterion struct {
	Name string
	Band float64
}

func (s Scores) validate() error {
	for _, c := range append(s.Criteria(), Criterion{Name: "Overall", Band: s.OverallBand}) {
		if c.Band < 0 || c.Band > 9 {
			return fmt.Errorf("%s band %.1f is outside 0-9", c.Name, c.Band)
		}
	}
	return nil
}
