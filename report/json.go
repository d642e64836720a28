package report

import (
	"encoding/json"
	"io"

	"github.com/warp/vialfix/engine"
)

// Document is the machine-readable form of one run.
type Document struct {
	Run    engine.Run          `json:"run"`
	Plan   *engine.Plan        `json:"plan,omitempty"`
	Result *engine.ApplyResult `json:"result,omitempty"`
	Errors []OutcomeError      `json:"errors,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// OutcomeError pairs a failed or skipped change with its error text.
type OutcomeError struct {
	Key    engine.Key           `json:"key"`
	Status engine.OutcomeStatus `json:"status"`
	Error  string               `json:"error"`
}

// NewDocument builds the document for a run. runErr is the abort cause, if any.
func NewDocument(rep *engine.RunReport, runErr error) Document {
	doc := Document{}
	if rep != nil {
		doc.Run = rep.Run
		doc.Plan = rep.Plan
		doc.Result = rep.Result
		if rep.Result != nil {
			for _, o := range rep.Result.Outcomes {
				if o.Err != nil {
					doc.Errors = append(doc.Errors, OutcomeError{Key: o.Change.Key, Status: o.Status, Error: o.Err.Error()})
				}
			}
		}
	}
	if runErr != nil {
		doc.Error = runErr.Error()
	}
	return doc
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
