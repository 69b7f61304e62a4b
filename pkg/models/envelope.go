package models

import (
	"slices"
	"time"
)

// Tier selects a class of generation model.
type Tier string

const (
	TierFast      Tier = "fast"
	TierEscalated Tier = "escalated"
)

// Status is the terminal state of a resolved question.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorKind classifies why an attempt failed.
type ErrorKind string

const (
	KindGenerationEmpty   ErrorKind = "generation_empty"
	KindParseFailure      ErrorKind = "parse_failure"
	KindSafetyRejected    ErrorKind = "safety_rejected"
	KindExecutionFailure  ErrorKind = "execution_failure"
	KindGenerationFailure ErrorKind = "generation_failure"
	KindCanceled          ErrorKind = "canceled"
)

// AttemptStep records one generate-then-execute cycle.
// Empty strings mean the field was never produced.
type AttemptStep struct {
	Attempt   int       `json:"attempt"`
	Tier      Tier      `json:"tier"`
	Reasoning string    `json:"reasoning,omitempty"`
	Query     string    `json:"query,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

// Failed reports whether the step ended with an error.
func (s AttemptStep) Failed() bool { return s.Error != "" }

// ResultSet is the tabular outcome of a successful execution.
type ResultSet struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Clone returns a deep copy of the result set. Cell values are copied
// shallowly; executors only produce scalars.
func (r *ResultSet) Clone() *ResultSet {
	if r == nil {
		return nil
	}
	out := &ResultSet{
		Columns: slices.Clone(r.Columns),
		Rows:    make([][]any, len(r.Rows)),
	}
	for i, row := range r.Rows {
		out.Rows[i] = slices.Clone(row)
	}
	return out
}

// Envelope is the complete answer to one question.
type Envelope struct {
	Question    string        `json:"question"`
	Model       Tier          `json:"model"`
	Steps       []AttemptStep `json:"steps"`
	Result      *ResultSet    `json:"result,omitempty"`
	Suggestions []string      `json:"suggestions"`
	Summary     string        `json:"summary"`
	Status      Status        `json:"status"`
	Cached      bool          `json:"cached"`
	CacheAge    time.Duration `json:"cache_age"`
}

// Clone returns a deep copy so cached envelopes are never shared.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := *e
	out.Steps = slices.Clone(e.Steps)
	out.Suggestions = slices.Clone(e.Suggestions)
	out.Result = e.Result.Clone()
	return &out
}

// LastStep returns the final attempt, or false if none was made.
func (e *Envelope) LastStep() (AttemptStep, bool) {
	if len(e.Steps) == 0 {
		return AttemptStep{}, false
	}
	return e.Steps[len(e.Steps)-1], true
}

// Err returns the last attempt's error text for a failed envelope.
func (e *Envelope) Err() string {
	if e.Status != StatusError {
		return ""
	}
	if last, ok := e.LastStep(); ok {
		return last.Error
	}
	return ""
}

// Reasoning returns the reasoning of the final attempt.
func (e *Envelope) Reasoning() string {
	last, _ := e.LastStep()
	return last.Reasoning
}

// Query returns the query of the final attempt.
func (e *Envelope) Query() string {
	last, _ := e.LastStep()
	return last.Query
}

