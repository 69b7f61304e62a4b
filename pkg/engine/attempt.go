package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pario-ai/querydesk/pkg/datasource"
	"github.com/pario-ai/querydesk/pkg/llm"
	"github.com/pario-ai/querydesk/pkg/models"
	"github.com/pario-ai/querydesk/pkg/observe"
	"github.com/pario-ai/querydesk/pkg/prompts"
)

// errNoQuery is recorded when a reply parses but carries no query.
var errNoQuery = errors.New("no SQL query generated")

// AttemptError is the typed failure of one attempt.
type AttemptError struct {
	Kind models.ErrorKind
	Err  error
}

func (e *AttemptError) Error() string { return e.Err.Error() }

func (e *AttemptError) Unwrap() error { return e.Err }

// shouldFallback is the transition out of a failed attempt.
func shouldFallback(kind models.ErrorKind) bool {
	switch kind {
	case models.KindGenerationEmpty,
		models.KindParseFailure,
		models.KindGenerationFailure,
		models.KindSafetyRejected,
		models.KindExecutionFailure:
		return true
	default:
		return false
	}
}

// attempts runs the generate-execute-fallback loop and fills env's steps,
// result, model and status.
func (e *Engine) attempts(ctx context.Context, env *models.Envelope, first models.Tier, question, base string, out sink) {
	log := observe.FromContext(ctx, e.log)
	maxAttempts := e.opts.MaxRetries + 1
	tier := first

	var prev *models.AttemptStep
	for n := 1; n <= maxAttempts; n++ {
		if n > 1 {
			tier = models.TierEscalated
		}

		prompt := base
		if prev != nil && prev.Query != "" && prev.Error != "" {
			prompt = prompts.Corrective(base, question, prev.Query, prev.Error, prev.Attempt)
		}

		out.status(fmt.Sprintf("Attempt %d: calling %s model...", n, tier))
		out.emit(models.EventModel, string(tier))

		step, rs := e.attempt(ctx, n, tier, prompt, out)
		env.Steps = append(env.Steps, step)
		env.Model = tier
		e.metrics.RecordAttempt(ctx, string(tier), string(step.ErrorKind))

		if !step.Failed() {
			env.Result = rs
			env.Status = models.StatusSuccess
			return
		}

		log.WithFields(logrus.Fields{
			"attempt": n,
			"tier":    tier,
			"kind":    step.ErrorKind,
		}).Warnf("attempt failed: %s", step.Error)

		if !shouldFallback(step.ErrorKind) || ctx.Err() != nil {
			break
		}
		if n < maxAttempts {
			out.status(fmt.Sprintf("Attempt %d failed (%s), retrying with %s model...", n, step.ErrorKind, models.TierEscalated))
		}
		failed := step
		prev = &failed
	}

	env.Result = nil
	env.Status = models.StatusError
}

// attempt performs one generate-parse-execute cycle. Panics in collaborators
// become a failed step.
func (e *Engine) attempt(ctx context.Context, n int, tier models.Tier, prompt string, out sink) (step models.AttemptStep, rs *models.ResultSet) {
	step = models.AttemptStep{Attempt: n, Tier: tier}

	defer func() {
		if r := recover(); r != nil {
			kind := models.KindGenerationFailure
			if step.Query != "" {
				kind = models.KindExecutionFailure
			}
			step = fail(step, kind, fmt.Errorf("panic: %v", r))
			rs = nil
		}
	}()

	text, err := e.generate(ctx, prompt, tier)
	if err != nil {
		return fail(step, kindFor(ctx, models.KindGenerationFailure), err), nil
	}

	gen, err := llm.ParseGeneration(text)
	if err != nil {
		return fail(step, models.KindParseFailure, err), nil
	}
	step.Reasoning = gen.Reasoning
	if gen.Reasoning != "" {
		out.emit(models.EventThought, gen.Reasoning)
	}
	if gen.Query == "" {
		return fail(step, models.KindGenerationEmpty, errNoQuery), nil
	}
	step.Query = gen.Query
	out.emit(models.EventSQL, gen.Query)

	out.status("Executing query...")
	rs, err = e.execute(ctx, gen.Query)
	if err != nil {
		kind := models.KindExecutionFailure
		if errors.Is(err, datasource.ErrReadOnly) {
			kind = models.KindSafetyRejected
		}
		return fail(step, kindFor(ctx, kind), err), nil
	}
	if rs == nil {
		rs = &models.ResultSet{Columns: []string{}, Rows: [][]any{}}
	}
	out.emit(models.EventTable, tablePayload(rs))
	return step, rs
}

func (e *Engine) generate(ctx context.Context, prompt string, tier models.Tier) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	text, err := e.gen.Generate(callCtx, prompt, tier)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("generation timed out after %s: %w", e.opts.CallTimeout, err)
	}
	return text, err
}

func (e *Engine) execute(ctx context.Context, query string) (*models.ResultSet, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	rs, err := e.exec.Execute(callCtx, query)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("execution timed out after %s: %w", e.opts.CallTimeout, err)
	}
	return rs, err
}

// kindFor reports canceled when the run itself has ended, so no further
// attempts are made.
func kindFor(ctx context.Context, kind models.ErrorKind) models.ErrorKind {
	if ctx.Err() != nil {
		return models.KindCanceled
	}
	return kind
}

func fail(step models.AttemptStep, kind models.ErrorKind, err error) models.AttemptStep {
	ae := &AttemptError{Kind: kind, Err: err}
	step.Error = ae.Error()
	step.ErrorKind = ae.Kind
	return step
}
