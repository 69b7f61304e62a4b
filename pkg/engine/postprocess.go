package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/querydesk/pkg/models"
	"github.com/pario-ai/querydesk/pkg/observe"
)

// MaxSuggestions caps the follow-up questions offered with an answer.
const MaxSuggestions = 3

// postProcess runs the follow-up, suggestions and summary subtasks together
// and waits for all three. A failed or panicking subtask yields its zero
// value. The summary is kept only for follow-up questions.
func (e *Engine) postProcess(ctx context.Context, question, query, prior string, rs *models.ResultSet) (followUp bool, suggestions []string, summary string) {
	empty := rs == nil || len(rs.Rows) == 0

	var g errgroup.Group
	g.Go(func() error {
		if prior == "" {
			return nil
		}
		return e.subtask(ctx, "follow_up", func(ctx context.Context) error {
			v, err := e.enricher.FollowUp(ctx, question, prior)
			if err == nil {
				followUp = v
			}
			return err
		})
	})
	g.Go(func() error {
		if empty {
			return nil
		}
		return e.subtask(ctx, "suggestions", func(ctx context.Context) error {
			v, err := e.enricher.Suggestions(ctx, question, query, rs)
			if err == nil {
				suggestions = v
			}
			return err
		})
	})
	g.Go(func() error {
		if empty {
			return nil
		}
		return e.subtask(ctx, "summary", func(ctx context.Context) error {
			v, err := e.enricher.Summary(ctx, question, rs)
			if err == nil {
				summary = v
			}
			return err
		})
	})
	// Subtask errors are logged and defaulted inside subtask.
	_ = g.Wait()

	if len(suggestions) > MaxSuggestions {
		suggestions = suggestions[:MaxSuggestions]
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	if !followUp {
		summary = ""
	}
	return followUp, suggestions, summary
}

// subtask runs fn under the call timeout, converting panics to errors. The
// returned error is only logged.
func (e *Engine) subtask(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
		if err != nil {
			observe.FromContext(ctx, e.log).WithField("subtask", name).Warnf("post-processing failed: %v", err)
		}
	}()
	if err := fn(callCtx); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
