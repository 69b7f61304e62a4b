package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pario-ai/querydesk/pkg/models"
)

// Stream resolves question like Resolve but reports progress through emit
// as it happens. If emit fails the run is cancelled, nothing more is
// emitted and Stream returns emit's error. Streams are never coalesced.
// The envelope is returned even when the stream was cut short.
func (e *Engine) Stream(ctx context.Context, question, prior string, emit func(models.Event) error) (*models.Envelope, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		emitErr error
	)
	out := func(ev models.Event) {
		mu.Lock()
		defer mu.Unlock()
		if emitErr != nil {
			return
		}
		if err := emit(ev); err != nil {
			emitErr = err
			cancel()
		}
	}

	env := e.run(ctx, question, prior, out)

	mu.Lock()
	defer mu.Unlock()
	if emitErr != nil {
		return env, emitErr
	}
	return env, parent.Err()
}

// replay emits a cached envelope as the event sequence of a cache hit.
func replay(env *models.Envelope, out sink) {
	out.status("Found cached result!")
	out.emit(models.EventModel, string(env.Model))
	if r := env.Reasoning(); r != "" {
		out.emit(models.EventThought, r)
	}
	if q := env.Query(); q != "" {
		out.emit(models.EventSQL, q)
	}
	if env.Result != nil {
		out.emit(models.EventTable, tablePayload(env.Result))
	}
	if len(env.Suggestions) > 0 {
		out.emit(models.EventSuggestions, append([]string(nil), env.Suggestions...))
	}
	if env.Summary != "" {
		out.emit(models.EventSummary, env.Summary)
	}
	out.emit(models.EventDone, models.DonePayload{Status: env.Status, Cached: true})
}

func tablePayload(rs *models.ResultSet) *models.TablePayload {
	p := &models.TablePayload{
		Columns: append([]string(nil), rs.Columns...),
		Results: make([][]string, len(rs.Rows)),
	}
	for i, row := range rs.Rows {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = Cell(v)
		}
		p.Results[i] = cells
	}
	return p
}

// Cell renders a result value for display. NULL becomes "".
func Cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
