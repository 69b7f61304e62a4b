package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pario-ai/querydesk/pkg/audit"
	"github.com/pario-ai/querydesk/pkg/models"
	"github.com/pario-ai/querydesk/pkg/router"
	"github.com/pario-ai/querydesk/pkg/server"
)

func newAskCmd() *cobra.Command {
	var (
		configPath  string
		previousSQL string
		llmMode     string
		stream      bool
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a single question and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if !cfg.HasMode(llmMode) {
				return fmt.Errorf("--llm-mode %q: no such provider set in config modes", llmMode)
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = router.WithMode(ctx, llmMode)

			question := strings.Join(args, " ")
			out := cmd.OutOrStdout()
			start := time.Now()

			var env *models.Envelope
			if stream {
				emit := func(ev models.Event) error { return printEvent(out, ev) }
				if asJSON {
					emit = func(ev models.Event) error { return server.WriteEvent(out, ev) }
				}
				env, err = a.engine.Stream(ctx, question, previousSQL, emit)
			} else {
				env, err = a.engine.Resolve(ctx, question, previousSQL)
			}
			if err != nil {
				return err
			}

			if a.history != nil {
				if err := a.history.Log(ctx, audit.FromEnvelope(uuid.NewString(), env, time.Since(start))); err != nil {
					a.log.WithError(err).Warn("history write failed")
				}
			}

			if !stream {
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if err := enc.Encode(server.NewQueryResponse(env)); err != nil {
						return err
					}
				} else if err := printEnvelope(out, env); err != nil {
					return err
				}
			}
			if env.Status != models.StatusSuccess {
				return errors.New("question could not be answered")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&previousSQL, "previous-sql", "", "SQL from the previous turn, for follow-up questions")
	cmd.Flags().StringVar(&llmMode, "llm-mode", "", "provider set from the config modes, e.g. paid or free")
	cmd.Flags().BoolVar(&stream, "stream", false, "print progress events as they happen")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON (server-sent events with --stream)")
	return cmd
}

func printEvent(w io.Writer, ev models.Event) error {
	var err error
	switch ev.Type {
	case models.EventStatus:
		_, err = fmt.Fprintf(w, "... %v\n", ev.Data)
	case models.EventModel:
		_, err = fmt.Fprintf(w, "model: %v\n", ev.Data)
	case models.EventThought:
		_, err = fmt.Fprintf(w, "\nReasoning:\n%v\n\n", ev.Data)
	case models.EventSQL:
		_, err = fmt.Fprintf(w, "SQL:\n%v\n\n", ev.Data)
	case models.EventTable:
		if t, ok := ev.Data.(*models.TablePayload); ok {
			err = printTable(w, t.Columns, t.Results)
		}
	case models.EventSuggestions:
		if s, ok := ev.Data.([]string); ok {
			err = printSuggestions(w, s)
		}
	case models.EventSummary:
		_, err = fmt.Fprintf(w, "\nSummary: %v\n", ev.Data)
	case models.EventError:
		_, err = fmt.Fprintf(w, "\nError: %v\n", ev.Data)
	case models.EventDone:
		if d, ok := ev.Data.(models.DonePayload); ok && d.Cached {
			_, err = fmt.Fprintln(w, "(cached)")
		}
	}
	return err
}

func printEnvelope(w io.Writer, env *models.Envelope) error {
	resp := server.NewQueryResponse(env)
	fmt.Fprintf(w, "model: %s  attempts: %d", resp.ModelUsed, len(resp.Steps))
	if resp.Cached {
		fmt.Fprintf(w, "  (cached %s ago)", env.CacheAge.Round(time.Second))
	}
	fmt.Fprintln(w)
	if resp.ThoughtTrace != "" {
		fmt.Fprintf(w, "\nReasoning:\n%s\n", resp.ThoughtTrace)
	}
	if resp.SQLCode != "" {
		fmt.Fprintf(w, "\nSQL:\n%s\n\n", resp.SQLCode)
	}
	if resp.Status != models.StatusSuccess {
		_, err := fmt.Fprintf(w, "Error: %s\n", resp.Error)
		return err
	}
	if err := printTable(w, resp.Columns, resp.Results); err != nil {
		return err
	}
	if resp.DataSummary != "" {
		fmt.Fprintf(w, "\nSummary: %s\n", resp.DataSummary)
	}
	return printSuggestions(w, resp.Suggestions)
}

func printTable(w io.Writer, columns []string, rows [][]string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No rows returned.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(columns, "\t")))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func printSuggestions(w io.Writer, suggestions []string) error {
	if len(suggestions) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w, "\nYou might also ask:"); err != nil {
		return err
	}
	for _, s := range suggestions {
		if _, err := fmt.Fprintf(w, "  - %s\n", s); err != nil {
			return err
		}
	}
	return nil
}
