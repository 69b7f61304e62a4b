package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"

	"github.com/pario-ai/querydesk/pkg/models"
	"github.com/pario-ai/querydesk/pkg/router"
)

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"querydesk_ask":         handleAsk,
	"querydesk_schema":      handleSchema,
	"querydesk_cache_stats": handleCacheStats,
	"querydesk_cache_clear": handleCacheClear,
	"querydesk_history":     handleHistory,
}

var allTools = []ToolDefinition{
	{
		Name:        "querydesk_ask",
		Description: "Answer a natural-language question by generating and running a read-only SQL query against the connected database.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["question"],
			"properties": {
				"question": {"type": "string", "minLength": 1, "description": "The question to answer"},
				"previous_sql": {"type": "string", "description": "SQL from the previous turn, for follow-up questions (optional)"},
				"llm_mode": {"type": "string", "description": "Provider set to answer with, e.g. paid or free (optional)"}
			}
		}`),
	},
	{
		Name:        "querydesk_schema",
		Description: "Describe the connected database: tables, columns and sample rows.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        "querydesk_cache_stats",
		Description: "Show answer cache statistics (entries, hits, misses, hit rate).",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        "querydesk_cache_clear",
		Description: "Drop every cached answer.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        "querydesk_history",
		Description: "Search past questions with optional filters.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"status": {"type": "string", "enum": ["success", "error"], "description": "Filter by outcome (optional)"},
				"question": {"type": "string", "description": "Substring of the question (optional)"},
				"since": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$", "description": "Start date in YYYY-MM-DD format (optional)"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 500, "description": "Maximum entries (optional, default 20)"}
			}
		}`),
	},
}

var toolSchemas = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	schemas := make(map[string]*jsonschema.Schema, len(allTools))
	for _, tool := range allTools {
		schema, err := compiler.Compile(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("compile %s input schema: %w", tool.Name, err)
		}
		schemas[tool.Name] = schema
	}
	return schemas, nil
})

func validateArgs(name string, args json.RawMessage) error {
	schemas, err := toolSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[name]
	if !ok {
		return nil
	}
	if res := schema.ValidateJSON(args); !res.IsValid() {
		return fmt.Errorf("invalid arguments for %s: %v", name, res.Errors)
	}
	return nil
}

type askArgs struct {
	Question    string `json:"question"`
	PreviousSQL string `json:"previous_sql"`
	LLMMode     string `json:"llm_mode"`
}

func handleAsk(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args askArgs
	_ = json.Unmarshal(rawArgs, &args)
	if args.LLMMode != "" && s.hasMode != nil && !s.hasMode(args.LLMMode) {
		return errorResult(fmt.Sprintf("Unknown llm_mode %q.", args.LLMMode))
	}

	env, err := s.engine.Resolve(router.WithMode(ctx, args.LLMMode), args.Question, args.PreviousSQL)
	if err != nil {
		return errorResult("Error answering question: " + err.Error())
	}
	if env.Status != models.StatusSuccess {
		return errorResult(formatEnvelope(env))
	}
	return textResult(formatEnvelope(env))
}

func handleSchema(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.schema == nil {
		return textResult("No data source is configured.")
	}
	summary, err := s.schema.Schema(ctx)
	if err != nil {
		return errorResult("Error loading schema: " + err.Error())
	}
	return textResult(summary)
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	stats, ok := s.engine.CacheStats()
	if !ok {
		return textResult("Cache is not configured.")
	}
	return textResult(formatCacheStats(stats))
}

func handleCacheClear(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if _, ok := s.engine.CacheStats(); !ok {
		return textResult("Cache is not configured.")
	}
	s.engine.InvalidateAll()
	return textResult("Cache cleared.")
}

type historyArgs struct {
	Status   string `json:"status"`
	Question string `json:"question"`
	Since    string `json:"since"`
	Limit    int    `json:"limit"`
}

func handleHistory(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.history == nil {
		return textResult("Query history is not configured.")
	}
	var args historyArgs
	_ = json.Unmarshal(rawArgs, &args)

	opts := models.HistoryQueryOpts{
		Status:   models.Status(args.Status),
		Question: args.Question,
		Limit:    args.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := s.history.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching history: " + err.Error())
	}
	return textResult(formatHistory(entries))
}
