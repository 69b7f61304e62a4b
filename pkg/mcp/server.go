// Package mcp exposes the query engine as Model Context Protocol tools over
// newline-delimited JSON-RPC on stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/pario-ai/querydesk/pkg/models"
	"github.com/pario-ai/querydesk/pkg/observe"
)

const maxLine = 1024 * 1024

// Engine is the part of the query engine the tools drive.
type Engine interface {
	Resolve(ctx context.Context, question, prior string) (*models.Envelope, error)
	InvalidateAll()
	CacheStats() (models.CacheStats, bool)
}

// SchemaProvider describes the connected database.
type SchemaProvider interface {
	Schema(ctx context.Context) (string, error)
}

// HistorySearcher looks up past requests.
type HistorySearcher interface {
	Query(ctx context.Context, opts models.HistoryQueryOpts) ([]models.HistoryEntry, error)
}

// Server is a minimal MCP server.
type Server struct {
	engine  Engine
	schema  SchemaProvider
	history HistorySearcher
	version string
	log     logrus.FieldLogger
	hasMode func(string) bool
}

// New creates an MCP server. history may be nil when the query history is
// disabled.
func New(eng Engine, schema SchemaProvider, history HistorySearcher, version string) *Server {
	return &Server{
		engine:  eng,
		schema:  schema,
		history: history,
		version: version,
		log:     observe.Discard(),
	}
}

// SetLogger routes protocol errors to l. Logs must never go to the
// transport's writer.
func (s *Server) SetLogger(l logrus.FieldLogger) {
	s.log = l
}

// SetModes restricts querydesk_ask's llm_mode to names accepted by hasMode.
// Without it every mode is passed through to the engine.
func (s *Server) SetModes(hasMode func(string) bool) {
	s.hasMode = hasMode
}

// Run reads requests from r line by line and writes responses to w until r
// is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, rpcError(nil, CodeParseError, "parse error"))
			continue
		}

		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return result(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "querydesk", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return result(req.ID, map[string]any{})
	case "tools/list":
		return result(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.callTool(ctx, req)
	default:
		if len(req.ID) == 0 {
			return nil
		}
		return rpcError(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) callTool(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return result(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	if err := validateArgs(params.Name, args); err != nil {
		return result(req.ID, errorResult(err.Error()))
	}

	s.log.WithField("tool", params.Name).Debug("tool call")
	return result(req.ID, handler(ctx, s, args))
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.WithError(err).Error("mcp: marshal response")
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.log.WithError(err).Error("mcp: write response")
	}
}
