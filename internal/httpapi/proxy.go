package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/agenticwork/mcp-proxy/internal/server"
)

// MCPRequest is the generic JSON-RPC envelope accepted on /mcp. Server
// names the target provider; when absent it is auto-detected from the
// tool name.
type MCPRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
	ID     any            `json:"id"`
	Server string         `json:"server,omitempty"`
}

// MCPResponse mirrors the child's envelope back to the caller, tagged
// with the provider that served it.
type MCPResponse struct {
	Result        any     `json:"result"`
	Error         any     `json:"error"`
	ID            any     `json:"id"`
	Server        string  `json:"server"`
	ExecutionTime float64 `json:"execution_time"`
}

// MCPToolCall is the convenience shape accepted on /mcp/tool.
type MCPToolCall struct {
	Server    string         `json:"server,omitempty"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	ID        any            `json:"id"`
}

// MCPCallRequest is the direct-invocation shape accepted on /call.
// Unlike /mcp, the server is mandatory.
type MCPCallRequest struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handleProxyRequest(w http.ResponseWriter, r *http.Request) {
	var req MCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Method == "" {
		s.writeError(w, http.StatusBadRequest, "Method is required")
		return
	}
	s.dispatch(w, r, &req)
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var tc MCPToolCall
	if err := json.NewDecoder(r.Body).Decode(&tc); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if tc.Tool == "" {
		s.writeError(w, http.StatusBadRequest, "Tool is required")
		return
	}
	if tc.Arguments == nil {
		tc.Arguments = map[string]any{}
	}
	s.dispatch(w, r, &MCPRequest{
		Method: "tools/call",
		Params: map[string]any{"name": tc.Tool, "arguments": tc.Arguments},
		ID:     tc.ID,
		Server: tc.Server,
	})
}

// dispatch runs the call pipeline and writes the proxy envelope. A
// JSON-RPC error from the child travels inside a 200 response with the
// original id; only failures before the child is reached surface as
// HTTP errors.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *MCPRequest) {
	if req.ID == nil {
		req.ID = "1"
	}
	call := &server.ToolCall{
		Server:    req.Server,
		Method:    req.Method,
		Params:    req.Params,
		ID:        req.ID,
		IDToken:   r.Header.Get(headerIDToken),
		APIKey:    requestAPIKey(r),
		RequestID: middleware.GetReqID(r.Context()),
	}
	outcome, err := s.controller.CallTool(r.Context(), principalFrom(r.Context()), call)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MCPResponse{
		Result:        outcome.Response.Result,
		Error:         outcome.Response.Error,
		ID:            req.ID,
		Server:        outcome.Server,
		ExecutionTime: outcome.Elapsed.Seconds(),
	})
}

func (s *Server) handleDirectCall(w http.ResponseWriter, r *http.Request) {
	var req MCPCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Server == "" {
		s.writeError(w, http.StatusBadRequest, "Server is required")
		return
	}
	if req.Tool == "" {
		s.writeError(w, http.StatusBadRequest, "Tool is required")
		return
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}

	call := &server.ToolCall{
		Server:    req.Server,
		Method:    "tools/call",
		Params:    map[string]any{"name": req.Tool, "arguments": req.Arguments},
		ID:        1,
		IDToken:   r.Header.Get(headerIDToken),
		APIKey:    requestAPIKey(r),
		RequestID: middleware.GetReqID(r.Context()),
	}
	outcome, err := s.controller.CallTool(r.Context(), principalFrom(r.Context()), call)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"server": req.Server,
		"tool":   req.Tool,
		"result": outcome.Response,
	})
}
