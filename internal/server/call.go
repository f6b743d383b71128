package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/audit"
	"github.com/agenticwork/mcp-proxy/internal/auth"
	"github.com/agenticwork/mcp-proxy/internal/jsonrpc"
	"github.com/agenticwork/mcp-proxy/internal/provider"
)

// serverlessTools call back into the platform API and need the
// caller's API key planted in their arguments.
var serverlessTools = map[string]struct{}{
	"run_agenticode_task": {},
	"run_code_generation": {},
	"run_file_operation":  {},
}

// ToolCall is one decoded invocation: the JSON-RPC envelope fields plus
// the request-scoped credentials that may travel downstream.
type ToolCall struct {
	Server string
	Method string
	Params map[string]any
	ID     any

	// IDToken is the caller's identity token, the preferred assertion
	// for the on-behalf-of exchange: it carries the app's audience.
	IDToken string
	// APIKey is the caller's awc_ key, copied into serverless tool
	// arguments that call back into the platform.
	APIKey string

	RequestID string
}

// CallOutcome is a completed provider round trip. Response carries the
// child's envelope verbatim, including any JSON-RPC error object.
type CallOutcome struct {
	Server   string
	Response *jsonrpc.Response
	Elapsed  time.Duration
}

// CallTool routes one JSON-RPC request to its provider: resolves the
// target (auto-detecting from the tool name when the caller omitted
// it), enforces the access policy, performs the on-behalf-of exchange
// and identity injection, forwards the request and audits the result.
func (s *Server) CallTool(ctx context.Context, pr *auth.Principal, call *ToolCall) (*CallOutcome, error) {
	start := time.Now()
	toolName := stringParam(call.Params, "name")

	target := call.Server
	if target == "" {
		if call.Method == "tools/call" && toolName != "" {
			target = s.detectProvider(ctx, toolName)
		}
		if target == "" {
			missing := toolName
			if missing == "" {
				missing = "unknown"
			}
			return nil, errOf(KindValidation,
				"Server not specified for tool '%s'. The API must include server information in tool metadata.", missing)
		}
	}

	auditTool := toolName
	if call.Method == "tools/call" {
		if auditTool == "" {
			auditTool = "unknown"
		}
	} else {
		auditTool = call.Method
	}

	if !s.policy.CheckAccess(ctx, target, pr) {
		s.logger.Warn("access denied",
			zap.String("user", pr.UserID),
			zap.String("server", target),
			zap.String("tool", auditTool))
		rec := audit.PolicyDenial(pr.UserID, pr.Email, target, auditTool)
		rec.UserName = pr.Name
		rec.AuthMethod = string(pr.Method)
		rec.RequestID = call.RequestID
		s.audit.Dispatch(rec)
		if auth.AdminOnly(target) {
			return nil, errOf(KindAccessDenied,
				"Access denied. Admin privileges required to access '%s' server.", target)
		}
		return nil, errOf(KindAccessDenied,
			"Access denied. Access to server '%s' is restricted by policy.", target)
	}

	prov, ok := s.registry.Get(target)
	if !ok {
		return nil, errOf(KindUnknownProvider, "Unknown MCP server: %s", target)
	}
	spec := prov.Spec()

	params := call.Params
	if call.Method == "tools/call" {
		if spec.SupportsOBO {
			token, err := s.exchangeFor(ctx, pr, target, call.IDToken)
			if err != nil {
				return nil, err
			}
			if token != "" {
				params = injectAccessToken(params, token)
			}
		}
		if spec.InjectUserID && pr.UserID != "" {
			params = injectUserIdentity(params, pr.UserID, call.APIKey, toolName)
		}
	}

	callCtx, span := s.obs.Tracing().TraceToolCall(ctx, target, auditTool)
	resp, err := prov.Call(callCtx, jsonrpc.NewRequest(call.ID, call.Method, params))
	span.End()
	elapsed := time.Since(start)

	s.obs.RecordToolCall(callCtx, target, auditTool, elapsed, err)
	s.auditCall(pr, call, target, auditTool, resp, err, elapsed)

	if err != nil {
		s.logger.Error("provider call failed",
			zap.String("server", target),
			zap.String("method", call.Method),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		switch {
		case errors.Is(err, provider.ErrNotRunning):
			return nil, wrapErr(KindUnavailable, err, "Server '%s' is not running", target)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, wrapErr(KindTimeout, err, "Server '%s' did not answer in time", target)
		default:
			return nil, wrapErr(KindInternal, err, "%v", err)
		}
	}

	s.logger.Info("routed tool call",
		zap.String("server", target),
		zap.String("method", call.Method),
		zap.String("tool", auditTool),
		zap.String("user", pr.UserID),
		zap.Bool("error", resp.Error != nil),
		zap.Duration("elapsed", elapsed))

	return &CallOutcome{Server: target, Response: resp, Elapsed: elapsed}, nil
}

// exchangeFor performs the on-behalf-of exchange for a supports-obo
// provider. Returns "" without error when the caller has no usable
// assertion: service principals and shared-SP deployments fall back to
// the provider's configured credentials.
func (s *Server) exchangeFor(ctx context.Context, pr *auth.Principal, target, idToken string) (string, error) {
	if !s.cfg.Auth.Enabled || s.cfg.Auth.UseSharedSP {
		return "", nil
	}
	if pr == nil || !pr.HasUserToken() {
		return "", nil
	}

	// The identity token carries the app's audience, which the exchange
	// requires; the access token only works when its audience happens to
	// match.
	assertion := idToken
	if assertion == "" {
		assertion = pr.Token
		s.logger.Warn("no identity token on request, exchanging access token",
			zap.String("server", target),
			zap.String("user", pr.UserID))
	}

	exCtx, span := s.obs.Tracing().TraceOBOExchange(ctx, target)
	token, err := s.exchanger.Exchange(exCtx, assertion, "")
	span.End()
	s.obs.RecordOBOExchange(err)
	if err != nil {
		var xerr *auth.TokenExchangeError
		if errors.As(err, &xerr) {
			return "", wrapErr(KindExchangeFailed, err,
				"On-behalf-of exchange failed for '%s': %s", target, xerr.Detail)
		}
		return "", wrapErr(KindExchangeFailed, err,
			"On-behalf-of exchange failed for '%s': %v", target, err)
	}
	return token, nil
}

// auditCall emits exactly one record for a routed call, success or
// failure.
func (s *Server) auditCall(pr *auth.Principal, call *ToolCall, target, tool string, resp *jsonrpc.Response, callErr error, elapsed time.Duration) {
	rec := audit.ToolCall(pr.UserID, pr.Email, string(pr.Method), target, tool, call.Method, call.Params)
	rec.UserName = pr.Name
	rec.RequestID = call.RequestID
	rec.Elapsed = elapsed
	switch {
	case callErr != nil:
		rec.Err = callErr.Error()
	case resp != nil && resp.Error != nil:
		rec.Err = resp.Error
	default:
		rec.Success = true
		if resp != nil && len(resp.Result) > 0 {
			rec.Result = resp.Result
		}
	}
	s.audit.Dispatch(rec)
}

// stringParam pulls a string field out of a params map, tolerating a
// nil map and non-string values.
func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	v, _ := params[key].(string)
	return v
}

// injectAccessToken plants the exchanged token at
// params.arguments.meta.userAccessToken, cloning the maps it touches
// so the caller's view of the request stays unchanged. Downstream
// frameworks reject leading-underscore argument names, hence "meta".
func injectAccessToken(params map[string]any, token string) map[string]any {
	out := cloneParams(params)
	args := childMap(out, "arguments")
	meta := childMap(args, "meta")
	meta["userAccessToken"] = token
	args["meta"] = meta
	out["arguments"] = args
	return out
}

// injectUserIdentity plants the principal id in the tool arguments for
// providers that isolate by user, and the caller's platform key for
// serverless tools. An explicit caller-supplied user_id wins unless it
// is the placeholder "default".
func injectUserIdentity(params map[string]any, userID, apiKey, toolName string) map[string]any {
	out := cloneParams(params)
	args := childMap(out, "arguments")

	if current, _ := args["user_id"].(string); current == "" || current == "default" {
		args["user_id"] = userID
	}

	if _, serverless := serverlessTools[toolName]; serverless {
		if existing, _ := args["api_key"].(string); existing == "" {
			if strings.HasPrefix(apiKey, "awc_") {
				args["api_key"] = apiKey
			}
		}
	}

	out["arguments"] = args
	return out
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	return out
}

// childMap returns a shallow copy of a nested map field, treating a
// missing or null field as empty.
func childMap(m map[string]any, key string) map[string]any {
	child, _ := m[key].(map[string]any)
	out := make(map[string]any, len(child)+1)
	for k, v := range child {
		out[k] = v
	}
	return out
}
