// Package audit assembles audit records for every routed tool call and
// ships them to two sinks: the platform's log intake (fire-and-forget
// over HTTP) and the local activity store. Intake failures never reach
// the caller; the local record is the durable copy.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/platform"
	"github.com/agenticwork/mcp-proxy/internal/storage"
)

// deliveryTimeout bounds one intake POST. The tool call that produced
// the record has long since returned by the time this expires.
const deliveryTimeout = 5 * time.Second

// Local activity trail retention.
const (
	retentionMaxAge   = 7 * 24 * time.Hour
	retentionMaxCount = 10000
	retentionInterval = time.Hour
)

// DeliveryMetrics counts intake deliveries by outcome.
type DeliveryMetrics interface {
	RecordAuditDelivery(outcome string)
}

// Record is one auditable event. The dispatcher maps it onto the
// platform intake payload and the local activity record.
type Record struct {
	ID         string
	Type       storage.AuditType
	UserID     string
	UserName   string
	UserEmail  string
	AuthMethod string
	Provider   string
	Tool       string
	Method     string
	Params     map[string]any
	Result     any
	Err        any
	Success    bool
	Elapsed    time.Duration
	RequestID  string
	Metadata   map[string]any
	Timestamp  time.Time
}

// ToolCall builds a record for a routed tool call. Err is the JSON-RPC
// error object or transport error message when the call failed.
func ToolCall(userID, userEmail, authMethod, provider, tool, method string, params map[string]any) *Record {
	return &Record{
		Type:       storage.AuditTypeToolCall,
		UserID:     userID,
		UserEmail:  userEmail,
		AuthMethod: authMethod,
		Provider:   provider,
		Tool:       tool,
		Method:     method,
		Params:     params,
	}
}

// PolicyDenial builds a record for a call blocked by the access policy
// engine before it reached any provider.
func PolicyDenial(userID, userEmail, provider, tool string) *Record {
	return &Record{
		Type:      storage.AuditTypePolicyDecision,
		UserID:    userID,
		UserEmail: userEmail,
		Provider:  provider,
		Tool:      tool,
		Method:    "tools/call",
		Err:       fmt.Sprintf("access to server '%s' denied by policy", provider),
	}
}

// Dispatcher fans one record out to the platform intake and the local
// store. Both sinks are optional; a nil sink is skipped.
type Dispatcher struct {
	platform *platform.Client
	store    *storage.BoltStore
	metrics  DeliveryMetrics
	logger   *zap.Logger

	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Pass nil for sinks that are not
// configured.
func NewDispatcher(pc *platform.Client, store *storage.BoltStore, metrics DeliveryMetrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		platform: pc,
		store:    store,
		metrics:  metrics,
		logger:   logger,
	}
}

// Dispatch ships a record to both sinks and returns immediately. The
// record id and timestamp are assigned here when unset.
func (d *Dispatcher) Dispatch(rec *Record) {
	if rec == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if d.store != nil {
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			d.saveLocal(rec)
		}()
	}

	if d.platform != nil {
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			d.deliver(rec)
		}()
	}
}

// Flush blocks until every in-flight delivery has finished or the
// context expires. Only tests and shutdown care.
func (d *Dispatcher) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetentionLoop prunes the local activity trail on a fixed schedule
// until ctx is canceled. One cleanup runs immediately so a long-stopped
// instance does not carry stale records until the first tick. No-op
// without a local store.
func (d *Dispatcher) RetentionLoop(ctx context.Context) {
	if d.store == nil {
		return
	}
	d.pruneLocal()

	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pruneLocal()
		}
	}
}

func (d *Dispatcher) pruneLocal() {
	if _, err := d.store.PruneOldAudits(retentionMaxAge); err != nil {
		d.logger.Warn("failed to prune old audit records", zap.Error(err))
	}
	if _, err := d.store.PruneExcessAudits(retentionMaxCount); err != nil {
		d.logger.Warn("failed to prune excess audit records", zap.Error(err))
	}
}

func (d *Dispatcher) deliver(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	entry := &platform.LogEntry{
		UserID:          rec.UserID,
		UserName:        rec.UserName,
		UserEmail:       rec.UserEmail,
		ServerName:      rec.Provider,
		ToolName:        rec.Tool,
		Method:          rec.Method,
		Params:          rec.Params,
		Result:          rec.Result,
		Error:           rec.Err,
		ExecutionTimeMs: float64(rec.Elapsed.Milliseconds()),
		Success:         rec.Success,
		Timestamp:       platform.FormatLogTimestamp(rec.Timestamp),
	}

	if err := d.platform.PostMCPLog(ctx, entry); err != nil {
		d.logger.Warn("audit intake delivery failed",
			zap.String("id", rec.ID),
			zap.String("server", rec.Provider),
			zap.Error(err))
		d.count("error")
		return
	}
	d.count("success")
}

func (d *Dispatcher) saveLocal(rec *Record) {
	status := storage.AuditStatusSuccess
	errMsg := ""
	if rec.Err != nil {
		status = storage.AuditStatusError
		errMsg = stringify(rec.Err)
	}
	if rec.Type == storage.AuditTypePolicyDecision {
		status = storage.AuditStatusDenied
	}

	response, truncated := truncateResponse(stringify(rec.Result))
	err := d.store.SaveAudit(&storage.AuditRecord{
		ID:                rec.ID,
		Type:              rec.Type,
		UserID:            rec.UserID,
		UserEmail:         rec.UserEmail,
		AuthMethod:        rec.AuthMethod,
		Provider:          rec.Provider,
		Tool:              rec.Tool,
		Arguments:         rec.Params,
		Response:          response,
		ResponseTruncated: truncated,
		Status:            status,
		ErrorMessage:      errMsg,
		DurationMs:        rec.Elapsed.Milliseconds(),
		Timestamp:         rec.Timestamp,
		RequestID:         rec.RequestID,
		Metadata:          rec.Metadata,
	})
	if err != nil {
		d.logger.Error("failed to save audit record",
			zap.String("id", rec.ID),
			zap.Error(err))
	}
}

func (d *Dispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.RecordAuditDelivery(outcome)
	}
}

// stringify renders an arbitrary payload for the activity store, which
// keeps responses as (possibly truncated) strings.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case error:
		return t.Error()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// responseLimit bounds the stored response copy. The intake sink gets
// the full payload; the local trail keeps enough to diagnose.
const responseLimit = 20000

// truncateResponse cuts an oversized response on a rune boundary and
// reports whether anything was dropped.
func truncateResponse(s string) (string, bool) {
	if len(s) <= responseLimit {
		return s, false
	}
	cut := responseLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [truncated]", true
}
