package llm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallRecord captures one completed (or failed) LLM call for audit.
type CallRecord struct {
	CallID    string
	RetryOf   string
	ClaimID   string
	Stage     string
	Model     string
	StartedAt time.Time
	Duration  time.Duration
	Error     string
}

// AuditedClient wraps a ChatClient and records every call with a unique
// ID. Retries are linked to the call they replace via MarkRetry so the
// audit trail shows the full chain for one dispatch.
type AuditedClient struct {
	inner  ChatClient
	logger *zap.Logger

	mu          sync.Mutex
	claimID     string
	stage       string
	pendingPrev string
	lastCallID  string
	records     []CallRecord
}

// NewAuditedClient wraps inner with call auditing.
func NewAuditedClient(inner ChatClient, logger *zap.Logger) *AuditedClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditedClient{inner: inner, logger: logger}
}

// SetContext tags subsequent calls with the claim and pipeline stage.
func (a *AuditedClient) SetContext(claimID, stage string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.claimID = claimID
	a.stage = stage
}

// MarkRetry links the next call to the failed call it replaces.
func (a *AuditedClient) MarkRetry(prevCallID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingPrev = prevCallID
}

// LastCallID returns the ID assigned to the most recent call.
func (a *AuditedClient) LastCallID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCallID
}

// Records returns a copy of the audit trail.
func (a *AuditedClient) Records() []CallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CallRecord, len(a.records))
	copy(out, a.records)
	return out
}

// ChatCompletion delegates to the wrapped client and records the call.
func (a *AuditedClient) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	callID := uuid.NewString()

	a.mu.Lock()
	rec := CallRecord{
		CallID:    callID,
		RetryOf:   a.pendingPrev,
		ClaimID:   a.claimID,
		Stage:     a.stage,
		Model:     req.Model,
		StartedAt: time.Now(),
	}
	a.pendingPrev = ""
	a.lastCallID = callID
	a.mu.Unlock()

	resp, err := a.inner.ChatCompletion(ctx, req)
	rec.Duration = time.Since(rec.StartedAt)
	if err != nil {
		rec.Error = err.Error()
	}

	a.mu.Lock()
	a.records = append(a.records, rec)
	a.mu.Unlock()

	fields := []zap.Field{
		zap.String("call_id", callID),
		zap.String("claim_id", rec.ClaimID),
		zap.String("stage", rec.Stage),
		zap.Duration("duration", rec.Duration),
	}
	if rec.RetryOf != "" {
		fields = append(fields, zap.String("retry_of", rec.RetryOf))
	}
	if err != nil {
		a.logger.Warn("llm call failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	a.logger.Debug("llm call completed", fields...)
	return resp, nil
}
