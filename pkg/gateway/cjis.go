package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

// Systems whose records are regulated criminal-justice information.
// Queries against them without a case number are flagged.
var sensitiveSystems = map[string]bool{
	"ncic":  true,
	"iii":   true,
	"nlets": true,
}

// piiKeyParts marks query parameters that are masked before the record
// is persisted. The audit layer masks credentials; this list covers the
// person-identifying fields CJIS cares about.
var piiKeyParts = []string{"ssn", "dob", "birth", "license", "plate", "name", "address", "phone"}

// QueryInput describes one query over regulated data.
type QueryInput struct {
	UserID          string
	Role            string
	SessionID       string
	System          string
	Purpose         string
	CaseNumber      string
	Parameters      map[string]interface{}
	ResponseSummary string
}

// QueryRecord is the persisted CJIS transaction. Parameters are masked.
type QueryRecord struct {
	TransactionID   string                 `json:"transaction_id"`
	UserID          string                 `json:"user_id"`
	Role            string                 `json:"role,omitempty"`
	System          string                 `json:"system"`
	Purpose         string                 `json:"purpose"`
	CaseNumber      string                 `json:"case_number,omitempty"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	ResponseSummary string                 `json:"response_summary,omitempty"`
	Flags           []string               `json:"flags,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// Flagged reports whether the record needs supervisor review.
func (r *QueryRecord) Flagged() bool {
	return len(r.Flags) > 0
}

// QueryLogger produces the CJIS audit trail. Every query is recorded;
// suspicious ones (a burst from one user, a sensitive-system query with
// no case number) are additionally flagged and held for review.
type QueryLogger struct {
	cfg    config.GatewayConfig
	audit  *audit.Log
	logger *slog.Logger
	clock  func() time.Time

	mu     sync.Mutex
	recent map[string][]time.Time
	review []*QueryRecord
}

// NewQueryLogger builds a logger over the configured burst limits.
func NewQueryLogger(cfg config.GatewayConfig) *QueryLogger {
	return &QueryLogger{
		cfg:    cfg,
		logger: slog.Default().With("component", "gateway.cjis"),
		clock:  time.Now,
		recent: make(map[string][]time.Time),
	}
}

func (l *QueryLogger) WithAudit(log *audit.Log) *QueryLogger {
	l.audit = log
	return l
}

func (l *QueryLogger) WithLogger(logger *slog.Logger) *QueryLogger {
	l.logger = logger.With("component", "gateway.cjis")
	return l
}

func (l *QueryLogger) WithClock(clock func() time.Time) *QueryLogger {
	l.clock = clock
	return l
}

// Record logs one query and returns the transaction record. Recording
// never blocks the query itself; flags mark the record for review
// rather than refusing it, because the operator may be mid-pursuit.
func (l *QueryLogger) Record(ctx context.Context, in QueryInput) (*QueryRecord, error) {
	if in.UserID == "" {
		return nil, fault.New(fault.Validation, "gateway.cjis", "user id is required")
	}
	if in.Purpose == "" {
		return nil, fault.New(fault.Validation, "gateway.cjis", "purpose is required")
	}

	now := l.clock().UTC()
	record := &QueryRecord{
		TransactionID:   "txn_" + uuid.NewString(),
		UserID:          in.UserID,
		Role:            in.Role,
		System:          strings.ToLower(in.System),
		Purpose:         in.Purpose,
		CaseNumber:      in.CaseNumber,
		Parameters:      maskParameters(in.Parameters),
		ResponseSummary: in.ResponseSummary,
		Timestamp:       now,
	}

	l.mu.Lock()
	if l.burstLocked(in.UserID, now) {
		record.Flags = append(record.Flags, "rate_burst")
	}
	if sensitiveSystems[record.System] && in.CaseNumber == "" {
		record.Flags = append(record.Flags, "sensitive_without_case_number")
	}
	if record.Flagged() {
		l.review = append(l.review, record)
	}
	l.mu.Unlock()

	severity := audit.SeverityInfo
	if record.Flagged() {
		severity = audit.SeverityWarning
	}
	if l.audit != nil {
		_, err := l.audit.Append(audit.ActionCJISQuery, severity, "gateway", "cjis query against "+record.System, map[string]interface{}{
			"transaction_id":   record.TransactionID,
			"user_id":          record.UserID,
			"system":           record.System,
			"purpose":          record.Purpose,
			"case_number":      record.CaseNumber,
			"parameters":       record.Parameters,
			"response_summary": record.ResponseSummary,
			"flags":            record.Flags,
		}, in.SessionID)
		if err != nil {
			l.logger.WarnContext(ctx, "cjis audit append failed", "error", err)
		}
	}

	return record, nil
}

// burstLocked slides the user's window forward and reports whether this
// query tips the count to the burst limit or beyond.
func (l *QueryLogger) burstLocked(userID string, now time.Time) bool {
	window := l.cfg.QueryBurstWindow()
	cutoff := now.Add(-window)

	times := l.recent[userID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.recent[userID] = kept

	return len(kept) >= l.cfg.QueryBurstLimit
}

// ForReview returns the flagged records awaiting supervisor review.
func (l *QueryLogger) ForReview() []*QueryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*QueryRecord, len(l.review))
	copy(out, l.review)
	return out
}

// MarkReviewed clears a flagged record once a supervisor has seen it.
func (l *QueryLogger) MarkReviewed(transactionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, record := range l.review {
		if record.TransactionID == transactionID {
			l.review = append(l.review[:i], l.review[i+1:]...)
			return nil
		}
	}
	return fault.New(fault.Validation, "gateway.cjis", "no flagged transaction %s", transactionID)
}

// maskParameters replaces person-identifying parameter values while
// leaving operational fields (case numbers, query scope) readable.
func maskParameters(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if isPIIKey(k) {
			out[k] = "[MASKED]"
			continue
		}
		out[k] = v
	}
	return out
}

func isPIIKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range piiKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}
