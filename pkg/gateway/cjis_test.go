package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

func newTestQueryLogger(now *time.Time) (*QueryLogger, *audit.Log) {
	log := audit.NewLog()
	ql := NewQueryLogger(config.DefaultTuning().Gateway).
		WithAudit(log).
		WithClock(func() time.Time { return *now })
	return ql, log
}

func TestCJISRecordsQuery(t *testing.T) {
	now := testStart
	ql, log := newTestQueryLogger(&now)

	record, err := ql.Record(context.Background(), QueryInput{
		UserID:     "u-1",
		Role:       "analyst",
		System:     "NCIC",
		Purpose:    "warrant check",
		CaseNumber: "2026-001234",
		Parameters: map[string]interface{}{
			"plate":       "ABC1234",
			"plate_state": "FL",
			"query_scope": "wanted",
		},
		ResponseSummary: "1 hit",
	})
	require.NoError(t, err)

	assert.Contains(t, record.TransactionID, "txn_")
	assert.Equal(t, "ncic", record.System)
	assert.False(t, record.Flagged())
	assert.Equal(t, "[MASKED]", record.Parameters["plate"])
	assert.Equal(t, "[MASKED]", record.Parameters["plate_state"])
	assert.Equal(t, "wanted", record.Parameters["query_scope"])

	entries := log.Query(audit.QueryFilter{ActionKind: audit.ActionCJISQuery})
	require.Len(t, entries, 1)
	assert.Equal(t, audit.SeverityInfo, entries[0].Severity)
	assert.Equal(t, record.TransactionID, entries[0].Details["transaction_id"])
}

func TestCJISFlagsSensitiveWithoutCaseNumber(t *testing.T) {
	now := testStart
	ql, log := newTestQueryLogger(&now)

	record, err := ql.Record(context.Background(), QueryInput{
		UserID:  "u-2",
		System:  "III",
		Purpose: "criminal history",
		Parameters: map[string]interface{}{
			"subject_name": "DOE, JANE",
		},
	})
	require.NoError(t, err)

	assert.True(t, record.Flagged())
	assert.Contains(t, record.Flags, "sensitive_without_case_number")
	assert.Equal(t, "[MASKED]", record.Parameters["subject_name"])

	entries := log.Query(audit.QueryFilter{ActionKind: audit.ActionCJISQuery})
	require.Len(t, entries, 1)
	assert.Equal(t, audit.SeverityWarning, entries[0].Severity)

	review := ql.ForReview()
	require.Len(t, review, 1)
	assert.Equal(t, record.TransactionID, review[0].TransactionID)
}

func TestCJISLocalSystemWithoutCaseIsClean(t *testing.T) {
	now := testStart
	ql, _ := newTestQueryLogger(&now)

	record, err := ql.Record(context.Background(), QueryInput{
		UserID:  "u-3",
		System:  "rms",
		Purpose: "incident lookup",
	})
	require.NoError(t, err)
	assert.False(t, record.Flagged())
}

func TestCJISRateBurst(t *testing.T) {
	now := testStart
	cfg := config.DefaultTuning().Gateway
	cfg.QueryBurstLimit = 3
	log := audit.NewLog()
	ql := NewQueryLogger(cfg).WithAudit(log).WithClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		record, err := ql.Record(context.Background(), QueryInput{
			UserID: "u-4", System: "rms", Purpose: "lookup", CaseNumber: "2026-1",
		})
		require.NoError(t, err)
		assert.False(t, record.Flagged(), "query %d", i)
	}

	third, err := ql.Record(context.Background(), QueryInput{
		UserID: "u-4", System: "rms", Purpose: "lookup", CaseNumber: "2026-1",
	})
	require.NoError(t, err)
	assert.Contains(t, third.Flags, "rate_burst")
}

func TestCJISBurstWindowSlides(t *testing.T) {
	now := testStart
	cfg := config.DefaultTuning().Gateway
	cfg.QueryBurstLimit = 3
	ql := NewQueryLogger(cfg).WithClock(func() time.Time { return now })

	record := func() *QueryRecord {
		r, err := ql.Record(context.Background(), QueryInput{
			UserID: "u-5", System: "rms", Purpose: "lookup", CaseNumber: "2026-2",
		})
		require.NoError(t, err)
		return r
	}

	record()
	record()
	// The window has passed; the counter starts over.
	now = now.Add(61 * time.Second)
	assert.False(t, record().Flagged())
}

func TestCJISBurstIsPerUser(t *testing.T) {
	now := testStart
	cfg := config.DefaultTuning().Gateway
	cfg.QueryBurstLimit = 2
	ql := NewQueryLogger(cfg).WithClock(func() time.Time { return now })

	_, err := ql.Record(context.Background(), QueryInput{UserID: "u-a", System: "rms", Purpose: "p"})
	require.NoError(t, err)
	other, err := ql.Record(context.Background(), QueryInput{UserID: "u-b", System: "rms", Purpose: "p"})
	require.NoError(t, err)

	assert.False(t, other.Flagged())
}

func TestCJISMarkReviewed(t *testing.T) {
	now := testStart
	ql, _ := newTestQueryLogger(&now)

	record, err := ql.Record(context.Background(), QueryInput{
		UserID: "u-6", System: "ncic", Purpose: "check",
	})
	require.NoError(t, err)
	require.True(t, record.Flagged())
	require.Len(t, ql.ForReview(), 1)

	require.NoError(t, ql.MarkReviewed(record.TransactionID))
	assert.Empty(t, ql.ForReview())

	err = ql.MarkReviewed("txn_nope")
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestCJISRequiresUserAndPurpose(t *testing.T) {
	now := testStart
	ql, _ := newTestQueryLogger(&now)

	_, err := ql.Record(context.Background(), QueryInput{System: "ncic", Purpose: "p"})
	require.Error(t, err)

	_, err = ql.Record(context.Background(), QueryInput{UserID: "u", System: "ncic"})
	require.Error(t, err)
}
