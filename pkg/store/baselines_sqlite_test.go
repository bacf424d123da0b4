package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func newMockBaselineStore(t *testing.T) (*SQLiteBaselineStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS baselines")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLiteBaselineStore(db)
	assert.NoError(t, err)
	return store, mock
}

func TestSQLiteBaselineStore_Save(t *testing.T) {
	store, mock := newMockBaselineStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO baselines")).
		WithArgs("downtown", 87, int64(4), 5.25, 12.5, 9.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Save(ctx, &Baseline{
		Zone:       "downtown",
		HourOfWeek: 87,
		Count:      4,
		Mean:       5.25,
		M2:         12.5,
		Peak:       9.0,
		UpdatedAt:  time.Date(2026, 4, 8, 15, 0, 0, 0, time.UTC),
	})
	assert.NoError(t, err)
}

func TestSQLiteBaselineStore_Load(t *testing.T) {
	store, mock := newMockBaselineStore(t)
	ctx := context.Background()

	cols := []string{"zone", "hour_of_week", "count", "mean", "m2", "peak", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT zone, hour_of_week, count, mean, m2, peak, updated_at")).
		WithArgs("downtown", 87).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("downtown", 87, 4, 5.25, 12.5, 9.0, "2026-04-08T15:00:00Z"))

	b, err := store.Load(ctx, "downtown", 87)
	assert.NoError(t, err)
	assert.NotNil(t, b)
	assert.Equal(t, int64(4), b.Count)
	assert.Equal(t, 5.25, b.Mean)
	assert.Equal(t, time.Date(2026, 4, 8, 15, 0, 0, 0, time.UTC), b.UpdatedAt)

	// Unknown slot reads as nil, not an error.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT zone, hour_of_week")).
		WithArgs("downtown", 3).
		WillReturnRows(sqlmock.NewRows(cols))

	b, err = store.Load(ctx, "downtown", 3)
	assert.NoError(t, err)
	assert.Nil(t, b)
}

func TestSQLiteBaselineStore_ForZone(t *testing.T) {
	store, mock := newMockBaselineStore(t)
	ctx := context.Background()

	cols := []string{"zone", "hour_of_week", "count", "mean", "m2", "peak", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM baselines")).
		WithArgs("downtown").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("downtown", 3, 2, 1.5, 0.5, 2.0, "2026-04-08T15:00:00Z").
			AddRow("downtown", 87, 4, 5.25, 12.5, 9.0, "2026-04-08T15:00:00Z"))

	got, err := store.ForZone(ctx, "downtown")
	assert.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 3, got[0].HourOfWeek)
	assert.Equal(t, 87, got[1].HourOfWeek)
}
