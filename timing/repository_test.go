package timing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/BaSui01/crewtrace/testutil"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	return testutil.NewSQLitePool(t, &Record{}).DB()
}

func TestGormRepository_SaveAndList(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	ctx := context.Background()

	later := closed(KindTool, "T", 50, 10)
	earlier := closed(KindAgent, "A", 0, 100)
	other := closed(KindAgent, "A", 0, 5)
	other.SessionID = "s2"

	require.NoError(t, repo.Save(ctx, &later))
	require.NoError(t, repo.Save(ctx, &earlier))
	require.NoError(t, repo.Save(ctx, &other))

	records, err := repo.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, earlier.ID, records[0].ID)
	assert.Equal(t, later.ID, records[1].ID)
	assert.Equal(t, int64(100), records[0].Duration())
	assert.Equal(t, StatusCompleted, records[0].Status)

	empty, err := repo.ListBySession(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGormRepository_DuplicateID(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	ctx := context.Background()

	rec := closed(KindTool, "T", 0, 10)
	require.NoError(t, repo.Save(ctx, &rec))
	dup := rec
	assert.Error(t, repo.Save(ctx, &dup))
}

func TestTimer_EndToEndWithGorm(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	clock := newFakeClock()
	timer := NewTimer(repo, Options{Logger: zaptest.NewLogger(t), Clock: clock.Now})
	ctx := context.Background()

	err := timer.Scoped(ctx, StartOptions{SessionID: "s1", Kind: KindAgent, Name: "analyst", AnalysisID: "a1"},
		func(ctx context.Context) error {
			return timer.Scoped(ctx, StartOptions{SessionID: "s1", Kind: KindTool, Name: "ga4_report"},
				func(ctx context.Context) error {
					clock.Advance(25 * time.Millisecond)
					return nil
				})
		})
	require.NoError(t, err)

	records, err := repo.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		require.NotNil(t, rec.EndTime)
		assert.Equal(t, int64(25), rec.Duration())
		assert.Equal(t, rec.EndTime.Sub(rec.StartTime).Milliseconds(), rec.Duration())
	}

	b, err := NewAggregator(repo, AggregatorOptions{}).Summarize(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"analyst"}, b.AgentNames())
	assert.Equal(t, []string{"ga4_report"}, b.ToolNames())
}
