package steplog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/BaSui01/crewtrace/testutil"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	return testutil.NewSQLitePool(t, &Entry{}).DB()
}

func TestGormRepository_ScenarioRoundTrip(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	reg := NewRegistry(repo, RegistryOptions{Logger: zaptest.NewLogger(t)})
	ctx := context.Background()

	l := reg.Get("s1", "a1")
	crewID := l.LogCrewStart(ctx, CrewStart{Name: "marketing", Agents: []string{"analyst", "writer"}})
	l.LogTaskStart(ctx, "report", "weekly report", "analyst")
	l.LogAgentStart(ctx, "analyst", "")
	l.LogToolExecutionStart(ctx, "analyst", "ga4_report", "{}", 2)
	l.LogToolExecutionComplete(ctx, "ga4_report", 0)
	l.LogAgentFinalAnswer(ctx, "analyst", "done")
	l.LogTaskComplete(ctx, "report", "analyst", 0, []string{"ga4_report"})
	l.LogCrewComplete(ctx, "marketing", "done", 0)
	require.NotZero(t, crewID)

	// 其他会话的数据不串
	reg.Get("s2", "").LogCrewStart(ctx, CrewStart{Name: "other"})

	entries, err := repo.List(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 8)
	assert.Equal(t, []int{0, 1, 2, 3, 3, 2, 1, 0}, depths(entries))

	byID := make(map[uint]Entry)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
		byID[e.ID] = e
		if e.ParentID != nil {
			parent, ok := byID[*e.ParentID]
			require.True(t, ok, "parent of %s must precede it", e.Kind)
			assert.Equal(t, parent.Depth+1, e.Depth)
		} else {
			assert.Equal(t, 0, e.Depth)
		}
	}

	crew := entries[0]
	assert.Equal(t, crewID, crew.ID)
	assert.Equal(t, []interface{}{"analyst", "writer"}, crew.Metadata["agents"])
	assert.Equal(t, "marketing", crew.CrewID)
	require.NotNil(t, crew.AnalysisID)
	assert.Equal(t, "a1", *crew.AnalysisID)

	tool := entries[3]
	assert.Equal(t, float64(2), tool.Metadata["attempt_number"])
	assert.Equal(t, "└── 🔧 Used ga4_report (2)", tool.Title)

	limited, err := repo.List(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
