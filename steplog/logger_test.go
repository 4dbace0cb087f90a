package steplog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// 🧪 测试替身
// =============================================================================

type memoryRepo struct {
	mu      sync.Mutex
	entries []Entry
	nextID  uint
	failOn  map[Kind]bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{failOn: make(map[Kind]bool)}
}

func (r *memoryRepo) Insert(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn[e.Kind] {
		return errors.New("disk I/O error")
	}
	r.nextID++
	e.ID = r.nextID
	r.entries = append(r.entries, *e)
	return nil
}

func (r *memoryRepo) List(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) byID(id uint) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

type failingSequencer struct{}

func (failingSequencer) Next(context.Context, string) (int64, error) {
	return 0, errors.New("redis: connection refused")
}
func (failingSequencer) Reset(context.Context, string) error { return nil }

func newTestRegistry(t *testing.T, repo Repository) *Registry {
	t.Helper()
	return NewRegistry(repo, RegistryOptions{Logger: zaptest.NewLogger(t)})
}

func depths(entries []Entry) []int {
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Depth)
	}
	return out
}

func kinds(entries []Entry) []Kind {
	out := make([]Kind, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Kind)
	}
	return out
}

// =============================================================================
// 🧪 层级
// =============================================================================

func TestLogger_CrewTaskAgentScenario(t *testing.T) {
	repo := newMemoryRepo()
	l := newTestRegistry(t, repo).Get("s1", "a1")
	ctx := context.Background()

	crewID := l.LogCrewStart(ctx, CrewStart{Name: "marketing", Agents: []string{"analyst"}, Tasks: []string{"report"}})
	taskID := l.LogTaskStart(ctx, "report", "Build the weekly report", "analyst")
	agentID := l.LogAgentStart(ctx, "analyst", "Build the weekly report")
	answerID := l.LogAgentFinalAnswer(ctx, "analyst", "CTR up 12%")
	doneID := l.LogTaskComplete(ctx, "report", "analyst", 1500*time.Millisecond, []string{"ga4_report"})
	l.LogCrewComplete(ctx, "marketing", "CTR up 12%", 3*time.Second)

	entries, err := l.Entries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 6)

	assert.Equal(t, []int{0, 1, 2, 2, 1, 0}, depths(entries))
	assert.Equal(t, []Kind{
		KindCrewStart, KindTaskStart, KindAgentStart, KindFinalAnswer, KindTaskComplete, KindCrewComplete,
	}, kinds(entries))
	assert.Equal(t, 0, l.Depth())
	assert.Empty(t, l.Stack())

	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
		require.NotNil(t, e.AnalysisID)
		assert.Equal(t, "a1", *e.AnalysisID)
	}

	// 父子关系
	assert.Nil(t, entries[0].ParentID)
	assert.Equal(t, crewID, *entries[1].ParentID)
	assert.Equal(t, taskID, *entries[2].ParentID)
	assert.Equal(t, taskID, *entries[3].ParentID, "final answer is a sibling of the agent entry")
	assert.Equal(t, crewID, *entries[4].ParentID, "task complete hangs off the root entry")
	assert.Nil(t, entries[5].ParentID)

	assert.NotZero(t, agentID)
	assert.NotZero(t, answerID)
	done, ok := repo.byID(doneID)
	require.True(t, ok)
	require.NotNil(t, done.DurationMS)
	assert.Equal(t, int64(1500), *done.DurationMS)
	assert.Equal(t, "Name: report\nAgent: analyst", done.Content)
	assert.Equal(t, int64(3000), *entries[5].DurationMS)
}

func TestLogger_ToolScope(t *testing.T) {
	repo := newMemoryRepo()
	l := newTestRegistry(t, repo).Get("s1", "")
	ctx := context.Background()

	l.LogCrewStart(ctx, CrewStart{Name: "crew"})
	agentID := l.LogAgentStart(ctx, "analyst", "")
	toolID := l.LogToolExecutionStart(ctx, "analyst", "ga4_report", `{"days":7}`, 0)
	l.LogToolInput(ctx, "ga4_report", `{"days":7}`)
	l.LogToolError(ctx, "analyst", "ga4_report", "quota exceeded", `{"days":7}`, 1)
	l.LogToolOutput(ctx, "ga4_report", "rows=42", 80*time.Millisecond)
	require.Equal(t, 3, l.Depth(), "tool output and error never close the tool scope")

	completeID := l.LogToolExecutionComplete(ctx, "", 90*time.Millisecond)
	require.Equal(t, 2, l.Depth())
	l.LogAgentThinking(ctx, "analyst", "the numbers look fine")

	entries, err := l.Entries(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 3, 3, 2, 2}, depths(entries))

	for _, e := range entries[3:6] {
		assert.Equal(t, toolID, *e.ParentID)
	}
	complete, ok := repo.byID(completeID)
	require.True(t, ok)
	assert.Equal(t, agentID, *complete.ParentID)
	assert.Equal(t, "ga4_report", complete.ToolName)
	assert.Equal(t, agentID, *entries[7].ParentID)

	tool := entries[2]
	assert.Equal(t, "└── 🔧 Used ga4_report (1)", tool.Title)
	assert.Equal(t, StatusExecuting, tool.Status)
	assert.Equal(t, "🔧", tool.Icon)
	assert.True(t, tool.Collapsible)
	assert.Equal(t, 1, tool.Metadata["attempt_number"])

	toolErr := entries[4]
	assert.Equal(t, "└── 🔧 Failed ga4_report (1)", toolErr.Title)
	assert.Equal(t, StatusFailed, toolErr.Status)
	assert.Equal(t, "red", toolErr.Color)
	assert.Equal(t, "quota exceeded", toolErr.ErrorDetails)
}

func TestLogger_DisplayHints(t *testing.T) {
	l := newTestRegistry(t, newMemoryRepo()).Get("s1", "")
	ctx := context.Background()

	l.LogCrewStart(ctx, CrewStart{})
	l.LogTaskStart(ctx, "t1", "", "")
	l.LogAgentStart(ctx, "a", "")
	l.LogAgentThinking(ctx, "a", "")
	l.LogDelegation(ctx, "a", "b", "sub task", "")
	l.LogAgentFinalAnswer(ctx, "a", "done")
	l.LogTaskComplete(ctx, "t1", "a", 0, nil)
	l.LogCrewError(ctx, "crew", "boom", 0)

	entries, err := l.Entries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 8)

	want := []struct {
		title       string
		icon        string
		color       string
		status      Status
		collapsible bool
	}{
		{"🚀 Crew: crew", "🚀", "blue", StatusExecuting, true},
		{"└── 📋 Task: t1", "📋", "yellow", StatusExecuting, true},
		{"🤖 Agent Started", "🤖", "green", StatusExecuting, true},
		{"└── 🧠 Thinking...", "🧠", "purple", StatusThinking, false},
		{"└── 🔄 Delegating to b", "🔄", "orange", StatusDelegating, true},
		{"✅ Agent Final Answer", "✅", "green", StatusCompleted, true},
		{"Task Completed", "✅", "green", StatusCompleted, true},
		{"❌ Crew Execution Failed", "❌", "red", StatusFailed, true},
	}
	for i, w := range want {
		e := entries[i]
		assert.Equal(t, w.title, e.Title, "entry %d", i)
		assert.Equal(t, w.icon, e.Icon, "entry %d", i)
		assert.Equal(t, w.color, e.Color, "entry %d", i)
		assert.Equal(t, w.status, e.Status, "entry %d", i)
		assert.Equal(t, w.collapsible, e.Collapsible, "entry %d", i)
	}
	assert.Nil(t, entries[6].DurationMS)
	assert.Equal(t, "boom", entries[7].ErrorDetails)
	assert.Equal(t, "sequential", entries[0].Metadata["process"])
}

// =============================================================================
// 🧪 误用与失败
// =============================================================================

func TestLogger_FinalAnswerWithoutAgentFrame(t *testing.T) {
	l := newTestRegistry(t, newMemoryRepo()).Get("s1", "")
	ctx := context.Background()

	crewID := l.LogCrewStart(ctx, CrewStart{Name: "crew"})
	taskID := l.LogTaskStart(ctx, "t1", "", "")
	l.LogAgentFinalAnswer(ctx, "ghost", "answer")

	stack := l.Stack()
	require.Len(t, stack, 2, "wrong frame must not be popped")
	assert.Equal(t, FrameTask, stack[1].Kind)
	assert.Equal(t, taskID, stack[1].EntryID)

	entries, err := l.Entries(ctx, 0)
	require.NoError(t, err)
	answer := entries[2]
	assert.Equal(t, taskID, *answer.ParentID)
	assert.Equal(t, 2, answer.Depth)
	assert.Equal(t, crewID, stack[0].EntryID)
}

func TestLogger_FailedCloses(t *testing.T) {
	repo := newMemoryRepo()
	l := newTestRegistry(t, repo).Get("s1", "")
	ctx := context.Background()

	crewID := l.LogCrewStart(ctx, CrewStart{Name: "crew"})
	l.LogTaskStart(ctx, "t1", "", "a")
	agentID := l.LogAgentStart(ctx, "a", "")
	answerID := l.LogAgentError(ctx, "a", "model timeout")
	assert.Equal(t, 2, l.Depth())
	doneID := l.LogTaskFailed(ctx, "t1", "a", "model timeout", time.Second, nil)
	assert.Equal(t, 1, l.Depth())

	answer, ok := repo.byID(answerID)
	require.True(t, ok)
	assert.Equal(t, KindFinalAnswer, answer.Kind)
	assert.Equal(t, StatusFailed, answer.Status)
	assert.Equal(t, "model timeout", answer.ErrorDetails)
	assert.Equal(t, "model timeout", answer.Metadata["error_message"])
	assert.Equal(t, "❌", answer.Icon)
	assert.Equal(t, "red", answer.Color)
	agent, _ := repo.byID(agentID)
	assert.Equal(t, agent.Depth, answer.Depth)

	done, ok := repo.byID(doneID)
	require.True(t, ok)
	assert.Equal(t, KindTaskComplete, done.Kind)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "❌ Task Failed", done.Title)
	assert.Equal(t, crewID, *done.ParentID)
}

func TestLogger_TaskCompleteWithAgentOnTop(t *testing.T) {
	l := newTestRegistry(t, newMemoryRepo()).Get("s1", "")
	ctx := context.Background()

	crewID := l.LogCrewStart(ctx, CrewStart{Name: "crew"})
	l.LogTaskStart(ctx, "t1", "", "")
	l.LogAgentStart(ctx, "a", "")
	doneID := l.LogTaskComplete(ctx, "t1", "a", 0, nil)

	assert.Equal(t, 3, l.Depth())
	entries, err := l.Entries(ctx, 0)
	require.NoError(t, err)
	done := entries[3]
	assert.Equal(t, doneID, done.ID)
	assert.Equal(t, crewID, *done.ParentID)
	assert.Equal(t, 1, done.Depth)

	// crew 结束无条件清栈
	l.LogCrewComplete(ctx, "crew", "", 0)
	assert.Equal(t, 0, l.Depth())
}

func TestLogger_ToolCompleteWithoutToolFrame(t *testing.T) {
	l := newTestRegistry(t, newMemoryRepo()).Get("s1", "")
	ctx := context.Background()

	l.LogCrewStart(ctx, CrewStart{Name: "crew"})
	agentID := l.LogAgentStart(ctx, "a", "")
	l.LogToolExecutionComplete(ctx, "ga4_report", 0)

	assert.Equal(t, 2, l.Depth())
	entries, err := l.Entries(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, agentID, *entries[2].ParentID)
	assert.Equal(t, 2, entries[2].Depth)
}

func TestLogger_EmptyStackCloseEvents(t *testing.T) {
	l := newTestRegistry(t, newMemoryRepo()).Get("s1", "")
	ctx := context.Background()

	l.LogAgentFinalAnswer(ctx, "a", "x")
	l.LogTaskComplete(ctx, "t", "a", 0, nil)
	l.LogToolOutput(ctx, "tool", "out", 0)

	entries, err := l.Entries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Nil(t, e.ParentID)
		assert.Equal(t, 0, e.Depth)
	}
}

func TestLogger_PersistFailureStillMovesStack(t *testing.T) {
	repo := newMemoryRepo()
	repo.failOn[KindTaskStart] = true
	l := newTestRegistry(t, repo).Get("s1", "")
	ctx := context.Background()

	l.LogCrewStart(ctx, CrewStart{Name: "crew"})
	assert.Equal(t, uint(0), l.LogTaskStart(ctx, "t1", "", ""))
	assert.Equal(t, 2, l.Depth())

	l.LogAgentStart(ctx, "a", "")
	entries, err := l.Entries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	agent := entries[1]
	assert.Equal(t, 2, agent.Depth, "depth follows the stack even when the parent was lost")
	assert.Nil(t, agent.ParentID)
}

func TestLogger_SequenceFailure(t *testing.T) {
	repo := newMemoryRepo()
	l := NewRegistry(repo, RegistryOptions{Sequencer: failingSequencer{}}).Get("s1", "")
	ctx := context.Background()

	assert.Equal(t, uint(0), l.LogCrewStart(ctx, CrewStart{Name: "crew"}))
	assert.Equal(t, 1, l.Depth())
	entries, err := l.Entries(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogger_MetadataSnippet(t *testing.T) {
	l := newTestRegistry(t, newMemoryRepo()).Get("s1", "")
	ctx := context.Background()

	long := strings.Repeat("数", 250)
	l.LogTaskStart(ctx, "t1", long, "a")

	entries, err := l.Entries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	snippet := entries[0].Metadata["task_description"].(string)
	assert.Equal(t, strings.Repeat("数", 200)+"...", snippet)
	assert.Equal(t, long, entries[0].Input, "full text is kept on the entry itself")
}

func TestLogger_EntriesLimit(t *testing.T) {
	l := newTestRegistry(t, newMemoryRepo()).Get("s1", "")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.LogAgentThinking(ctx, "a", "hmm")
	}

	entries, err := l.Entries(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(3), entries[2].Sequence)
}
