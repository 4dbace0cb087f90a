package tracestore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetHistory(t *testing.T) {
	s, clock := newTestStore(t, Options{})
	ctx := context.Background()
	createConversation(t, s, "thread-1")
	createConversation(t, s, "thread-2")

	for _, content := range []string{"first", "second", "third"} {
		_, err := s.AddMessage(ctx, "thread-1", MessageInput{Role: "user", Content: content})
		require.NoError(t, err)
	}
	_, err := s.AddMessage(ctx, "thread-2", MessageInput{Role: "user", Content: "elsewhere"})
	require.NoError(t, err)
	_, err = s.AddAgentStep(ctx, "thread-1", AgentStepInput{StepType: "thought", Content: "plan"})
	require.NoError(t, err)
	_, err = s.AddToolUsage(ctx, "thread-1", ToolUsageInput{ToolName: "ga4", Success: true})
	require.NoError(t, err)
	_, err = s.RecordPipelineExecution(ctx, "thread-1", PipelineExecution{FinalAnswer: "one"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.RecordPipelineExecution(ctx, "thread-1", PipelineExecution{FinalAnswer: "two"})
	require.NoError(t, err)

	h, err := s.GetHistory(ctx, "thread-1", HistoryOptions{Messages: true})
	require.NoError(t, err)
	assert.Equal(t, "thread-1", h.Conversation.ThreadID)
	require.Len(t, h.Messages, 3)
	for i, m := range h.Messages {
		assert.Equal(t, i, *m.Sequence)
	}
	var payload MessagePayload
	require.NoError(t, h.Messages[2].DecodePayload(&payload))
	assert.Equal(t, "third", payload.Content)
	assert.Nil(t, h.AgentSteps)
	assert.Nil(t, h.ToolUsages)
	assert.Nil(t, h.PipelineExecutions)

	h, err = s.GetHistory(ctx, "thread-1", AllHistory())
	require.NoError(t, err)
	assert.Len(t, h.AgentSteps, 1)
	assert.Len(t, h.ToolUsages, 1)
	require.Len(t, h.PipelineExecutions, 2)
	var exec PipelineExecution
	require.NoError(t, h.PipelineExecutions[0].DecodePayload(&exec))
	assert.Equal(t, "one", exec.FinalAnswer)
}

func TestStore_ListConversations(t *testing.T) {
	s, clock := newTestStore(t, Options{})
	ctx := context.Background()

	// 10 天前的会话不在默认 7 天窗口内
	_, err := s.CreateConversation(ctx, ConversationInput{ThreadID: "old", OwnerID: "7"})
	require.NoError(t, err)
	clock.Advance(10 * 24 * time.Hour)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Minute)
		_, err := s.CreateConversation(ctx, ConversationInput{
			ThreadID:         fmt.Sprintf("t%d", i),
			OwnerID:          "7",
			SecondaryOwnerID: fmt.Sprintf("c%d", i%2),
		})
		require.NoError(t, err)
	}
	_, err = s.CreateConversation(ctx, ConversationInput{ThreadID: "foreign", OwnerID: "8"})
	require.NoError(t, err)
	_, err = s.CompleteConversation(ctx, "t1", StatusCompleted, nil)
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, "t4", MessageInput{Role: "user", Content: "hi", Tokens: intPtr(6)})
	require.NoError(t, err)

	page, err := s.ListConversations(ctx, ListFilter{OwnerID: "7"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 20, page.PageSize)
	require.Len(t, page.Traces, 5)
	assert.Equal(t, "t4", page.Traces[0].ThreadID)
	assert.Equal(t, 1, page.Traces[0].MessageCount)
	assert.Equal(t, 6, page.Traces[0].TotalTokens)

	page, err = s.ListConversations(ctx, ListFilter{OwnerID: "7", Days: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(6), page.Total)

	page, err = s.ListConversations(ctx, ListFilter{OwnerID: "7", Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	require.Len(t, page.Traces, 2)
	assert.Equal(t, "t2", page.Traces[0].ThreadID)
	assert.Equal(t, "t1", page.Traces[1].ThreadID)

	page, err = s.ListConversations(ctx, ListFilter{OwnerID: "7", Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, page.Traces, 1)
	assert.Equal(t, "t1", page.Traces[0].ThreadID)
	require.NotNil(t, page.Traces[0].DurationSeconds)

	page, err = s.ListConversations(ctx, ListFilter{SecondaryOwnerID: "c0"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)

	page, err = s.ListConversations(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(6), page.Total)
}

func TestListFilter_Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   ListFilter
		want ListFilter
	}{
		{"defaults", ListFilter{}, ListFilter{Days: 7, Page: 1, PageSize: 20}},
		{"caps", ListFilter{Days: 365, Page: 3, PageSize: 500}, ListFilter{Days: 90, Page: 3, PageSize: 100}},
		{"negative", ListFilter{Days: -1, Page: -4, PageSize: -1}, ListFilter{Days: 7, Page: 1, PageSize: 20}},
		{"keeps filters", ListFilter{OwnerID: "7", Status: "active", Days: 1, Page: 1, PageSize: 1},
			ListFilter{OwnerID: "7", Status: "active", Days: 1, Page: 1, PageSize: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}
}

func TestStore_Stats(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.CreateConversation(ctx, ConversationInput{ThreadID: fmt.Sprintf("t%d", i), OwnerID: "7"})
		require.NoError(t, err)
		_, err = s.AddMessage(ctx, fmt.Sprintf("t%d", i), MessageInput{Role: "user", Content: "q", Tokens: intPtr(i + 1)})
		require.NoError(t, err)
	}
	_, err := s.CreateConversation(ctx, ConversationInput{ThreadID: "foreign", OwnerID: "8"})
	require.NoError(t, err)
	_, err = s.CompleteConversation(ctx, "t0", StatusCompleted, nil)
	require.NoError(t, err)
	_, err = s.CompleteConversation(ctx, "t1", StatusError, nil)
	require.NoError(t, err)

	stats, err := s.Stats(ctx, "7", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalConversations)
	assert.Equal(t, map[string]int64{StatusActive: 2, StatusCompleted: 1, StatusError: 1}, stats.StatusBreakdown)
	assert.Equal(t, int64(4), stats.TotalMessages)
	assert.Equal(t, int64(10), stats.TotalTokens)
	assert.Equal(t, 7, stats.PeriodDays)

	all, err := s.Stats(ctx, "", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(5), all.TotalConversations)
	assert.Equal(t, 90, all.PeriodDays)
}
