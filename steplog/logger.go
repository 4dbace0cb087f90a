package steplog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/BaSui01/crewtrace/internal/metrics"
)

// ErrWrongFrame 关闭事件与栈顶帧类型不匹配
var ErrWrongFrame = errors.New("steplog: stack top is not the expected frame")

// FrameKind 栈帧类型
type FrameKind string

const (
	FrameCrew  FrameKind = "crew"
	FrameTask  FrameKind = "task"
	FrameAgent FrameKind = "agent"
	FrameTool  FrameKind = "tool"
)

// Frame 一个已打开的执行范围
type Frame struct {
	Kind     FrameKind `json:"kind"`
	EntryID  uint      `json:"entry_id"`
	Name     string    `json:"name"`
	Depth    int       `json:"depth"`
	ParentID *uint     `json:"parent_id,omitempty"`
}

// CrewStart crew 开始事件
type CrewStart struct {
	Name    string
	Agents  []string
	Tasks   []string
	Process string
}

// =============================================================================
// 📜 分层执行日志
// =============================================================================

// Logger 单个会话的执行日志状态机。
//
// 状态是已打开范围组成的栈：*_start 入栈，匹配的完成事件出栈，
// 旁注类事件（思考、工具输入输出、委派）挂在栈顶下面而不改动栈。
// 同一会话同一时刻只允许一个逻辑上的当前范围；互斥锁只保证内存安全，
// 并发交错的嵌套会打乱层级。
type Logger struct {
	sessionID  string
	analysisID string

	repo    Repository
	seq     Sequencer
	notify  func(Entry)
	logger  *zap.Logger
	metrics *metrics.Collector
	snippet int
	now     func() time.Time

	mu    sync.Mutex
	stack []Frame
}

// SessionID 会话 ID
func (l *Logger) SessionID() string { return l.sessionID }

// AnalysisID 分析 ID
func (l *Logger) AnalysisID() string { return l.analysisID }

// LogCrewStart 🚀 Crew: <name>
func (l *Logger) LogCrewStart(ctx context.Context, crew CrewStart) uint {
	if crew.Name == "" {
		crew.Name = "crew"
	}
	if crew.Process == "" {
		crew.Process = "sequential"
	}
	agents := append([]string{}, crew.Agents...)
	tasks := append([]string{}, crew.Tasks...)

	l.mu.Lock()
	defer l.mu.Unlock()

	parent, depth := l.childOfTop()
	e := &Entry{
		Kind:     KindCrewStart,
		ParentID: parent,
		Depth:    depth,
		CrewID:   crew.Name,
		Title:    "🚀 Crew: " + crew.Name,
		Content:  fmt.Sprintf("Starting crew execution with %d agents and %d tasks", len(agents), len(tasks)),
		Metadata: datatypes.JSONMap{
			"agents":     agents,
			"tasks":      tasks,
			"process":    crew.Process,
			"start_time": l.stamp(),
		},
	}
	id := l.write(ctx, e)
	l.push(FrameCrew, id, crew.Name, depth, parent)
	return id
}

// LogTaskStart └── 📋 Task: <id>
func (l *Logger) LogTaskStart(ctx context.Context, taskID, description, assignedAgent string) uint {
	l.mu.Lock()
	defer l.mu.Unlock()

	parent, depth := l.childOfTop()
	e := &Entry{
		Kind:      KindTaskStart,
		ParentID:  parent,
		Depth:     depth,
		TaskID:    taskID,
		AgentName: assignedAgent,
		Title:     "└── 📋 Task: " + taskID,
		Content:   "Status: Executing Task...",
		Input:     description,
		Metadata: datatypes.JSONMap{
			"assigned_agent":   assignedAgent,
			"task_description": l.snip(description),
			"start_time":       l.stamp(),
		},
	}
	id := l.write(ctx, e)
	l.push(FrameTask, id, taskID, depth, parent)
	return id
}

// LogAgentStart 🤖 Agent Started
func (l *Logger) LogAgentStart(ctx context.Context, agentName, taskDescription string) uint {
	l.mu.Lock()
	defer l.mu.Unlock()

	parent, depth := l.childOfTop()
	e := &Entry{
		Kind:      KindAgentStart,
		ParentID:  parent,
		Depth:     depth,
		AgentName: agentName,
		Title:     "🤖 Agent Started",
		Content:   "Agent: " + agentName,
		Input:     taskDescription,
		Metadata: datatypes.JSONMap{
			"agent_name":       agentName,
			"task_description": l.snip(taskDescription),
			"start_time":       l.stamp(),
		},
	}
	id := l.write(ctx, e)
	l.push(FrameAgent, id, agentName, depth, parent)
	return id
}

// LogToolExecutionStart └── 🔧 Used <tool> (<attempt>)，打开工具范围
func (l *Logger) LogToolExecutionStart(ctx context.Context, agentName, toolName, toolInput string, attempt int) uint {
	if attempt <= 0 {
		attempt = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	parent, depth := l.childOfTop()
	e := &Entry{
		Kind:      KindToolExecution,
		ParentID:  parent,
		Depth:     depth,
		AgentName: agentName,
		ToolName:  toolName,
		Title:     fmt.Sprintf("└── 🔧 Used %s (%d)", toolName, attempt),
		Content:   "🔧 Agent Tool Execution",
		Input:     toolInput,
		Metadata: datatypes.JSONMap{
			"agent_name":     agentName,
			"tool_name":      toolName,
			"attempt_number": attempt,
			"tool_input":     l.snip(toolInput),
			"start_time":     l.stamp(),
		},
	}
	id := l.write(ctx, e)
	l.push(FrameTool, id, toolName, depth, parent)
	return id
}

// =============================================================================
// 📝 旁注（不改动栈）
// =============================================================================

// LogAgentThinking └── 🧠 Thinking...
func (l *Logger) LogAgentThinking(ctx context.Context, agentName, thought string) uint {
	l.mu.Lock()
	defer l.mu.Unlock()

	parent, depth := l.childOfTop()
	return l.write(ctx, &Entry{
		Kind:      KindAgentThinking,
		ParentID:  parent,
		Depth:     depth,
		AgentName: agentName,
		Title:     "└── 🧠 Thinking...",
		Content:   thought,
		Metadata: datatypes.JSONMap{
			"agent_name": agentName,
			"thought":    l.snip(thought),
			"timestamp":  l.stamp(),
		},
	})
}

// LogToolInput 工具输入
func (l *Logger) LogToolInput(ctx context.Context, toolName, input string) uint {
	l.mu.Lock()
	defer l.mu.Unlock()

	parent, depth := l.childOfTop()
	return l.write(ctx, &Entry{
		Kind:     KindToolInput,
		ParentID: parent,
		Depth:    depth,
		ToolName: toolName,
		Title:    "Tool Input",
		Content:  input,
		Input:    input,
		Metadata: datatypes.JSONMap{
			"tool_name":  toolName,
			"input_size": len(input),
			"timestamp":  l.stamp(),
		},
	})
}

// LogToolOutput 工具输出，不关闭工具范围
func (l *Logger) LogToolOutput(ctx context.Context, toolName, output string, duration time.Duration) uint {
	l.mu.Lock()
	defer l.mu.Unlock()

	parent, depth := l.childOfTop()
	return l.write(ctx, &Entry{
		Kind:       KindToolOutput,
		ParentID:   parent,
		Depth:      depth,
		ToolName:   toolName,
		DurationMS: millis(duration),
		Title:      "Tool Output",
		Content:    output,
		Output:     output,
		Metadata: datatypes.JSONMap{
			"tool_name":   toolName,
			"output_size": len(output),
			"duration_ms": millis(duration),
			"timestamp":   l.stamp(),
		},
	})
}

// LogToolError └── 🔧 Failed <tool> (<attempt>)，不关闭工具范围
func (l *Logger) LogToolError(ctx context.Context, agentName, toolName, errMsg, toolInput string, attempt int) uint {
	if attempt <= 0 {
		attempt = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	parent, depth := l.childOfTop()
	return l.write(ctx, &Entry{
		Kind:         KindToolError,
		ParentID:     parent,
		Depth:        depth,
		AgentName:    agentName,
		ToolName:     toolName,
		Title:        fmt.Sprintf("└── 🔧 Failed %s (%d)", toolName, attempt),
		Content:      "Tool Usage Failed",
		Input:        toolInput,
		ErrorDetails: errMsg,
		Metadata: datatypes.JSONMap{
			"agent_name":     agentName,
			"tool_name":      toolName,
			"attempt_number": attempt,
			"error_message":  errMsg,
			"tool_input":     l.snip(toolInput),
			"timestamp":      l.stamp(),
		},
	})
}

// LogDelegation └── 🔄 Delegating to <agent>
func (l *Logger) LogDelegation(ctx context.Context, agentName, delegatedTo, task, taskContext string) uint {
	l.mu.Lock()
	defer l.mu.Unlock()

	parent, depth := l.childOfTop()
	return l.write(ctx, &Entry{
		Kind:      KindDelegation,
		ParentID:  parent,
		Depth:     depth,
		AgentName: agentName,
		Title:     "└── 🔄 Delegating to " + delegatedTo,
		Content:   task,
		Input:     taskContext,
		Metadata: datatypes.JSONMap{
			"delegating_agent": agentName,
			"delegated_to":     delegatedTo,
			"task":             l.snip(task),
			"context":          l.snip(taskContext),
			"timestamp":        l.stamp(),
		},
	})
}

// =============================================================================
// ✅ 关闭事件
// =============================================================================

// LogToolExecutionComplete 关闭工具范围：与工具帧同级，栈顶是工具帧时出栈
func (l *Logger) LogToolExecutionComplete(ctx context.Context, toolName string, duration time.Duration) uint {
	l.mu.Lock()
	defer l.mu.Unlock()

	parent, depth, matched := l.siblingOfTop(FrameTool, KindToolComplete)
	if toolName == "" && matched {
		toolName = l.stack[len(l.stack)-1].Name
	}
	id := l.write(ctx, &Entry{
		Kind:       KindToolComplete,
		ParentID:   parent,
		Depth:      depth,
		ToolName:   toolName,
		DurationMS: millis(duration),
		Title:      "Tool Completed",
		Content:    "Tool: " + toolName,
		Metadata: datatypes.JSONMap{
			"tool_name":   toolName,
			"duration_ms": millis(duration),
			"timestamp":   l.stamp(),
		},
	})
	if matched {
		l.pop()
	}
	return id
}

// LogAgentFinalAnswer 作为 agent 帧的兄弟条目写入，栈顶是 agent 帧时出栈
func (l *Logger) LogAgentFinalAnswer(ctx context.Context, agentName, finalAnswer string) uint {
	return l.closeAgent(ctx, agentName, finalAnswer, "")
}

// LogAgentError agent 失败时关闭 agent 范围：final_answer 条目，状态 failed
func (l *Logger) LogAgentError(ctx context.Context, agentName, errMsg string) uint {
	return l.closeAgent(ctx, agentName, "", errMsg)
}

func (l *Logger) closeAgent(ctx context.Context, agentName, finalAnswer, errMsg string) uint {
	l.mu.Lock()
	defer l.mu.Unlock()

	parent, depth, matched := l.siblingOfTop(FrameAgent, KindFinalAnswer)
	e := &Entry{
		Kind:      KindFinalAnswer,
		ParentID:  parent,
		Depth:     depth,
		AgentName: agentName,
		Title:     "✅ Agent Final Answer",
		Content:   "Agent: " + agentName,
		Output:    finalAnswer,
		Metadata: datatypes.JSONMap{
			"agent_name":    agentName,
			"answer_length": len(finalAnswer),
			"timestamp":     l.stamp(),
		},
	}
	if errMsg != "" {
		e.Status = StatusFailed
		e.Title = "❌ Agent Failed"
		e.ErrorDetails = errMsg
		e.Metadata["error_message"] = errMsg
	}

	id := l.write(ctx, e)
	if matched {
		l.pop()
	}
	return id
}

// LogTaskComplete 挂在根（crew）条目下，栈顶是 task 帧时出栈
func (l *Logger) LogTaskComplete(ctx context.Context, taskID, assignedAgent string, duration time.Duration, toolsUsed []string) uint {
	return l.closeTask(ctx, taskID, assignedAgent, duration, toolsUsed, "")
}

// LogTaskFailed 同 LogTaskComplete，状态 failed 并带错误信息
func (l *Logger) LogTaskFailed(ctx context.Context, taskID, assignedAgent, errMsg string, duration time.Duration, toolsUsed []string) uint {
	return l.closeTask(ctx, taskID, assignedAgent, duration, toolsUsed, errMsg)
}

func (l *Logger) closeTask(ctx context.Context, taskID, assignedAgent string, duration time.Duration, toolsUsed []string, errMsg string) uint {
	l.mu.Lock()
	defer l.mu.Unlock()

	var parent *uint
	depth := 0
	if len(l.stack) > 0 {
		root := l.stack[0]
		parent = entryRef(root.EntryID)
		depth = root.Depth + 1
	}

	top, ok := l.top()
	matched := ok && top.Kind == FrameTask
	if !matched {
		l.mismatch(FrameTask, KindTaskComplete)
	}

	e := &Entry{
		Kind:       KindTaskComplete,
		ParentID:   parent,
		Depth:      depth,
		TaskID:     taskID,
		AgentName:  assignedAgent,
		DurationMS: millis(duration),
		Title:      "Task Completed",
		Content:    fmt.Sprintf("Name: %s\nAgent: %s", taskID, assignedAgent),
		Metadata: datatypes.JSONMap{
			"task_id":        taskID,
			"assigned_agent": assignedAgent,
			"duration_ms":    millis(duration),
			"tools_used":     append([]string{}, toolsUsed...),
			"timestamp":      l.stamp(),
		},
	}
	if errMsg != "" {
		e.Status = StatusFailed
		e.Title = "❌ Task Failed"
		e.ErrorDetails = errMsg
		e.Metadata["error_message"] = errMsg
	}

	id := l.write(ctx, e)
	if matched {
		l.pop()
	}
	return id
}

// LogCrewComplete 根级完成条目，清空整个栈
func (l *Logger) LogCrewComplete(ctx context.Context, crewName, finalOutput string, duration time.Duration) uint {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.write(ctx, &Entry{
		Kind:       KindCrewComplete,
		CrewID:     crewName,
		DurationMS: millis(duration),
		Title:      "Crew Execution Completed",
		Content:    "Name: " + crewName,
		Output:     finalOutput,
		Metadata: datatypes.JSONMap{
			"crew_name":        crewName,
			"duration_seconds": duration.Seconds(),
			"output_length":    len(finalOutput),
			"timestamp":        l.stamp(),
		},
	})
	l.clear()
	return id
}

// LogCrewError 根级失败条目，清空整个栈
func (l *Logger) LogCrewError(ctx context.Context, crewName, errMsg string, duration time.Duration) uint {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.write(ctx, &Entry{
		Kind:         KindCrewError,
		CrewID:       crewName,
		DurationMS:   millis(duration),
		Title:        "❌ Crew Execution Failed",
		Content:      "Name: " + crewName,
		ErrorDetails: errMsg,
		Metadata: datatypes.JSONMap{
			"crew_name":        crewName,
			"duration_seconds": duration.Seconds(),
			"error_message":    errMsg,
			"timestamp":        l.stamp(),
		},
	})
	l.clear()
	return id
}

// =============================================================================
// 🔍 读取
// =============================================================================

// Entries 按序号返回本会话条目
func (l *Logger) Entries(ctx context.Context, limit int) ([]Entry, error) {
	return l.repo.List(ctx, l.sessionID, limit)
}

// Depth 当前打开的范围数
func (l *Logger) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stack)
}

// Stack 栈快照，栈底在前
func (l *Logger) Stack() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Frame(nil), l.stack...)
}

// =============================================================================
// 🔧 栈操作（调用方持有 mu）
// =============================================================================

func (l *Logger) top() (Frame, bool) {
	if len(l.stack) == 0 {
		return Frame{}, false
	}
	return l.stack[len(l.stack)-1], true
}

// childOfTop 作为栈顶的子条目
func (l *Logger) childOfTop() (*uint, int) {
	top, ok := l.top()
	if !ok {
		return nil, 0
	}
	return entryRef(top.EntryID), top.Depth + 1
}

// siblingOfTop 栈顶为 want 时与之同级；否则告警并退化为栈顶的子条目
func (l *Logger) siblingOfTop(want FrameKind, kind Kind) (*uint, int, bool) {
	top, ok := l.top()
	if ok && top.Kind == want {
		return top.ParentID, top.Depth, true
	}
	l.mismatch(want, kind)
	parent, depth := l.childOfTop()
	return parent, depth, false
}

func (l *Logger) mismatch(want FrameKind, kind Kind) {
	got := FrameKind("")
	if top, ok := l.top(); ok {
		got = top.Kind
	}
	l.logger.Warn("close event does not match stack top, stack left untouched",
		zap.String("kind", string(kind)),
		zap.String("expected_frame", string(want)),
		zap.String("actual_frame", string(got)),
		zap.Int("stack_depth", len(l.stack)),
		zap.Error(ErrWrongFrame),
	)
	l.metrics.RecordStackMismatch(string(kind))
}

func (l *Logger) push(kind FrameKind, id uint, name string, depth int, parent *uint) {
	l.stack = append(l.stack, Frame{Kind: kind, EntryID: id, Name: name, Depth: depth, ParentID: parent})
}

func (l *Logger) pop() {
	if len(l.stack) > 0 {
		l.stack = l.stack[:len(l.stack)-1]
	}
}

func (l *Logger) clear() {
	l.stack = l.stack[:0]
}

// =============================================================================
// 💾 写入
// =============================================================================

// write 分配序号并持久化，失败返回 0。栈照常移动，后续条目的层级保持一致。
func (l *Logger) write(ctx context.Context, e *Entry) uint {
	ctx = context.WithoutCancel(ctx)

	e.SessionID = l.sessionID
	if l.analysisID != "" {
		analysisID := l.analysisID
		e.AnalysisID = &analysisID
	}
	e.Timestamp = l.now()
	e.decorate()

	seq, err := l.seq.Next(ctx, l.sessionID)
	if err != nil {
		l.logger.Error("failed to allocate log sequence", zap.String("kind", string(e.Kind)), zap.Error(err))
		l.metrics.RecordPersistFailure(metrics.StoreStepLog)
		return 0
	}
	e.Sequence = seq

	if err := l.repo.Insert(ctx, e); err != nil {
		l.logger.Error("failed to persist log entry",
			zap.String("kind", string(e.Kind)),
			zap.Int64("sequence", seq),
			zap.Error(err),
		)
		l.metrics.RecordPersistFailure(metrics.StoreStepLog)
		return 0
	}

	l.metrics.RecordLogEntry(string(e.Kind))
	if l.notify != nil {
		l.notify(*e)
	}
	return e.ID
}

func (l *Logger) stamp() string {
	return l.now().UTC().Format(time.RFC3339Nano)
}

// snip 元数据片段：超长截断并追加 "..."
func (l *Logger) snip(s string) string {
	if utf8.RuneCountInString(s) <= l.snippet {
		return s
	}
	return string([]rune(s)[:l.snippet]) + "..."
}

func entryRef(id uint) *uint {
	if id == 0 {
		return nil
	}
	return &id
}

func millis(d time.Duration) *int64 {
	if d <= 0 {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}
