package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/crewtrace/internal/ctxkeys"
	"github.com/BaSui01/crewtrace/steplog"
	"github.com/BaSui01/crewtrace/timing"
	"github.com/BaSui01/crewtrace/tracestore"
)

// Options 可选依赖
type Options struct {
	// Store 为 nil 时 Finalize 只汇总计时并释放 Logger
	Store  *tracestore.Store
	Logger *zap.Logger
	// Clock 测试注入
	Clock func() time.Time
}

// =============================================================================
// 🎬 流水线运行记录器
// =============================================================================

// Recorder 把一次流水线运行接到计时器、分层日志与追踪存储上
type Recorder struct {
	timer      *timing.Timer
	logs       *steplog.Registry
	aggregator *timing.Aggregator
	store      *tracestore.Store
	logger     *zap.Logger
	now        func() time.Time
}

// New 创建记录器
func New(timer *timing.Timer, logs *steplog.Registry, aggregator *timing.Aggregator, opts Options) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		timer:      timer,
		logs:       logs,
		aggregator: aggregator,
		store:      opts.Store,
		logger:     logger.With(zap.String("component", "recorder")),
		now:        now,
	}
}

// Begin 开始记录一次运行。同一 sessionID 的日志共用一个 Logger。
func (r *Recorder) Begin(sessionID, analysisID string) *Run {
	return &Run{
		rec:        r,
		sessionID:  sessionID,
		analysisID: analysisID,
		log:        r.logs.Get(sessionID, analysisID),
		started:    r.now(),
	}
}

// CrewInfo crew 描述
type CrewInfo struct {
	Name    string
	Agents  []string
	Tasks   []string
	Process string
}

// FinalizeInput 运行结束时写入追踪存储的内容
type FinalizeInput struct {
	// ThreadID 为空时不写 pipeline_execution 记录
	ThreadID      string
	UserIntent    string
	OriginalQuery string
	InputPrompt   string
	FinalAnswer   string
	ExecutionLog  string
	Success       bool
	ErrorMessage  string
}

// Result Finalize 的产出
type Result struct {
	Breakdown timing.Breakdown
	Record    *tracestore.Record
	TotalMS   int64
}

// Run 一次运行的句柄
type Run struct {
	rec        *Recorder
	sessionID  string
	analysisID string
	log        *steplog.Logger
	started    time.Time

	once sync.Once
}

// SessionID 会话 ID
func (run *Run) SessionID() string { return run.sessionID }

// Logger 本次运行的分层日志
func (run *Run) Logger() *steplog.Logger { return run.log }

// Context 把会话与分析 ID 放进 ctx
func (run *Run) Context(ctx context.Context) context.Context {
	ctx = ctxkeys.WithSessionID(ctx, run.sessionID)
	if run.analysisID != "" {
		ctx = ctxkeys.WithAnalysisID(ctx, run.analysisID)
	}
	return ctx
}

// Crew 在 crew 范围内执行 fn：写 crew_start，计时 crew 组件，
// 按 fn 的结果写 crew_complete 或 crew_error（panic 也写 crew_error）。fn 的错误原样返回。
func (run *Run) Crew(ctx context.Context, crew CrewInfo, fn func(ctx context.Context) (string, error)) (output string, err error) {
	ctx = run.Context(ctx)
	run.log.LogCrewStart(ctx, steplog.CrewStart{
		Name:    crew.Name,
		Agents:  crew.Agents,
		Tasks:   crew.Tasks,
		Process: crew.Process,
	})
	start := run.rec.now()

	defer func() {
		elapsed := run.rec.now().Sub(start)
		if r := recover(); r != nil {
			run.log.LogCrewError(ctx, crew.Name, fmt.Sprintf("panic: %v", r), elapsed)
			panic(r)
		}
		if err != nil {
			run.log.LogCrewError(ctx, crew.Name, err.Error(), elapsed)
			return
		}
		run.log.LogCrewComplete(ctx, crew.Name, output, elapsed)
	}()

	err = run.scoped(ctx, timing.KindCrew, crew.Name, "", func(ctx context.Context) error {
		out, err := fn(ctx)
		output = out
		return err
	})
	return output, err
}

// Task 在 task 范围内执行 fn，结束时写 task_complete；fn 失败或 panic 时状态为 failed
func (run *Run) Task(ctx context.Context, taskID, description, agent string, fn func(ctx context.Context) error) (err error) {
	run.log.LogTaskStart(ctx, taskID, description, agent)
	start := run.rec.now()
	var tools []string

	defer func() {
		elapsed := run.rec.now().Sub(start)
		if r := recover(); r != nil {
			run.log.LogTaskFailed(ctx, taskID, agent, fmt.Sprintf("panic: %v", r), elapsed, tools)
			panic(r)
		}
		if err != nil {
			run.log.LogTaskFailed(ctx, taskID, agent, err.Error(), elapsed, tools)
			return
		}
		run.log.LogTaskComplete(ctx, taskID, agent, elapsed, tools)
	}()

	return fn(withToolSink(ctx, &tools))
}

// Agent 在 agent 范围内执行 fn 并计时 agent 组件。
// 成功时写最终答案，失败或 panic 时写失败的最终答案，agent 范围总会关闭。
func (run *Run) Agent(ctx context.Context, agent, task string, fn func(ctx context.Context) (string, error)) (answer string, err error) {
	run.log.LogAgentStart(ctx, agent, task)

	defer func() {
		if r := recover(); r != nil {
			run.log.LogAgentError(ctx, agent, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
		if err != nil {
			run.log.LogAgentError(ctx, agent, err.Error())
			return
		}
		run.log.LogAgentFinalAnswer(ctx, agent, answer)
	}()

	err = run.scoped(ctx, timing.KindAgent, agent, task, func(ctx context.Context) error {
		out, err := fn(ctx)
		answer = out
		return err
	})
	return answer, err
}

// Tool 执行一次工具调用：写 tool_execution，计时 tool 组件，
// 成功写 tool_output，失败写 tool_error，最后写 tool_complete 关闭范围。
func (run *Run) Tool(ctx context.Context, agent, tool, input string, attempt int, fn func(ctx context.Context) (string, error)) (output string, err error) {
	run.log.LogToolExecutionStart(ctx, agent, tool, input, attempt)
	start := run.rec.now()

	defer func() {
		elapsed := run.rec.now().Sub(start)
		r := recover()
		switch {
		case r != nil:
			run.log.LogToolError(ctx, agent, tool, fmt.Sprintf("panic: %v", r), input, attempt)
		case err != nil:
			run.log.LogToolError(ctx, agent, tool, err.Error(), input, attempt)
		default:
			run.log.LogToolOutput(ctx, tool, output, elapsed)
		}
		run.log.LogToolExecutionComplete(ctx, tool, elapsed)
		recordTool(ctx, tool)
		if r != nil {
			panic(r)
		}
	}()

	err = run.scoped(ctx, timing.KindTool, tool, input, func(ctx context.Context) error {
		out, err := fn(ctx)
		output = out
		return err
	})
	return output, err
}

// Time 计时任意组件（如 api_call），不写分层日志
func (run *Run) Time(ctx context.Context, kind timing.Kind, name, input string, fn func(ctx context.Context) error) error {
	return run.scoped(ctx, kind, name, input, fn)
}

func (run *Run) scoped(ctx context.Context, kind timing.Kind, name, input string, fn func(ctx context.Context) error) error {
	return run.rec.timer.Scoped(ctx, timing.StartOptions{
		SessionID:  run.sessionID,
		Kind:       kind,
		Name:       name,
		Input:      input,
		AnalysisID: run.analysisID,
	}, fn)
}

// Finalize 汇总计时、写 pipeline_execution 记录并释放 Logger。
// 只有第一次调用生效，之后返回 nil, nil。
// 汇总或写库失败只记日志，Logger 照常释放；写库错误随结果返回。
func (run *Run) Finalize(ctx context.Context, in FinalizeInput) (*Result, error) {
	var (
		res *Result
		err error
	)
	run.once.Do(func() {
		res, err = run.finalize(ctx, in)
	})
	return res, err
}

func (run *Run) finalize(ctx context.Context, in FinalizeInput) (*Result, error) {
	r := run.rec
	defer r.logs.Dispose(ctx, run.sessionID)

	logger := r.logger.With(zap.String("session_id", run.sessionID))
	res := &Result{TotalMS: r.now().Sub(run.started).Milliseconds()}

	breakdown, err := r.aggregator.Seal(ctx, run.sessionID)
	if err != nil {
		logger.Warn("timing summary failed, recording empty breakdown", zap.Error(err))
		breakdown = timing.Summarize(nil)
	}
	res.Breakdown = breakdown

	if r.store == nil || in.ThreadID == "" {
		return res, nil
	}

	rec, err := r.store.RecordPipelineExecution(ctx, in.ThreadID, tracestore.PipelineExecution{
		UserIntent:       in.UserIntent,
		OriginalQuery:    in.OriginalQuery,
		InputPrompt:      in.InputPrompt,
		FinalAnswer:      in.FinalAnswer,
		ExecutionLog:     in.ExecutionLog,
		TotalExecutionMS: res.TotalMS,
		TimingBreakdown:  &breakdown,
		AgentsUsed:       breakdown.AgentNames(),
		ToolsUsed:        breakdown.ToolNames(),
		Success:          in.Success,
		ErrorMessage:     in.ErrorMessage,
		AnalysisID:       run.analysisID,
		SessionID:        run.sessionID,
	})
	if err != nil {
		if errors.Is(err, tracestore.ErrNotFound) {
			logger.Warn("pipeline execution not recorded: no conversation", zap.String("thread_id", in.ThreadID))
		} else {
			logger.Error("pipeline execution not recorded", zap.String("thread_id", in.ThreadID), zap.Error(err))
		}
		return res, err
	}
	res.Record = rec

	logger.Info("run finalized",
		zap.String("thread_id", in.ThreadID),
		zap.Int64("total_ms", res.TotalMS),
		zap.Int("components", breakdown.TotalComponentCount),
	)
	return res, nil
}

// =============================================================================
// 🔧 task 内工具收集
// =============================================================================

type toolSinkKey struct{}

type toolSink struct {
	mu    sync.Mutex
	names *[]string
}

func withToolSink(ctx context.Context, names *[]string) context.Context {
	return context.WithValue(ctx, toolSinkKey{}, &toolSink{names: names})
}

func recordTool(ctx context.Context, tool string) {
	sink, ok := ctx.Value(toolSinkKey{}).(*toolSink)
	if !ok {
		return
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, n := range *sink.names {
		if n == tool {
			return
		}
	}
	*sink.names = append(*sink.names, tool)
}
