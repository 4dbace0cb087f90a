/*
Package steplog 记录 crew → task → agent → tool 的分层执行日志。

每个会话对应一个 Logger，由 Registry 在首次使用时创建、在会话摘要落库后
Dispose。Logger 内部维护一个已打开范围的栈：

  - LogCrewStart / LogTaskStart / LogAgentStart / LogToolExecutionStart
    以栈顶为父条目、深度加一，然后入栈；
  - LogAgentThinking / LogToolInput / LogToolOutput / LogToolError /
    LogDelegation 挂在栈顶下面，不改动栈；
  - LogToolExecutionComplete、LogAgentFinalAnswer 与对应帧同级，
    栈顶类型匹配时出栈，否则记 Warn 并保持栈不变；
  - LogTaskComplete 挂在根条目下，栈顶为 task 时出栈；
  - LogCrewComplete / LogCrewError 写根级条目并清空栈。

序号由 Sequencer 分配，从 1 开始连续递增：MemorySequencer 为进程内原子
计数，RedisSequencer 用 INCR 让重启后的编号继续连续。

每条落库的条目会推送给注册的 Observer，Hub 据此为实时日志订阅者扇出。

一个会话同一时刻只应有一个逻辑上的当前范围；并行的工具调用共用同一个栈
会打乱层级。
*/
package steplog
