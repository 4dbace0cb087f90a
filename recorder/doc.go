// Package recorder 为编排代码提供一次流水线运行的记录入口。
//
// Begin 取得会话的 Run；Crew / Task / Agent / Tool 在对应范围内执行回调，
// 同时写分层日志并计时组件；Finalize 汇总计时、在线程上写一条
// pipeline_execution 记录并释放会话 Logger。记录层的失败只记日志，
// 回调自身的错误原样返回。
package recorder
