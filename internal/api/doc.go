// Package api 暴露守护进程的 REST 接口：查询连接状态、手工触发恢复、
// 以及指标与健康检查端点。
package api
