// Package realtime 维护实时通道的连接状态与订阅生命周期。状态存储是连接状态的
// 唯一写入方，恢复编排器只读取状态并触发 cleanup/setup 两个动作；底层传输默认
// 使用 WebSocket 实现。
package realtime
