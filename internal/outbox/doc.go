// Package outbox 管理外发消息队列：断网期间写入的消息先进入队列与本地归档，
// 待恢复流程确认订阅后由 Drainer 补投到实时通道。队列驱动支持内存、Redis 与
// RabbitMQ 三种实现。
package outbox
