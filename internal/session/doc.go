// Package session 负责维护聊天后端的工作会话：令牌刷新、会话缓存，以及
// 应用回到前台 / 网络恢复两个生命周期钩子。恢复编排器通过 Pipeline 接口
// 消费这些能力。
package session
