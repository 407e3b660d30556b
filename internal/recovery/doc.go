// Package recovery 实现重连编排器：把网络变化、前后台切换、令牌过期等触发事件
// 汇聚成单飞（single-flight）的分阶段恢复流程，按序完成前置检查、连接重置、
// 会话刷新、令牌绑定与重订阅，确认订阅后再放行外发队列补投。
package recovery
