// Package mysql 提供基于 MySQL 的外发消息归档，以及解锁后加密可用性校验所需的
// 哨兵数据访问。
package mysql
