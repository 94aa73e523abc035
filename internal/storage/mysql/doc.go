// Package mysql 提供基于 MySQL 的持久化实现：连接池、内置 SQL 迁移以及节点执行记录的存储。
package mysql
