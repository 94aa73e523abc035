// Package api 通过 net/http 暴露 chainflowd 的 REST 接口：节点目录与动态选项、
// 同步调用、异步执行记录以及触发器管理。
package api
