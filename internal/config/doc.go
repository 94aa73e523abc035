// Package config 负责加载 chainflowd 的配置：JSON 或 YAML 文件、少量环境变量覆盖，
// 以及相对配置文件目录解析的默认路径。
package config
