package execution

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/network"
)

// DefaultProfile 是未指定凭证档案时使用的名称。
const DefaultProfile = "default"

// CredentialSource 在执行时按档案名解析提供方凭证，结果不会被持久化。
type CredentialSource interface {
	Credentials(ctx context.Context, profile string) (network.Credentials, error)
}

// EnvCredentials 将档案映射为一组环境变量名，例如
// {"default": {"apiKey": "ALCHEMY_API_KEY"}}。
type EnvCredentials struct {
	Profiles map[string]map[string]string
	Lookup   func(string) (string, bool)
}

// Credentials 读取档案对应的环境变量。未声明的档案返回 MISSING_CREDENTIALS；
// 未设置的变量被跳过，由端点解析阶段报告缺失的占位符。
func (e EnvCredentials) Credentials(_ context.Context, profile string) (network.Credentials, error) {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		profile = DefaultProfile
	}
	vars, ok := e.Profiles[profile]
	if !ok {
		if profile == DefaultProfile {
			return network.Credentials{}, nil
		}
		return nil, xerrors.New(xerrors.CodeMissingCredentials, fmt.Sprintf("凭证档案 %q 未配置", profile))
	}
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	creds := make(network.Credentials, len(vars))
	for key, env := range vars {
		if value, ok := lookup(env); ok && strings.TrimSpace(value) != "" {
			creds[key] = strings.TrimSpace(value)
		}
	}
	return creds, nil
}

// Names 返回已声明的档案名，按字母排序。
func (e EnvCredentials) Names() []string {
	names := make([]string, 0, len(e.Profiles))
	for name := range e.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
