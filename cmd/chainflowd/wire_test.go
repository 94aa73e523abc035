package main

import (
	"context"
	"testing"

	"ChainFlow-Nodes/internal/config"
	xerrors "ChainFlow-Nodes/internal/errors"
)

func TestBuildSinksClosesOnError(t *testing.T) {
	cfg := config.Defaults()
	cfg.Triggers.Sinks = []string{config.SinkLog, config.SinkKafka}

	_, err := buildSinks(context.Background(), cfg)
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("缺少 broker 时应返回参数错误: %v", err)
	}
}

func TestBuildRegistryAppliesStreamOptions(t *testing.T) {
	cfg := config.Defaults()
	if got := len(streamOptions(cfg)); got != 2 {
		t.Fatalf("流选项数量错误: %d", got)
	}
	registry, err := buildRegistry(cfg)
	if err != nil {
		t.Fatalf("构建注册表失败: %v", err)
	}
	defer registry.Close()
	if _, ok := registry.Trigger("openseaTrigger"); !ok {
		t.Fatal("openseaTrigger 未注册")
	}
}
