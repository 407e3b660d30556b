package realtime

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChannelDefinitions 对应 configs/channels.yaml 的结构。
type ChannelDefinitions struct {
	Channels map[string]ChannelDefinition `yaml:"channels"`
}

// ChannelDefinition 描述单个会话组的通道预设。
type ChannelDefinition struct {
	Topic       string `yaml:"topic"`
	Persistent  bool   `yaml:"persistent"`
	Description string `yaml:"description"`
}

// LoadChannelPresets 解析通道预设文件。
func LoadChannelPresets(path string) (*ChannelDefinitions, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取通道预设失败: %w", err)
	}
	var defs ChannelDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return nil, fmt.Errorf("解析通道预设失败: %w", err)
	}
	if len(defs.Channels) == 0 {
		return nil, fmt.Errorf("通道预设 %s 中没有任何条目", path)
	}
	return &defs, nil
}
