package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream" yaml:"upstream"`
	Proxy    ProxyConfig    `mapstructure:"proxy" yaml:"proxy"`
	Context  ContextConfig  `mapstructure:"context" yaml:"context"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// UpstreamConfig 上游会话服务配置
type UpstreamConfig struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Token     string        `mapstructure:"token" yaml:"token"`
	Model     string        `mapstructure:"model" yaml:"model"`
	FEVersion string        `mapstructure:"fe_version" yaml:"fe_version"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ProxyConfig 代理行为与安全策略
type ProxyConfig struct {
	// 会话管理
	NewChatPerRequest  bool `mapstructure:"new_chat_per_request" yaml:"new_chat_per_request"`
	UseUpstreamHistory bool `mapstructure:"use_glm_history" yaml:"use_glm_history"`
	HistoryMaxMessages int  `mapstructure:"history_max_messages" yaml:"history_max_messages"`
	AlwaysSendSystem   bool `mapstructure:"always_send_system" yaml:"always_send_system"`
	CompactReset       bool `mapstructure:"compact_reset" yaml:"compact_reset"`
	StripHistory       bool `mapstructure:"strip_history" yaml:"strip_history"`
	DefaultThinking    bool `mapstructure:"default_thinking" yaml:"default_thinking"`

	// 防护策略
	WorkspaceRoot            string `mapstructure:"workspace_root" yaml:"workspace_root"`
	AllowWebSearch           bool   `mapstructure:"allow_web_search" yaml:"allow_web_search"`
	AllowNetwork             bool   `mapstructure:"allow_network" yaml:"allow_network"`
	AllowAnyCommand          bool   `mapstructure:"allow_any_command" yaml:"allow_any_command"`
	AllowExplicitMutations   bool   `mapstructure:"allow_explicit_mutations" yaml:"allow_explicit_mutations"`
	AllowRawMutations        bool   `mapstructure:"allow_raw_mutations" yaml:"allow_raw_mutations"`
	ConfirmDangerousCommands bool   `mapstructure:"confirm_dangerous_commands" yaml:"confirm_dangerous_commands"`
	AllowUserHeuristics      bool   `mapstructure:"allow_user_heuristics" yaml:"allow_user_heuristics"`
	MaxWriteChars            int    `mapstructure:"max_write_chars" yaml:"max_write_chars"`

	// 规划循环
	MaxActionsPerTurn int  `mapstructure:"max_actions_per_turn" yaml:"max_actions_per_turn"`
	ToolLoopLimit     int  `mapstructure:"tool_loop_limit" yaml:"tool_loop_limit"`
	PlannerMaxRetries int  `mapstructure:"planner_max_retries" yaml:"planner_max_retries"`
	PlannerCoerce     bool `mapstructure:"planner_coerce" yaml:"planner_coerce"`

	// 提示词整形
	ToolPromptIncludeSchema       bool `mapstructure:"tool_prompt_include_schema" yaml:"tool_prompt_include_schema"`
	ToolPromptSchemaMaxChars      int  `mapstructure:"tool_prompt_schema_max_chars" yaml:"tool_prompt_schema_max_chars"`
	ToolPromptExtraSystemMaxChars int  `mapstructure:"tool_prompt_extra_system_max_chars" yaml:"tool_prompt_extra_system_max_chars"`

	// 可观测性
	IncludeUsage bool   `mapstructure:"include_usage" yaml:"include_usage"`
	Debug        bool   `mapstructure:"debug" yaml:"debug"`
	DebugDumpDir string `mapstructure:"debug_dump_dir" yaml:"debug_dump_dir"`
	DebugMaxDump int    `mapstructure:"debug_max_dump_bytes" yaml:"debug_max_dump_bytes"`
	TestMode     bool   `mapstructure:"test_mode" yaml:"test_mode"`
}

// ContextConfig 上下文压缩参数
type ContextConfig struct {
	MaxTokens         int `mapstructure:"max_tokens" yaml:"max_tokens"`
	ReserveTokens     int `mapstructure:"reserve_tokens" yaml:"reserve_tokens"`
	SafetyMargin      int `mapstructure:"safety_margin" yaml:"safety_margin"`
	RecentMessages    int `mapstructure:"recent_messages" yaml:"recent_messages"`
	MinRecentMessages int `mapstructure:"min_recent_messages" yaml:"min_recent_messages"`
	SummaryMaxChars   int `mapstructure:"summary_max_chars" yaml:"summary_max_chars"`
	ToolMaxLines      int `mapstructure:"tool_max_lines" yaml:"tool_max_lines"`
	ToolMaxChars      int `mapstructure:"tool_max_chars" yaml:"tool_max_chars"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load 加载配置
//
// 优先级 (低 → 高): 默认值 → 全局 $XDG_CONFIG/glmgate/config.yaml →
// 项目本地 config.yaml → 环境变量 → token 文件兜底。
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)
	bindEnv(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Layer 1: 全局配置
	v.AddConfigPath(Dir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	// Layer 2: 项目本地配置，用 MergeConfigMap 叠加
	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Token 兜底：环境变量缺席时读 token 文件
	if cfg.Upstream.Token == "" {
		if tok, err := LoadTokenFile(); err == nil {
			cfg.Upstream.Token = tok
		}
	}

	return &cfg, nil
}

// WorkspaceRoots 解析 `:` 分隔的工作区根列表，缺省为当前目录
func (c *Config) WorkspaceRoots() []string {
	if strings.TrimSpace(c.Proxy.WorkspaceRoot) == "" {
		return nil
	}
	parts := strings.Split(c.Proxy.WorkspaceRoot, ":")
	roots := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roots = append(roots, p)
		}
	}
	return roots
}

// Addr 监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// bindEnv 绑定裸环境变量名（不走 viper 前缀约定）
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.host", "HOST")
	_ = v.BindEnv("server.port", "PORT")

	_ = v.BindEnv("upstream.base_url", "GLM_BASE_URL")
	_ = v.BindEnv("upstream.token", "GLM_TOKEN")
	_ = v.BindEnv("upstream.model", "GLM_MODEL")
	_ = v.BindEnv("upstream.fe_version", "GLM_FE_VERSION")

	_ = v.BindEnv("proxy.new_chat_per_request", "PROXY_NEW_CHAT_PER_REQUEST")
	_ = v.BindEnv("proxy.use_glm_history", "PROXY_USE_GLM_HISTORY")
	_ = v.BindEnv("proxy.history_max_messages", "PROXY_HISTORY_MAX_MESSAGES")
	_ = v.BindEnv("proxy.always_send_system", "PROXY_ALWAYS_SEND_SYSTEM")
	_ = v.BindEnv("proxy.compact_reset", "PROXY_COMPACT_RESET")
	_ = v.BindEnv("proxy.strip_history", "PROXY_STRIP_HISTORY")
	_ = v.BindEnv("proxy.default_thinking", "PROXY_DEFAULT_THINKING")
	_ = v.BindEnv("proxy.workspace_root", "PROXY_WORKSPACE_ROOT")
	_ = v.BindEnv("proxy.allow_web_search", "PROXY_ALLOW_WEB_SEARCH")
	_ = v.BindEnv("proxy.allow_network", "PROXY_ALLOW_NETWORK")
	_ = v.BindEnv("proxy.allow_any_command", "PROXY_ALLOW_ANY_COMMAND")
	_ = v.BindEnv("proxy.allow_explicit_mutations", "PROXY_ALLOW_EXPLICIT_MUTATIONS")
	_ = v.BindEnv("proxy.allow_raw_mutations", "PROXY_ALLOW_RAW_MUTATIONS")
	_ = v.BindEnv("proxy.confirm_dangerous_commands", "PROXY_CONFIRM_DANGEROUS_COMMANDS")
	_ = v.BindEnv("proxy.allow_user_heuristics", "PROXY_ALLOW_USER_HEURISTICS")
	_ = v.BindEnv("proxy.max_write_chars", "PROXY_MAX_WRITE_CHARS")
	_ = v.BindEnv("proxy.max_actions_per_turn", "PROXY_MAX_ACTIONS_PER_TURN")
	_ = v.BindEnv("proxy.tool_loop_limit", "PROXY_TOOL_LOOP_LIMIT")
	_ = v.BindEnv("proxy.planner_max_retries", "PROXY_PLANNER_MAX_RETRIES")
	_ = v.BindEnv("proxy.planner_coerce", "PROXY_PLANNER_COERCE")
	_ = v.BindEnv("proxy.tool_prompt_include_schema", "PROXY_TOOL_PROMPT_INCLUDE_SCHEMA")
	_ = v.BindEnv("proxy.tool_prompt_schema_max_chars", "PROXY_TOOL_PROMPT_SCHEMA_MAX_CHARS")
	_ = v.BindEnv("proxy.tool_prompt_extra_system_max_chars", "PROXY_TOOL_PROMPT_EXTRA_SYSTEM_MAX_CHARS")
	_ = v.BindEnv("proxy.include_usage", "PROXY_INCLUDE_USAGE")
	_ = v.BindEnv("proxy.debug", "PROXY_DEBUG")
	_ = v.BindEnv("proxy.debug_dump_dir", "PROXY_DEBUG_DUMP_DIR")
	_ = v.BindEnv("proxy.debug_max_dump_bytes", "PROXY_DEBUG_MAX_DUMP_BYTES")
	_ = v.BindEnv("proxy.test_mode", "PROXY_TEST_MODE")

	_ = v.BindEnv("context.max_tokens", "CONTEXT_MAX_TOKENS")
	_ = v.BindEnv("context.reserve_tokens", "CONTEXT_RESERVE_TOKENS")
	_ = v.BindEnv("context.safety_margin", "CONTEXT_SAFETY_MARGIN")
	_ = v.BindEnv("context.recent_messages", "CONTEXT_RECENT_MESSAGES")
	_ = v.BindEnv("context.min_recent_messages", "CONTEXT_MIN_RECENT_MESSAGES")
	_ = v.BindEnv("context.summary_max_chars", "CONTEXT_SUMMARY_MAX_CHARS")
	_ = v.BindEnv("context.tool_max_lines", "CONTEXT_TOOL_MAX_LINES")
	_ = v.BindEnv("context.tool_max_chars", "CONTEXT_TOOL_MAX_CHARS")

	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("log.format", "LOG_FORMAT")
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8089)

	v.SetDefault("upstream.base_url", "https://chat.z.ai")
	v.SetDefault("upstream.model", "0727-360B-API")
	v.SetDefault("upstream.timeout", "300s")

	v.SetDefault("proxy.history_max_messages", 400)
	v.SetDefault("proxy.default_thinking", true)
	v.SetDefault("proxy.confirm_dangerous_commands", true)
	v.SetDefault("proxy.allow_user_heuristics", true)
	v.SetDefault("proxy.max_write_chars", 200000)
	v.SetDefault("proxy.max_actions_per_turn", 3)
	v.SetDefault("proxy.tool_loop_limit", 6)
	v.SetDefault("proxy.planner_max_retries", 2)
	v.SetDefault("proxy.planner_coerce", true)
	v.SetDefault("proxy.tool_prompt_schema_max_chars", 4000)
	v.SetDefault("proxy.tool_prompt_extra_system_max_chars", 2000)
	v.SetDefault("proxy.debug_max_dump_bytes", 8192)

	v.SetDefault("context.max_tokens", 200000)
	v.SetDefault("context.reserve_tokens", 2600)
	v.SetDefault("context.safety_margin", 2000)
	v.SetDefault("context.recent_messages", 6)
	v.SetDefault("context.min_recent_messages", 2)
	v.SetDefault("context.summary_max_chars", 4000)
	v.SetDefault("context.tool_max_lines", 400)
	v.SetDefault("context.tool_max_chars", 16000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}
