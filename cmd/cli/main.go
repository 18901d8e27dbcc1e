package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/glmgate/glmgate/internal/application"
	"github.com/glmgate/glmgate/internal/infrastructure/config"
	"github.com/glmgate/glmgate/internal/infrastructure/logger"
	"github.com/glmgate/glmgate/internal/infrastructure/upstream"
	"github.com/glmgate/glmgate/internal/interfaces/cli"
	apperrors "github.com/glmgate/glmgate/pkg/errors"
)

const (
	cliVersion = "0.3.0"
	cliName    = "glm"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName + " [message]",
		Short: "GLM Gate: OpenAI-compatible proxy for the Z.ai web chat",
		Long:  "GLM Gate CLI: 管理上游会话、登录令牌, 或直接与上游模型对话",
		Args:  cobra.ArbitraryArgs,
		RunE:  runInteractive,
	}

	rootCmd.PersistentFlags().String("model", "", "指定上游模型 (覆盖配置)")
	rootCmd.PersistentFlags().Bool("thinking", false, "开启思考模式")
	rootCmd.PersistentFlags().Bool("no-thinking", false, "关闭思考模式")

	// --- Subcommands ---

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "启动 OpenAI 兼容代理服务",
		Long:  "启动 HTTP 网关: /v1/chat/completions、/v1/models、/metrics",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "登录: 粘贴浏览器 token 并验证保存",
		RunE:  runLogin,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "显示当前 token 对应的身份",
		RunE:  runWhoami,
	})

	chatsCmd := &cobra.Command{
		Use:   "chats",
		Short: "列出上游会话",
		RunE:  runChats,
	}
	chatsCmd.Flags().Int("page", 1, "页码")
	rootCmd.AddCommand(chatsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "new <title>",
		Short: "创建新会话并打印其 id",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runNew,
	})

	chatCmd := &cobra.Command{
		Use:   "chat [chat-id]",
		Short: "与上游对话 (一次性或 REPL)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runChat,
	}
	chatCmd.Flags().StringP("message", "m", "", "一次性消息, 不进入 REPL")
	rootCmd.AddCommand(chatCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "interactive",
		Short: "进入交互式 REPL (同不带参数的 chat)",
		RunE:  runInteractive,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "打印解析后的完整配置 (YAML)",
		RunE:  runConfig,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "环境诊断",
		RunE:  runDoctor,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// quietSetup loads config with a silent logger; CLI output stays clean.
func quietSetup() (*upstream.Client, *config.Config, error) {
	log, err := logger.NewLogger(logger.Config{
		Level:      "error",
		Format:     "console",
		OutputPath: "/dev/null",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger init: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	client := upstream.NewClient(upstream.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		Token:     cfg.Upstream.Token,
		FEVersion: cfg.Upstream.FEVersion,
		UserAgent: cfg.Upstream.UserAgent,
		Timeout:   cfg.Upstream.Timeout,
	}, log)
	return client, cfg, nil
}

// replConfig merges config defaults with the model/thinking flags.
func replConfig(cmd *cobra.Command, cfg *config.Config, chatID string) cli.REPLConfig {
	model := cfg.Upstream.Model
	if m, _ := cmd.Flags().GetString("model"); m != "" {
		model = m
	}
	thinking := cfg.Proxy.DefaultThinking
	if on, _ := cmd.Flags().GetBool("thinking"); on {
		thinking = true
	}
	if off, _ := cmd.Flags().GetBool("no-thinking"); off {
		thinking = false
	}
	return cli.REPLConfig{
		Model:    model,
		BaseURL:  cfg.Upstream.BaseURL,
		ChatID:   chatID,
		Thinking: thinking,
	}
}

// ─── Interactive Mode (default) ───

func runInteractive(cmd *cobra.Command, args []string) error {
	client, cfg, err := quietSetup()
	if err != nil {
		return err
	}
	replCfg := replConfig(cmd, cfg, "")
	if len(args) > 0 {
		replCfg.InitPrompt = strings.Join(args, " ")
	}
	return cli.RunREPL(client, replCfg)
}

// ─── Chat (one-shot or attached REPL) ───

func runChat(cmd *cobra.Command, args []string) error {
	client, cfg, err := quietSetup()
	if err != nil {
		return err
	}

	chatID := ""
	if len(args) > 0 {
		chatID = args[0]
	}
	replCfg := replConfig(cmd, cfg, chatID)

	if msg, _ := cmd.Flags().GetString("message"); msg != "" {
		return cli.RunOneShot(client, replCfg, msg)
	}
	return cli.RunREPL(client, replCfg)
}

// ─── Gateway Server Mode ───

func runServe(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{
		Level:      "info",
		Format:     "json",
		OutputPath: "stdout",
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	log.Info("Starting GLM Gate", zap.String("version", cliVersion))

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start application", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Application stopped successfully")
	return nil
}

// ─── Login ───

func runLogin(cmd *cobra.Command, args []string) error {
	fmt.Println("在浏览器登录上游后, 从 Cookie 复制 token 粘贴到此处:")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "token: ",
		EnableMask:      true,
		MaskRune:        '*',
		InterruptPrompt: "^C",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	token, err := rl.Readline()
	if err != nil {
		return fmt.Errorf("aborted")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("empty token")
	}

	// 先验证再落盘
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console", OutputPath: "/dev/null"})
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	probe := upstream.NewClient(upstream.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		Token:     token,
		FEVersion: cfg.Upstream.FEVersion,
		UserAgent: cfg.Upstream.UserAgent,
		Timeout:   cfg.Upstream.Timeout,
	}, log)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	settings, err := probe.GetUserSettings(ctx)
	if err != nil {
		if apperrors.IsUnauthorized(err) {
			return fmt.Errorf("token 被上游拒绝: 请确认复制了完整的 Cookie token 值")
		}
		return fmt.Errorf("token rejected by upstream: %w", err)
	}
	if role, _ := settings["role"].(string); role == "guest" {
		return fmt.Errorf("guest token rejected: log in with a real account first")
	}

	if err := config.SaveTokenFile(token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}

	name, _ := settings["name"].(string)
	if name == "" {
		name = upstream.DecodeUserID(token)
	}
	fmt.Printf("✓ 已登录: %s\n  token 保存至 %s\n", name, config.TokenFilePath())
	return nil
}

// ─── Whoami ───

func runWhoami(cmd *cobra.Command, args []string) error {
	client, _, err := quietSetup()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	settings, err := client.GetUserSettings(ctx)
	if err != nil {
		if apperrors.IsUnauthorized(err) {
			return fmt.Errorf("token 已失效, 请重新运行 %s login", cliName)
		}
		return fmt.Errorf("identity probe failed: %w", err)
	}
	fmt.Print(cli.DefaultRenderer().RenderIdentity(settings))
	return nil
}

// ─── Chats ───

func runChats(cmd *cobra.Command, args []string) error {
	client, _, err := quietSetup()
	if err != nil {
		return err
	}

	page, _ := cmd.Flags().GetInt("page")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	chats, err := client.ListChats(ctx, page)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}
	fmt.Print(cli.DefaultRenderer().RenderChatsTable(chats))
	return nil
}

// ─── New Chat ───

func runNew(cmd *cobra.Command, args []string) error {
	client, cfg, err := quietSetup()
	if err != nil {
		return err
	}

	model := cfg.Upstream.Model
	if m, _ := cmd.Flags().GetString("model"); m != "" {
		model = m
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	chat, err := client.CreateChat(ctx, strings.Join(args, " "), model, "")
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	fmt.Println(chat.ID)
	return nil
}

// ─── Config ───

func runConfig(cmd *cobra.Command, args []string) error {
	_, cfg, err := quietSetup()
	if err != nil {
		return err
	}

	// token 不外泄
	shown := *cfg
	shown.Upstream.Token = logger.Redact(cfg.Upstream.Token)

	out, err := yaml.Marshal(shown)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

// ─── Doctor ───

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("◇ GLM Gate Doctor v%s\n\n", cliVersion)

	checks := []struct {
		name  string
		check func() (string, bool)
	}{
		{"配置目录", checkConfigDir},
		{"token", checkToken},
		{"上游连通", checkUpstream},
	}

	allOK := true
	for _, c := range checks {
		val, ok := c.check()
		icon := "\033[92m✓\033[0m"
		if !ok {
			icon = "\033[91m✗\033[0m"
			allOK = false
		}
		fmt.Printf("  %s %s: %s\n", icon, c.name, val)
	}

	fmt.Println()
	if allOK {
		fmt.Println("所有检查通过 ✓")
	} else {
		fmt.Println("存在问题, 请检查上方标记")
	}
	return nil
}

func checkConfigDir() (string, bool) {
	dir := config.Dir()
	if _, err := os.Stat(dir); err == nil {
		return dir, true
	}
	return dir + " 不存在 (首次 login 时自动创建)", false
}

func checkToken() (string, bool) {
	if os.Getenv("GLM_TOKEN") != "" {
		return "GLM_TOKEN 环境变量", true
	}
	if _, err := config.LoadTokenFile(); err == nil {
		return config.TokenFilePath(), true
	}
	return "未找到, 运行 glm login", false
}

func checkUpstream() (string, bool) {
	client, cfg, err := quietSetup()
	if err != nil {
		return err.Error(), false
	}
	if cfg.Upstream.Token == "" {
		return "跳过 (无 token)", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := client.GetUserSettings(ctx); err != nil {
		return fmt.Sprintf("%s 探测失败: %v", cfg.Upstream.BaseURL, err), false
	}
	return cfg.Upstream.BaseURL, true
}
