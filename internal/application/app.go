package application

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/glmgate/glmgate/internal/domain/compact"
	"github.com/glmgate/glmgate/internal/domain/guard"
	"github.com/glmgate/glmgate/internal/domain/service"
	"github.com/glmgate/glmgate/internal/infrastructure/config"
	"github.com/glmgate/glmgate/internal/infrastructure/debug"
	"github.com/glmgate/glmgate/internal/infrastructure/logger"
	"github.com/glmgate/glmgate/internal/infrastructure/monitoring"
	"github.com/glmgate/glmgate/internal/infrastructure/upstream"
	httpServer "github.com/glmgate/glmgate/internal/interfaces/http"
	"github.com/glmgate/glmgate/internal/interfaces/http/handlers"
)

// App 应用程序
type App struct {
	// 配置
	config *config.Config
	logger *zap.Logger

	// 基础设施
	client  *upstream.Client
	dumper  *debug.Dumper
	monitor *monitoring.Monitor

	// 领域组件
	session   *service.Session
	pending   *guard.PendingStore
	guard     *guard.Guard
	compactor *compact.Compactor

	// 接口层
	httpServer *httpServer.Server

	// token 文件热加载
	tokenWatcher *fsnotify.Watcher
}

// NewApp 创建应用程序（依赖注入容器）
func NewApp(cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg.Upstream.Token == "" {
		log.Warn("no upstream token configured; requests will fail until one is set",
			zap.String("hint", "set GLM_TOKEN or run the login command"))
	} else {
		log.Info("upstream token loaded", zap.String("token", logger.Redact(cfg.Upstream.Token)))
	}

	client := upstream.NewClient(upstream.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		Token:     cfg.Upstream.Token,
		FEVersion: cfg.Upstream.FEVersion,
		UserAgent: cfg.Upstream.UserAgent,
		Timeout:   cfg.Upstream.Timeout,
	}, log)

	monitor := monitoring.NewMonitor(log)
	dumper := debug.NewDumper(debug.Config{
		Enabled:  cfg.Proxy.Debug || cfg.Proxy.DebugDumpDir != "",
		Dir:      cfg.Proxy.DebugDumpDir,
		MaxBytes: cfg.Proxy.DebugMaxDump,
	}, log)

	session := service.NewSession(cfg.Proxy.HistoryMaxMessages, log)
	pending := guard.NewPendingStore()
	guardian := guard.New(guard.Config{
		WorkspaceRoots:           cfg.WorkspaceRoots(),
		MaxActionsPerTurn:        cfg.Proxy.MaxActionsPerTurn,
		MaxWriteChars:            cfg.Proxy.MaxWriteChars,
		AllowWebSearch:           cfg.Proxy.AllowWebSearch,
		AllowNetwork:             cfg.Proxy.AllowNetwork,
		AllowAnyCommand:          cfg.Proxy.AllowAnyCommand,
		AllowExplicitMutations:   cfg.Proxy.AllowExplicitMutations,
		AllowRawMutations:        cfg.Proxy.AllowRawMutations,
		ConfirmDangerousCommands: cfg.Proxy.ConfirmDangerousCommands,
	}, log)
	compactor := compact.New(compact.Config{
		MaxTokens:         cfg.Context.MaxTokens,
		ReserveTokens:     cfg.Context.ReserveTokens,
		SafetyMargin:      cfg.Context.SafetyMargin,
		RecentMessages:    cfg.Context.RecentMessages,
		MinRecentMessages: cfg.Context.MinRecentMessages,
		SummaryMaxChars:   cfg.Context.SummaryMaxChars,
		ToolMaxLines:      cfg.Context.ToolMaxLines,
		ToolMaxChars:      cfg.Context.ToolMaxChars,
	}, log)

	openaiHandler := handlers.NewOpenAIHandler(handlers.Deps{
		Config:    cfg,
		Client:    client,
		Session:   session,
		Pending:   pending,
		Guard:     guardian,
		Compactor: compactor,
		Dumper:    dumper,
		Monitor:   monitor,
	}, log)

	server := httpServer.NewServer(httpServer.Config{
		Host:  cfg.Server.Host,
		Port:  cfg.Server.Port,
		Debug: cfg.Proxy.Debug,
	}, openaiHandler, monitor, log)

	return &App{
		config:     cfg,
		logger:     log,
		client:     client,
		dumper:     dumper,
		monitor:    monitor,
		session:    session,
		pending:    pending,
		guard:      guardian,
		compactor:  compactor,
		httpServer: server,
	}, nil
}

// Start 启动应用程序
func (a *App) Start(ctx context.Context) error {
	a.logger.Info("Starting application",
		zap.String("addr", a.config.Addr()),
		zap.String("upstream", a.config.Upstream.BaseURL),
		zap.String("model", a.config.Upstream.Model))

	if err := a.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// token 文件变更即时生效，login 后无需重启
	watcher, err := config.WatchTokenFile(a.logger, func(token string) {
		a.client.UpdateToken(token)
	})
	if err != nil {
		a.logger.Warn("token file watch unavailable", zap.Error(err))
	} else {
		a.tokenWatcher = watcher
	}

	return nil
}

// Stop 停止应用程序
func (a *App) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	if a.tokenWatcher != nil {
		if err := a.tokenWatcher.Close(); err != nil {
			a.logger.Warn("failed to close token watcher", zap.Error(err))
		}
	}
	if err := a.httpServer.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop HTTP server: %w", err)
	}

	a.logger.Info("Application stopped")
	return nil
}

// Client 上游客户端（CLI 子命令使用）
func (a *App) Client() *upstream.Client {
	return a.client
}

// Monitor 运行指标
func (a *App) Monitor() *monitoring.Monitor {
	return a.monitor
}

// Config 当前配置
func (a *App) Config() *config.Config {
	return a.config
}

// Logger 应用日志器
func (a *App) Logger() *zap.Logger {
	return a.logger
}
