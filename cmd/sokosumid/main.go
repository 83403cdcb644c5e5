package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"Sokosumi-Chain/internal/api"
	"Sokosumi-Chain/internal/auth"
	"Sokosumi-Chain/internal/config"
	"Sokosumi-Chain/internal/hire"
	"Sokosumi-Chain/internal/masumi"
	"Sokosumi-Chain/internal/observability/alerting"
	"Sokosumi-Chain/internal/observability/metrics"
	"Sokosumi-Chain/internal/queue"
	"Sokosumi-Chain/internal/sokosumi"
	"Sokosumi-Chain/internal/tracking"
	"Sokosumi-Chain/pkg/logger"
)

// main 是 Sokosumi 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("sokosumid 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 文件不存在时忽略。
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("sokosumid")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	store, err := tracking.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	market, err := sokosumi.NewClient(cfg.Sokosumi.APIEndpoint, cfg.Sokosumi.APIKey, &http.Client{Timeout: cfg.SokosumiTimeout()})
	if err != nil {
		return fmt.Errorf("SOKOSUMI_API_KEY 未配置: %w", err)
	}

	var payments hire.Payments
	if cfg.PaymentConfigured() {
		mc := cfg.MasumiClientConfig()
		mc.Logger = logger.Named("masumi")
		client, err := masumi.NewClient(mc)
		if err != nil {
			return err
		}
		payments = client
		log.Info("支付服务已配置", slog.String("service_url", client.ServiceURL()), slog.String("network", string(client.Network())))
	} else {
		log.Warn("未配置 MASUMI_SERVICE_URL / MASUMI_ADMIN_API_KEY，跳过支付确认")
	}

	watchQueue, err := queue.Open(cfg.QueueOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := watchQueue.Close(); err != nil {
			log.Error("关闭监听队列失败", slog.Any("error", err))
		}
	}()

	opts := []hire.Option{
		hire.WithWaitOptions(cfg.WaitOptions()),
		hire.WithMaxChecks(cfg.Storage.MaxChecks),
		hire.WithMaxHistory(cfg.Storage.MaxHistory),
	}
	if cfg.Queue.Async {
		opts = append(opts, hire.WithProducer(watchQueue))
	}
	svc := hire.NewService(market, payments, store, opts...)

	if cfg.Queue.Async {
		processor := hire.NewProcessor(svc, watchQueue, watchQueue,
			hire.WithWorkerCount(cfg.Queue.Workers),
			hire.WithAlertDispatcher(buildAlerting(cfg)),
		)
		processorCtx, processorCancel := context.WithCancel(ctx)
		defer processorCancel()
		go func() {
			if err := processor.Run(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("支付监听处理器异常退出", slog.Any("error", err))
			}
		}()
	}

	authSvc, err := auth.NewService(cfg.AuthTokens())
	if err != nil {
		return err
	}
	if !authSvc.Enabled() {
		log.Warn("未配置 API 令牌，接口不做认证")
	}

	metricsOnAPI := *cfg.Server.MetricsEnabled
	if metricsOnAPI && cfg.Server.MetricsAddress != "" {
		metricsOnAPI = false
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, svc,
		api.WithMetrics(metricsOnAPI),
		api.WithAuth(authSvc),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	configPath := os.Getenv("SOKOSUMI_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "sokosumi.yaml")
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			return config.Default()
		}
	}
	return config.Load(configPath)
}

func buildAlerting(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.AuditLog {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	if cfg.Alerting.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.Alerting.SlackWebhookURL})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}
