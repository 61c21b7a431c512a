package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-tagcache/internal/config"
	"wisefido-tagcache/internal/logger"
	"wisefido-tagcache/internal/metrics"
	"wisefido-tagcache/internal/service"

	"go.uber.org/zap"
)

const serviceName = "wisefido-tagcache"

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 启动 metrics 端点
	metricsServer := metrics.SetupMetricsEndpoint(cfg.Metrics.Addr, log)
	log.Info("Metrics endpoint listening", zap.String("addr", cfg.Metrics.Addr))

	// 4. 创建服务
	tagCache, err := service.NewTagCacheService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create tag cache service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 启动服务（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	go func() {
		serviceErrChan <- tagCache.Start(ctx)
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serviceErrChan:
		if err != nil {
			log.Error("Service error", zap.Error(err))
			exitCode = 1
		}
	}
	cancel() // 取消上下文，停止服务

	if err := tagCache.Stop(); err != nil {
		log.Error("Failed to stop tag cache service", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("Failed to stop metrics endpoint", zap.Error(err))
	}

	log.Info("Tag cache service exited")
	if exitCode != 0 {
		log.Sync()
		os.Exit(exitCode)
	}
}
