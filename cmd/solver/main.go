package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"github.com/SovaNetwork/near-delta-neutral-solver/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/solver.yaml", "配置文件路径")
	flag.Parse()

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("构建组件失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		// 启动失败（缺少凭据、拿不到初始快照等）属于不可恢复错误
		c.Logger().Error("solver start failed", zap.Error(err))
		_ = c.Stop()
		os.Exit(1)
	}
	c.Logger().Info("solver running",
		zap.String("env", c.Config().Env),
		zap.String("relay", c.Config().Relay.URL))

	// systemd 就绪通知；非 systemd 环境下为 no-op
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	c.Logger().Info("shutdown signal received", zap.String("signal", sig.String()))

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	if err := c.Stop(); err != nil {
		c.Logger().Warn("shutdown finished with errors", zap.Error(err))
	}
}
