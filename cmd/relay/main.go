package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"kwrelay/internal/infrastructure/config"
	"kwrelay/internal/infrastructure/container"
	"kwrelay/internal/infrastructure/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml or config.yaml")
	flag.Parse()

	logger.Setup("info")

	if err := run(*configPath); err != nil {
		log.Error().Err(err).Msg("relay exited")
		os.Exit(1)
	}
}

// run 在返回前关闭容器，main 根据返回值决定退出码
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := container.New(cfg)
	if err != nil {
		return fmt.Errorf("init container: %w", err)
	}
	defer c.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.Server().Run(gctx)
	})

	g.Go(func() error {
		select {
		case err := <-c.Fatal():
			if *cfg.Upstream.ExitOnFatal {
				return err
			}
			log.Warn().Err(err).Msg("upstream lost, serving without upstream")
			<-gctx.Done()
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	if err := c.Start(gctx); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("start relay: %w", err)
	}

	log.Info().
		Str("config", configPath).
		Str("listen", cfg.App.ListenAddr).
		Str("upstream", cfg.Upstream.WsURL).
		Bool("cache", cfg.Cache.Enabled).
		Msg("kwrelay started")

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("kwrelay stopped")
	return nil
}
