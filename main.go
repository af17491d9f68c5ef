package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/eddielth/vss-twin-bridge/bridge"
	"github.com/eddielth/vss-twin-bridge/config"
	"github.com/eddielth/vss-twin-bridge/logger"
	"github.com/eddielth/vss-twin-bridge/mqtt"
	"github.com/eddielth/vss-twin-bridge/storage"
	"github.com/eddielth/vss-twin-bridge/transformer"
	"github.com/eddielth/vss-twin-bridge/twin"
	"github.com/eddielth/vss-twin-bridge/vss"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the configuration file")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		logger.Error("%v", err)
		_ = logger.Close()
		os.Exit(1)
	}
	_ = logger.Close()
}

func run(configPath string) error {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	// Initialize value transformers
	transformerManager, err := transformer.NewManager(cfg.Transformers)
	if err != nil {
		return fmt.Errorf("failed to init transformers: %w", err)
	}

	// Initialize update journal
	journal, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}
	defer journal.Close()

	// Connect to the vehicle signal broker
	source, err := vss.DialWebSocket(ctx, cfg.Kuksa.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to signal broker: %w", err)
	}

	mqttClient, err := mqtt.NewClient(cfg.MQTT, nil)
	if err != nil {
		_ = source.Close()
		return fmt.Errorf("failed to init MQTT client: %w", err)
	}

	ctrl := bridge.NewController(
		bridge.Options{
			IdentityRequestTopic:  cfg.Twin.IdentityRequestTopic,
			IdentityResponseTopic: cfg.Twin.IdentityResponseTopic,
			TreePath:              cfg.Kuksa.TreePath,
			Paths:                 cfg.Kuksa.Paths,
			RequestTimeout:        cfg.Kuksa.RequestTimeout,
		},
		mqttClient,
		source,
		twin.NewClient(mqttClient, cfg.Twin.CommandTopic),
		bridge.WithTransformers(transformerManager),
		bridge.WithJournal(journal),
	)
	defer ctrl.Shutdown()
	mqttClient.SetConnectHandler(ctrl.OnConnected)

	// Watch for config changes
	err = config.WatchConfig(configPath, func(newCfg *config.Config) error {
		logger.Info("applying updated configuration")
		if err := logger.SetLevel(newCfg.Logger.Level); err != nil {
			logger.Warn("keeping log level: %v", err)
		}
		if err := transformerManager.Reload(newCfg.Transformers); err != nil {
			return err
		}
		logger.Info("connection settings take effect after a restart")
		return nil
	})
	if err != nil {
		logger.Warn("failed to watch config file: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-source.Done():
			if gctx.Err() != nil || ctrl.State() == bridge.StateShuttingDown {
				return nil
			}
			return errors.New("connection to signal broker closed")
		}
	})

	if err := mqttClient.Connect(); err != nil {
		ctrl.OnConnectFailed(err)
		ctrl.Shutdown()
		_ = g.Wait()
		return err
	}

	logger.Info("bridge started, waiting for device identity")

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("bridge stopped")
	return nil
}
