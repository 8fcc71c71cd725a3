package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhaopengme/mobaigate/pkg/bus"
	"github.com/zhaopengme/mobaigate/pkg/channels"
	"github.com/zhaopengme/mobaigate/pkg/config"
	"github.com/zhaopengme/mobaigate/pkg/engine"
	"github.com/zhaopengme/mobaigate/pkg/gateway"
	"github.com/zhaopengme/mobaigate/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start every enabled channel and dispatch messages to the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, cfg)
		},
	}
}

// runGateway blocks until ctx is cancelled, then shuts every channel down.
func runGateway(ctx context.Context, cfg *config.Config) error {
	eng, err := engine.New(engine.Options{
		Provider:  cfg.Engine.Provider,
		Model:     cfg.Engine.Model,
		APIKey:    cfg.Engine.APIKey,
		APIBase:   cfg.Engine.APIBase,
		MaxTokens: cfg.Engine.MaxTokens,
	})
	if err != nil {
		return err
	}

	messageBus := bus.NewMessageBus(cfg.Gateway.InboundBuffer)
	manager := channels.NewManager(cfg, messageBus)
	if len(manager.GetEnabledChannels()) == 0 {
		return errors.New("no usable channels configured")
	}

	if err := manager.StartAll(ctx); err != nil {
		logger.WarnCF("gateway", "Some channels failed to start", map[string]interface{}{
			"error": err.Error(),
		})
	}

	dispatcher := gateway.NewDispatcher(messageBus, manager, eng, config.Seconds(cfg.Engine.Timeout))
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		_ = dispatcher.Run(ctx)
	}()

	logger.InfoCF("gateway", "Gateway started", map[string]interface{}{
		"channels": manager.GetEnabledChannels(),
		"engine":   eng.Name(),
	})

	<-ctx.Done()
	logger.InfoC("gateway", "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := manager.StopAll(shutdownCtx)
	messageBus.Close()

	select {
	case <-dispatched:
	case <-shutdownCtx.Done():
		logger.WarnC("gateway", "Dispatcher did not drain before shutdown timeout")
	}
	return stopErr
}
