package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/tinyland-inc/clawcord/cmd/clawcord/internal"
	"github.com/tinyland-inc/clawcord/pkg/bus"
	"github.com/tinyland-inc/clawcord/pkg/cog"
	"github.com/tinyland-inc/clawcord/pkg/cogs/blackjack"
	"github.com/tinyland-inc/clawcord/pkg/cogs/calc"
	"github.com/tinyland-inc/clawcord/pkg/cogs/dice"
	"github.com/tinyland-inc/clawcord/pkg/cogs/events"
	"github.com/tinyland-inc/clawcord/pkg/cogs/moderation"
	"github.com/tinyland-inc/clawcord/pkg/cogs/quotes"
	"github.com/tinyland-inc/clawcord/pkg/config"
	"github.com/tinyland-inc/clawcord/pkg/gateway"
	"github.com/tinyland-inc/clawcord/pkg/logger"
	"github.com/tinyland-inc/clawcord/pkg/ratelimit"
	"github.com/tinyland-inc/clawcord/pkg/rest"
	"github.com/tinyland-inc/clawcord/pkg/router"
)

func gatewayCmd(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if cfg.Gateway.Token == "" {
		return errors.New("gateway.token is not set (or CLAWCORD_GATEWAY_TOKEN)")
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit.MaxQueueDepth)
	restClient := rest.NewClient(rest.Config{
		APIBase: cfg.Gateway.APIBase,
		Token:   cfg.Gateway.Token,
	}, limiter)

	msgBus := bus.New()
	registry := cog.NewRegistry(msgBus, cog.Deps{
		Rest:             restClient,
		DefaultChannelID: cfg.Gateway.DefaultChannelID,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := registerCogs(ctx, registry, cfg); err != nil {
		return err
	}
	fmt.Printf("✓ Cogs loaded: %d commands registered\n", registry.CommandCount())

	r := router.New(registry, restClient, router.Config{
		Prefix: cfg.Commands.Prefix,
		Budget: time.Duration(cfg.Commands.HandlerBudgetSeconds) * time.Second,
		Grace:  time.Duration(cfg.Gateway.ShutdownGraceSeconds) * time.Second,
	})
	r.Bind(msgBus)

	manager := gateway.NewManager(gateway.Config{
		URL:                  cfg.Gateway.URL,
		ReconnectBase:        time.Duration(cfg.Gateway.ReconnectBaseSeconds) * time.Second,
		ReconnectMax:         time.Duration(cfg.Gateway.ReconnectMaxSeconds) * time.Second,
		MaxReconnectFailures: cfg.Gateway.MaxReconnectFailures,
	}, msgBus)

	if err := manager.Connect(ctx, gateway.Credentials{
		Token:   cfg.Gateway.Token,
		Intents: cfg.Gateway.Intents,
	}); err != nil {
		return fmt.Errorf("error connecting gateway: %w", err)
	}

	fmt.Println("✓ Gateway connected")
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	select {
	case <-sigChan:
		fmt.Println("\nShutting down...")
	case err := <-manager.Fatal():
		logger.ErrorCF("gateway", "Fatal gateway error", map[string]any{"error": err.Error()})
	}

	grace := time.Duration(cfg.Gateway.ShutdownGraceSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.WarnCF("gateway", "Gateway shutdown incomplete", map[string]any{"error": err.Error()})
	}
	r.Close()
	registry.UnloadAll(shutdownCtx)
	limiter.Shutdown()
	msgBus.Close()
	fmt.Println("✓ Gateway stopped")

	return nil
}

func registerCogs(ctx context.Context, registry *cog.Registry, cfg *config.Config) error {
	if cfg.Cogs.Dice.Enabled {
		if err := registry.Register(ctx, dice.New()); err != nil {
			return fmt.Errorf("error registering dice cog: %w", err)
		}
	}
	if cfg.Cogs.Quotes.Enabled {
		if err := registry.Register(ctx, quotes.New(cfg.Cogs.Quotes.Schedule)); err != nil {
			return fmt.Errorf("error registering quotes cog: %w", err)
		}
	}
	if cfg.Cogs.Moderation.Enabled {
		mod := moderation.New(moderation.Config{
			AutoDeleteChannelID: cfg.Cogs.Moderation.AutoDeleteChannelID,
			AutoDeleteDelay:     time.Duration(cfg.Cogs.Moderation.AutoDeleteDelaySeconds) * time.Second,
			PrivacyMapPath:      cfg.PrivacyMapPath(),
		})
		if err := registry.Register(ctx, mod); err != nil {
			return fmt.Errorf("error registering moderation cog: %w", err)
		}
	}
	if cfg.Cogs.Events.Enabled {
		if err := registry.Register(ctx, events.New()); err != nil {
			return fmt.Errorf("error registering events cog: %w", err)
		}
	}
	if cfg.Cogs.Blackjack.Enabled {
		if err := registry.Register(ctx, blackjack.New()); err != nil {
			return fmt.Errorf("error registering blackjack cog: %w", err)
		}
	}
	if cfg.Cogs.Calc.Enabled {
		if err := registry.Register(ctx, calc.New()); err != nil {
			return fmt.Errorf("error registering calc cog: %w", err)
		}
	}
	return nil
}
