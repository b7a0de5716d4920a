package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xaenox/copilot-chat/internal/bot"
	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/proxy"
)

func newBotCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:         "bot",
		Short:       "Serve the copilot over Telegram",
		Annotations: map[string]string{serverAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			if a.cfg.Telegram.Token == "" {
				return errors.Wrapf(errors.ErrInvalidConfig, "telegram token is not set")
			}
			if err := a.requireLogin(); err != nil {
				return err
			}

			// Initialize bot
			b, err := bot.New(a.cfg.Telegram.Token, a.newStore, a.bus, a.logger,
				bot.WithStatus(a.newImporter()),
				bot.WithEditInterval(a.cfg.Telegram.EditInterval))
			if err != nil {
				a.logger.Error("Failed to create bot", zap.Error(err))
				return err
			}

			// Start the bot
			if err := b.Start(cmd.Context()); err != nil {
				a.logger.Error("Bot error", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func newProxyCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:         "proxy",
		Short:       "Relay queries to a target service as an event stream",
		Annotations: map[string]string{serverAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			p := proxy.New(proxy.Config{
				Listen:    a.cfg.Proxy.Listen,
				Path:      a.cfg.Proxy.Path,
				TargetURL: a.cfg.Proxy.TargetURL,
				RPS:       a.cfg.Proxy.RPS,
				Burst:     a.cfg.Proxy.Burst,
			}, a.logger)
			return p.ListenAndServe(cmd.Context())
		},
	}
}
