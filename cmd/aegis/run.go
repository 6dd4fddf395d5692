package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/aegis/internal/agent"
	"github.com/haasonsaas/aegis/internal/agent/providers"
	"github.com/haasonsaas/aegis/internal/config"
	"github.com/haasonsaas/aegis/internal/runtime"
)

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("AEGIS_CONFIG")
			}
			if configPath == "" {
				configPath = "aegis.yaml"
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			provider, err := buildProvider(cfg)
			if err != nil {
				return err
			}

			rt, err := runtime.New(runtime.Options{
				Config:   cfg,
				Provider: provider,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt.Start(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), "aegis runtime started; press Ctrl-C to stop")

			<-ctx.Done()
			rt.Shutdown()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	return cmd
}

func buildProvider(cfg config.Config) (agent.Provider, error) {
	switch cfg.Provider.Kind {
	case "", "anthropic":
		apiKey := cfg.Provider.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       apiKey,
			DefaultModel: cfg.Provider.Model,
		})
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
}
