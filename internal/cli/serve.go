package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/soyeahso/docchat/internal/config"
	"github.com/soyeahso/docchat/internal/gateway"
	"github.com/spf13/cobra"
	"github.com/tillberg/autorestart"
)

func newServeCmd() *cobra.Command {
	var (
		port            int
		bind            string
		restartOnChange bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the docchat gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadedConfig()
			if err != nil {
				return err
			}

			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			if restartOnChange {
				go autorestart.RestartOnChange()
			}

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, paths, log)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := gateway.New(cfg, a.sessions, log, gateway.WithHooks(a.hooks))
			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (auto, lan, loopback, custom)")
	cmd.Flags().BoolVar(&restartOnChange, "restart-on-change", false, "restart when the binary changes (development)")

	return cmd
}
