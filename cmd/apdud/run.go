package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/apductl/internal/admin"
	"github.com/danmuck/apductl/internal/config"
	"github.com/danmuck/apductl/internal/device"
	"github.com/danmuck/apductl/internal/handlers"
	"github.com/danmuck/apductl/internal/keystore"
	"github.com/danmuck/apductl/internal/logging"
	"github.com/danmuck/apductl/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var deviceVersion = handlers.Version{Major: 0, Minor: 4, Patch: 1}

func newRunCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the device until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, newPrompter(cfg.AutoApprove))
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "device config file (TOML)")
	return cmd
}

func run(ctx context.Context, cfg config.DeviceConfig, prompter handlers.Prompter) error {
	ks, err := keystore.New(cfg.Seed)
	if err != nil {
		return err
	}
	defer ks.Wipe()

	table, err := handlers.Table(handlers.Deps{
		Keystore: ks,
		Prompter: prompter,
		Version:  deviceVersion,
	})
	if err != nil {
		return err
	}

	tlsCfg, err := cfg.TLS.ServerConfig()
	if err != nil {
		return err
	}
	srv, err := transport.Listen(cfg.ListenAddr, transport.ServerOptions{ReadTimeout: cfg.ReadTimeout, TLS: tlsCfg})
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	defer srv.Close()

	sup, err := device.New(device.Options{
		DeviceID:      cfg.DeviceID,
		Transport:     srv,
		Table:         table,
		Prompter:      prompter,
		Policy:        cfg.CanaryPolicy,
		CanaryOptions: cfg.CanaryOptions(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adminDone := make(chan error, 1)
	if cfg.AdminAddr != "" {
		adm := admin.New(cfg.DeviceID, cfg.AdminAddr, cfg.CorsOrigins, sup, cfg.AdminToken)
		go func() { adminDone <- adm.Serve(ctx) }()
	} else {
		adminDone <- nil
	}

	log.Info().
		Str("device", cfg.DeviceID).
		Str("listen", srv.Addr().String()).
		Str("admin", cfg.AdminAddr).
		Str("canary_policy", string(cfg.CanaryPolicy)).
		Bool("tls", tlsCfg != nil).
		Msg("device starting")

	runErr := sup.Run(ctx)
	cancel()
	adminErr := <-adminDone
	if runErr != nil {
		return runErr
	}
	if adminErr != nil && !errors.Is(adminErr, context.Canceled) {
		return fmt.Errorf("admin: %w", adminErr)
	}
	log.Info().Str("device", cfg.DeviceID).Msg("device stopped")
	return nil
}
