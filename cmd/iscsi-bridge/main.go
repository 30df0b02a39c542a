// Package main is used for the iSCSI bridge daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lxc/incus-os/iscsi-bridge/internal/bus"
	"github.com/lxc/incus-os/iscsi-bridge/internal/config"
	"github.com/lxc/incus-os/iscsi-bridge/internal/iscsi"
	"github.com/lxc/incus-os/iscsi-bridge/internal/rest"
)

var version = "dev"

type cmdGlobal struct {
	flagHelp    bool
	flagVersion bool
	flagDebug   bool
	flagConfig  string
	flagSocket  string
	flagListen  string
	flagBus     string
}

func main() {
	// Global flags.
	globalCmd := cmdGlobal{}

	app := newApp(&globalCmd)

	// Run the main command and handle errors.
	err := app.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func newApp(globalCmd *cmdGlobal) *cobra.Command {
	app := &cobra.Command{
		Use:   "iscsi-bridge",
		Short: "iSCSI management API",
		Long: formatSection("Description",
			"iSCSI management API\n\nThis daemon exposes the iSCSI initiator and nodes of the storage service over a REST API,\nalong with a websocket stream of their changes."),
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		Args:              cobra.NoArgs,
		RunE:              globalCmd.run,
	}

	app.PersistentFlags().BoolVarP(&globalCmd.flagHelp, "help", "h", false, "Print help command")
	app.PersistentFlags().BoolVarP(&globalCmd.flagVersion, "version", "v", false, "Print binary version")

	app.Flags().StringVarP(&globalCmd.flagConfig, "config", "c", "/etc/iscsi-bridge/config.yaml", "Path to the configuration file")
	app.Flags().StringVarP(&globalCmd.flagSocket, "socket", "s", config.DefaultSocket, "Path of the API unix socket")
	app.Flags().StringVarP(&globalCmd.flagListen, "listen", "l", "", "Additional TCP address to serve the API on")
	app.Flags().StringVarP(&globalCmd.flagBus, "bus", "b", "system", "D-Bus to connect to: 'system', 'session' or an address")
	app.Flags().BoolVarP(&globalCmd.flagDebug, "debug", "d", false, "Enable debug logging")

	// Help handling.
	app.SetHelpCommand(&cobra.Command{
		Use:    "no-help",
		Hidden: true,
	})

	return app
}

func (c *cmdGlobal) run(cmd *cobra.Command, _ []string) error {
	if c.flagVersion {
		_, _ = fmt.Println("iscsi-bridge version " + version) //nolint:forbidigo

		return nil
	}

	cfg, err := config.Load(c.flagConfig)
	if err != nil {
		return err
	}

	err = c.apply(cmd, cfg)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = serve(ctx, cfg)
	if err != nil {
		slog.ErrorContext(ctx, err.Error())

		return err
	}

	return nil
}

// apply overrides the configuration with the flags set on the command line.
func (c *cmdGlobal) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("socket") {
		cfg.Socket = c.flagSocket
	}

	if cmd.Flags().Changed("listen") {
		cfg.Listen = c.flagListen
	}

	if cmd.Flags().Changed("bus") {
		cfg.Bus = c.flagBus
	}

	if c.flagDebug {
		cfg.LogLevel = "debug"
	}

	return cfg.Validate()
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.InfoContext(ctx, "Starting up", "version", version, "bus", cfg.Bus, "service", cfg.Service)

	conn, err := bus.Connect(ctx, cfg.Bus, cfg.Service)
	if err != nil {
		return err
	}

	defer func() { _ = conn.Close() }()

	client := iscsi.NewClient(conn, cfg.Objects())

	// Check that the storage service answers, it may still be starting so this isn't fatal.
	initiator, err := client.GetInitiator(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Storage service isn't responding", "service", cfg.Service, "err", err)
	} else {
		slog.InfoContext(ctx, "Storage service is responding", "initiator", initiator.Name, "ibft", initiator.IBFT)
	}

	server, err := rest.NewServer(ctx, client, conn, cfg.Socket, cfg.Listen)
	if err != nil {
		return err
	}

	err = server.Serve(ctx)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "Shutting down")

	return nil
}
