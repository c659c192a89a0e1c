package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lisuiheng/wslink/core"
	"github.com/lisuiheng/wslink/logger"
	"github.com/spf13/cobra"
)

var subscribeTags []string

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect, print frames for subscribed tags and send stdin lines",
	Args:  cobra.NoArgs,
	RunE:  runConnect,
}

func init() {
	f := connectCmd.Flags()
	f.String("url", "", "Server URL (ws:// or wss://)")
	f.String("token", "", "Access token")
	f.Bool("reconnect", true, "Reconnect after the connection is lost")
	f.StringSliceVar(&subscribeTags, "subscribe", nil, "Tags to print, repeatable")
	_ = v.BindPFlag("server.url", f.Lookup("url"))
	_ = v.BindPFlag("auth.token", f.Lookup("token"))
	_ = v.BindPFlag("session.reconnect", f.Lookup("reconnect"))
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := core.LoadConfigWith(v, configPath)
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	defer logger.Sync()

	session, err := core.NewSession(cfg, logger.Logger())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	session.OnConnected(func() { logger.Info("Session connected", "client_id", cfg.Session.ClientID) })
	session.OnDisconnected(func() { logger.Info("Session disconnected") })

	out := cmd.OutOrStdout()
	for _, tag := range subscribeTags {
		tag := tag
		if err := session.RegisterProtocolCallback(tag, func(raw string) error {
			_, err := fmt.Fprintf(out, "%s\t%s\n", tag, raw)
			return err
		}); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := session.Send(scanner.Text()); err != nil {
				logger.Warn("Message not sent", "error", err)
			}
		}
	}()

	logger.Info("Starting wslink session", "url", cfg.Server.URL)
	if err := session.Run(ctx); err != nil {
		logger.Error("Session runtime error", "error", err)
		return err
	}
	logger.Info("Session shutdown completed")
	return nil
}

func initLogger(cfg core.Config) error {
	logCfg := logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Outputs: cfg.Logging.Outputs,
	}
	if debug {
		logCfg.Level = "debug"
		logCfg.Outputs = []string{"stdout"}
	}
	return logger.Init(logCfg)
}
