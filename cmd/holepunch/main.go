// Command holepunch tunnels local ports to public URLs through a
// holepunchd server.
//
//	holepunch config                   interactively write endpoint/token
//	holepunch http 9000 --subdomain x  expose 127.0.0.1:9000 as an HTTP vhost
//	holepunch tcp 7000                 expose 127.0.0.1:7000 on a public port
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/holepunch/holepunch/internal/client"
	"github.com/holepunch/holepunch/internal/tunnelrpc"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagSubdomain string
)

func main() {
	root := &cobra.Command{
		Use:           "holepunch",
		Short:         "tunnel local ports to public URLs and inspect traffic",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file of holepunch")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "logging level: 'trace', 'debug', 'info', 'warn', 'error'")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "interactively write the client configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.Setup(os.Stdin, os.Stdout)
		},
	}

	httpCmd := &cobra.Command{
		Use:   "http <port>",
		Short: "start an HTTP tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), tunnelrpc.ProtocolHTTP, args[0], flagSubdomain)
		},
	}
	httpCmd.Flags().StringVarP(&flagSubdomain, "subdomain", "s", "", "request a specific subdomain")

	tcpCmd := &cobra.Command{
		Use:   "tcp <port>",
		Short: "start a TCP tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), tunnelrpc.ProtocolTCP, args[0], "")
		},
	}

	root.AddCommand(configCmd, httpCmd, tcpCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, client.Describe(err))
		os.Exit(1)
	}
}

// run connects, logs in, and serves the tunnel until the control stream
// ends.
func run(ctx context.Context, protocol tunnelrpc.Protocol, port, subdomain string) error {
	if _, err := strconv.Atoi(port); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	target := "127.0.0.1:" + port

	cfg, err := client.LoadConfig(flagConfig)
	if err != nil {
		return err
	}

	logger := newLogger(flagLogLevel)
	slog.SetDefault(logger)

	tunnel, err := client.Connect(ctx, cfg.Endpoint, cfg.Token, logger)
	if err != nil {
		return err
	}
	defer tunnel.Close()

	return tunnel.Start(ctx, protocol, target, subdomain)
}

// newLogger constructs a text-format *slog.Logger at the requested
// level; "trace" maps below debug.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "trace":
		l = slog.LevelDebug - 4
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
