package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "embed"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

//go:embed VERSION
var vconsoleVersion string

type globalFlags struct {
	logLevel string
	logJSON  bool
}

func main() {
	var global globalFlags

	rootCmd := &cobra.Command{
		Use:   "vconsole",
		Short: "VNC console client and websockify bridge",
		Long: `vconsole speaks the client side of RFB 3.8 (VNC) over plain TCP or a
noVNC/websockify WebSocket, optionally through SOCKS proxies.

  • probe: show what a server offers before authenticating
  • connect: open a session and keep the framebuffer refreshed
  • bridge: relay WebSocket clients to one VNC server`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&global.logLevel, "log-level", "warn", "Log level [trace, debug, info, warn, error]")
	rootCmd.PersistentFlags().BoolVar(&global.logJSON, "log-json", false, "Log as JSON lines instead of colored text")

	rootCmd.AddCommand(
		probeCmd(&global),
		connectCmd(&global),
		bridgeCmd(&global),
		versionCmd(),
	)

	// PTerm ANSI formatting can persist after ctrl+c, reset it once the context is done
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		fmt.Print("\033[0m")
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		stop()
		os.Exit(1)
	}
}

func (g *globalFlags) logger(packetDebug bool) (*pterm.Logger, error) {
	level, err := parseLogLevel(g.logLevel)
	if err != nil {
		return nil, err
	}

	// Packet dumps are logged at debug
	if packetDebug && level > pterm.LogLevelDebug {
		level = pterm.LogLevelDebug
	}

	logger := pterm.DefaultLogger.WithLevel(level).WithWriter(os.Stderr)
	if g.logJSON {
		logger = logger.WithFormatter(pterm.LogFormatterJSON)
	}
	return logger, nil
}

func parseLogLevel(s string) (pterm.LogLevel, error) {
	switch strings.ToLower(s) {
	case "trace":
		return pterm.LogLevelTrace, nil
	case "debug":
		return pterm.LogLevelDebug, nil
	case "info":
		return pterm.LogLevelInfo, nil
	case "warn", "warning":
		return pterm.LogLevelWarn, nil
	case "error":
		return pterm.LogLevelError, nil
	}
	return 0, fmt.Errorf("invalid log level %q", s)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf(`vconsole v%s
MIT License | Copyright (c) 2025 reggie@latte.to
https://github.com/regginator/vconsole
`, strings.TrimSpace(vconsoleVersion))
		},
	}
}
