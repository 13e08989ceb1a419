package main

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/regginator/vconsole/bridge"
	"github.com/regginator/vconsole/util"
)

func bridgeCmd(global *globalFlags) *cobra.Command {
	var (
		host        string
		port        int
		target      string
		path        string
		proxyAddr   string
		origins     []string
		dialTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Relay noVNC WebSocket clients to a VNC server",
		Long: `Run a websockify style bridge. Every WebSocket opened on --path is relayed byte
for byte to --target over TCP. Prometheus metrics are served on /metrics.

Examples:
  vconsole bridge --target 10.13.33.37:5901
  vconsole bridge --port 8080 --target vnc.internal --allow-origin "*.example.com"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := global.logger(false)
			if err != nil {
				return err
			}

			if target == "" {
				return fmt.Errorf("provide the VNC server to relay to with --target")
			}

			listen, err := util.HostPort(host, port)
			if err != nil {
				return fmt.Errorf("invalid listen address: %w", err)
			}

			b, err := bridge.New(bridge.Config{
				Listen:         listen,
				Target:         util.AddrWithDefaultPort(target, util.DefaultVNCPort),
				Path:           path,
				ProxyAddr:      proxyAddr,
				DialTimeout:    dialTimeout,
				OriginPatterns: origins,
				Logger:         logger,
			})
			if err != nil {
				return err
			}

			pterm.Info.Printf("Relaying ws://%s%s to %s\n", listen, path, target)
			return b.ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&host, "host", "H", "0.0.0.0", "Host to bind to")
	cmd.Flags().IntVarP(&port, "port", "P", 6080, "Port to listen on")
	cmd.Flags().StringVarP(&target, "target", "t", "", "VNC server [address:port] every relay connects to, port defaults to 5900")
	cmd.Flags().StringVar(&path, "path", bridge.DefaultPath, "WebSocket path")
	cmd.Flags().StringVar(&proxyAddr, "proxy", "", "SOCKS(4/5) proxy used to reach the target")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "Extra Origin host patterns allowed to connect")
	cmd.Flags().DurationVar(&dialTimeout, "dial-timeout", bridge.DefaultDialTimeout, "Timeout for connecting to the target")

	return cmd
}
