package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/regginator/vconsole/rfb"
	"github.com/regginator/vconsole/transport"
)

func probeCmd(global *globalFlags) *cobra.Command {
	var (
		conn    connFlags
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Show the server's protocol version and offered security types",
		Long: `Perform the RFB handshake up to security type negotiation, then hang up.

Examples:
  vconsole probe -a 192.168.0.134
  vconsole probe -a vnc.example.com:443 --novnc --wss`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := global.logger(conn.packetDebug)
			if err != nil {
				return err
			}

			proxies, err := conn.proxyPool()
			if err != nil {
				return err
			}
			opts, err := conn.options(proxies)
			if err != nil {
				return err
			}

			pterm.Info.Println("Performing probe.. 🛸")
			result, err := probe(cmd.Context(), opts, rfb.Config{Logger: logger, PacketDebug: conn.packetDebug}, timeout)
			if err != nil {
				return err
			}

			fmt.Println()
			return pterm.DefaultBulletList.WithItems(result.items()).Render()
		},
	}

	conn.register(cmd.Flags())
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up if the server hasn't offered security types by then")

	return cmd
}

type probeResult struct {
	serverVersion string
	offered       []rfb.SecurityType
	rejection     error // Set when the server refused before negotiating
}

func (r probeResult) items() []pterm.BulletListItem {
	style := pterm.NewStyle(pterm.FgCyan)

	items := []pterm.BulletListItem{
		{Level: 0, Text: fmt.Sprintf("Server protocol ver: %s", r.serverVersion), BulletStyle: style},
		{Level: 0, Text: fmt.Sprintf("Negotiated protocol ver: %s", rfb.RfbProtoVer_3_8), BulletStyle: style},
	}

	if r.rejection != nil {
		return append(items, pterm.BulletListItem{Level: 0, Text: fmt.Sprintf("Rejected: %s", r.rejection), BulletStyle: pterm.NewStyle(pterm.FgRed)})
	}

	items = append(items, pterm.BulletListItem{Level: 0, Text: "Auth types:", BulletStyle: style})
	for _, secType := range r.offered {
		items = append(items, pterm.BulletListItem{
			Level:       1,
			Text:        fmt.Sprintf("%s (%d)", secType, uint8(secType)),
			BulletStyle: style,
			Bullet:      ">",
		})
	}
	return items
}

// Signals once the session has moved past security type negotiation
type negotiationObserver struct {
	rfb.NopObserver
	done chan struct{}
}

func (o *negotiationObserver) StageChanged(from, _ rfb.Stage) {
	if from == rfb.StageAwaitingSecurityTypes {
		select {
		case o.done <- struct{}{}:
		default:
		}
	}
}

type disconnectWaiter struct {
	rfb.NopHandler
	reasons chan rfb.DisconnectReason
}

func (w *disconnectWaiter) Disconnected(reason rfb.DisconnectReason) {
	w.reasons <- reason
}

func probe(ctx context.Context, opts transport.Options, cfg rfb.Config, timeout time.Duration) (probeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := transport.Dial(ctx, opts)
	if err != nil {
		return probeResult{}, fmt.Errorf("failed to connect to server: %w", err)
	}

	observer := &negotiationObserver{done: make(chan struct{}, 1)}
	handler := &disconnectWaiter{reasons: make(chan rfb.DisconnectReason, 1)}

	cfg.RefreshInterval = -1
	cfg.Observer = observer
	session, err := rfb.NewSession(conn, handler, cfg)
	if err != nil {
		_ = conn.Close()
		return probeResult{}, err
	}

	pumpDone := make(chan error, 1)
	go func() { pumpDone <- transport.Pump(ctx, conn, session) }()

	var failure error
	select {
	case <-observer.done:
		_ = session.Disconnect()
	case reason := <-handler.reasons:
		failure = reason.Err
		if failure == nil {
			failure = &rfb.Error{Kind: rfb.KindTransportClosed, Stage: session.Stage(), Op: "probe", Message: "server hung up"}
		}
	case <-ctx.Done():
		_ = session.Disconnect()
		failure = errTimeout
	}
	<-pumpDone

	result := probeResult{serverVersion: session.ServerVersion(), offered: session.OfferedSecurityTypes()}
	if failure == nil {
		return result, nil
	}

	// Refusals and unsupported types are still an answer to the probe
	switch kind, _ := rfb.KindOf(failure); kind {
	case rfb.KindSecurityNegotiationFailed:
		result.rejection = describe(failure)
		return result, nil
	case rfb.KindUnsupportedSecurityType:
		return result, nil
	}
	return result, fmt.Errorf("failed to perform connection handshake: %w", describe(failure))
}
