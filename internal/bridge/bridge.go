// Package bridge wires the tracking receiver and the protocol client
// together and runs them until the context is canceled.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/ovROG/rusty-bridge/internal/config"
	"github.com/ovROG/rusty-bridge/internal/logx"
	"github.com/ovROG/rusty-bridge/internal/tracking"
	"github.com/ovROG/rusty-bridge/internal/transform"
	"github.com/ovROG/rusty-bridge/internal/vts"
)

// Run loads and compiles the transform set, starts the tracking receiver
// and the protocol client, and blocks until ctx is done. Configuration
// problems (missing phone IP, malformed transform file, formulas that do
// not compile) are returned before any network activity; everything after
// startup is absorbed into reconnects and log lines.
func Run(ctx context.Context, cfg config.BridgeConfig) error {
	if cfg.PhoneIP == "" {
		return fmt.Errorf("phone IP is not configured")
	}

	defs, err := transform.LoadDefinitions(cfg.TransformFile)
	if err != nil {
		return err
	}
	set, err := transform.Compile(defs)
	if err != nil {
		return err
	}
	logx.Log.Info().Int("parameters", len(defs)).Str("file", cfg.TransformFile).Msg("transform config loaded")

	mailbox := tracking.NewMailbox()
	receiver := tracking.NewReceiver(cfg.PhoneIP, cfg.PhonePort, cfg.ClientName, mailbox)
	client := vts.NewClient(vts.Config{
		HostPort:        cfg.HostPort,
		DiscoveryPort:   cfg.DiscoveryPort,
		PluginName:      cfg.PluginName,
		PluginDeveloper: cfg.PluginDeveloper,
		ResponseTimeout: cfg.ResponseTimeout,
	}, set, vts.NewTokenStore(cfg.TokenFile), mailbox)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.MetricsAddr != "" {
		addr, err := startMetricsServer(ctx, cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		logx.Log.Info().Str("addr", addr).Msg("metrics server started")
	}
	if cfg.StatusAddr != "" {
		addr, err := startStatusServer(ctx, cfg.StatusAddr, client)
		if err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
		logx.Log.Info().Str("addr", addr).Msg("status server started")
	}

	errCh := make(chan error, 2)
	go func() { errCh <- receiver.Run(ctx) }()
	go func() { errCh <- client.Run(ctx) }()

	// Both loops only return on cancellation or a startup-class failure
	// (e.g. an unresolvable phone address). Either way the whole bridge
	// comes down together.
	err = <-errCh
	cancel()
	<-errCh
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
