// Package rotor wires the exit-node directory, the egress instance pool and
// the load balancing proxy front end into one daemon.
package rotor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/rotorproxy/rotor/balancer"
	"github.com/rotorproxy/rotor/egress"
	"github.com/rotorproxy/rotor/nodedir"
	"github.com/rotorproxy/rotor/pool"
)

// Main is the true entry point for rotord. It is called from the main method
// in a nested manner so defers run on graceful shutdown.
func Main(cfg *Config, shutdownChan <-chan struct{}) error {
	defer func() {
		rtorLog.Info("Shutdown complete")
		_ = rotatorWriter.Close()
	}()

	rtorLog.Infof("Version: %s", Version())

	directory := nodedir.New(&nodedir.Config{
		SourceURL: cfg.DirectoryURL,
	})

	prober := egress.NewProber(30 * time.Second)

	bal := balancer.New(&balancer.Config{
		ProbeTicker:     ticker.New(cfg.ProbeInterval),
		UpstreamTimeout: cfg.UpstreamTimeout,
	})

	var rotateTicker ticker.Ticker
	if cfg.RotateInterval > 0 {
		rotateTicker = ticker.New(cfg.RotateInterval)
	}

	instancePool := pool.New(&pool.Config{
		NewInstance: func(socksPort, controlPort int,
			exitNodes []string) pool.Instance {

			return egress.New(&egress.Config{
				SocksPort:    socksPort,
				ControlPort:  controlPort,
				TorBinary:    cfg.TorBinary,
				BaseDir:      cfg.BaseDir,
				ExitNodes:    exitNodes,
				HealthTicker: ticker.New(cfg.HealthInterval),
				Prober:       prober,
				ReportActive: directory.ReportActive,
			})
		},
		Directory:    directory,
		BatchTimeout: cfg.BatchTimeout,
		SweepTicker:  ticker.New(cfg.SweepInterval),
		RotateTicker: rotateTicker,
		OnAdd:        bal.AddBackend,
		OnRemove:     bal.RemoveBackend,
		PortsFile:    cfg.PortsFile,
	})

	if err := bal.Start(); err != nil {
		return fmt.Errorf("unable to start balancer: %w", err)
	}

	added, err := instancePool.Start(cfg.Instances, cfg.BatchSize)
	if err != nil {
		_ = bal.Stop()
		return fmt.Errorf("unable to start instance pool: %w", err)
	}
	rtorLog.Infof("Instance pool running with %d of %d instances", added,
		cfg.Instances)

	// The proxy front end itself.
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		_ = instancePool.Stop()
		_ = bal.Stop()
		return fmt.Errorf("unable to listen on %v: %w",
			cfg.ListenAddr, err)
	}

	proxySrv := &http.Server{
		Handler: bal,

		// CONNECT tunnels and slow circuits rule out aggressive
		// server-side timeouts; the balancer bounds upstream work
		// itself.
		ReadHeaderTimeout: 30 * time.Second,
	}

	serveErr := make(chan error, 2)
	go func() {
		rtorLog.Infof("Proxy listening on %v", listener.Addr())
		if err := proxySrv.Serve(listener); err != nil &&
			err != http.ErrServerClosed {

			serveErr <- err
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newMetricsHandler(instancePool, bal),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			rtorLog.Infof("Metrics listening on %v",
				cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil &&
				err != http.ErrServerClosed {

				serveErr <- err
			}
		}()
	}

	// Let the service manager know we're ready. This is a no-op outside
	// of systemd supervision.
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		rtorLog.Debugf("Unable to notify service manager: %v", err)
	}

	select {
	case <-shutdownChan:
		rtorLog.Info("Received shutdown request")

	case err := <-serveErr:
		rtorLog.Errorf("Listener failed: %v", err)
	}

	// Stop accepting clients first, then unwind the egress side.
	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer cancel()
	if err := proxySrv.Shutdown(ctx); err != nil {
		rtorLog.Warnf("Proxy shutdown: %v", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			rtorLog.Warnf("Metrics shutdown: %v", err)
		}
	}

	if err := bal.Stop(); err != nil {
		rtorLog.Warnf("Balancer shutdown: %v", err)
	}
	if err := instancePool.Stop(); err != nil {
		rtorLog.Warnf("Pool shutdown: %v", err)
	}

	return nil
}
