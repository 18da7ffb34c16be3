package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Annad25/gpu-monitor/internal/config"
	"github.com/Annad25/gpu-monitor/internal/telemetry"
	"github.com/Annad25/gpu-monitor/pkg/classify"
	"github.com/Annad25/gpu-monitor/pkg/discovery"
	"github.com/Annad25/gpu-monitor/pkg/event"
	"github.com/Annad25/gpu-monitor/pkg/health"
	"github.com/Annad25/gpu-monitor/pkg/history"
	"github.com/Annad25/gpu-monitor/pkg/monitor"
	"github.com/Annad25/gpu-monitor/pkg/notify"
	"github.com/Annad25/gpu-monitor/pkg/probe"
	"github.com/Annad25/gpu-monitor/pkg/registry"
	"github.com/Annad25/gpu-monitor/pkg/server"
	"github.com/Annad25/gpu-monitor/pkg/transport"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config (env vars override)")
	return cmd
}

func serve(configPath string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		// Configuration errors are the only fatal class: halt before any
		// monitoring begins.
		log.Error("configuration invalid", zap.Error(err))
		return err
	}

	telemetry.SetBuildInfo(version, gitSHA)
	log = log.With(zap.String("server", cfg.ServerID))

	reg := registry.New()
	for _, p := range cfg.Peers {
		if p.ID == cfg.ServerID {
			continue
		}
		reg.Upsert(p.ID, p.Addr)
	}

	client := transport.NewClient()
	prober := probe.New(client, cfg.ProbeTimeout.Std(), cfg.ProbeRetries, cfg.RetryBackoff.Std(), log)
	classifier := classify.New(client, cfg.GossipSampleSize, cfg.MinQuorum, cfg.GossipTimeout.Std(), log)

	notifier := notify.New(cfg.WebhookURLs, cfg.ServerID,
		cfg.MinAlertDuration.Std(), cfg.ReminderInterval.Std(), log)
	sinks := []event.Sink{notifier}

	var store *history.Store
	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		store, err = history.NewStore(ctx, cfg.MongoURI, cfg.ServerID, log)
		cancel()
		if err != nil {
			log.Error("history store unavailable", zap.Error(err))
			return err
		}
		sinks = append(sinks, store)
	}

	emitter := event.NewEmitter(sinks, 10*time.Second, log)
	driver := health.New(reg, emitter, cfg.ServerID, cfg.SuspectThreshold, cfg.ConfirmThreshold, log)

	mon := monitor.New(monitor.Config{
		LocalID:   cfg.ServerID,
		AnchorURL: cfg.AnchorURL,
		Interval:  cfg.ProbeInterval.Std(),
		Warmup:    cfg.Warmup.Std(),
	}, reg, prober, classifier, driver, notifier, log)

	// Optional etcd membership: nodes join and leave without config pushes.
	var release func()
	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := discovery.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			log.Error("etcd unavailable", zap.Error(err))
			return err
		}
		defer cli.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		release, err = discovery.Register(ctx, cli, cfg.ServerID, cfg.AdvertiseAddr, config.DefaultDiscoveryTTLSec, log)
		cancel()
		if err != nil {
			log.Error("etcd registration failed", zap.Error(err))
			return err
		}

		static := make(map[string]bool, len(cfg.Peers))
		for _, p := range cfg.Peers {
			static[p.ID] = true
		}
		discovered := make(map[string]bool)

		watchCtx, watchCancel := context.WithCancel(context.Background())
		defer watchCancel()
		err = discovery.WatchPeers(watchCtx, cli, log, func(peers map[string]string) {
			for id, addr := range peers {
				if id == cfg.ServerID {
					continue
				}
				reg.Upsert(id, addr)
				discovered[id] = true
			}
			for id := range discovered {
				if _, still := peers[id]; !still && !static[id] {
					reg.Remove(id)
					delete(discovered, id)
				}
			}
		})
		if err != nil {
			log.Error("etcd watch failed", zap.Error(err))
			return err
		}
	}

	srv := server.New(cfg.ServerID, reg, mon, driver, log)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	mon.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("http server failed", zap.Error(err))
	}

	// Drain in order: loop first, then in-flight events, then the surface.
	mon.Stop()
	emitter.Close()
	if release != nil {
		release()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
	if store != nil {
		store.Close(ctx)
	}
	return nil
}
