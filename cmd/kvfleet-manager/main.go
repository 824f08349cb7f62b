// Command kvfleet-manager runs the global coordinator and its admin
// HTTP surface.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nvidia/kvfleet/admin"
	"github.com/nvidia/kvfleet/config"
	"github.com/nvidia/kvfleet/coordinator"
	"github.com/nvidia/kvfleet/internal/nlog"
	"github.com/nvidia/kvfleet/telemetry/metrics"
)

func main() {
	cfgPath := flag.String("config", "", "path to manager config YAML")
	listenAddr := flag.String("listen", ":8000", "admin HTTP listen address")
	groupName := flag.String("group-name", "kvfleet-default", "collective group name rebuilt on membership change")
	tpSize := flag.Int("tp-size", 1, "tensor-parallel degree recorded in the rebuilt group metadata (ranks are assigned one per instance, not per worker)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*cfgPath, 0, 0)
	if err != nil {
		nlog.Fatal("failed to load config:", err)
	}

	coord, err := coordinator.New(cfg)
	if err != nil {
		nlog.Fatal("failed to init coordinator:", err)
	}
	defer coord.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	go coord.RunClearRequestMapLoop(ctx)
	go coord.RunPollLoop(ctx, *groupName, *tpSize)

	srv := admin.New(coord, reg)
	nlog.Infoln("kvfleet-manager starting on", *listenAddr)
	if err := srv.ListenAndServe(*listenAddr); err != nil {
		nlog.Errorln("admin server exited:", err)
	}
}
