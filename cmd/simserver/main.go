// Command simserver hosts one or more simulated Modbus/TCP slave devices
// described by a YAML fleet configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"modbus-simulator/internal/regsim/present"
	"modbus-simulator/internal/regsim/supervisor"
	"modbus-simulator/internal/simconfig"
	"modbus-simulator/internal/simlog"
)

func main() {
	var configPath string
	var devLog bool
	var snapshotInterval time.Duration
	flag.StringVar(&configPath, "config", "config.yaml", "path to the simulation fleet configuration")
	flag.BoolVar(&devLog, "dev", false, "use human-readable development logging instead of JSON")
	flag.DurationVar(&snapshotInterval, "snapshot-interval", 30*time.Second,
		"how often to log a fleet snapshot for the interactive collaborator contract (0 disables)")
	flag.Parse()

	if err := run(configPath, devLog, snapshotInterval); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, devLog bool, snapshotInterval time.Duration) error {
	log, err := simlog.New(devLog)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	doc, err := simconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(log)

	for _, simCfg := range doc.Simulations {
		spec := supervisor.Spec{
			Name:      simCfg.Name,
			IP:        simCfg.IP,
			Port:      simCfg.Port,
			SlaveID:   simCfg.SlaveID,
			Registers: simCfg.RegisterConfigs(),
			Interval:  simCfg.Interval,
		}
		if _, err := sup.Add(ctx, spec); err != nil {
			return fmt.Errorf("start simulation %s: %w", simCfg.Name, err)
		}
	}

	log.Info("simulation fleet running", zap.Int("count", len(doc.Simulations)))

	if snapshotInterval > 0 {
		go logSnapshots(ctx, sup, log, snapshotInterval)
	}

	<-ctx.Done()
	log.Info("shutting down")
	sup.Shutdown()
	return nil
}

// logSnapshots is the process's own stand-in for a dashboard polling the
// Supervisor (spec §6 "The dashboard polls snapshots"): it renders every
// running simulation through internal/regsim/present on a fixed interval
// and logs the result, until ctx is canceled.
func logSnapshots(ctx context.Context, sup *supervisor.Supervisor, log *zap.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sims := sup.List()
			views := make([]present.SimulationView, 0, len(sims))
			for _, sim := range sims {
				views = append(views, present.View(sim))
			}
			data, err := present.JSON(views)
			if err != nil {
				log.Warn("render fleet snapshot", zap.Error(err))
				continue
			}
			log.Info("fleet snapshot", zap.ByteString("snapshot", data))
		}
	}
}
