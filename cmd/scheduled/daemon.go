package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/relaycore/scheduled/pkg/config"
	"github.com/relaycore/scheduled/pkg/coordinator"
	"github.com/relaycore/scheduled/pkg/dispatch"
	"github.com/relaycore/scheduled/pkg/eventbroker"
	"github.com/relaycore/scheduled/pkg/execlog"
	"github.com/relaycore/scheduled/pkg/httpapi"
	"github.com/relaycore/scheduled/pkg/log"
	"github.com/relaycore/scheduled/pkg/metrics"
	"github.com/relaycore/scheduled/pkg/registry"
	"github.com/relaycore/scheduled/pkg/storage"
	"github.com/relaycore/scheduled/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// shutdownDeadline bounds the whole Running -> Draining -> Stopped
// transition; past it, resources are released unilaterally.
const shutdownDeadline = 30 * time.Second

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Coordinator daemon operations",
}

var coordinatorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduling coordinator",
	Long: `Run the coordinator: the registration server, the schedule planner
and runner, the HTTP API, and (when configured) the event broker and raft
replication. Configuration comes from SCHED_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runCoordinator(cfg)
	},
}

func init() {
	coordinatorCmd.AddCommand(coordinatorRunCmd)
}

func runCoordinator(cfg *config.Config) error {
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true, Output: f})
	} else {
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	}
	logger := log.WithComponent("coordinator")
	metrics.SetVersion(Version)

	instanceID := cfg.NodeID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	boltStore, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	var store storage.Store = boltStore

	// Raft replication is opt-in; without it the bolt store's own
	// transactions serialize acquire_due.
	var coord *coordinator.Coordinator
	if cfg.RaftBindAddr != "" && cfg.RaftBootstrap {
		coord, err = coordinator.Bootstrap(coordinator.Config{
			NodeID:   instanceID,
			BindAddr: cfg.RaftBindAddr,
			DataDir:  cfg.DataDir,
		}, boltStore)
		if err != nil {
			return err
		}
		store = coord.Store()
		metrics.RegisterComponent("raft", true, "bootstrapped")
	}

	reg, err := registry.New(cfg.RegistryPath, log.Logger)
	if err != nil {
		return err
	}

	regServer := registry.NewServer(reg, log.Logger)
	if err := regServer.Start(cfg.RegistrationAddr); err != nil {
		return err
	}

	monitor := registry.NewHealthMonitor(reg, 30*time.Second)
	monitor.Start()

	execLog := execlog.New(cfg.ExecLogCapacity)

	// The broker is optional; with it enabled, only the elected leader's
	// planner claims schedules.
	var broker *eventbroker.Broker
	isLeader := func() bool { return true }
	if cfg.RedisAddr != "" {
		broker = eventbroker.New(eventbroker.Config{
			RedisAddr:         cfg.RedisAddr,
			RedisPassword:     cfg.RedisPassword,
			RedisDB:           cfg.RedisDB,
			InstanceID:        instanceID,
			Address:           cfg.HTTPAddr,
			HeartbeatInterval: cfg.HeartbeatInterval,
		})
		if err := broker.Start(context.Background()); err != nil {
			return fmt.Errorf("start event broker: %w", err)
		}
		isLeader = broker.IsLeader
	}

	engineCfg := dispatch.Config{
		InstanceID:      instanceID,
		PlannerInterval: cfg.PlannerInterval,
		Workers:         cfg.Workers,
		CallTimeout:     cfg.CallTimeout,
		IsLeader:        isLeader,
	}
	if broker != nil {
		engineCfg.PublishEvent = broker.Publish
		go consumePeerEvents(broker, logger)
	}
	engine := dispatch.NewEngine(store, reg, execLog, engineCfg)
	engine.Start()

	// The raft-leader gauge follows raft leadership only; it stays unset
	// when raft is not running.
	var raftLeader func() bool
	if coord != nil {
		raftLeader = coord.IsLeader
	}
	collector := metrics.NewCollector(reg, store, execLog, raftLeader)
	collector.Start()

	apiServer := httpapi.NewServer(reg, store, engine, execLog)
	if err := apiServer.Start(cfg.HTTPAddr); err != nil {
		return err
	}

	metrics.RegisterComponent("coordinator", true, "running")
	logger.Info().
		Str("instance_id", instanceID).
		Str("http_addr", cfg.HTTPAddr).
		Str("registration_addr", cfg.RegistrationAddr).
		Str("deployment", cfg.DeploymentName).
		Msg("coordinator running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown requested, draining")

	// Draining: stop accepting API requests and planner claims, let
	// in-flight attempts run to their own timeouts.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	if err := apiServer.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("http api shutdown")
	}
	engine.Stop()
	collector.Stop()
	monitor.Stop()
	regServer.Stop()
	if broker != nil {
		broker.Stop()
	}
	reg.CloseAll()
	if coord != nil {
		if err := coord.Shutdown(); err != nil {
			logger.Warn().Err(err).Msg("raft shutdown")
		}
	}
	if err := boltStore.Close(); err != nil {
		logger.Warn().Err(err).Msg("store close")
	}

	logger.Info().Msg("coordinator stopped")
	return nil
}

// consumePeerEvents drains the local event bus, surfacing schedule/job
// state changes in this instance's log. The bus carries peers' events and
// this instance's own published events alike. It runs for the life of the
// process.
func consumePeerEvents(broker *eventbroker.Broker, logger zerolog.Logger) {
	sub := broker.Subscribe()
	for msg := range sub {
		var ev types.SchedulerEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			logger.Warn().Err(err).Str("instance_id", msg.InstanceID).Msg("undecodable peer event")
			continue
		}
		logger.Debug().
			Str("kind", ev.Kind).
			Str("job_id", ev.JobID).
			Str("schedule_id", ev.ScheduleID).
			Str("peer", msg.InstanceID).
			Msg("peer scheduler event")
	}
}
