// Command sokovand runs the scheduling-core manager daemon: the Raft
// cluster manager, the scheduling tick loop, the termination fan-out
// controller, and the operator-facing gRPC control plane, all wired
// from one pkg/config.Snapshot. Grounded on
// _examples/cuemby-warren/cmd/warren/main.go's cobra root +
// cobra.OnInitialize(initLogging) + persistent-flags pattern and the
// managerJoinCmd construct/start/wait-on-signal/shutdown-in-reverse
// sequence, retargeted from Warren's node/service CLI surface to the
// three subcommands a scheduling core needs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/sokovan/pkg/agentrpc"
	"github.com/cuemby/sokovan/pkg/api"
	"github.com/cuemby/sokovan/pkg/cluster"
	"github.com/cuemby/sokovan/pkg/config"
	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/lock"
	"github.com/cuemby/sokovan/pkg/log"
	"github.com/cuemby/sokovan/pkg/metrics"
	"github.com/cuemby/sokovan/pkg/mq"
	"github.com/cuemby/sokovan/pkg/mq/localmq"
	"github.com/cuemby/sokovan/pkg/mq/redismq"
	"github.com/cuemby/sokovan/pkg/rpcproto"
	"github.com/cuemby/sokovan/pkg/schederr"
	"github.com/cuemby/sokovan/pkg/scheduler"
	"github.com/cuemby/sokovan/pkg/storage"
	"github.com/cuemby/sokovan/pkg/storage/bolt"
	"github.com/cuemby/sokovan/pkg/storage/postgres"
	"github.com/cuemby/sokovan/pkg/termination"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a returned error onto the sysexits-style codes
// SPEC_FULL.md's CLI surface documents: 0 success, 64 bad usage/
// invalid argument, 69 service unavailable (no agent, lock
// contention, RPC unavailable, allocation conflict - transient), 70
// internal/unexpected.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch schederr.CodeOf(err) {
	case schederr.CodeInvalidArgument:
		return 64
	case schederr.CodeNoAgentAvailable, schederr.CodeLockContention, schederr.CodeRPCUnavailable, schederr.CodeAllocationConflict:
		return 69
	case "":
		return 70
	default:
		return 70
	}
}

var rootCmd = &cobra.Command{
	Use:   "sokovand",
	Short: "sokovand is the scheduling-core manager daemon",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "path to config file (defaults to $CONFIG or ./manager.toml)")
	rootCmd.PersistentFlags().String("node-id", "node1", "unique Raft node ID")
	rootCmd.PersistentFlags().String("bind-addr", "127.0.0.1:7946", "Raft bind address")
	rootCmd.PersistentFlags().String("data-dir", "./sokovan-data", "Raft log/snapshot directory")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(scheduleOnceCmd)
	rootCmd.AddCommand(dumpSnapshotCmd)

	scheduleOnceCmd.Flags().String("scaling-group", "", "scaling group to tick (required)")
	scheduleOnceCmd.MarkFlagRequired("scaling-group")

	dumpSnapshotCmd.Flags().String("scaling-group", "", "scaling group to snapshot (required)")
	dumpSnapshotCmd.MarkFlagRequired("scaling-group")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	if v := os.Getenv("LOG_LEVEL"); v != "" && !rootCmd.PersistentFlags().Changed("log-level") {
		logLevel = v
	}
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// node bundles the components every subcommand needs: a bootstrapped
// cluster.Manager sitting on a store chosen per config, plus the
// Locker the scheduler serializes ticks through.
type node struct {
	cfg     *config.Snapshot
	store   storage.Store
	cluster *cluster.Manager
	locker  lock.Locker
	queue   mq.Queue
}

func newNode(cmd *cobra.Command) (*node, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, schederr.Wrap(schederr.CodeInvalidArgument, "load config", err)
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, schederr.Wrap(schederr.CodeRPCUnavailable, "open storage", err)
	}

	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	mgr := cluster.New(cluster.Config{NodeID: nodeID, BindAddr: bindAddr, DataDir: dataDir}, store)
	if err := mgr.Bootstrap(); err != nil {
		return nil, schederr.Wrap(schederr.CodeRPCUnavailable, "bootstrap cluster", err)
	}

	locker, err := openLocker(cfg.Lock, mgr)
	if err != nil {
		return nil, schederr.Wrap(schederr.CodeInvalidArgument, "open lock backend", err)
	}

	queue, err := openQueue(cfg.MQ, nodeID)
	if err != nil {
		return nil, schederr.Wrap(schederr.CodeInvalidArgument, "open mq backend", err)
	}

	return &node{cfg: cfg, store: store, cluster: mgr, locker: locker, queue: queue}, nil
}

func (n *node) Close() {
	n.queue.Close()
	n.cluster.Shutdown()
	n.store.Close()
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "", "bolt":
		return bolt.Open(cfg.BoltPath)
	case "postgres":
		return postgres.Open(context.Background(), cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// openLocker wires the Locker backend named by cfg.Backend (config.Load
// defaults it to "filelock"); "raft", also used for an empty name,
// needs nothing beyond the cluster manager already satisfying
// lock.LeaderChecker, since Raft leadership is already this module's
// single source of truth for who may mutate cluster state.
func openLocker(cfg config.LockConfig, checker lock.LeaderChecker) (lock.Locker, error) {
	switch cfg.Backend {
	case "", "raft":
		return lock.NewRaftLocker(checker), nil
	case "filelock":
		return lock.NewFileLocker(cfg.Addr), nil
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.Addr)
		if err != nil {
			return nil, err
		}
		return lock.NewPostgresLocker(pool), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
		return lock.NewRedisLocker(client), nil
	case "etcd":
		client, err := clientv3.New(clientv3.Config{Endpoints: []string{cfg.Addr}, DialTimeout: 5 * time.Second})
		if err != nil {
			return nil, err
		}
		return lock.NewEtcdLocker(client), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

// openQueue wires the session.scheduled event sink; "local" (the
// default) is an in-process broker suited to single-node dev mode,
// "redis" shares one consumer group across manager replicas.
func openQueue(cfg config.MQConfig, consumerName string) (mq.Queue, error) {
	switch cfg.Backend {
	case "", "local":
		return localmq.New(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return redismq.New(client, "sokovand", consumerName), nil
	default:
		return nil, fmt.Errorf("unknown mq backend %q", cfg.Backend)
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the manager daemon: scheduler, termination controller, and control-plane API",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := newNode(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		pool := agentrpc.New()
		defer pool.Close()

		sched := scheduler.New(scheduler.Deps{
			Repo:      n.cluster,
			Usage:     n.cluster,
			Committer: n.cluster,
			Publisher: n.queue,
			Locker:    n.locker,
		}, n.cfg.TickInterval)
		sched.Start()
		fmt.Println("scheduler started")

		termCtl := termination.New(n.cluster, pool, 16, n.cfg.TickInterval)
		termCtl.Start(func() []domain.ScalingGroupName {
			groups, err := n.cluster.SchedulableScalingGroups(context.Background())
			if err != nil {
				return nil
			}
			names := make([]domain.ScalingGroupName, 0, len(groups))
			for _, g := range groups {
				names = append(names, g.Name)
			}
			return names
		})
		fmt.Println("termination controller started")

		collector := metrics.NewCollector(n.cluster, n.store, nil)
		collector.Start()
		fmt.Println("metrics collector started")

		go func() {
			http.Handle("/metrics", metrics.Handler())
			http.Handle("/health", metrics.HealthHandler())
			http.Handle("/ready", metrics.ReadyHandler())
			http.Handle("/live", metrics.LivenessHandler())
			_ = http.ListenAndServe(n.cfg.API.MetricsAddr, nil)
		}()
		fmt.Printf("metrics endpoint: http://%s/metrics\n", n.cfg.API.MetricsAddr)

		apiServer := api.NewServer(n.cluster)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(n.cfg.API.ListenAddr); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
		fmt.Printf("control-plane gRPC listening on %s\n", n.cfg.API.ListenAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("shutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}

		sched.Stop()
		termCtl.Stop()
		collector.Stop()
		apiServer.Stop()

		fmt.Println("shutdown complete")
		return nil
	},
}

var scheduleOnceCmd = &cobra.Command{
	Use:   "schedule-once",
	Short: "run exactly one scheduling tick for a scaling group and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := newNode(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		sg, _ := cmd.Flags().GetString("scaling-group")
		sched := scheduler.New(scheduler.Deps{
			Repo:      n.cluster,
			Usage:     n.cluster,
			Committer: n.cluster,
			Publisher: n.queue,
			Locker:    n.locker,
		}, n.cfg.TickInterval)

		if err := sched.TickOnce(context.Background(), domain.ScalingGroupName(sg)); err != nil {
			return err
		}
		fmt.Printf("scheduling tick complete for %q\n", sg)
		return nil
	},
}

var dumpSnapshotCmd = &cobra.Command{
	Use:   "dump-snapshot",
	Short: "print the current pending-session/agent snapshot for a scaling group as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := newNode(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		sg, _ := cmd.Flags().GetString("scaling-group")
		s := api.NewServer(n.cluster)
		resp, err := s.DumpSnapshot(context.Background(), &rpcproto.DumpSnapshotRequest{ScalingGroup: sg})
		if err != nil {
			return err
		}
		fmt.Println(resp.SnapshotJSON)
		return nil
	},
}
