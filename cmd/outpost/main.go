package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/outpost-mta/outpost/internal/bounce"
	"github.com/outpost-mta/outpost/internal/cache"
	"github.com/outpost-mta/outpost/internal/config"
	"github.com/outpost-mta/outpost/internal/dnsresolver"
	"github.com/outpost-mta/outpost/internal/logging"
	"github.com/outpost-mta/outpost/internal/queue"
	"github.com/outpost-mta/outpost/internal/server"
	"github.com/outpost-mta/outpost/internal/smtpout"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "outpost",
		Short:   "Outpost - outbound mail delivery engine",
		Long:    "Outpost schedules, retries and delivers queued mail to remote domains over SMTP.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(enqueueCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the delivery workers and the ops HTTP endpoint",
	RunE:  runServer,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print queue depth counters",
	RunE:  runStats,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <from> <rcpt>...",
	Short: "Read a message from stdin and enqueue it for delivery",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runEnqueue,
}

// openStore builds the queue store selected by the configuration
func openStore(cfg *config.Config) (queue.Store, error) {
	switch cfg.Queue.Store {
	case "memory":
		return queue.NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		return queue.NewSQLStore("sqlite3", cfg.Queue.DSN)
	case "postgres":
		return queue.NewSQLStore("postgres", cfg.Queue.DSN)
	case "mysql":
		return queue.NewSQLStore("mysql", cfg.Queue.DSN)
	case "redis":
		return queue.NewRedisStore(cfg.Queue.RedisAddr, cfg.Queue.RedisPassword, cfg.Queue.RedisDB, "outpost")
	default:
		return nil, fmt.Errorf("unknown queue store %q", cfg.Queue.Store)
	}
}

// openBlobs builds the content store selected by the configuration
func openBlobs(cfg *config.Config) (queue.BlobStore, error) {
	switch cfg.Blob.Type {
	case "memory":
		return queue.NewMemoryBlobStore(), nil
	case "file":
		return queue.NewFileBlobStore(cfg.Blob.Dir)
	default:
		return nil, fmt.Errorf("unknown blob store %q", cfg.Blob.Type)
	}
}

// buildResolver wires the DNS client, its result cache and the candidate
// expansion.
func buildResolver(cfg *config.Config) (queue.CandidateResolver, cache.Cache, error) {
	dnsCache, err := cache.New(cache.Config{
		Type:     cfg.DNS.Cache,
		Addr:     cfg.DNS.CacheAddr,
		Password: cfg.DNS.CachePassword,
		Database: cfg.DNS.CacheDB,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dns cache: %w", err)
	}
	if err := dnsCache.Connect(); err != nil {
		return nil, nil, fmt.Errorf("dns cache: %w", err)
	}

	client := dnsresolver.NewClient(dnsresolver.ClientConfig{
		Upstreams: cfg.DNS.Upstreams,
		Timeout:   time.Duration(cfg.DNS.TimeoutSeconds) * time.Second,
		Retries:   cfg.DNS.Retries,
	})
	cached := dnsresolver.NewCachedResolver(client, dnsCache, dnsresolver.CacheConfig{
		TTLFloor:    time.Duration(cfg.DNS.TTLFloorSeconds) * time.Second,
		TTLCeiling:  time.Duration(cfg.DNS.TTLCeilingSeconds) * time.Second,
		NegativeTTL: time.Duration(cfg.DNS.NegativeTTLSeconds) * time.Second,
	})
	return dnsresolver.NewCandidateSource(cached), dnsCache, nil
}

// buildPool assembles the delivery pool from the configuration
func buildPool(cfg *config.Config) (*queue.Pool, func(), error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	blobs, err := openBlobs(cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	resolver, dnsCache, err := buildResolver(cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	executor := smtpout.NewExecutor(smtpout.Config{
		Hostname:              cfg.Server.Hostname,
		Port:                  cfg.SMTP.Port,
		ConnectTimeout:        time.Duration(cfg.SMTP.ConnectTimeoutSeconds) * time.Second,
		SessionTimeout:        time.Duration(cfg.SMTP.SessionTimeoutSeconds) * time.Second,
		TLS:                   cfg.SMTP.TLS,
		TLSInsecureSkipVerify: cfg.SMTP.TLSInsecureSkipVerify,
		BreakerThreshold:      uint32(cfg.SMTP.BreakerThreshold),
		BreakerCooldown:       time.Duration(cfg.SMTP.BreakerCooldownSecs) * time.Second,
	})

	policy := queue.DefaultBackoffPolicy()
	if schedule := cfg.RetrySchedule(); schedule != nil {
		policy.Schedule = schedule
	}
	if cfg.Queue.MaxRetries > 0 {
		policy.MaxRetries = cfg.Queue.MaxRetries
	}

	managerCfg := queue.ManagerConfig{
		LeaseFor:     time.Duration(cfg.Queue.LeaseSeconds) * time.Second,
		PollInterval: time.Duration(cfg.Queue.PollIntervalSeconds) * time.Second,
		Expiry:       time.Duration(cfg.Queue.ExpiryHours) * time.Hour,
		Policy:       policy,
	}

	// The pool is created first with bounces disabled, then the notifier is
	// attached so reports re-enter the same queue.
	var notifier queue.Notifier = queue.NopNotifier{}
	pool := queue.NewPool(cfg.Queue.Workers, store, blobs, resolver, executor, notifier, managerCfg)
	if cfg.Bounce.Enabled {
		pool.SetNotifier(bounce.NewDSNNotifier(cfg.Server.Hostname, pool))
	}

	cleanup := func() {
		dnsCache.Close()
		store.Close()
	}
	return pool, cleanup, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	pool, cleanup, err := buildPool(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ops := server.New(cfg.Server.Listen, pool)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return ops.Run(ctx) })
	return g.Wait()
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(context.Background())
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	content, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}

	pool, cleanup, err := buildPool(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	msg, invalid, err := pool.Enqueue(context.Background(), args[0], args[1:], content)
	if err != nil {
		return err
	}
	for _, addr := range invalid {
		fmt.Fprintf(os.Stderr, "rejected invalid recipient: %s\n", addr)
	}
	fmt.Printf("enqueued %s\n", msg.ID)
	return nil
}
