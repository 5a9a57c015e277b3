// Command dapd runs one DAP Aggregator, as either the Leader or the Helper.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oliy/daphne/dap"
	"github.com/oliy/daphne/hpke"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/node"
	"github.com/oliy/daphne/node/store"
	"github.com/oliy/daphne/vdaf"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defaults := node.DefaultConfig()
	cfg := defaults

	fs := flag.NewFlagSet("dapd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to JSON config file")
	role := fs.String("role", string(defaults.Role), "role: leader|helper")
	fs.StringVar(&cfg.DataDir, "datadir", defaults.DataDir, "data directory")
	fs.StringVar(&cfg.BindAddr, "bind", defaults.BindAddr, "bind address host:port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaults.LogLevel, "log level: debug|info|warn|error")
	tasksPath := fs.String("tasks", "", "path to JSON task list")
	keysPath := fs.String("hpke-keys", "", "path to JSON HPKE receiver keys")
	helperURL := fs.String("helper-url", "", "base URL of the Helper (leader only)")
	processInterval := fs.Duration("process-interval", 10*time.Second, "leader driver pass interval")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *configPath != "" {
		loaded, err := node.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "dapd: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	cfg.Role = node.Role(*role)
	if err := node.ValidateConfig(cfg); err != nil {
		fmt.Fprintf(stderr, "dapd: %v\n", err)
		return 1
	}

	logger := newLogger(stderr, cfg.LogLevel)

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "dapd: %v\n", err)
		return 1
	}
	defer db.Close()

	receivers, err := loadReceivers(*keysPath)
	if err != nil {
		fmt.Fprintf(stderr, "dapd: %v\n", err)
		return 1
	}

	tasks := node.NewTaskRegistry(db)
	if *tasksPath != "" {
		if err := loadTasks(tasks, *tasksPath); err != nil {
			fmt.Fprintf(stderr, "dapd: %v\n", err)
			return 1
		}
	}

	agg := &node.Aggregator{
		Role:               cfg.Role,
		Store:              db,
		Tasks:              tasks,
		Receivers:          receivers,
		Counters:           &dap.Counters{},
		Log:                logger,
		ReportStorageEpoch: cfg.ReportStorageEpochSeconds,
		MaxFutureTimeSkew:  cfg.MaxFutureTimeSkewSeconds,
	}

	server := &node.Server{BearerToken: cfg.BearerToken}
	var leader *node.Leader
	switch cfg.Role {
	case node.RoleLeader:
		if *helperURL == "" {
			fmt.Fprintln(stderr, "dapd: -helper-url is required for the leader")
			return 1
		}
		leader = node.NewLeader(agg, node.NewHTTPPeerClient(*helperURL, cfg.PeerBearerToken))
		server.Leader = leader
	case node.RoleHelper:
		server.Helper = node.NewHelper(agg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{Addr: cfg.BindAddr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if leader != nil {
		go driveLeader(ctx, leader, cfg.MaxReportsPerJob, *processInterval, logger)
	}

	logger.Info("dapd listening", "role", cfg.Role, "bind", cfg.BindAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(stderr, "dapd: %v\n", err)
		return 1
	}
	return 0
}

// driveLeader runs the Leader's process loop until the context ends. It is
// not safe to run two instances against the same store concurrently, so each
// pass completes before the next begins.
func driveLeader(ctx context.Context, leader *node.Leader, maxReports int, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		telem, err := leader.Process(ctx, store.ReportSelector{MaxReports: maxReports})
		if err != nil {
			logger.Error("driver pass failed", "err", err)
			continue
		}
		if telem.ReportsProcessed > 0 || telem.ReportsCollected > 0 {
			logger.Info("driver pass complete",
				"processed", telem.ReportsProcessed,
				"aggregated", telem.ReportsAggregated,
				"collected", telem.ReportsCollected)
		}
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// receiverFileEntry is one HPKE receiver key in the -hpke-keys file.
type receiverFileEntry struct {
	ID            uint8  `json:"id"`
	Aead          string `json:"aead"` // "aes128gcm" or "chacha20poly1305"
	PrivateKeyHex string `json:"private_key_hex"`
	PublicKeyHex  string `json:"public_key_hex"`
}

func loadReceivers(path string) (map[uint8]*hpke.Receiver, error) {
	out := make(map[uint8]*hpke.Receiver)
	if path == "" {
		// No key file: generate an ephemeral receiver so the process can
		// come up in development.
		receiver, err := hpke.GenerateReceiver(1, messages.AeadAes128Gcm)
		if err != nil {
			return nil, err
		}
		out[receiver.Config.ID] = receiver
		return out, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []receiverFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, entry := range entries {
		aead := messages.AeadAes128Gcm
		switch entry.Aead {
		case "", "aes128gcm":
		case "chacha20poly1305":
			aead = messages.AeadChaCha20Poly1305
		default:
			return nil, fmt.Errorf("unknown aead %q", entry.Aead)
		}
		sk, err := hex.DecodeString(entry.PrivateKeyHex)
		if err != nil {
			return nil, err
		}
		pk, err := hex.DecodeString(entry.PublicKeyHex)
		if err != nil {
			return nil, err
		}
		out[entry.ID] = &hpke.Receiver{
			Config: messages.HpkeConfig{
				ID:        entry.ID,
				KemID:     messages.KemX25519HkdfSha256,
				KdfID:     messages.KdfHkdfSha256,
				AeadID:    aead,
				PublicKey: pk,
			},
			PrivateKey: sk,
		}
	}
	return out, nil
}

// taskFileEntry is one task in the -tasks file.
type taskFileEntry struct {
	TaskIDHex        string `json:"task_id_hex"`
	Version          string `json:"version"`
	LeaderURL        string `json:"leader_url"`
	HelperURL        string `json:"helper_url"`
	TimePrecision    uint64 `json:"time_precision"`
	Expiration       uint64 `json:"expiration"`
	MinBatchSize     uint64 `json:"min_batch_size"`
	QueryType        string `json:"query_type"` // "time_interval" or "fixed_size"
	MaxBatchSize     uint64 `json:"max_batch_size"`
	VdafType         string `json:"vdaf_type"` // "prio3count", "prio3sum", "prio3histogram", "prio2"
	SumBits          int    `json:"sum_bits"`
	HistogramLength  int    `json:"histogram_length"`
	Dimension        int    `json:"dimension"`
	VerifyKeyHex     string `json:"verify_key_hex"`
	CollectorHpkeHex string `json:"collector_hpke_config_hex"`
}

func loadTasks(registry *node.TaskRegistry, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []taskFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, entry := range entries {
		taskID, cfg, err := entry.taskConfig()
		if err != nil {
			return err
		}
		if err := registry.Put(taskID, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (e *taskFileEntry) taskConfig() (messages.TaskID, *dap.TaskConfig, error) {
	var taskID messages.TaskID
	idBytes, err := hex.DecodeString(e.TaskIDHex)
	if err != nil || len(idBytes) != len(taskID) {
		return taskID, nil, fmt.Errorf("malformed task_id_hex %q", e.TaskIDHex)
	}
	copy(taskID[:], idBytes)

	version := messages.ParseVersion(e.Version)

	queryKind := messages.QueryTimeInterval
	if e.QueryType == "fixed_size" {
		queryKind = messages.QueryFixedSizeByBatchID
	}

	var vdafCfg vdaf.Config
	switch e.VdafType {
	case "prio3count":
		vdafCfg = vdaf.Config{Type: vdaf.Prio3Count}
	case "prio3sum":
		vdafCfg = vdaf.Config{Type: vdaf.Prio3Sum, SumBits: e.SumBits}
	case "prio3histogram":
		vdafCfg = vdaf.Config{Type: vdaf.Prio3Histogram, HistogramLength: e.HistogramLength}
	case "prio2":
		vdafCfg = vdaf.Config{Type: vdaf.Prio2, Dimension: e.Dimension}
	default:
		return taskID, nil, fmt.Errorf("unknown vdaf_type %q", e.VdafType)
	}

	verifyKey, err := hex.DecodeString(e.VerifyKeyHex)
	if err != nil {
		return taskID, nil, fmt.Errorf("malformed verify_key_hex")
	}

	collectorHpkeBytes, err := hex.DecodeString(e.CollectorHpkeHex)
	if err != nil {
		return taskID, nil, fmt.Errorf("malformed collector_hpke_config_hex")
	}
	collectorCfg, err := messages.DecodeHpkeConfig(collectorHpkeBytes)
	if err != nil {
		return taskID, nil, fmt.Errorf("malformed collector HPKE config: %w", err)
	}

	return taskID, &dap.TaskConfig{
		Version:             version,
		LeaderURL:           e.LeaderURL,
		HelperURL:           e.HelperURL,
		TimePrecision:       e.TimePrecision,
		Expiration:          e.Expiration,
		MinBatchSize:        e.MinBatchSize,
		Query:               dap.QueryConfig{Kind: queryKind, MaxBatchSize: e.MaxBatchSize},
		Vdaf:                vdafCfg,
		VerifyKey:           verifyKey,
		CollectorHpkeConfig: *collectorCfg,
	}, nil
}
