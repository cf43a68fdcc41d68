package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	DataDir  string // pebble projection + outbox
	LogFile  string
	LogLevel string
}

type Engine struct {
	// InboxSize bounds the per-instrument command queue. A full inbox makes
	// submitters wait; it never drops commands.
	InboxSize int
	// SnapshotEvery publishes a full book snapshot after this many deltas
	// (0 disables periodic snapshots).
	SnapshotEvery int
	SnapshotDepth int
	FeeAccount    string
	// DispatchBuffer is the event backlog size that triggers a warning.
	// The backlog itself is unbounded.
	DispatchBuffer int
}

type Instruments struct {
	File string
}

type Events struct {
	// Driver selects the outbox publisher: "none", "kafka-go" or "sarama".
	Driver        string
	Brokers       []string
	Topic         string
	RelayInterval time.Duration
	RelayBatch    int
}

type Cache struct {
	RedisAddr   string // empty disables the snapshot cache
	SnapshotTTL time.Duration
}

type Session struct {
	DayClose string // "HH:MM:SS", local time; empty disables DAY expiry
}

type LoadGen struct {
	Enabled   bool
	Accounts  int
	Interval  time.Duration
	BatchSize int
}

type Config struct {
	Node        Node
	Engine      Engine
	Instruments Instruments
	Events      Events
	Cache       Cache
	Session     Session
	LoadGen     LoadGen
}

func Default() Config {
	return Config{
		Node: Node{
			DataDir:  "data/store",
			LogFile:  "data/node.log",
			LogLevel: "info",
		},
		Engine: Engine{
			InboxSize:      1024,
			SnapshotEvery:  100,
			SnapshotDepth:  50,
			FeeAccount:     "exchange",
			DispatchBuffer: 8192,
		},
		Instruments: Instruments{
			File: "instruments.yaml",
		},
		Events: Events{
			Driver:        "none",
			Brokers:       []string{"localhost:9092"},
			Topic:         "matchcore.events",
			RelayInterval: 250 * time.Millisecond,
			RelayBatch:    512,
		},
		Cache: Cache{
			SnapshotTTL: time.Minute,
		},
		Session: Session{
			DayClose: "17:00:00",
		},
		LoadGen: LoadGen{
			Enabled:   false,
			Accounts:  50,
			Interval:  100 * time.Millisecond,
			BatchSize: 10,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)

	cfg.Engine.InboxSize = getEnvInt("ENGINE_INBOX_SIZE", cfg.Engine.InboxSize)
	cfg.Engine.SnapshotEvery = getEnvInt("ENGINE_SNAPSHOT_EVERY", cfg.Engine.SnapshotEvery)
	cfg.Engine.SnapshotDepth = getEnvInt("ENGINE_SNAPSHOT_DEPTH", cfg.Engine.SnapshotDepth)
	cfg.Engine.FeeAccount = getEnv("FEE_ACCOUNT", cfg.Engine.FeeAccount)
	cfg.Engine.DispatchBuffer = getEnvInt("DISPATCH_BUFFER", cfg.Engine.DispatchBuffer)

	cfg.Instruments.File = getEnv("INSTRUMENTS_FILE", cfg.Instruments.File)

	cfg.Events.Driver = getEnv("EVENTS_DRIVER", cfg.Events.Driver)
	if brokers := os.Getenv("EVENTS_BROKERS"); brokers != "" {
		cfg.Events.Brokers = strings.Split(brokers, ",")
	}
	cfg.Events.Topic = getEnv("EVENTS_TOPIC", cfg.Events.Topic)
	cfg.Events.RelayInterval = getEnvMillis("EVENTS_RELAY_INTERVAL_MS", cfg.Events.RelayInterval)
	cfg.Events.RelayBatch = getEnvInt("EVENTS_RELAY_BATCH", cfg.Events.RelayBatch)

	cfg.Cache.RedisAddr = getEnv("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.SnapshotTTL = getEnvMillis("CACHE_SNAPSHOT_TTL_MS", cfg.Cache.SnapshotTTL)

	cfg.Session.DayClose = getEnv("SESSION_DAY_CLOSE", cfg.Session.DayClose)

	if enabled := os.Getenv("LOADGEN_ENABLED"); enabled != "" {
		cfg.LoadGen.Enabled = enabled == "true"
	}
	cfg.LoadGen.Accounts = getEnvInt("LOADGEN_ACCOUNTS", cfg.LoadGen.Accounts)
	cfg.LoadGen.Interval = getEnvMillis("LOADGEN_INTERVAL_MS", cfg.LoadGen.Interval)
	cfg.LoadGen.BatchSize = getEnvInt("LOADGEN_BATCH_SIZE", cfg.LoadGen.BatchSize)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
