// Package cfg holds vigil's process-wide configuration, loaded from a
// TOML file with sensible defaults for embedded use.
package cfg

import (
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// SQLiteConfiguration controls the bundled SQLite statement executor.
type SQLiteConfiguration struct {
	Path        string `toml:"path"`
	WAL         bool   `toml:"wal"`
	BusyTimeout int    `toml:"busy_timeout_ms"`
}

// DispatchConfiguration controls commit delivery.
type DispatchConfiguration struct {
	// ViewQueueSize is the per-view-set buffer of committed batches
	// awaiting incremental evaluation. A full queue applies
	// backpressure to commit publication rather than dropping batches.
	ViewQueueSize int `toml:"view_queue_size"`
}

// SinkConfiguration describes one external destination for committed
// change events.
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"` // "nats" or "kafka"
	TopicPrefix     string   `toml:"topic_prefix"`
	NatsURL         string   `toml:"nats_url"`
	Brokers         []string `toml:"brokers"`
	BatchSize       int      `toml:"batch_size"`
	Compression     bool     `toml:"compression"` // zstd payload compression
	FilterRelations []string `toml:"filter_relations"`
}

// Configuration is the root config object.
type Configuration struct {
	OriginID uint64 `toml:"origin_id"` // 0 = derive from machine ID

	Logging  LoggingConfiguration  `toml:"logging"`
	SQLite   SQLiteConfiguration   `toml:"sqlite"`
	Dispatch DispatchConfiguration `toml:"dispatch"`
	Sinks    []SinkConfiguration   `toml:"sinks"`
}

// Config is the active configuration. Load replaces its contents.
var Config = defaultConfig()

func defaultConfig() *Configuration {
	return &Configuration{
		OriginID: 0,
		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},
		SQLite: SQLiteConfiguration{
			Path:        "vigil.db",
			WAL:         true,
			BusyTimeout: 5000,
		},
		Dispatch: DispatchConfiguration{
			ViewQueueSize: 256,
		},
	}
}

// Load reads configuration from path, falling back to defaults when
// the file does not exist, and derives the origin ID if unset.
func Load(configPath string) error {
	Config = defaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if Config.OriginID == 0 {
		var err error
		Config.OriginID, err = generateOriginID()
		if err != nil {
			return fmt.Errorf("failed to generate origin ID: %w", err)
		}
		log.Info().Uint64("origin_id", Config.OriginID).Msg("Auto-generated origin ID")
	}

	return Validate()
}

// generateOriginID derives a stable process origin ID from the machine ID.
func generateOriginID() (uint64, error) {
	id, err := machineid.ProtectedID("vigil")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors.
func Validate() error {
	if Config.Dispatch.ViewQueueSize < 1 {
		return fmt.Errorf("view queue size must be >= 1, got %d", Config.Dispatch.ViewQueueSize)
	}
	for _, sink := range Config.Sinks {
		switch sink.Type {
		case "nats":
			if sink.NatsURL == "" {
				return fmt.Errorf("sink %q: nats sink requires nats_url", sink.Name)
			}
		case "kafka":
			if len(sink.Brokers) == 0 {
				return fmt.Errorf("sink %q: kafka sink requires brokers", sink.Name)
			}
		default:
			return fmt.Errorf("sink %q: unknown type %q", sink.Name, sink.Type)
		}
	}
	return nil
}

// ConfigureLogging applies the logging configuration to zerolog.
func ConfigureLogging() {
	if Config.Logging.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if Config.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
