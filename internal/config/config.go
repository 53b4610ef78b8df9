package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "parksync.cfg.json"

// SessionConfig selects the role and its endpoints.
type SessionConfig struct {
	Mode           string `json:"mode" mapstructure:"mode"`
	Listen         string `json:"listen" mapstructure:"listen"`
	ServerURL      string `json:"serverUrl" mapstructure:"serverUrl"`
	PlayerName     string `json:"playerName" mapstructure:"playerName"`
	KeyFingerprint string `json:"keyFingerprint" mapstructure:"keyFingerprint"`
}

// ServerConfig is what the authority advertises and enforces.
type ServerConfig struct {
	Name             string   `json:"name" mapstructure:"name"`
	Description      string   `json:"description" mapstructure:"description"`
	ProviderName     string   `json:"providerName" mapstructure:"providerName"`
	ProviderEmail    string   `json:"providerEmail" mapstructure:"providerEmail"`
	ProviderWebsite  string   `json:"providerWebsite" mapstructure:"providerWebsite"`
	KnownKeysOnly    bool     `json:"knownKeysOnly" mapstructure:"knownKeysOnly"`
	KnownKeys        []string `json:"knownKeys" mapstructure:"knownKeys"`
	LogServerActions bool     `json:"logServerActions" mapstructure:"logServerActions"`
}

// TickConfig controls the tick loop.
type TickConfig struct {
	IntervalMs int `json:"intervalMs" mapstructure:"intervalMs"`
}

// SnapshotConfig controls fingerprint capture.
type SnapshotConfig struct {
	Cadence    uint64 `json:"cadence" mapstructure:"cadence"`
	StateEvery uint64 `json:"stateEvery" mapstructure:"stateEvery"`
	Window     int    `json:"window" mapstructure:"window"`
	// Diagnostics is how many recent order keys a desync report lists.
	Diagnostics int `json:"diagnostics" mapstructure:"diagnostics"`
}

// ReplicationConfig controls the replication channel.
type ReplicationConfig struct {
	Strict            bool    `json:"strict" mapstructure:"strict"`
	Backlog           int     `json:"backlog" mapstructure:"backlog"`
	ResendTimeoutMs   int     `json:"resendTimeoutMs" mapstructure:"resendTimeoutMs"`
	MaxResendAttempts int     `json:"maxResendAttempts" mapstructure:"maxResendAttempts"`
	AckTimeoutMs      int     `json:"ackTimeoutMs" mapstructure:"ackTimeoutMs"`
	PingIntervalMs    int     `json:"pingIntervalMs" mapstructure:"pingIntervalMs"`
	SubmitRate        float64 `json:"submitRate" mapstructure:"submitRate"`
	SubmitBurst       int     `json:"submitBurst" mapstructure:"submitBurst"`
}

// ReplayConfig selects the replay log backend.
type ReplayConfig struct {
	Type           string `json:"type" mapstructure:"type"`
	Path           string `json:"path" mapstructure:"path"`
	DumpIntervalMs int    `json:"dumpIntervalMs" mapstructure:"dumpIntervalMs"`
	ExportDir      string `json:"exportDir" mapstructure:"exportDir"`
	CompressOutput bool   `json:"compressOutput" mapstructure:"compressOutput"`
	StreamURL      string `json:"streamUrl" mapstructure:"streamUrl"`
	StreamSecret   string `json:"streamSecret" mapstructure:"streamSecret"`
}

// RedisConfig holds the fingerprint board settings.
type RedisConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	URL      string `json:"url" mapstructure:"url"`
	PoolSize int    `json:"poolSize" mapstructure:"poolSize"`
	TTLSec   int    `json:"ttlSec" mapstructure:"ttlSec"`
}

// APIConfig holds the replay archive settings.
type APIConfig struct {
	ServerURL string `json:"serverUrl" mapstructure:"serverUrl"`
	APIKey    string `json:"apiKey" mapstructure:"apiKey"`
	// Retries is how often a failed upload is repeated.
	Retries int `json:"retries" mapstructure:"retries"`
}

// Settings is the typed view of the whole configuration.
type Settings struct {
	LogLevel    string            `json:"logLevel" mapstructure:"logLevel"`
	LogsDir     string            `json:"logsDir" mapstructure:"logsDir"`
	Session     SessionConfig     `json:"session" mapstructure:"session"`
	Server      ServerConfig      `json:"server" mapstructure:"server"`
	Tick        TickConfig        `json:"tick" mapstructure:"tick"`
	Snapshot    SnapshotConfig    `json:"snapshot" mapstructure:"snapshot"`
	Replication ReplicationConfig `json:"replication" mapstructure:"replication"`
	Replay      ReplayConfig      `json:"replay" mapstructure:"replay"`
	Redis       RedisConfig       `json:"redis" mapstructure:"redis"`
	API         APIConfig         `json:"api" mapstructure:"api"`
}

// TickInterval returns the configured tick interval.
func (s Settings) TickInterval() time.Duration {
	return time.Duration(s.Tick.IntervalMs) * time.Millisecond
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file. A missing file
// leaves the defaults in place.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// SetDefaults registers the default value of every key.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./parksynclogs")

	viper.SetDefault("session.mode", "authority")
	viper.SetDefault("session.listen", ":11753")
	viper.SetDefault("session.serverUrl", "ws://localhost:11753/sync")
	viper.SetDefault("session.playerName", "Player")
	viper.SetDefault("session.keyFingerprint", "")

	viper.SetDefault("server.name", "parksync server")
	viper.SetDefault("server.description", "")
	viper.SetDefault("server.providerName", "")
	viper.SetDefault("server.providerEmail", "")
	viper.SetDefault("server.providerWebsite", "")
	viper.SetDefault("server.knownKeysOnly", false)
	viper.SetDefault("server.knownKeys", []string{})
	viper.SetDefault("server.logServerActions", false)

	viper.SetDefault("tick.intervalMs", 25)

	viper.SetDefault("snapshot.cadence", 20)
	viper.SetDefault("snapshot.stateEvery", 10)
	viper.SetDefault("snapshot.window", 32)
	viper.SetDefault("snapshot.diagnostics", 16)

	viper.SetDefault("replication.strict", true)
	viper.SetDefault("replication.backlog", 1024)
	viper.SetDefault("replication.resendTimeoutMs", 2000)
	viper.SetDefault("replication.maxResendAttempts", 5)
	viper.SetDefault("replication.ackTimeoutMs", 30000)
	viper.SetDefault("replication.pingIntervalMs", 10000)
	viper.SetDefault("replication.submitRate", 20.0)
	viper.SetDefault("replication.submitBurst", 40)

	viper.SetDefault("replay.type", "memory")
	viper.SetDefault("replay.path", "./replays/parksync.db")
	viper.SetDefault("replay.dumpIntervalMs", 180000)
	viper.SetDefault("replay.exportDir", "./replays")
	viper.SetDefault("replay.compressOutput", true)
	viper.SetDefault("replay.streamUrl", "ws://localhost:5000/api/v1/stream")
	viper.SetDefault("replay.streamSecret", "")

	viper.SetDefault("api.serverUrl", "http://localhost:5000")
	viper.SetDefault("api.apiKey", "")
	viper.SetDefault("api.retries", 2)

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "parksync")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "parksync-metrics")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("redis.poolSize", 10)
	viper.SetDefault("redis.ttlSec", 3600)

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// Current decodes the loaded configuration.
func Current() (Settings, error) {
	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decoding config: %w", err)
	}
	return s, nil
}

// Set overrides a value, as command-line flags do.
func Set(key string, value any) {
	viper.Set(key, value)
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}
