// Package config loads cronicled's configuration from defaults, an optional
// YAML file, and environment variable overrides, in that precedence order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls node-wide identity and the admin secret.
type ServerConfig struct {
	BaseAppURL    string `json:"base_app_url" yaml:"base_app_url" env:"CRONICLE_BASE_APP_URL"`
	SecretKey     string `json:"secret_key" yaml:"secret_key" env:"CRONICLE_secret_key"`
	SecretKeyFile string `json:"secret_key_file" yaml:"secret_key_file" env:"CRONICLE_SECRET_KEY_FILE"`
	PidFile       string `json:"pid_file" yaml:"pid_file" env:"CRONICLE_PID_FILE"`
	Maintenance   string `json:"maintenance" yaml:"maintenance" env:"CRONICLE_MAINTENANCE"`
}

// StorageConfig selects and tunes the KV engine adapter and the storage core
// built on top of it.
type StorageConfig struct {
	Engine         string `json:"engine" yaml:"engine" env:"STORAGE_ENGINE"` // "localfs" | "redis" | "postgres"
	BaseDir        string `json:"base_dir" yaml:"base_dir" env:"STORAGE_BASE_DIR"`
	QueueDir       string `json:"queue_dir" yaml:"queue_dir" env:"STORAGE_QUEUE_DIR"`
	KeyPrefix      string `json:"key_prefix" yaml:"key_prefix" env:"STORAGE_KEY_PREFIX"`
	ListPageSize   int    `json:"list_page_size" yaml:"list_page_size" env:"STORAGE_LIST_PAGE_SIZE"`
	HashPageSize   int    `json:"hash_page_size" yaml:"hash_page_size" env:"STORAGE_HASH_PAGE_SIZE"`
	Concurrency    int    `json:"concurrency" yaml:"concurrency" env:"STORAGE_CONCURRENCY"`
	RedisURL       string `json:"redis_url" yaml:"redis_url" env:"STORAGE_REDIS_URL"`
	PostgresDSN    string `json:"postgres_dsn" yaml:"postgres_dsn" env:"STORAGE_POSTGRES_DSN"`
	TransactionDir string `json:"transaction_dir" yaml:"transaction_dir" env:"STORAGE_TRANSACTION_DIR"`
}

// WebServerConfig controls the HTTP(S) transport.
type WebServerConfig struct {
	Host                  string `json:"host" yaml:"host" env:"WEBSERVER_HOST"`
	HTTPPort              int    `json:"http_port" yaml:"http_port" env:"WEBSERVER_HTTP_PORT"`
	HTTPSPort             int    `json:"https_port" yaml:"https_port" env:"WEBSERVER_HTTPS_PORT"`
	MaxConcurrentRequests int    `json:"max_concurrent_requests" yaml:"max_concurrent_requests" env:"WEBSERVER_MAX_CONCURRENT_REQUESTS"`
	MaxQueueLength        int    `json:"max_queue_length" yaml:"max_queue_length" env:"WEBSERVER_MAX_QUEUE_LENGTH"`
	MaxQueueActive        int    `json:"max_queue_active" yaml:"max_queue_active" env:"WEBSERVER_MAX_QUEUE_ACTIVE"`
	PrelimTimeoutSec      int    `json:"prelim_timeout" yaml:"prelim_timeout" env:"WEBSERVER_PRELIM_TIMEOUT"`
	HTTPTimeoutSec        int    `json:"http_timeout" yaml:"http_timeout" env:"WEBSERVER_HTTP_TIMEOUT"`
	HTTPRequestTimeoutSec int    `json:"http_request_timeout" yaml:"http_request_timeout" env:"WEBSERVER_HTTP_REQUEST_TIMEOUT"`
}

// ClusterConfig controls discovery, election, and broadcast behavior.
type ClusterConfig struct {
	UDPBroadcastPort      int    `json:"udp_broadcast_port" yaml:"udp_broadcast_port" env:"CLUSTER_UDP_BROADCAST_PORT"`
	ManagerPingFreqSec    int    `json:"manager_ping_freq" yaml:"manager_ping_freq" env:"CLUSTER_MANAGER_PING_FREQ"`
	ManagerPingTimeoutSec int    `json:"manager_ping_timeout" yaml:"manager_ping_timeout" env:"CLUSTER_MANAGER_PING_TIMEOUT"`
	SchedulerStartupGrace int    `json:"scheduler_startup_grace" yaml:"scheduler_startup_grace" env:"CLUSTER_SCHEDULER_STARTUP_GRACE"`
	UseHostnamesForComm   bool   `json:"server_comm_use_hostnames" yaml:"server_comm_use_hostnames" env:"CLUSTER_SERVER_COMM_USE_HOSTNAMES"`
	UseHostnamesForWS     bool   `json:"web_socket_use_hostnames" yaml:"web_socket_use_hostnames" env:"CLUSTER_WEB_SOCKET_USE_HOSTNAMES"`
	Hostname              string `json:"hostname" yaml:"hostname" env:"CLUSTER_HOSTNAME"`
}

// JobsConfig controls dispatcher-wide defaults and limits.
type JobsConfig struct {
	ListRowMax          int               `json:"list_row_max" yaml:"list_row_max" env:"JOBS_LIST_ROW_MAX"`
	JobDataExpireDays   int               `json:"job_data_expire_days" yaml:"job_data_expire_days" env:"JOBS_DATA_EXPIRE_DAYS"`
	ChildKillTimeoutSec int               `json:"child_kill_timeout" yaml:"child_kill_timeout" env:"JOBS_CHILD_KILL_TIMEOUT"`
	DeadJobTimeoutSec   int               `json:"dead_job_timeout" yaml:"dead_job_timeout" env:"JOBS_DEAD_JOB_TIMEOUT"`
	MaxJobs             int               `json:"max_jobs" yaml:"max_jobs" env:"JOBS_MAX_JOBS"`
	JobMemoryMax        int64             `json:"job_memory_max" yaml:"job_memory_max" env:"JOBS_MEMORY_MAX"`
	JobMemorySustainSec int               `json:"job_memory_sustain" yaml:"job_memory_sustain" env:"JOBS_MEMORY_SUSTAIN"`
	JobCPUMax           int               `json:"job_cpu_max" yaml:"job_cpu_max" env:"JOBS_CPU_MAX"`
	JobCPUSustainSec    int               `json:"job_cpu_sustain" yaml:"job_cpu_sustain" env:"JOBS_CPU_SUSTAIN"`
	JobLogMaxSize       int64             `json:"job_log_max_size" yaml:"job_log_max_size" env:"JOBS_LOG_MAX_SIZE"`
	TrackManualJobs     bool              `json:"track_manual_jobs" yaml:"track_manual_jobs" env:"JOBS_TRACK_MANUAL"`
	UniversalWebHook    string            `json:"universal_web_hook" yaml:"universal_web_hook" env:"JOBS_UNIVERSAL_WEB_HOOK"`
	Env                 map[string]string `json:"job_env" yaml:"job_env"`
}

// UserConfig controls the out-of-core session validation surface.
type UserConfig struct {
	SessionExpireDays int `json:"session_expire_days" yaml:"session_expire_days" env:"USER_SESSION_EXPIRE_DAYS"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
	DebugLevel int    `json:"debug_level" yaml:"debug_level" env:"CRONICLE_DEBUG_LEVEL"`
}

// Config is the top-level configuration structure, matching spec.md §6.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Storage   StorageConfig   `json:"Storage" yaml:"Storage"`
	WebServer WebServerConfig `json:"WebServer" yaml:"WebServer"`
	Cluster   ClusterConfig   `json:"cluster" yaml:"cluster"`
	Jobs      JobsConfig      `json:"jobs" yaml:"jobs"`
	User      UserConfig      `json:"User" yaml:"User"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// New returns a configuration populated with defaults matching spec.md's
// documented defaults for the scheduling/storage knobs.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			BaseAppURL: "http://localhost:3012",
			PidFile:    "logs/cronicled.pid",
		},
		Storage: StorageConfig{
			Engine:       "localfs",
			BaseDir:      "data",
			QueueDir:     "data/_queue",
			ListPageSize: 50,
			HashPageSize: 50,
			Concurrency:  4,
		},
		WebServer: WebServerConfig{
			Host:                  "0.0.0.0",
			HTTPPort:              3012,
			MaxConcurrentRequests: 32,
			MaxQueueLength:        1024,
			MaxQueueActive:        32,
		},
		Cluster: ClusterConfig{
			UDPBroadcastPort:      3014,
			ManagerPingFreqSec:    20,
			ManagerPingTimeoutSec: 60,
			SchedulerStartupGrace: 10,
		},
		Jobs: JobsConfig{
			ListRowMax:        10000,
			JobDataExpireDays: 180,
			MaxJobs:           500,
			Env:               map[string]string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "cronicled",
		},
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a YAML file without the environment overlay.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadJSON reads configuration from a JSON file; used by tests and by the
// `init` CLI subcommand's setup manifest loader.
func LoadJSON(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.Server.SecretKeyFile != "" && c.Server.SecretKey == "" {
		if data, err := os.ReadFile(c.Server.SecretKeyFile); err == nil {
			c.Server.SecretKey = strings.TrimSpace(string(data))
		}
	}
	if c.Storage.Concurrency <= 0 {
		c.Storage.Concurrency = 4
	}
	if c.Storage.ListPageSize <= 0 {
		c.Storage.ListPageSize = 50
	}
	if c.Storage.HashPageSize <= 0 {
		c.Storage.HashPageSize = 50
	}
	if c.Jobs.Env == nil {
		c.Jobs.Env = map[string]string{}
	}
}

// Validate enforces the non-numeric, required secret_key invariant from
// spec.md §6 (the Config section).
func (c *Config) Validate() error {
	if c.Server.SecretKey == "" {
		return fmt.Errorf("config: secret_key is required")
	}
	if _, err := strconvAtoiOK(c.Server.SecretKey); err {
		return fmt.Errorf("config: secret_key must not be purely numeric")
	}
	return nil
}

func strconvAtoiOK(s string) (int, bool) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, len(s) > 0
}
