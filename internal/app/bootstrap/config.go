package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const minAdminKeyLength = 32

// Config is the resolved runtime configuration for the gateway and its
// workers. Both processes read the same file and environment.
type Config struct {
	ServiceID string
	LogLevel  string

	HTTPPort       int
	GRPCPort       int
	WorkerGRPCPort int

	RedisURL      string
	DatabaseURL   string
	MaxDBConns    int32
	RunMigrations bool

	AdminKey string

	KafkaBrokers []string
	KafkaTopics  map[string]string

	MonitorURL       string
	MonitorTimeout   time.Duration
	MonitorCacheSize int
	MonitorCacheTTL  time.Duration

	Queues          []string
	BacklogLimit    int64
	QueueScanLimit  int64
	RateLimit       int
	RateLimitWindow time.Duration
	ResourceQueues  map[string]string
	TaskQueues      map[string]string

	ResultTTL     time.Duration
	DispatchGrace time.Duration
	ResultLinkTTL time.Duration
	ResultURLBase string

	SidecarURL        string
	SidecarTimeout    time.Duration
	WorkerID          string
	WorkerQueues      []string
	PopTimeout        time.Duration
	PipelineCacheSize int
	TensorCacheSize   int
	HealthInterval    time.Duration
}

// configFile mirrors the YAML schema used by configs/default.yaml.
type configFile struct {
	Service struct {
		ID             string `yaml:"id"`
		HTTPPort       int    `yaml:"http_port"`
		GRPCPort       int    `yaml:"grpc_port"`
		WorkerGRPCPort int    `yaml:"worker_grpc_port"`
		LogLevel       string `yaml:"log_level"`
	} `yaml:"service"`
	Dependencies struct {
		RedisURL     string   `yaml:"redis_url"`
		PostgresURL  string   `yaml:"postgres_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
		MonitorURL   string   `yaml:"monitor_url"`
		SidecarURL   string   `yaml:"sidecar_url"`
	} `yaml:"dependencies"`
	Events struct {
		Topics map[string]string `yaml:"topics"`
	} `yaml:"events"`
	Queues struct {
		Names          []string          `yaml:"names"`
		BacklogLimit   *int64            `yaml:"backlog_limit"`
		ScanLimit      int64             `yaml:"scan_limit"`
		ResourceRoutes map[string]string `yaml:"resource_routes"`
		TaskRoutes     map[string]string `yaml:"task_routes"`
	} `yaml:"queues"`
	RateLimit struct {
		PerWindow     int `yaml:"per_window"`
		WindowSeconds int `yaml:"window_seconds"`
	} `yaml:"rate_limit"`
	Results struct {
		TTLSeconds           int    `yaml:"ttl_seconds"`
		DispatchGraceSeconds int    `yaml:"dispatch_grace_seconds"`
		LinkTTLSeconds       int    `yaml:"link_ttl_seconds"`
		URLBase              string `yaml:"url_base"`
	} `yaml:"results"`
	Worker struct {
		Queues            []string `yaml:"queues"`
		PopTimeoutSeconds int      `yaml:"pop_timeout_seconds"`
		PipelineCacheSize int      `yaml:"pipeline_cache_size"`
		TensorCacheSize   int      `yaml:"tensor_cache_size"`
	} `yaml:"worker"`
}

// LoadConfig resolves configuration in priority order: defaults -> file -> env.
// A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:        "deferred-diffusion-gateway",
		LogLevel:         "info",
		HTTPPort:         5000,
		GRPCPort:         9090,
		WorkerGRPCPort:   9091,
		MaxDBConns:       10,
		RunMigrations:    true,
		MonitorTimeout:   5 * time.Second,
		MonitorCacheSize: 128,
		MonitorCacheTTL:  5 * time.Second,
		Queues:           []string{"gpu", "cpu", "comfy"},
		BacklogLimit:     100,
		RateLimit:        60,
		RateLimitWindow:  time.Minute,
		ResourceQueues: map[string]string{
			"images":    "gpu",
			"videos":    "gpu",
			"texts":     "gpu",
			"workflows": "comfy",
		},
		TaskQueues:        map[string]string{},
		ResultTTL:         24 * time.Hour,
		DispatchGrace:     10 * time.Second,
		ResultLinkTTL:     15 * time.Minute,
		SidecarURL:        "http://127.0.0.1:7000",
		SidecarTimeout:    30 * time.Minute,
		PopTimeout:        5 * time.Second,
		PipelineCacheSize: 1,
		TensorCacheSize:   64,
		HealthInterval:    5 * time.Second,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		applyFile(&cfg, f)
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg.ServiceID = envOrDefault("SERVICE_ID", cfg.ServiceID)
	cfg.LogLevel = strings.ToLower(envOrDefault("LOG_LEVEL", cfg.LogLevel))
	cfg.RedisURL = envOrDefault("REDIS_URL", envOrDefault("CELERY_BROKER_URL", cfg.RedisURL))
	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.RunMigrations = envBool("DB_RUN_MIGRATIONS", cfg.RunMigrations)
	cfg.AdminKey = envOrDefault("ADMIN_KEY", cfg.AdminKey)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.MonitorURL = envOrDefault("FLOWER_URL", cfg.MonitorURL)
	cfg.SidecarURL = envOrDefault("SIDECAR_URL", cfg.SidecarURL)
	cfg.ResultURLBase = envOrDefault("RESULT_URL_BASE", cfg.ResultURLBase)
	cfg.WorkerID = envOrDefault("WORKER_ID", cfg.WorkerID)
	cfg.Queues = envCSV("QUEUES", cfg.Queues)
	cfg.WorkerQueues = envCSV("WORKER_QUEUES", cfg.WorkerQueues)

	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.WorkerGRPCPort = envInt("WORKER_GRPC_PORT", cfg.WorkerGRPCPort)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.BacklogLimit = int64(envInt("BACKLOG_LIMIT", int(cfg.BacklogLimit)))
	cfg.QueueScanLimit = int64(envInt("QUEUE_SCAN_LIMIT", int(cfg.QueueScanLimit)))
	cfg.RateLimit = envInt("CREATE_LIMIT_PER_WINDOW", cfg.RateLimit)
	cfg.PipelineCacheSize = envInt("PIPELINE_CACHE_SIZE", cfg.PipelineCacheSize)
	cfg.TensorCacheSize = envInt("TENSOR_CACHE_SIZE", cfg.TensorCacheSize)

	cfg.RateLimitWindow = time.Duration(envInt("CREATE_LIMIT_WINDOW_SECONDS", int(cfg.RateLimitWindow.Seconds()))) * time.Second
	cfg.ResultTTL = time.Duration(envInt("RESULT_TTL_SECONDS", int(cfg.ResultTTL.Seconds()))) * time.Second
	cfg.DispatchGrace = time.Duration(envInt("DISPATCH_GRACE_SECONDS", int(cfg.DispatchGrace.Seconds()))) * time.Second
	cfg.ResultLinkTTL = time.Duration(envInt("RESULT_LINK_TTL_SECONDS", int(cfg.ResultLinkTTL.Seconds()))) * time.Second
	cfg.PopTimeout = time.Duration(envInt("WORKER_POP_TIMEOUT_SECONDS", int(cfg.PopTimeout.Seconds()))) * time.Second
	cfg.MonitorTimeout = time.Duration(envInt("FLOWER_TIMEOUT_SECONDS", int(cfg.MonitorTimeout.Seconds()))) * time.Second

	if len(cfg.WorkerQueues) == 0 {
		cfg.WorkerQueues = cfg.Queues
	}

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("missing REDIS_URL")
	}
	if len(cfg.AdminKey) < minAdminKeyLength {
		return Config{}, fmt.Errorf("ADMIN_KEY must be at least %d characters", minAdminKeyLength)
	}
	if len(cfg.Queues) == 0 {
		return Config{}, fmt.Errorf("at least one queue is required")
	}
	if cfg.BacklogLimit == 0 {
		return Config{}, fmt.Errorf("BACKLOG_LIMIT must be non-zero; use a negative value to disable admission control")
	}
	if cfg.PipelineCacheSize <= 0 {
		return Config{}, fmt.Errorf("PIPELINE_CACHE_SIZE must be positive")
	}
	if cfg.TensorCacheSize <= 0 {
		return Config{}, fmt.Errorf("TENSOR_CACHE_SIZE must be positive")
	}

	return cfg, nil
}

func applyFile(cfg *Config, f configFile) {
	if f.Service.ID != "" {
		cfg.ServiceID = f.Service.ID
	}
	if f.Service.LogLevel != "" {
		cfg.LogLevel = f.Service.LogLevel
	}
	if f.Service.HTTPPort > 0 {
		cfg.HTTPPort = f.Service.HTTPPort
	}
	if f.Service.GRPCPort > 0 {
		cfg.GRPCPort = f.Service.GRPCPort
	}
	if f.Service.WorkerGRPCPort > 0 {
		cfg.WorkerGRPCPort = f.Service.WorkerGRPCPort
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	if f.Dependencies.MonitorURL != "" {
		cfg.MonitorURL = f.Dependencies.MonitorURL
	}
	if f.Dependencies.SidecarURL != "" {
		cfg.SidecarURL = f.Dependencies.SidecarURL
	}
	if len(f.Events.Topics) > 0 {
		cfg.KafkaTopics = f.Events.Topics
	}
	if len(f.Queues.Names) > 0 {
		cfg.Queues = f.Queues.Names
	}
	if f.Queues.BacklogLimit != nil {
		cfg.BacklogLimit = *f.Queues.BacklogLimit
	}
	if f.Queues.ScanLimit > 0 {
		cfg.QueueScanLimit = f.Queues.ScanLimit
	}
	for resource, queue := range f.Queues.ResourceRoutes {
		cfg.ResourceQueues[resource] = queue
	}
	for task, queue := range f.Queues.TaskRoutes {
		cfg.TaskQueues[task] = queue
	}
	if f.RateLimit.PerWindow != 0 {
		cfg.RateLimit = f.RateLimit.PerWindow
	}
	if f.RateLimit.WindowSeconds > 0 {
		cfg.RateLimitWindow = time.Duration(f.RateLimit.WindowSeconds) * time.Second
	}
	if f.Results.TTLSeconds > 0 {
		cfg.ResultTTL = time.Duration(f.Results.TTLSeconds) * time.Second
	}
	if f.Results.DispatchGraceSeconds > 0 {
		cfg.DispatchGrace = time.Duration(f.Results.DispatchGraceSeconds) * time.Second
	}
	if f.Results.LinkTTLSeconds > 0 {
		cfg.ResultLinkTTL = time.Duration(f.Results.LinkTTLSeconds) * time.Second
	}
	if f.Results.URLBase != "" {
		cfg.ResultURLBase = f.Results.URLBase
	}
	if len(f.Worker.Queues) > 0 {
		cfg.WorkerQueues = f.Worker.Queues
	}
	if f.Worker.PopTimeoutSeconds > 0 {
		cfg.PopTimeout = time.Duration(f.Worker.PopTimeoutSeconds) * time.Second
	}
	if f.Worker.PipelineCacheSize > 0 {
		cfg.PipelineCacheSize = f.Worker.PipelineCacheSize
	}
	if f.Worker.TensorCacheSize > 0 {
		cfg.TensorCacheSize = f.Worker.TensorCacheSize
	}
}

// envOrDefault returns an env var when present, otherwise the provided fallback.
func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt parses integer env vars with safe fallback on empty/invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

// envCSV parses comma-separated env vars and removes empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		parts = append(parts, trimmed)
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
