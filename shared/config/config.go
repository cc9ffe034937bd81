package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	// Field-client identity. Every event appended locally carries these.
	DeviceID  string
	SessionID string
	ActorID   string
	ActorName string
	ActorRole string

	// Local durable storage (append-only event log + outbox).
	LocalDBPath string

	// Relay (remote persistence/channel service).
	RelayURL       string
	RelayTimeoutMS int

	// Outbound sync loop.
	SyncScanSec     int
	SyncBatchSize   int
	SyncMaxAttempts int

	// Presence heartbeat.
	HeartbeatSec        int
	PresenceMissedBeats int

	// Conflict detection.
	ConflictThresholdMS int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	DispatchScanSec     int
	DispatchBatchSize   int
	DispatchMaxAttempts int

	RateLimitRPS   float64
	RateLimitBurst int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                 envRaw,
		ServiceName:         serviceNameDefault,
		HTTPPort:            httpPortDefault,
		LogLevel:            "info",
		ConfigPath:          strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:    30000,
		LocalDBPath:         "",
		RelayTimeoutMS:      10000,
		SyncScanSec:         5,
		SyncBatchSize:       50,
		SyncMaxAttempts:     8,
		HeartbeatSec:        30,
		PresenceMissedBeats: 3,
		ConflictThresholdMS: 5000,
		DBMaxConns:          10,
		DBMinConns:          1,
		DBConnMaxIdleSec:    300,
		DBConnMaxLifeSec:    1800,
		KafkaRetryMax:       5,
		KafkaWriteMS:        5000,
		AsynqQueue:          "default",
		AsynqConcurrency:    10,
		DispatchScanSec:     5,
		DispatchBatchSize:   50,
		DispatchMaxAttempts: 20,
		RateLimitRPS:        20,
		RateLimitBurst:      40,
		InfluxTimeoutMS:     5000,
		OtelInsecure:        true,
		OtelSampleRatio:     1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		for key, value := range fileData {
			key = strings.ToUpper(strings.TrimSpace(key))
			if key == "ENV" {
				if s, ok := value.(string); ok && strings.TrimSpace(s) != "" {
					cfg.Env = strings.TrimSpace(s)
					envProvided = true
				}
				continue
			}
			applyKey(&cfg, key, stringify(value), &problems)
		}
	} else {
		problems = append(problems, fileProblems...)
	}

	for _, key := range settableKeys() {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			applyKey(&cfg, key, v, &problems)
		}
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.SyncScanSec <= 0 {
		problems = append(problems, Problem{Field: "SYNC_SCAN_INTERVAL_SECONDS", Message: "SYNC_SCAN_INTERVAL_SECONDS must be > 0"})
		cfg.SyncScanSec = 5
	}
	if cfg.SyncBatchSize <= 0 {
		problems = append(problems, Problem{Field: "SYNC_BATCH_SIZE", Message: "SYNC_BATCH_SIZE must be > 0"})
		cfg.SyncBatchSize = 50
	}
	if cfg.SyncMaxAttempts <= 0 {
		problems = append(problems, Problem{Field: "SYNC_MAX_ATTEMPTS", Message: "SYNC_MAX_ATTEMPTS must be > 0"})
		cfg.SyncMaxAttempts = 8
	}
	if cfg.HeartbeatSec <= 0 {
		problems = append(problems, Problem{Field: "PRESENCE_HEARTBEAT_SECONDS", Message: "PRESENCE_HEARTBEAT_SECONDS must be > 0"})
		cfg.HeartbeatSec = 30
	}
	if cfg.PresenceMissedBeats <= 0 {
		problems = append(problems, Problem{Field: "PRESENCE_MISSED_BEATS", Message: "PRESENCE_MISSED_BEATS must be > 0"})
		cfg.PresenceMissedBeats = 3
	}
	if cfg.ConflictThresholdMS < 0 {
		problems = append(problems, Problem{Field: "CONFLICT_THRESHOLD_MS", Message: "CONFLICT_THRESHOLD_MS must be >= 0"})
		cfg.ConflictThresholdMS = 5000
	}
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 || cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be 0..DB_MAX_CONNS"})
		cfg.DBMinConns = 1
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.DispatchScanSec <= 0 {
		problems = append(problems, Problem{Field: "DISPATCH_SCAN_INTERVAL_SECONDS", Message: "DISPATCH_SCAN_INTERVAL_SECONDS must be > 0"})
		cfg.DispatchScanSec = 5
	}
	if cfg.DispatchBatchSize <= 0 {
		problems = append(problems, Problem{Field: "DISPATCH_BATCH_SIZE", Message: "DISPATCH_BATCH_SIZE must be > 0"})
		cfg.DispatchBatchSize = 50
	}
	if cfg.DispatchMaxAttempts <= 0 {
		problems = append(problems, Problem{Field: "DISPATCH_MAX_ATTEMPTS", Message: "DISPATCH_MAX_ATTEMPTS must be > 0"})
		cfg.DispatchMaxAttempts = 20
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func settableKeys() []string {
	return []string{
		"SERVICE_NAME", "HTTP_PORT", "LOG_LEVEL", "REQUEST_TIMEOUT_MS",
		"DEVICE_ID", "SESSION_ID", "ACTOR_ID", "ACTOR_NAME", "ACTOR_ROLE",
		"LOCAL_DB_PATH",
		"RELAY_URL", "RELAY_TIMEOUT_MS",
		"SYNC_SCAN_INTERVAL_SECONDS", "SYNC_BATCH_SIZE", "SYNC_MAX_ATTEMPTS",
		"PRESENCE_HEARTBEAT_SECONDS", "PRESENCE_MISSED_BEATS",
		"CONFLICT_THRESHOLD_MS",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_CONN_MAX_IDLE_SECONDS", "DB_CONN_MAX_LIFETIME_SECONDS",
		"KAFKA_BROKERS", "KAFKA_CLIENT_ID", "KAFKA_CONSUMER_GROUP", "KAFKA_RETRY_MAX", "KAFKA_WRITE_TIMEOUT_MS",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"ASYNQ_REDIS_ADDR", "ASYNQ_REDIS_PASSWORD", "ASYNQ_REDIS_DB", "ASYNQ_QUEUE", "ASYNQ_CONCURRENCY",
		"DISPATCH_SCAN_INTERVAL_SECONDS", "DISPATCH_BATCH_SIZE", "DISPATCH_MAX_ATTEMPTS",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"INFLUX_URL", "INFLUX_TOKEN", "INFLUX_ORG", "INFLUX_BUCKET", "INFLUX_TIMEOUT_MS",
		"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SAMPLE_RATIO",
	}
}

func applyKey(cfg *Config, key string, value string, problems *[]Problem) {
	value = strings.TrimSpace(value)
	switch key {
	case "SERVICE_NAME":
		cfg.ServiceName = value
	case "HTTP_PORT":
		setInt(&cfg.HTTPPort, key, value, problems)
	case "LOG_LEVEL":
		cfg.LogLevel = value
	case "REQUEST_TIMEOUT_MS":
		setInt(&cfg.RequestTimeoutMS, key, value, problems)
	case "DEVICE_ID":
		cfg.DeviceID = value
	case "SESSION_ID":
		cfg.SessionID = value
	case "ACTOR_ID":
		cfg.ActorID = value
	case "ACTOR_NAME":
		cfg.ActorName = value
	case "ACTOR_ROLE":
		cfg.ActorRole = value
	case "LOCAL_DB_PATH":
		cfg.LocalDBPath = value
	case "RELAY_URL":
		cfg.RelayURL = value
	case "RELAY_TIMEOUT_MS":
		setInt(&cfg.RelayTimeoutMS, key, value, problems)
	case "SYNC_SCAN_INTERVAL_SECONDS":
		setInt(&cfg.SyncScanSec, key, value, problems)
	case "SYNC_BATCH_SIZE":
		setInt(&cfg.SyncBatchSize, key, value, problems)
	case "SYNC_MAX_ATTEMPTS":
		setInt(&cfg.SyncMaxAttempts, key, value, problems)
	case "PRESENCE_HEARTBEAT_SECONDS":
		setInt(&cfg.HeartbeatSec, key, value, problems)
	case "PRESENCE_MISSED_BEATS":
		setInt(&cfg.PresenceMissedBeats, key, value, problems)
	case "CONFLICT_THRESHOLD_MS":
		setInt(&cfg.ConflictThresholdMS, key, value, problems)
	case "DATABASE_URL":
		cfg.DatabaseURL = value
	case "DB_MAX_CONNS":
		setInt(&cfg.DBMaxConns, key, value, problems)
	case "DB_MIN_CONNS":
		setInt(&cfg.DBMinConns, key, value, problems)
	case "DB_CONN_MAX_IDLE_SECONDS":
		setInt(&cfg.DBConnMaxIdleSec, key, value, problems)
	case "DB_CONN_MAX_LIFETIME_SECONDS":
		setInt(&cfg.DBConnMaxLifeSec, key, value, problems)
	case "KAFKA_BROKERS":
		cfg.KafkaBrokers = parseCSV(value)
	case "KAFKA_CLIENT_ID":
		cfg.KafkaClientID = value
	case "KAFKA_CONSUMER_GROUP":
		cfg.KafkaGroupID = value
	case "KAFKA_RETRY_MAX":
		setInt(&cfg.KafkaRetryMax, key, value, problems)
	case "KAFKA_WRITE_TIMEOUT_MS":
		setInt(&cfg.KafkaWriteMS, key, value, problems)
	case "REDIS_ADDR":
		cfg.RedisAddr = value
	case "REDIS_PASSWORD":
		cfg.RedisPassword = value
	case "REDIS_DB":
		setInt(&cfg.RedisDB, key, value, problems)
	case "ASYNQ_REDIS_ADDR":
		cfg.AsynqRedisAddr = value
	case "ASYNQ_REDIS_PASSWORD":
		cfg.AsynqRedisPass = value
	case "ASYNQ_REDIS_DB":
		setInt(&cfg.AsynqRedisDB, key, value, problems)
	case "ASYNQ_QUEUE":
		cfg.AsynqQueue = value
	case "ASYNQ_CONCURRENCY":
		setInt(&cfg.AsynqConcurrency, key, value, problems)
	case "DISPATCH_SCAN_INTERVAL_SECONDS":
		setInt(&cfg.DispatchScanSec, key, value, problems)
	case "DISPATCH_BATCH_SIZE":
		setInt(&cfg.DispatchBatchSize, key, value, problems)
	case "DISPATCH_MAX_ATTEMPTS":
		setInt(&cfg.DispatchMaxAttempts, key, value, problems)
	case "RATE_LIMIT_RPS":
		setFloat(&cfg.RateLimitRPS, key, value, problems)
	case "RATE_LIMIT_BURST":
		setInt(&cfg.RateLimitBurst, key, value, problems)
	case "INFLUX_URL":
		cfg.InfluxURL = value
	case "INFLUX_TOKEN":
		cfg.InfluxToken = value
	case "INFLUX_ORG":
		cfg.InfluxOrg = value
	case "INFLUX_BUCKET":
		cfg.InfluxBucket = value
	case "INFLUX_TIMEOUT_MS":
		setInt(&cfg.InfluxTimeoutMS, key, value, problems)
	case "OTEL_ENABLED":
		setBool(&cfg.OtelEnabled, key, value, problems)
	case "OTEL_EXPORTER_OTLP_ENDPOINT":
		cfg.OtelEndpoint = value
	case "OTEL_EXPORTER_OTLP_INSECURE":
		setBool(&cfg.OtelInsecure, key, value, problems)
	case "OTEL_SAMPLE_RATIO":
		setFloat(&cfg.OtelSampleRatio, key, value, problems)
	}
}

func setInt(dst *int, field string, value string, problems *[]Problem) {
	n, err := strconv.Atoi(value)
	if err != nil {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be an integer"})
		return
	}
	*dst = n
}

func setFloat(dst *float64, field string, value string, problems *[]Problem) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be a number"})
		return
	}
	*dst = f
}

func setBool(dst *bool, field string, value string, problems *[]Problem) {
	b, ok := asBool(value)
	if !ok {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be a boolean"})
		return
	}
	*dst = b
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
