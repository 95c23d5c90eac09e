package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string

	// DB_DRIVER 取 sqlite / mysql，DB_DSN 为对应连接串（sqlite 即文件路径）
	DBDriver string
	DBDSN    string

	RedisAddr string
	RedisDB   int

	// Kafka：通知投递 topic + 外部系统（SAP）回执 topic（为空则不消费回执）
	KafkaBrokers          []string
	NotifyTopic           string
	ExternalResponseTopic string
	ExternalResponseGroup string

	// 工单队列：memory 单进程；redis 走 Stream + 消费者组
	QueueBackend   string
	TicketStream   string
	TicketGroup    string
	TicketConsumer string

	// 通知出口：kafka / log
	NotifySink string

	Workers       int
	SweepInterval time.Duration

	// 状态机边界
	ExternalWaitWindow    time.Duration
	MaxRecheckAttempts    int
	MaxRequestRounds      int
	MaxCascadeDepth       int
	MinClassifyConfidence float64
	MinEntityConfidence   float64

	SubmitRateLimit  int
	SubmitRateWindow time.Duration

	// 运维回传接口的简单令牌（demo 级别保护）
	OpsToken   string
	OpsContact string

	// 为空时允许全部来源（本地开发）
	CORSAllowedOrigins []string

	LogLevel string
}

// Load 读取并校验配置，缺失时使用默认值。存在 .env 时先加载。
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	cfg := AppConfig{
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		DBDriver:              getEnv("DB_DRIVER", "sqlite"),
		DBDSN:                 getEnv("DB_DSN", "wms_resolver.db"),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:               0,
		KafkaBrokers:          splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		NotifyTopic:           getEnv("NOTIFY_TOPIC", "wms-notifications"),
		ExternalResponseTopic: getEnv("EXTERNAL_RESPONSE_TOPIC", ""),
		ExternalResponseGroup: getEnv("EXTERNAL_RESPONSE_GROUP_ID", "wms-resolver-responses"),
		QueueBackend:          getEnv("QUEUE_BACKEND", "memory"),
		TicketStream:          getEnv("TICKET_STREAM", "wms:ticket_events"),
		TicketGroup:           getEnv("TICKET_GROUP", "wms-resolver-workers"),
		TicketConsumer:        getEnv("TICKET_CONSUMER", "wms-resolver-1"),
		NotifySink:            getEnv("NOTIFY_SINK", "log"),
		Workers:               4,
		SweepInterval:         time.Minute,
		ExternalWaitWindow:    24 * time.Hour,
		MaxRecheckAttempts:    1440,
		MaxRequestRounds:      2,
		MaxCascadeDepth:       3,
		MinClassifyConfidence: 0.5,
		MinEntityConfidence:   0.5,
		SubmitRateLimit:       30,
		SubmitRateWindow:      time.Minute,
		OpsToken:              getEnv("OPS_TOKEN", "dev-ops-token"),
		OpsContact:            getEnv("OPS_CONTACT", "sap_team@company.com"),
		CORSAllowedOrigins:    splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "")),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	if cfg.Workers, err = positiveInt("WORKERS", cfg.Workers); err != nil {
		return AppConfig{}, err
	}
	if cfg.MaxRecheckAttempts, err = positiveInt("MAX_RECHECK_ATTEMPTS", cfg.MaxRecheckAttempts); err != nil {
		return AppConfig{}, err
	}
	if cfg.MaxRequestRounds, err = positiveInt("MAX_REQUEST_ROUNDS", cfg.MaxRequestRounds); err != nil {
		return AppConfig{}, err
	}
	if cfg.MaxCascadeDepth, err = positiveInt("MAX_CASCADE_DEPTH", cfg.MaxCascadeDepth); err != nil {
		return AppConfig{}, err
	}
	if cfg.SubmitRateLimit, err = positiveInt("SUBMIT_RATE_LIMIT", cfg.SubmitRateLimit); err != nil {
		return AppConfig{}, err
	}

	sweepSec, err := positiveInt("SWEEP_INTERVAL_SEC", int(cfg.SweepInterval.Seconds()))
	if err != nil {
		return AppConfig{}, err
	}
	cfg.SweepInterval = time.Duration(sweepSec) * time.Second

	waitMin, err := positiveInt("EXTERNAL_WAIT_WINDOW_MIN", int(cfg.ExternalWaitWindow.Minutes()))
	if err != nil {
		return AppConfig{}, err
	}
	cfg.ExternalWaitWindow = time.Duration(waitMin) * time.Minute

	// 未显式配置重查次数时按 等待窗口/清扫间隔 推导
	if strings.TrimSpace(os.Getenv("MAX_RECHECK_ATTEMPTS")) == "" {
		cfg.MaxRecheckAttempts = int((cfg.ExternalWaitWindow + cfg.SweepInterval - 1) / cfg.SweepInterval)
	}
	if time.Duration(cfg.MaxRecheckAttempts)*cfg.SweepInterval < cfg.ExternalWaitWindow {
		return AppConfig{}, fmt.Errorf("MAX_RECHECK_ATTEMPTS (%d) x SWEEP_INTERVAL_SEC (%s) must cover EXTERNAL_WAIT_WINDOW_MIN (%s)",
			cfg.MaxRecheckAttempts, cfg.SweepInterval, cfg.ExternalWaitWindow)
	}

	rateWindowSec, err := positiveInt("SUBMIT_RATE_WINDOW_SEC", int(cfg.SubmitRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, err
	}
	cfg.SubmitRateWindow = time.Duration(rateWindowSec) * time.Second

	if cfg.MinClassifyConfidence, err = unitFloat("MIN_CLASSIFY_CONFIDENCE", cfg.MinClassifyConfidence); err != nil {
		return AppConfig{}, err
	}
	if cfg.MinEntityConfidence, err = unitFloat("MIN_ENTITY_CONFIDENCE", cfg.MinEntityConfidence); err != nil {
		return AppConfig{}, err
	}

	switch cfg.DBDriver {
	case "sqlite", "mysql":
	default:
		return AppConfig{}, fmt.Errorf("DB_DRIVER must be sqlite or mysql, got %q", cfg.DBDriver)
	}
	switch cfg.QueueBackend {
	case "memory", "redis":
	default:
		return AppConfig{}, fmt.Errorf("QUEUE_BACKEND must be memory or redis, got %q", cfg.QueueBackend)
	}
	switch cfg.NotifySink {
	case "kafka", "log":
	default:
		return AppConfig{}, fmt.Errorf("NOTIFY_SINK must be kafka or log, got %q", cfg.NotifySink)
	}

	if cfg.DBDSN == "" {
		return AppConfig{}, fmt.Errorf("DB_DSN must not be empty")
	}
	if cfg.NotifySink == "kafka" || cfg.ExternalResponseTopic != "" {
		if len(cfg.KafkaBrokers) == 0 {
			return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
		}
	}
	if cfg.NotifySink == "kafka" && cfg.NotifyTopic == "" {
		return AppConfig{}, fmt.Errorf("NOTIFY_TOPIC must not be empty")
	}
	if cfg.QueueBackend == "redis" {
		if cfg.TicketStream == "" || cfg.TicketGroup == "" || cfg.TicketConsumer == "" {
			return AppConfig{}, fmt.Errorf("TICKET_STREAM, TICKET_GROUP and TICKET_CONSUMER must not be empty")
		}
	}

	return cfg, nil
}

// ExternalResponsesEnabled 是否启动外部回执消费者，与通知出口无关。
func (c AppConfig) ExternalResponsesEnabled() bool {
	return c.ExternalResponseTopic != "" && len(c.KafkaBrokers) > 0
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// getEnvFloat 读取浮点环境变量，若为空则返回默认值。
func getEnvFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

func positiveInt(key string, fallback int) (int, error) {
	n, err := getEnvInt(key, fallback)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return n, nil
}

func unitFloat(key string, fallback float64) (float64, error) {
	f, err := getEnvFloat(key, fallback)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if f < 0 || f > 1 {
		return 0, fmt.Errorf("%s must be within [0, 1]", key)
	}
	return f, nil
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
