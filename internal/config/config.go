package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Engine trigger
	CronEnabled  bool
	CronSchedule string
	RunLockTTL   time.Duration

	// Scheduled notifications
	ScheduledBatchSize     int
	MaxConsecutiveFailures int

	// Push fan-out
	PushRateLimit     int // pushes per user per minute, 0 disables
	WebPushGatewayURL string
	WebPushTimeout    time.Duration
	DesktopQueueURL   string // SQS queue for desktop clients, empty disables

	// AWS Services
	AWSRegion    string
	SESFromEmail string // empty disables email push
	SNSRegion    string
	SNSEndpoint  string // override for local stacks
	SQSRegion    string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "beacon",
		DBPassword: "",
		DBName:     "beacon",
		DBSSLMode:  "disable",
		DBMaxConns: 10,

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		CronEnabled:  true,
		CronSchedule: "@hourly",
		RunLockTTL:   30 * time.Minute,

		ScheduledBatchSize:     500,
		MaxConsecutiveFailures: 0,

		PushRateLimit:  60,
		WebPushTimeout: 10 * time.Second,

		AWSRegion: "us-east-1",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if conns := os.Getenv("DB_MAX_CONNS"); conns != "" {
		n, err := strconv.Atoi(conns)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid DB_MAX_CONNS: %q", conns)
		}
		cfg.DBMaxConns = n
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Engine trigger
	if enabled := os.Getenv("CRON_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid CRON_ENABLED: %w", err)
		}
		cfg.CronEnabled = b
	}

	if schedule := os.Getenv("CRON_SCHEDULE"); schedule != "" {
		cfg.CronSchedule = schedule
	}

	if ttl := os.Getenv("RUN_LOCK_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid RUN_LOCK_TTL: %w", err)
		}
		cfg.RunLockTTL = d
	}

	// Scheduled notifications
	if size := os.Getenv("SCHEDULED_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid SCHEDULED_BATCH_SIZE: %q", size)
		}
		cfg.ScheduledBatchSize = n
	}

	if max := os.Getenv("MAX_CONSECUTIVE_FAILURES"); max != "" {
		n, err := strconv.Atoi(max)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid MAX_CONSECUTIVE_FAILURES: %q", max)
		}
		cfg.MaxConsecutiveFailures = n
	}

	// Push fan-out
	if limit := os.Getenv("PUSH_RATE_LIMIT"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid PUSH_RATE_LIMIT: %q", limit)
		}
		cfg.PushRateLimit = n
	}

	if url := os.Getenv("WEB_PUSH_GATEWAY_URL"); url != "" {
		cfg.WebPushGatewayURL = url
	}

	if timeout := os.Getenv("WEB_PUSH_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEB_PUSH_TIMEOUT: %w", err)
		}
		cfg.WebPushTimeout = d
	}

	if url := os.Getenv("DESKTOP_QUEUE_URL"); url != "" {
		cfg.DesktopQueueURL = url
	}

	// AWS services
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if endpoint := os.Getenv("SNS_ENDPOINT"); endpoint != "" {
		cfg.SNSEndpoint = endpoint
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	return cfg, nil
}
