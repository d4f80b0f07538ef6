package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	EventsTopic    string // wake-up topic for queued events
	DLQTopic       string // dead letter topic for exhausted events
	WorkerChannel  string // NSQ channel name for workers
}

type Ingest struct {
	MaxBodyBytes int64 // inbound payload size limit
}

type Worker struct {
	BatchSize      int           // events claimed per processing pass
	PollInterval   time.Duration // fallback polling cadence
	RetryBaseDelay time.Duration // first retry delay, doubles per attempt
	RetryCap       time.Duration // upper bound on retry delay
	PublishDLQ     bool          // publish exhausted events to the DLQ topic
	HTTPPort       string        // worker HTTP metrics port
}

type Receiver struct {
	FailFirstN           int           // number of requests to fail initially
	EndpointSecret       string        // secret for signature verification
	SigningLeewaySeconds int           // allowed timestamp skew in seconds
	ResponseDelayMS      int           // simulated response delay in milliseconds
	Port                 string        // server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName  string
	HTTPPort string // :8080
	DB       DB
	NSQ      NSQ
	Ingest   Ingest
	Worker   Worker
	Receiver Receiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "hookrelay"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "hookrelay"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "events"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "events_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Ingest: Ingest{
			MaxBodyBytes: getenvInt64("MAX_BODY_BYTES", 1_000_000),
		},
		Worker: Worker{
			BatchSize:      getenvInt("WORKER_BATCH_SIZE", 50),
			PollInterval:   getenvDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			RetryBaseDelay: getenvDuration("RETRY_BASE_DELAY", 30*time.Second),
			RetryCap:       getenvDuration("RETRY_CAP", time.Hour),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
			HTTPPort:       ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Receiver: Receiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
