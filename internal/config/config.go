package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Redis struct {
	Addr    string // empty disables the distributed lock
	LockTTL time.Duration
}

type Pool struct {
	MaxPools     int           // capacity ceiling for per-tenant connections
	ProbeTimeout time.Duration // liveness probe budget on acquire
}

type Worker struct {
	PollInterval   time.Duration // how often the delivery loop scans for due items
	BatchSize      int           // max due items claimed per pass
	MaxRetries     int
	BackoffBase    time.Duration // base for the in-pass exponential schedule
	BackoffCap     time.Duration
	RetryCooldown  time.Duration // across-pass delay for rate-limited failures
	SendTimeout    time.Duration // per-attempt channel call budget
	SendsPerSecond float64       // pacing between consecutive deliveries
}

type Selector struct {
	BatchSize             int
	ActivityWindowMinutes int
}

type Window struct {
	StartHour int
	EndHour   int
	Weekdays  []time.Weekday
	Timezone  string // IANA name, e.g. "America/Sao_Paulo"
	JitterSec int    // per-item scheduling jitter, +/- seconds
	PerHour   int    // fixed messages-per-hour rate; 0 = spread evenly
}

type Jobs struct {
	ScheduleSpec string // cron spec for the batch-scheduling job
	ReapSpec     string // cron spec for the stale-item reaper
	ReapAfter    time.Duration
}

// Campaign parameterizes the recurring scheduling job: which notification
// kind it enqueues and the message it sends. Message authoring lives
// upstream; the engine only carries the rendered body.
type Campaign struct {
	Kind              string
	TemplateID        string
	Message           string
	InterestConfirmed bool
	ExcludeQualified  bool
}

type Config struct {
	AppName   string
	AdminAddr string // :8084
	DB        DB
	Redis     Redis
	Pool      Pool
	Worker    Worker
	Selector  Selector
	Window    Window
	Jobs      Jobs
	Campaign  Campaign
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

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

// parseWeekdays parses a comma-separated list of three-letter day names.
// Unknown names are dropped; an empty result falls back to Mon-Fri.
func parseWeekdays(s string) []time.Weekday {
	names := map[string]time.Weekday{
		"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
		"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
		"sat": time.Saturday,
	}
	var days []time.Weekday
	for _, part := range strings.Split(s, ",") {
		if d, ok := names[strings.ToLower(strings.TrimSpace(part))]; ok {
			days = append(days, d)
		}
	}
	if len(days) == 0 {
		return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	}
	return days
}

func FromEnv() Config {
	return Config{
		AppName:   getenv("APP_NAME", "dripline"),
		AdminAddr: getenv("ADMIN_ADDR", ":8084"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "dripline"),
		},
		Redis: Redis{
			Addr:    getenv("REDIS_ADDR", ""),
			LockTTL: getenvDuration("REDIS_LOCK_TTL", 10*time.Minute),
		},
		Pool: Pool{
			MaxPools:     getenvInt("MAX_POOLS", 20),
			ProbeTimeout: getenvDuration("POOL_PROBE_TIMEOUT", 2*time.Second),
		},
		Worker: Worker{
			PollInterval:   getenvDuration("WORKER_POLL_INTERVAL", 30*time.Second),
			BatchSize:      getenvInt("WORKER_BATCH_SIZE", 50),
			MaxRetries:     getenvInt("MAX_RETRIES", 3),
			BackoffBase:    getenvDuration("BACKOFF_BASE", time.Second),
			BackoffCap:     getenvDuration("BACKOFF_CAP", 10*time.Second),
			RetryCooldown:  getenvDuration("RETRY_COOLDOWN", 5*time.Minute),
			SendTimeout:    getenvDuration("SEND_TIMEOUT", 15*time.Second),
			SendsPerSecond: getenvFloat("SENDS_PER_SECOND", 1),
		},
		Selector: Selector{
			BatchSize:             getenvInt("SELECTOR_BATCH_SIZE", 100),
			ActivityWindowMinutes: getenvInt("ACTIVITY_WINDOW_MINUTES", 1440),
		},
		Window: Window{
			StartHour: getenvInt("WINDOW_START_HOUR", 9),
			EndHour:   getenvInt("WINDOW_END_HOUR", 20),
			Weekdays:  parseWeekdays(getenv("WINDOW_WEEKDAYS", "mon,tue,wed,thu,fri")),
			Timezone:  getenv("WINDOW_TZ", "UTC"),
			JitterSec: getenvInt("WINDOW_JITTER_SEC", 5),
			PerHour:   getenvInt("WINDOW_PER_HOUR", 0),
		},
		Jobs: Jobs{
			ScheduleSpec: getenv("JOB_SCHEDULE_SPEC", "*/10 * * * *"),
			ReapSpec:     getenv("JOB_REAP_SPEC", "0 * * * *"),
			ReapAfter:    getenvDuration("JOB_REAP_AFTER", 24*time.Hour),
		},
		Campaign: Campaign{
			Kind:              getenv("CAMPAIGN_KIND", "followup"),
			TemplateID:        getenv("CAMPAIGN_TEMPLATE_ID", ""),
			Message:           getenv("CAMPAIGN_MESSAGE", ""),
			InterestConfirmed: getenvBool("CAMPAIGN_INTEREST_CONFIRMED", true),
			ExcludeQualified:  getenvBool("CAMPAIGN_EXCLUDE_QUALIFIED", true),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// TenantDSN builds the DSN for a tenant-scoped database. Each tenant owns
// a database named dripline_<tenant> on the shared cluster.
func (c Config) TenantDSN(tenantID string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/dripline_%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, tenantID)
}
