package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/linnemanlabs/tripwire/internal/authmw"
	"github.com/linnemanlabs/tripwire/internal/correlate"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	CatalogPath  string
	WatchCatalog bool

	DatabaseURL     string
	DBMaxConns      int
	SlowQueryMillis int
	RedisAddr       string
	RedisPassword   string
	RedisDB         int

	KafkaBrokers string
	KafkaTopic   string
	KafkaGroupID string
	NATSURL      string
	NATSSubject  string
	NATSQueue    string
	IngestRPS    float64
	IngestBurst  int

	IngestTokens   string
	OperatorTokens string

	Workers         int
	QueueSize       int
	DispatchWorkers int
	WindowPolicy    string
	SweepInterval   time.Duration

	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryPoll      time.Duration
	ActionTimeout  time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.CatalogPath, "catalog-path", "catalog.yaml", "YAML file with rules, silences, maintenance windows, bindings, playbooks and destinations")
	fs.BoolVar(&c.WatchCatalog, "watch-catalog", true, "reload the catalog when its file changes")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum PostgreSQL pool connections (0..1000, 0 = pgx default)")
	fs.IntVar(&c.SlowQueryMillis, "db-slow-query-ms", 500, "log queries slower than this many milliseconds")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for shared playbook rate limits (empty = in-process limits)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")

	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka brokers for event ingest (empty = disabled)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "tripwire.events", "Kafka topic carrying event documents")
	fs.StringVar(&c.KafkaGroupID, "kafka-group-id", "tripwire", "Kafka consumer group id")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for event ingest (empty = disabled)")
	fs.StringVar(&c.NATSSubject, "nats-subject", "tripwire.events", "NATS subject carrying event documents")
	fs.StringVar(&c.NATSQueue, "nats-queue", "tripwire", "NATS queue group (empty = every instance receives every event)")
	fs.Float64Var(&c.IngestRPS, "ingest-rps", 100, "per-client event ingest rate on the HTTP API (0 = unlimited)")
	fs.IntVar(&c.IngestBurst, "ingest-burst", 200, "per-client event ingest burst on the HTTP API")
	fs.StringVar(&c.IngestTokens, "ingest-tokens", "", "name=token pairs, comma separated, accepted on POST /api/v1/events (empty = open)")
	fs.StringVar(&c.OperatorTokens, "operator-tokens", "", "name=token pairs, comma separated, accepted on alert and delivery routes (empty = open)")

	fs.IntVar(&c.Workers, "workers", 8, "correlation workers (1..1024)")
	fs.IntVar(&c.QueueSize, "queue-size", 256, "per-worker match queue length")
	fs.IntVar(&c.DispatchWorkers, "dispatch-workers", 4, "concurrent alert dispatches (1..256)")
	fs.StringVar(&c.WindowPolicy, "window-policy", string(correlate.PolicyReset), "correlation window behaviour after firing: reset or sliding")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Minute, "how often idle correlation groups are removed")

	fs.IntVar(&c.MaxAttempts, "max-attempts", 3, "delivery tries per destination before an attempt is marked failed (1..20)")
	fs.DurationVar(&c.RetryBaseDelay, "retry-base-delay", time.Second, "delay before the first delivery retry")
	fs.DurationVar(&c.RetryMaxDelay, "retry-max-delay", 5*time.Minute, "upper bound on delivery retry delay")
	fs.DurationVar(&c.RetryPoll, "retry-poll", time.Second, "how often the retry queue is polled")
	fs.DurationVar(&c.ActionTimeout, "action-timeout", 10*time.Second, "timeout for one playbook execution or notification")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.CatalogPath == "" {
		errs = append(errs, errors.New("CATALOG_PATH is required"))
	}

	if c.DBMaxConns < 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..1000)", c.DBMaxConns))
	}
	if c.SlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.SlowQueryMillis))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
	}

	// Transports are optional but need their addressing when enabled
	if c.KafkaBrokers != "" && (c.KafkaTopic == "" || c.KafkaGroupID == "") {
		errs = append(errs, errors.New("KAFKA_TOPIC and KAFKA_GROUP_ID are required when KAFKA_BROKERS is set"))
	}
	if c.NATSURL != "" && c.NATSSubject == "" {
		errs = append(errs, errors.New("NATS_SUBJECT is required when NATS_URL is set"))
	}
	if c.IngestRPS < 0 {
		errs = append(errs, fmt.Errorf("invalid INGEST_RPS %g (must be >= 0)", c.IngestRPS))
	}
	if c.IngestBurst < 0 {
		errs = append(errs, fmt.Errorf("invalid INGEST_BURST %d (must be >= 0)", c.IngestBurst))
	}

	if _, err := authmw.ParseKeyring(c.IngestTokens); err != nil {
		errs = append(errs, fmt.Errorf("invalid INGEST_TOKENS: %w", err))
	}
	if _, err := authmw.ParseKeyring(c.OperatorTokens); err != nil {
		errs = append(errs, fmt.Errorf("invalid OPERATOR_TOKENS: %w", err))
	}

	if c.Workers <= 0 || c.Workers > 1024 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..1024)", c.Workers))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_SIZE %d (must be > 0)", c.QueueSize))
	}
	if c.DispatchWorkers <= 0 || c.DispatchWorkers > 256 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_WORKERS %d (must be 1..256)", c.DispatchWorkers))
	}
	if _, err := correlate.ParsePolicy(c.WindowPolicy); err != nil {
		errs = append(errs, fmt.Errorf("invalid WINDOW_POLICY: %w", err))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL %s (must be > 0)", c.SweepInterval))
	}

	if c.MaxAttempts <= 0 || c.MaxAttempts > 20 {
		errs = append(errs, fmt.Errorf("invalid MAX_ATTEMPTS %d (must be 1..20)", c.MaxAttempts))
	}
	if c.RetryBaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETRY_BASE_DELAY %s (must be > 0)", c.RetryBaseDelay))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("RETRY_MAX_DELAY %s must not be less than RETRY_BASE_DELAY %s", c.RetryMaxDelay, c.RetryBaseDelay))
	}
	if c.RetryPoll <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETRY_POLL %s (must be > 0)", c.RetryPoll))
	}
	if c.ActionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid ACTION_TIMEOUT %s (must be > 0)", c.ActionTimeout))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
