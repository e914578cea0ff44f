package config

import "time"

type Config struct {
	AppName            string `env:"APP_NAME" env-default:"fern"`
	LogLevel           string `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs         bool   `env:"PRETTY_LOGS" env-default:"false"`
	StartupMaxAttempts int    `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`
	MetricsPort        int    `env:"METRICS_PORT" env-default:"9090"`

	// Tracing
	TracingEnabled     bool   `env:"TRACING_ENABLED" env-default:"false"`
	OTLPEndpoint       string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	OTLPProtocol       string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	OTLPInsecure       bool   `env:"OTLP_INSECURE" env-default:"true"`
	OTLPTimeoutSeconds int    `env:"OTLP_TIMEOUT_SECONDS" env-default:"10"`

	// PostgreSQL
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:""`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode               string        `env:"DB_SQL_MODE" env-default:"disable"`
	DatabaseReconnectRetryCount   int           `env:"DB_RECONNECT_RETRY_COUNT" env-default:"3"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Kafka Producer settings
	KafkaEnabled      bool     `env:"KAFKA_ENABLED" env-default:"true"`
	KafkaBrokers      []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaOutputTopic  string   `env:"KAFKA_OUTPUT_TOPIC" env-default:"resolution-events"`
	KafkaBatchSize    int      `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout int      `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks int      `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression  string   `env:"KAFKA_COMPRESSION" env-default:"snappy"`
	EventBufferSize   int      `env:"EVENT_BUFFER_SIZE" env-default:"256"`

	// Resolution thresholds. These seed the runtime settings snapshot and can
	// be swapped without a restart.
	AutoMergeThreshold    float64 `env:"AUTO_MERGE_THRESHOLD" env-default:"0.95"`
	HighConfidence        float64 `env:"HIGH_CONFIDENCE_THRESHOLD" env-default:"0.85"`
	MinimumMatch          float64 `env:"MINIMUM_MATCH_THRESHOLD" env-default:"0.5"`
	FuzzyNameThreshold    float64 `env:"FUZZY_NAME_THRESHOLD" env-default:"0.85"`
	ClusterThreshold      float64 `env:"CLUSTER_THRESHOLD" env-default:"0.8"`
	ValueTolerancePercent float64 `env:"VALUE_TOLERANCE_PERCENT" env-default:"10"`
	DateToleranceDays     int     `env:"DATE_TOLERANCE_DAYS" env-default:"7"`
	UnmergeWindowHours    int     `env:"UNMERGE_WINDOW_HOURS" env-default:"24"`

	// Processing
	MatchBatchSize    int           `env:"MATCH_BATCH_SIZE" env-default:"100"`
	DetectWorkerCount int           `env:"DETECT_WORKER_COUNT" env-default:"4"`
	ScoreWorkerCount  int           `env:"SCORE_WORKER_COUNT" env-default:"4"`
	AutoMergeEnabled  bool          `env:"AUTO_MERGE_ENABLED" env-default:"false"`
	AutoMergeInterval time.Duration `env:"AUTO_MERGE_INTERVAL" env-default:"15m"`
	AutoMergeDryRun   bool          `env:"AUTO_MERGE_DRY_RUN" env-default:"false"`
	AutoMergeTenantID string        `env:"AUTO_MERGE_TENANT_ID" env-default:""`
}
