// Package config loads the order-execution core's tunables from the
// environment, the way the rest of the pack does it: flat os.Getenv
// reads with typed helpers, optionally seeded from a local .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// AccountQueueConfig configures the Account Lock Manager (component B).
type AccountQueueConfig struct {
	MaxConcurrentPerAccount int
	MaxConcurrentGlobal     int
	QueueTimeout            time.Duration
	IdleReapAfter           time.Duration
}

// RateLimitConfig configures the Rate-Limit Controller (component C).
type RateLimitConfig struct {
	InitialWait       time.Duration
	MaxWait           time.Duration
	BackoffMultiplier float64
	MaxRaises         int
}

// NonceConfig configures the Nonce Coordinator (component D).
type NonceConfig struct {
	RetryDelay time.Duration
}

// SOEConfig configures the Smart Order Executor.
type SOEConfig struct {
	UnfillTimeout         time.Duration
	CheckInterval         time.Duration
	MaxResubmitAttempts   int
	PriceSlippage         decimal.Decimal
	DefaultPostOnly       bool
	AutoMakerPrice        bool
	MakerPriceOffset      decimal.Decimal
	DryRun                bool
	DryRunFillDelay       time.Duration
	DryRunSlippage        decimal.Decimal
	CompletionWaitCeiling time.Duration
}

// EFCConfig configures the Exchange Failover Controller.
type EFCConfig struct {
	HealthCheckInterval      time.Duration
	HealthCheckTimeout       time.Duration
	FailureThreshold         int
	RecoveryThreshold        int
	LatencyWarningThreshold  time.Duration
	LatencyCriticalThreshold time.Duration
	LatencyWindowSize        int
	EnableAutoFailover       bool
	FailoverCooldown         time.Duration
	EnableAutoRecovery       bool
	RecoveryWaitTime         time.Duration
}

// SRConfig configures the State Reconciler.
type SRConfig struct {
	SyncCheckInterval     time.Duration
	ForceFullSyncInterval time.Duration
	SyncTimeout           time.Duration
	PositionSizeTolerance decimal.Decimal
	BalanceTolerance      decimal.Decimal
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	PartitionThreshold    int
	EnableAutoRepair      bool
	ConfirmBeforeRepair   bool
	MaxRepairAttempts     int
	HistoryLength         int
}

// EQMConfig configures the Execution Quality Monitor.
type EQMConfig struct {
	SlippageWarningThreshold  decimal.Decimal
	SlippageCriticalThreshold decimal.Decimal
	SlippageAnomalyThreshold  decimal.Decimal
	ExecutionTimeWarning      time.Duration
	ExecutionTimeCritical     time.Duration
	ExecutionTimeAnomaly      time.Duration
	FillRateWarning           decimal.Decimal
	FillRateCritical          decimal.Decimal
	StatisticsWindowSize      int
	RollingWindowTime         time.Duration
	ShortTermWindowTime       time.Duration
	AggregationInterval       time.Duration
	EnableAnomalyDetection    bool
	AnomalySensitivity        float64
}

// Config is the full set of knobs for the execution core.
type Config struct {
	AccountQueue AccountQueueConfig
	RateLimit    RateLimitConfig
	Nonce        NonceConfig
	SOE          SOEConfig
	EFC          EFCConfig
	SR           SRConfig
	EQM          EQMConfig

	TelegramToken  string
	TelegramChatID int64

	DatabaseURL string
}

// Load reads configuration from the environment, loading a .env file
// first if present (a missing .env is not an error).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, reading environment directly")
	}

	cfg := &Config{
		AccountQueue: AccountQueueConfig{
			MaxConcurrentPerAccount: getEnvInt("SOE_MAX_CONCURRENT_PER_ACCOUNT", 5),
			MaxConcurrentGlobal:     getEnvInt("SOE_MAX_CONCURRENT_GLOBAL", 20),
			QueueTimeout:            getEnvDuration("SOE_QUEUE_TIMEOUT", 30*time.Second),
			IdleReapAfter:           getEnvDuration("SOE_QUEUE_IDLE_REAP", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			InitialWait:       getEnvDuration("SOE_RATE_LIMIT_INITIAL_WAIT", time.Second),
			MaxWait:           getEnvDuration("SOE_RATE_LIMIT_MAX_WAIT", 30*time.Second),
			BackoffMultiplier: getEnvFloat("SOE_RATE_LIMIT_BACKOFF_MULTIPLIER", 2.0),
			MaxRaises:         getEnvInt("SOE_RATE_LIMIT_MAX_RAISES", 5),
		},
		Nonce: NonceConfig{
			RetryDelay: getEnvDuration("SOE_NONCE_RETRY_DELAY", 100*time.Millisecond),
		},
		SOE: SOEConfig{
			UnfillTimeout:         getEnvDuration("SOE_UNFILL_TIMEOUT", 500*time.Millisecond),
			CheckInterval:         getEnvDuration("SOE_CHECK_INTERVAL", 100*time.Millisecond),
			MaxResubmitAttempts:   getEnvInt("SOE_MAX_RESUBMIT_ATTEMPTS", 5),
			PriceSlippage:         getEnvDecimal("SOE_PRICE_SLIPPAGE", decimal.NewFromFloat(0.001)),
			DefaultPostOnly:       getEnvBool("SOE_DEFAULT_POST_ONLY", false),
			AutoMakerPrice:        getEnvBool("SOE_AUTO_MAKER_PRICE", true),
			MakerPriceOffset:      getEnvDecimal("SOE_MAKER_PRICE_OFFSET", decimal.NewFromFloat(0.0001)),
			DryRun:                getEnvBool("SOE_DRY_RUN", false),
			DryRunFillDelay:       getEnvDuration("SOE_DRY_RUN_FILL_DELAY", 100*time.Millisecond),
			DryRunSlippage:        getEnvDecimal("SOE_DRY_RUN_SLIPPAGE", decimal.NewFromFloat(0.0001)),
			CompletionWaitCeiling: 60 * time.Second, // hard ceiling regardless of other timeouts, see DESIGN.md
		},
		EFC: EFCConfig{
			HealthCheckInterval:      getEnvDuration("EFC_HEALTH_CHECK_INTERVAL", 10*time.Second),
			HealthCheckTimeout:       getEnvDuration("EFC_HEALTH_CHECK_TIMEOUT", 5*time.Second),
			FailureThreshold:         getEnvInt("EFC_FAILURE_THRESHOLD", 3),
			RecoveryThreshold:        getEnvInt("EFC_RECOVERY_THRESHOLD", 3),
			LatencyWarningThreshold:  getEnvDuration("EFC_LATENCY_WARNING_THRESHOLD", 500*time.Millisecond),
			LatencyCriticalThreshold: getEnvDuration("EFC_LATENCY_CRITICAL_THRESHOLD", 2*time.Second),
			LatencyWindowSize:        getEnvInt("EFC_LATENCY_WINDOW_SIZE", 20),
			EnableAutoFailover:       getEnvBool("EFC_ENABLE_AUTO_FAILOVER", true),
			FailoverCooldown:         getEnvDuration("EFC_FAILOVER_COOLDOWN", 60*time.Second),
			EnableAutoRecovery:       getEnvBool("EFC_ENABLE_AUTO_RECOVERY", true),
			RecoveryWaitTime:         getEnvDuration("EFC_RECOVERY_WAIT_TIME", 5*time.Minute),
		},
		SR: SRConfig{
			SyncCheckInterval:     getEnvDuration("SR_SYNC_CHECK_INTERVAL", 30*time.Second),
			ForceFullSyncInterval: getEnvDuration("SR_FORCE_FULL_SYNC_INTERVAL", 5*time.Minute),
			SyncTimeout:           getEnvDuration("SR_SYNC_TIMEOUT", 10*time.Second),
			PositionSizeTolerance: getEnvDecimal("SR_POSITION_SIZE_TOLERANCE", decimal.NewFromFloat(0.001)),
			BalanceTolerance:      getEnvDecimal("SR_BALANCE_TOLERANCE", decimal.NewFromFloat(0.0001)),
			HeartbeatInterval:     getEnvDuration("SR_HEARTBEAT_INTERVAL", 5*time.Second),
			HeartbeatTimeout:      getEnvDuration("SR_HEARTBEAT_TIMEOUT", 15*time.Second),
			PartitionThreshold:    getEnvInt("SR_PARTITION_THRESHOLD", 3),
			EnableAutoRepair:      getEnvBool("SR_ENABLE_AUTO_REPAIR", true),
			ConfirmBeforeRepair:   getEnvBool("SR_CONFIRM_BEFORE_REPAIR", true),
			MaxRepairAttempts:     getEnvInt("SR_MAX_REPAIR_ATTEMPTS", 3),
			HistoryLength:         getEnvInt("SR_HISTORY_LENGTH", 500),
		},
		EQM: EQMConfig{
			SlippageWarningThreshold:  getEnvDecimal("EQM_SLIPPAGE_WARNING_THRESHOLD", decimal.NewFromFloat(0.002)),
			SlippageCriticalThreshold: getEnvDecimal("EQM_SLIPPAGE_CRITICAL_THRESHOLD", decimal.NewFromFloat(0.005)),
			SlippageAnomalyThreshold:  getEnvDecimal("EQM_SLIPPAGE_ANOMALY_THRESHOLD", decimal.NewFromFloat(0.01)),
			ExecutionTimeWarning:      getEnvDuration("EQM_EXECUTION_TIME_WARNING", 5*time.Second),
			ExecutionTimeCritical:     getEnvDuration("EQM_EXECUTION_TIME_CRITICAL", 15*time.Second),
			ExecutionTimeAnomaly:      getEnvDuration("EQM_EXECUTION_TIME_ANOMALY", 60*time.Second),
			FillRateWarning:           getEnvDecimal("EQM_FILL_RATE_WARNING", decimal.NewFromFloat(0.8)),
			FillRateCritical:          getEnvDecimal("EQM_FILL_RATE_CRITICAL", decimal.NewFromFloat(0.5)),
			StatisticsWindowSize:      getEnvInt("EQM_STATISTICS_WINDOW_SIZE", 1000),
			RollingWindowTime:         getEnvDuration("EQM_ROLLING_WINDOW_TIME", 24*time.Hour),
			ShortTermWindowTime:       getEnvDuration("EQM_SHORT_TERM_WINDOW_TIME", time.Hour),
			AggregationInterval:       getEnvDuration("EQM_AGGREGATION_INTERVAL", time.Minute),
			EnableAnomalyDetection:    getEnvBool("EQM_ENABLE_ANOMALY_DETECTION", true),
			AnomalySensitivity:        getEnvFloat("EQM_ANOMALY_SENSITIVITY", 3.0),
		},

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
