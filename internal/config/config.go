// Package config loads the midplane's configuration from the process
// environment (optionally from a .env file), per spec.md §6's
// recognized configuration keys. Grounded on the teacher's
// internal/config Load/Validate/getEnv* idiom.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RetryConfig configures one service's retry policy.
type RetryConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Strategy          string
	BackoffMultiplier float64
	Jitter            bool
}

// RiskConfig holds the risk.* recognized options.
type RiskConfig struct {
	MaxPositionSize          int
	MaxPortfolioExposure     float64
	MaxSectorExposure        float64
	MaxSingleStockWeight     float64
	MinConfidenceThreshold   float64
	MaxSignalsPerHour        int
	MaxConcurrentSignals     int
	MinModelPerformanceScore float64
	MaxDailyLoss             float64
	MaxPositionLoss          float64
	StopLossThreshold        float64
	MaxCorrelationExposure   float64
	MaxStrategyAllocation    float64
}

// MLExecutionConfig holds the ml_execution.* recognized options.
type MLExecutionConfig struct {
	MaxSignalAge   time.Duration
	MinQualityScore float64
	MaxLatency      time.Duration
}

// PoolConfig holds the pool.* recognized options.
type PoolConfig struct {
	MaxConnections           int
	MinConnections           int
	ConnectionTimeout        time.Duration
	CircuitBreakerThreshold  int
	CircuitBreakerTimeout    time.Duration
	HealthCheckInterval      time.Duration
}

// Config holds the midplane's full runtime configuration.
type Config struct {
	DataDir    string
	Port       int
	DevMode    bool
	LogLevel   string
	BrokerBaseURL string
	BrokerAPIKey  string

	// Instruments is the tracked universe the portfolio view prices and
	// sizes against; InitialCash seeds its cash component.
	Instruments []string
	InitialCash float64

	Risk        RiskConfig
	MLExecution MLExecutionConfig
	Pool        PoolConfig
	Retries     map[string]RetryConfig
}

// Load reads configuration from the environment, falling back to the
// documented defaults for anything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:       getEnv("DATA_DIR", "./data"),
		Port:          getEnvAsInt("MIDPLANE_PORT", 8080),
		DevMode:       getEnvAsBool("DEV_MODE", false),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		BrokerBaseURL: getEnv("BROKER_BASE_URL", "http://localhost:9002"),
		BrokerAPIKey:  getEnv("BROKER_API_KEY", ""),

		Instruments: getEnvAsStringSlice("TRACKED_INSTRUMENTS", []string{"AAPL", "MSFT", "SPY"}),
		InitialCash: getEnvAsFloat("INITIAL_CASH", 100000),

		Risk: RiskConfig{
			MaxPositionSize:          getEnvAsInt("RISK_MAX_POSITION_SIZE", 1000),
			MaxPortfolioExposure:     getEnvAsFloat("RISK_MAX_PORTFOLIO_EXPOSURE", 0.95),
			MaxSectorExposure:        getEnvAsFloat("RISK_MAX_SECTOR_EXPOSURE", 0.30),
			MaxSingleStockWeight:     getEnvAsFloat("RISK_MAX_SINGLE_STOCK_WEIGHT", 0.10),
			MinConfidenceThreshold:   getEnvAsFloat("RISK_MIN_CONFIDENCE_THRESHOLD", 0.6),
			MaxSignalsPerHour:        getEnvAsInt("RISK_MAX_SIGNALS_PER_HOUR", 60),
			MaxConcurrentSignals:     getEnvAsInt("RISK_MAX_CONCURRENT_SIGNALS", 20),
			MinModelPerformanceScore: getEnvAsFloat("RISK_MIN_MODEL_PERFORMANCE_SCORE", 0.5),
			MaxDailyLoss:             getEnvAsFloat("RISK_MAX_DAILY_LOSS", 10000),
			MaxPositionLoss:          getEnvAsFloat("RISK_MAX_POSITION_LOSS", 2000),
			StopLossThreshold:        getEnvAsFloat("RISK_STOP_LOSS_THRESHOLD", 0.05),
			MaxCorrelationExposure:   getEnvAsFloat("RISK_MAX_CORRELATION_EXPOSURE", 0.6),
			MaxStrategyAllocation:    getEnvAsFloat("RISK_MAX_STRATEGY_ALLOCATION", 0.4),
		},

		MLExecution: MLExecutionConfig{
			MaxSignalAge:    time.Duration(getEnvAsInt("ML_EXECUTION_MAX_SIGNAL_AGE_MS", 5000)) * time.Millisecond,
			MinQualityScore: getEnvAsFloat("ML_EXECUTION_MIN_QUALITY_SCORE", 70),
			MaxLatency:      time.Duration(getEnvAsInt("ML_EXECUTION_MAX_LATENCY_MS", 500)) * time.Millisecond,
		},

		Pool: PoolConfig{
			MaxConnections:          getEnvAsInt("POOL_MAX_CONNECTIONS", 10),
			MinConnections:          getEnvAsInt("POOL_MIN_CONNECTIONS", 2),
			ConnectionTimeout:       time.Duration(getEnvAsInt("POOL_CONNECTION_TIMEOUT_S", 5)) * time.Second,
			CircuitBreakerThreshold: getEnvAsInt("POOL_CIRCUIT_BREAKER_THRESHOLD", 5),
			CircuitBreakerTimeout:   time.Duration(getEnvAsInt("POOL_CIRCUIT_BREAKER_TIMEOUT_S", 60)) * time.Second,
			HealthCheckInterval:     time.Duration(getEnvAsInt("POOL_HEALTH_CHECK_INTERVAL_S", 30)) * time.Second,
		},

		Retries: defaultRetries(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultRetries gives each of the six default services a retry policy
// as a configurable starting point. runtime.RegisterDefaults does not
// read these; its own policies differ in strategy and delays.
func defaultRetries() map[string]RetryConfig {
	return map[string]RetryConfig{
		"market_data":          {MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Strategy: "fixed"},
		"historical_data":      {MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 60 * time.Second, Strategy: "exponential", BackoffMultiplier: 2},
		"order_management":     {MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Strategy: "fixed"},
		"data_persistence":     {MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Strategy: "linear"},
		"ml_signal_execution":  {MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Strategy: "fixed"},
		"ml_risk_management":   {MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Strategy: "fixed"},
	}
}

// Validate checks required configuration is present and within range.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("MIDPLANE_PORT must be positive, got %d", c.Port)
	}
	if c.Risk.MaxPortfolioExposure < 0 || c.Risk.MaxPortfolioExposure > 1 {
		return fmt.Errorf("RISK_MAX_PORTFOLIO_EXPOSURE must be in [0,1], got %v", c.Risk.MaxPortfolioExposure)
	}
	if c.Risk.MinConfidenceThreshold < 0 || c.Risk.MinConfidenceThreshold > 1 {
		return fmt.Errorf("RISK_MIN_CONFIDENCE_THRESHOLD must be in [0,1], got %v", c.Risk.MinConfidenceThreshold)
	}
	if c.Pool.MinConnections > c.Pool.MaxConnections {
		return fmt.Errorf("POOL_MIN_CONNECTIONS (%d) cannot exceed POOL_MAX_CONNECTIONS (%d)", c.Pool.MinConnections, c.Pool.MaxConnections)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
