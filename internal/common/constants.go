// Package common holds the shared constants and the error taxonomy used
// across the sniper. Environment variable keys and their defaults live here
// so that configuration loading and documentation stay in one place.
package common

// Environment variable keys
const (
	EnvDatabaseURL       = "DATABASE_URL"
	EnvMexcAPIKey        = "MEXC_API_KEY"
	EnvMexcSecretKey     = "MEXC_SECRET_KEY"
	EnvMexcBaseURL       = "MEXC_BASE_URL"
	EnvMexcWsURL         = "MEXC_WS_URL"
	EnvLogLevel          = "LOG_LEVEL"
	EnvAPITimeoutMs      = "API_TIMEOUT_MS"
	EnvDBQueryTimeoutMs  = "DB_QUERY_TIMEOUT_MS"
	EnvAllowedOrigins    = "ALLOWED_ORIGINS"
	EnvMaxTradesPerHour  = "MAX_TRADES_PER_HOUR"
	EnvPollingIntervalMs = "DEFAULT_POLLING_INTERVAL_MS"
	EnvOrderTimeoutMs    = "DEFAULT_ORDER_TIMEOUT_MS"
	EnvPort              = "PORT"
	EnvMetricsEnabled    = "METRICS_ENABLED"
)

// Configuration defaults
const (
	DefaultBaseURL           = "https://api.mexc.com"
	DefaultWsURL             = "wss://wbs.mexc.com/ws"
	DefaultLogLevel          = "info"
	DefaultAPITimeoutMs      = 10000
	DefaultDBQueryTimeoutMs  = 5000
	DefaultMaxTradesPerHour  = 10
	DefaultPollingIntervalMs = 5000
	DefaultOrderTimeoutMs    = 30000
	DefaultRecvWindowMs      = 5000
	DefaultPort              = 8080
)

// Trading defaults, expressed in basis points where the name says so.
const (
	DefaultProfitTargetBps    = 500 // 5%
	DefaultStopLossBps        = 200 // 2%
	DefaultTimeBasedExitMin   = 60
	DefaultMaxPurchaseAmount  = "100"  // quote units
	DefaultDailySpendingLimit = "1000" // quote units
	DefaultPriceToleranceBps  = 100
)

// Process exit codes.
const (
	ExitOK       = 0
	ExitError    = 1
	ExitConfig   = 2
	ExitDatabase = 3
)

// Quote suffixes tried, in order, when splitting a symbol into base/quote.
var QuoteSuffixes = []string{"USDT", "USDC", "BTC", "ETH", "BNB"}
