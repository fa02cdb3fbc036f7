package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	logger "github.com/kthomas/go-logger"
)

var (
	// Log is the configured logger
	Log *logger.Logger

	// ConsumeNATSStreamingSubscriptions indicates if the process should establish NATS subscriptions
	ConsumeNATSStreamingSubscriptions bool

	// DefaultLedgerSubmissionTimeout bounds ledger anchoring attempts; a timed-out
	// attempt is surfaced to the caller for explicit resubmission, never retried here
	DefaultLedgerSubmissionTimeout time.Duration
)

// GatewayConfig is the explicit configuration for an injected external gateway
// client; clients never read credentials ambiently
type GatewayConfig struct {
	BaseURL         string
	GatewayURL      string
	APIKey          string
	APISecret       string
	ContractAddress string
}

func init() {
	godotenv.Load()

	requireLogger()
	requireFlags()
}

func requireLogger() {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "INFO"
	}

	var endpoint *string
	if os.Getenv("SYSLOG_ENDPOINT") != "" {
		endpt := os.Getenv("SYSLOG_ENDPOINT")
		endpoint = &endpt
	}

	Log = logger.NewLogger("votechain", lvl, endpoint)
}

func requireFlags() {
	ConsumeNATSStreamingSubscriptions = strings.ToLower(os.Getenv("CONSUME_NATS_STREAMING_SUBSCRIPTIONS")) == "true"

	DefaultLedgerSubmissionTimeout = time.Minute * 5
	if os.Getenv("LEDGER_SUBMISSION_TIMEOUT_SECONDS") != "" {
		timeoutSeconds, err := strconv.Atoi(os.Getenv("LEDGER_SUBMISSION_TIMEOUT_SECONDS"))
		if err != nil {
			Log.Panicf("failed to parse LEDGER_SUBMISSION_TIMEOUT_SECONDS; %s", err.Error())
		}
		DefaultLedgerSubmissionTimeout = time.Second * time.Duration(timeoutSeconds)
	}
}

// ResolveLedgerGatewayConfig reads the ledger gateway configuration from the environment
func ResolveLedgerGatewayConfig() *GatewayConfig {
	rpcURL := os.Getenv("LEDGER_RPC_URL")
	if rpcURL == "" {
		Log.Warning("no LEDGER_RPC_URL configured; ledger anchoring will be unavailable")
	}

	return &GatewayConfig{
		BaseURL:         rpcURL,
		ContractAddress: os.Getenv("LEDGER_CONTRACT_ADDRESS"),
	}
}

// ResolveArchiveGatewayConfig reads the archive gateway configuration from the environment
func ResolveArchiveGatewayConfig() *GatewayConfig {
	baseURL := os.Getenv("ARCHIVE_API_URL")
	if baseURL == "" {
		baseURL = "https://api.pinata.cloud"
	}

	gatewayURL := os.Getenv("ARCHIVE_GATEWAY_URL")
	if gatewayURL == "" {
		gatewayURL = "https://gateway.pinata.cloud"
	}

	return &GatewayConfig{
		BaseURL:    baseURL,
		GatewayURL: gatewayURL,
		APIKey:     os.Getenv("ARCHIVE_API_KEY"),
		APISecret:  os.Getenv("ARCHIVE_API_SECRET"),
	}
}
