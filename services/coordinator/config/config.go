// Package config loads the Coordinator's runtime configuration from the
// environment, validating required fields the way otc-gateway's config
// package does for its own service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures everything the Coordinator needs to start serving.
type Config struct {
	Chain                     string
	RPCURL                    string
	VotingContractAddress     string
	MembershipContractAddress string
	SigningKey                string
	ServerKey                 string
	TokenTTL                  time.Duration
	PollInterval              time.Duration
	MaxWindow                 uint64
	Confirmations             uint64
	DBURL                     string
	CORSOrigin                string
	ListenAddr                string
	LogFile                   string

	OTELEndpoint string
	OTELInsecure bool
	OTELHeaders  map[string]string

	ReconOutputDir string
	ReconRunHour   int
	ReconRunMinute int
	ReconWindow    time.Duration
}

var supportedChains = map[string]struct{}{
	"ethereum": {},
	"sepolia":  {},
	"polygon":  {},
	"local":    {},
}

// FromEnv reads and validates the Coordinator's §6 environment variables.
func FromEnv() (*Config, error) {
	chain := strings.ToLower(strings.TrimSpace(os.Getenv("CHAIN")))
	if chain == "" {
		return nil, fmt.Errorf("CHAIN is required")
	}
	if _, ok := supportedChains[chain]; !ok {
		return nil, fmt.Errorf("unsupported CHAIN %q", chain)
	}

	rpcURL := strings.TrimSpace(os.Getenv("RPC_URL"))
	if rpcURL == "" {
		return nil, fmt.Errorf("RPC_URL is required")
	}

	votingAddr := strings.TrimSpace(os.Getenv("VOTING_CONTRACT_ADDRESS"))
	if votingAddr == "" {
		return nil, fmt.Errorf("VOTING_CONTRACT_ADDRESS is required")
	}

	membershipAddr := strings.TrimSpace(os.Getenv("MEMBERSHIP_CONTRACT_ADDRESS"))
	if membershipAddr == "" {
		return nil, fmt.Errorf("MEMBERSHIP_CONTRACT_ADDRESS is required")
	}

	signingKey := strings.TrimSpace(os.Getenv("SIGNING_KEY"))
	if signingKey == "" {
		return nil, fmt.Errorf("SIGNING_KEY is required")
	}

	serverKey := strings.TrimSpace(os.Getenv("SERVER_KEY"))
	if serverKey == "" {
		return nil, fmt.Errorf("SERVER_KEY is required")
	}
	if len(serverKey) < 32 {
		return nil, fmt.Errorf("SERVER_KEY must be at least 32 bytes")
	}

	dbURL := strings.TrimSpace(os.Getenv("DB_URL"))
	if dbURL == "" {
		return nil, fmt.Errorf("DB_URL is required")
	}

	tokenTTLSeconds := getEnvDefault("TOKEN_TTL", "604800")
	tokenTTL, err := parseDurationSeconds(tokenTTLSeconds)
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_TTL %q: %w", tokenTTLSeconds, err)
	}

	pollIntervalSeconds := getEnvDefault("POLL_INTERVAL", "4")
	pollInterval, err := parseDurationSeconds(pollIntervalSeconds)
	if err != nil {
		return nil, fmt.Errorf("invalid POLL_INTERVAL %q: %w", pollIntervalSeconds, err)
	}

	maxWindow := uint64(parseIntEnv("MAX_WINDOW", 2000))
	if maxWindow == 0 {
		return nil, fmt.Errorf("MAX_WINDOW must be positive")
	}

	confirmations := uint64(parseIntEnv("CONFIRMATIONS", 1))

	corsOrigin := getEnvDefault("CORS_ORIGIN", "*")
	listenAddr := getEnvDefault("LISTEN_ADDR", ":8080")

	reconWindowHours := parseIntEnv("RECON_WINDOW_HOURS", 24)

	return &Config{
		Chain:                     chain,
		RPCURL:                    rpcURL,
		VotingContractAddress:     votingAddr,
		MembershipContractAddress: membershipAddr,
		SigningKey:                signingKey,
		ServerKey:                 serverKey,
		TokenTTL:                  tokenTTL,
		PollInterval:              pollInterval,
		MaxWindow:                 maxWindow,
		Confirmations:             confirmations,
		DBURL:                     dbURL,
		CORSOrigin:                corsOrigin,
		ListenAddr:                listenAddr,
		LogFile:                   strings.TrimSpace(os.Getenv("LOG_FILE")),

		OTELEndpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTELInsecure: parseBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELHeaders:  parseKeyValueMapEnv("OTEL_EXPORTER_OTLP_HEADERS"),

		ReconOutputDir: getEnvDefault("RECON_OUTPUT_DIR", "votara-data/recon"),
		ReconRunHour:   parseIntEnv("RECON_RUN_HOUR", 1),
		ReconRunMinute: parseIntEnv("RECON_RUN_MINUTE", 5),
		ReconWindow:    time.Duration(reconWindowHours) * time.Hour,
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseDurationSeconds(v string) (time.Duration, error) {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("must be a positive integer number of seconds")
	}
	return time.Duration(secs) * time.Second, nil
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseKeyValueMapEnv(key string) map[string]string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	pairs := strings.Split(value, ",")
	result := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		trimmed := strings.TrimSpace(pair)
		if trimmed == "" {
			continue
		}
		k, v, found := strings.Cut(trimmed, "=")
		if !found {
			continue
		}
		result[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
