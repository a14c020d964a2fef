package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stellar/go/strkey"
)

type Config struct {
	// Postgres connection string; empty runs on the in-memory backend
	DatabaseURL string

	// Network passphrase ( mainnet or testnet ), bound into attestations
	NetworkPassphrase string

	// Address of the custodied fungible-token contract
	TokenContract string

	// Custodial address the escrow holds funds under
	EscrowAddress string

	// Public key (G...) attestations are verified against
	AttestationPublicKey string

	// Optional signer seed (S...) enabling the release orchestrator
	AttestationSignerSeed string

	// Admin account (G...) allowed to register milestones
	AdminAddress string

	// Projects the orchestrator reconciles periodically (hex IDs)
	ReconcileProjects []string

	// Interval between reconciliation passes
	ReconcileInterval time.Duration

	// Port for the /health and /metrics listener
	MetricsPort int

	// Log level: debug, info, warn, error
	LogLevel string
}

// Load returns the configuration from environment variables
func Load() *Config {
	return &Config{
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		NetworkPassphrase:     getEnv("NETWORK_PASSPHRASE", "Test SDF Network ; September 2015"),
		TokenContract:         os.Getenv("TOKEN_CONTRACT"),
		EscrowAddress:         getEnv("ESCROW_ADDRESS", "funding-escrow"),
		AttestationPublicKey:  os.Getenv("ATTESTATION_PUBLIC_KEY"),
		AttestationSignerSeed: os.Getenv("ATTESTATION_SIGNER_SEED"),
		AdminAddress:          os.Getenv("ADMIN_ADDRESS"),
		ReconcileProjects:     splitList(os.Getenv("RECONCILE_PROJECTS")),
		ReconcileInterval:     time.Duration(getEnvAsInt("RECONCILE_INTERVAL_SEC", 60)) * time.Second,
		MetricsPort:           getEnvAsInt("METRICS_PORT", 8080),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NetworkPassphrase == "" {
		return fmt.Errorf("NetworkPassphrase is required")
	}
	if c.AttestationPublicKey == "" {
		return fmt.Errorf("AttestationPublicKey is required")
	}
	if !strkey.IsValidEd25519PublicKey(c.AttestationPublicKey) {
		return fmt.Errorf("AttestationPublicKey is not a valid account address")
	}
	if c.AdminAddress != "" && !strkey.IsValidEd25519PublicKey(c.AdminAddress) {
		return fmt.Errorf("AdminAddress is not a valid account address")
	}
	if c.AttestationSignerSeed != "" && !strkey.IsValidEd25519SecretSeed(c.AttestationSignerSeed) {
		return fmt.Errorf("AttestationSignerSeed is not a valid secret seed")
	}
	return nil
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}
