package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default phase and gameplay parameters, overridable via environment
const (
	DefaultPort            = "3001"
	DefaultInitialHP       = 1000
	DefaultBettingDuration = 60 * time.Second
	DefaultFightDuration   = 60 * time.Second
	DefaultFeePercentage   = 5
	DefaultExportDir       = "./exports"
	DefaultChatURL         = "wss://pump.fun/chat"
	DefaultRPCURL          = "https://api.mainnet-beta.solana.com"
)

// Config holds all application configuration
type Config struct {
	// HTTP server
	Port string

	// Chat ingestion
	ChatURL     string
	CoinAddress string // room id

	// Keyword interpretation
	TriggerKeywords []string
	HealKeywords    []string

	// Game parameters
	InitialHP       uint32
	BettingDuration time.Duration
	FightDuration   time.Duration

	// Exports
	ExportDir string

	// Ledger
	SolanaRPCURL         string
	AuthorityKeypairPath string
	TreasuryWallet       string
	ProgramID            string
	FeePercentage        uint8

	// Admin authentication
	AdminSecret string
	AdminWallet string
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		ChatURL:              getEnv("CHAT_WS_URL", DefaultChatURL),
		CoinAddress:          os.Getenv("COIN_ADDRESS"),
		TriggerKeywords:      splitKeywords(getEnv("TRIGGER_KEYWORDS", "hit,attack,fight")),
		HealKeywords:         splitKeywords(getEnv("HEAL_KEYWORDS", "heal,save")),
		InitialHP:            DefaultInitialHP,
		BettingDuration:      DefaultBettingDuration,
		FightDuration:        DefaultFightDuration,
		ExportDir:            getEnv("EXPORT_DIR", DefaultExportDir),
		SolanaRPCURL:         getEnv("SOLANA_RPC_URL", DefaultRPCURL),
		AuthorityKeypairPath: os.Getenv("AUTHORITY_KEYPAIR_PATH"),
		TreasuryWallet:       os.Getenv("TREASURY_WALLET"),
		ProgramID:            os.Getenv("PROGRAM_ID"),
		FeePercentage:        DefaultFeePercentage,
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		AdminWallet:          os.Getenv("ADMIN_WALLET"),
	}

	if hp := os.Getenv("INITIAL_HP"); hp != "" {
		parsed, err := strconv.ParseUint(hp, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid INITIAL_HP %q: %w", hp, err)
		}
		cfg.InitialHP = uint32(parsed)
	}
	if fee := os.Getenv("FEE_PERCENTAGE"); fee != "" {
		parsed, err := strconv.ParseUint(fee, 10, 8)
		if err != nil || parsed > 100 {
			return nil, fmt.Errorf("invalid FEE_PERCENTAGE %q", fee)
		}
		cfg.FeePercentage = uint8(parsed)
	}
	if ms := os.Getenv("BETTING_DURATION_MS"); ms != "" {
		parsed, err := strconv.ParseInt(ms, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid BETTING_DURATION_MS %q", ms)
		}
		cfg.BettingDuration = time.Duration(parsed) * time.Millisecond
	}
	if ms := os.Getenv("FIGHT_DURATION_MS"); ms != "" {
		parsed, err := strconv.ParseInt(ms, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid FIGHT_DURATION_MS %q", ms)
		}
		cfg.FightDuration = time.Duration(parsed) * time.Millisecond
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	required := map[string]string{
		"COIN_ADDRESS":           c.CoinAddress,
		"PROGRAM_ID":             c.ProgramID,
		"TREASURY_WALLET":        c.TreasuryWallet,
		"AUTHORITY_KEYPAIR_PATH": c.AuthorityKeypairPath,
		"ADMIN_SECRET":           c.AdminSecret,
		"ADMIN_WALLET":           c.AdminWallet,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if c.InitialHP == 0 {
		return fmt.Errorf("INITIAL_HP must be positive")
	}
	if len(c.TriggerKeywords) == 0 {
		return fmt.Errorf("TRIGGER_KEYWORDS must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// splitKeywords parses a comma-separated keyword list, trimming
// whitespace and dropping empties
func splitKeywords(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
