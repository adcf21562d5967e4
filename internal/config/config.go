// Package config loads and holds all core configuration.
// Settings are layered: defaults → scrubiq-config.json → environment
// variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// Config holds every tunable used by the detection/registry/token/audit
// subsystems.
type Config struct {
	LogLevel string `json:"logLevel"`

	// Key management
	ScryptN       int    `json:"scryptN"`       // scrypt CPU/memory cost, must be a power of two
	ScryptR       int    `json:"scryptR"`       // scrypt block size
	ScryptP       int    `json:"scryptP"`       // scrypt parallelism
	ScryptNMax    int    `json:"scryptNMax"`    // target cost for NeedsKDFUpgrade
	VaultDBPath   string `json:"vaultDbPath"`   // bbolt file for key/token/audit state
	SessionIdleTO int    `json:"sessionIdleTimeoutSecs"`

	// Detection Orchestrator
	MaxConcurrentDetections int `json:"maxConcurrentDetections"`
	MaxQueueDepth           int `json:"maxQueueDepth"`
	DetectorTimeoutMs       int `json:"detectorTimeoutMs"`
	MaxTextBytes            int `json:"maxTextBytes"`

	// Pipeline
	RepeatMinConfidence   float64 `json:"repeatMinConfidence"`
	RepeatConfidenceDecay float64 `json:"repeatConfidenceDecay"`
	MaxExpansionsPerValue int     `json:"maxExpansionsPerValue"`
	CorefMaxSentenceGap   int     `json:"corefMaxSentenceGap"`
	CorefConfidenceDecay  float64 `json:"corefConfidenceDecay"`

	// Entity Registry merge policy
	AutoMergeThreshold float64 `json:"autoMergeThreshold"`
	FlagMergeThreshold float64 `json:"flagMergeThreshold"`

	// Default privacy mode for restoration: "redacted" | "safe_harbor" | "research"
	DefaultPrivacyMode string `json:"defaultPrivacyMode"`

	// External config files (per Design Notes: allowlists are external config)
	AllowlistFile  string `json:"allowlistFile"`
	DictionaryFile string `json:"dictionaryFile"`

	// Conversation Context bounded recency queue sizing
	ConvContextCapacity int `json:"convContextCapacity"`
}

// Load returns config with defaults overridden by scrubiq-config.json and
// env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "scrubiq-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		LogLevel: "info",

		ScryptN:       1 << 15,
		ScryptR:       8,
		ScryptP:       1,
		ScryptNMax:    1 << 20,
		VaultDBPath:   "scrubiq-vault.db",
		SessionIdleTO: 1800,

		MaxConcurrentDetections: 10,
		MaxQueueDepth:           50,
		DetectorTimeoutMs:       2000,
		MaxTextBytes:            1 << 20,

		RepeatMinConfidence:   0.70,
		RepeatConfidenceDecay: 0.95,
		MaxExpansionsPerValue: 50,
		CorefMaxSentenceGap:   3,
		CorefConfidenceDecay:  0.90,

		AutoMergeThreshold: 0.90,
		FlagMergeThreshold: 0.70,

		DefaultPrivacyMode: "redacted",

		AllowlistFile:  "allowlist.json",
		DictionaryFile: "dictionary.json",

		ConvContextCapacity: 256,
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VAULT_DB_PATH"); v != "" {
		cfg.VaultDBPath = v
	}
	if v := os.Getenv("SCRYPT_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ScryptN = n
		}
	}
	if v := os.Getenv("SESSION_IDLE_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SessionIdleTO = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_DETECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentDetections = n
		}
	}
	if v := os.Getenv("MAX_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxQueueDepth = n
		}
	}
	if v := os.Getenv("DETECTOR_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DetectorTimeoutMs = n
		}
	}
	if v := os.Getenv("MAX_TEXT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxTextBytes = n
		}
	}
	if v := os.Getenv("AUTO_MERGE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AutoMergeThreshold = f
		}
	}
	if v := os.Getenv("FLAG_MERGE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.FlagMergeThreshold = f
		}
	}
	if v := os.Getenv("DEFAULT_PRIVACY_MODE"); v != "" {
		cfg.DefaultPrivacyMode = v
	}
	if v := os.Getenv("ALLOWLIST_FILE"); v != "" {
		cfg.AllowlistFile = v
	}
	if v := os.Getenv("DICTIONARY_FILE"); v != "" {
		cfg.DictionaryFile = v
	}
}
