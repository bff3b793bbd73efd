// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aristath/vault/internal/domain"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (defaults to "./data", always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	Vault     VaultConfig
	Scheduler SchedulerConfig
	Backup    BackupConfig
}

// VaultConfig identifies the vault and its assets
type VaultConfig struct {
	Owner         string
	Account       string
	Underlying    string
	ShareToken    string
	Name          string
	Symbol        string
	SourcesFile   string   // YAML source definitions; empty uses the built-in four-source set
	Whitelist     []string // Addresses whitelisted on first start
	DustPerSource uint64
}

// SchedulerConfig holds cron schedules for periodic jobs (six fields, seconds first)
type SchedulerConfig struct {
	SnapshotCron  string
	KeeperCron    string
	KeeperEnabled bool
	KeeperMinOut  string
	// SnapshotRetentionDays bounds share-price history; 0 keeps everything
	SnapshotRetentionDays int
}

// BackupConfig holds S3-compatible backup settings
type BackupConfig struct {
	Cron            string
	Bucket          string
	Endpoint        string // Custom endpoint for R2/MinIO; empty uses AWS
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
}

// Enabled reports whether backups have somewhere to go
func (b BackupConfig) Enabled() bool {
	return b.Bucket != ""
}

// cronParser matches the scheduler's seconds-enabled cron.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("VAULT_DATA_DIR", "./data")

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("GO_PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Vault: VaultConfig{
			Owner:         getEnv("VAULT_OWNER", ""),
			Account:       getEnv("VAULT_ACCOUNT", "vault"),
			Underlying:    getEnv("VAULT_UNDERLYING", "USDC"),
			ShareToken:    getEnv("VAULT_SHARE_TOKEN", "rfUSDC"),
			Name:          getEnv("VAULT_NAME", ""),
			Symbol:        getEnv("VAULT_SYMBOL", ""),
			SourcesFile:   getEnv("VAULT_SOURCES_FILE", ""),
			Whitelist:     getEnvAsList("VAULT_WHITELIST"),
			DustPerSource: uint64(getEnvAsInt("VAULT_DUST_PER_SOURCE", 1)),
		},
		Scheduler: SchedulerConfig{
			SnapshotCron:          getEnv("SNAPSHOT_CRON", "0 0 * * * *"),
			KeeperCron:            getEnv("KEEPER_CRON", "0 */15 * * * *"),
			KeeperEnabled:         getEnvAsBool("KEEPER_ENABLED", false),
			KeeperMinOut:          getEnv("KEEPER_MIN_OUT", "0"),
			SnapshotRetentionDays: getEnvAsInt("SNAPSHOT_RETENTION_DAYS", 365),
		},
		Backup: BackupConfig{
			Cron:            getEnv("BACKUP_CRON", "0 0 3 * * *"),
			Bucket:          getEnv("BACKUP_BUCKET", ""),
			Endpoint:        getEnv("BACKUP_ENDPOINT", ""),
			Region:          getEnv("BACKUP_REGION", "auto"),
			AccessKeyID:     getEnv("BACKUP_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
	}

	if sourcesFile := cfg.Vault.SourcesFile; sourcesFile != "" && !filepath.IsAbs(sourcesFile) {
		cfg.Vault.SourcesFile = filepath.Join(absDataDir, sourcesFile)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Vault.Owner == "" {
		return fmt.Errorf("VAULT_OWNER is required")
	}
	if c.Vault.Underlying == "" {
		return fmt.Errorf("VAULT_UNDERLYING is required")
	}
	if c.Vault.ShareToken == c.Vault.Underlying {
		return fmt.Errorf("VAULT_SHARE_TOKEN must differ from VAULT_UNDERLYING")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("GO_PORT out of range: %d", c.Port)
	}

	if _, err := domain.ParseAmount(c.Scheduler.KeeperMinOut); err != nil {
		return fmt.Errorf("invalid KEEPER_MIN_OUT %q: %w", c.Scheduler.KeeperMinOut, err)
	}
	if c.Scheduler.SnapshotRetentionDays < 0 {
		return fmt.Errorf("SNAPSHOT_RETENTION_DAYS must not be negative")
	}

	schedules := map[string]string{
		"SNAPSHOT_CRON": c.Scheduler.SnapshotCron,
		"KEEPER_CRON":   c.Scheduler.KeeperCron,
		"BACKUP_CRON":   c.Backup.Cron,
	}
	for name, spec := range schedules {
		if _, err := cronParser.Parse(spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, spec, err)
		}
	}

	if c.Backup.Enabled() {
		if c.Backup.AccessKeyID == "" || c.Backup.SecretAccessKey == "" {
			return fmt.Errorf("BACKUP_ACCESS_KEY_ID and BACKUP_SECRET_ACCESS_KEY are required when BACKUP_BUCKET is set")
		}
		if c.Backup.RetentionDays < 1 {
			return fmt.Errorf("BACKUP_RETENTION_DAYS must be at least 1")
		}
	}

	return nil
}

// Helper functions
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping blanks
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
