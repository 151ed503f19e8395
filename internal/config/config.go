package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	PGDSN           string
	EpochLength     time.Duration
	FeeBps          uint32
	KeeperInterval  time.Duration
	MaxParallel     int
	LedgerTimeout   time.Duration
	ConfirmTimeout  time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	ListenAddr      string
	MigrateOnStart  bool
	LogLevel        string
}

// Load merges config file, environment variables, and flags into Config.
// Environment variables use the EPOCHPAY_ prefix, so the signing key can stay
// out of argv as EPOCHPAY_PRIVATE_KEY.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EPOCHPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("epoch-length", time.Hour)
	v.SetDefault("fee-bps", 200)
	v.SetDefault("keeper-interval", time.Minute)
	v.SetDefault("max-parallel", 4)
	v.SetDefault("ledger-timeout", 90*time.Second)
	v.SetDefault("confirm-timeout", 2*time.Minute)
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("listen", ":8080")
	v.SetDefault("migrate", true)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:          v.GetString("rpc"),
		ContractAddress: v.GetString("contract"),
		PrivateKey:      v.GetString("private-key"),
		PGDSN:           v.GetString("pg-dsn"),
		EpochLength:     v.GetDuration("epoch-length"),
		FeeBps:          v.GetUint32("fee-bps"),
		KeeperInterval:  v.GetDuration("keeper-interval"),
		MaxParallel:     v.GetInt("max-parallel"),
		LedgerTimeout:   v.GetDuration("ledger-timeout"),
		ConfirmTimeout:  v.GetDuration("confirm-timeout"),
		MaxRetries:      v.GetInt("max-retries"),
		RetryBackoff:    v.GetDuration("retry-backoff"),
		ListenAddr:      v.GetString("listen"),
		MigrateOnStart:  v.GetBool("migrate"),
		LogLevel:        v.GetString("log-level"),
	}

	if cfg.EpochLength < time.Minute {
		return Config{}, fmt.Errorf("epoch length %s is below one minute", cfg.EpochLength)
	}
	if cfg.FeeBps > 10_000 {
		return Config{}, fmt.Errorf("fee bps %d exceeds 10000", cfg.FeeBps)
	}

	return cfg, nil
}

// ParseTime parses a point in time given as unix seconds or RFC3339.
func ParseTime(input string) (time.Time, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}

	if isNumeric(input) {
		secs, err := strconv.ParseInt(input, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse unix timestamp: %w", err)
		}
		return time.Unix(secs, 0).UTC(), nil
	}

	ts, err := time.Parse(time.RFC3339, input)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
	}
	return ts.UTC(), nil
}

func isNumeric(input string) bool {
	for _, r := range input {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(input) > 0
}
