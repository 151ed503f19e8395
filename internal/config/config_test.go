package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.EpochLength != time.Hour {
		t.Fatalf("epoch length = %s, want 1h", cfg.EpochLength)
	}
	if cfg.FeeBps != 200 {
		t.Fatalf("fee bps = %d, want 200", cfg.FeeBps)
	}
	if cfg.KeeperInterval != time.Minute {
		t.Fatalf("keeper interval = %s, want 1m", cfg.KeeperInterval)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen = %q, want :8080", cfg.ListenAddr)
	}
	if !cfg.MigrateOnStart {
		t.Fatal("migrate should default to true")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q, want info", cfg.LogLevel)
	}
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("rpc", "", "")
	flags.Duration("epoch-length", time.Hour, "")
	flags.Uint32("fee-bps", 200, "")
	if err := flags.Parse([]string{"--rpc", "http://localhost:8545", "--epoch-length", "30m", "--fee-bps", "150"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load("", flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCURL != "http://localhost:8545" {
		t.Fatalf("rpc = %q", cfg.RPCURL)
	}
	if cfg.EpochLength != 30*time.Minute {
		t.Fatalf("epoch length = %s, want 30m", cfg.EpochLength)
	}
	if cfg.FeeBps != 150 {
		t.Fatalf("fee bps = %d, want 150", cfg.FeeBps)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("EPOCHPAY_PRIVATE_KEY", "deadbeef")
	t.Setenv("EPOCHPAY_PG_DSN", "postgres://localhost/epochpay")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PrivateKey != "deadbeef" {
		t.Fatalf("private key = %q", cfg.PrivateKey)
	}
	if cfg.PGDSN != "postgres://localhost/epochpay" {
		t.Fatalf("pg dsn = %q", cfg.PGDSN)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Duration("epoch-length", time.Hour, "")
	if err := flags.Parse([]string{"--epoch-length", "5s"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := Load("", flags); err == nil {
		t.Fatal("expected error for sub-minute epoch length")
	}

	flags = pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Uint32("fee-bps", 200, "")
	if err := flags.Parse([]string{"--fee-bps", "10001"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := Load("", flags); err == nil {
		t.Fatal("expected error for fee above 100%")
	}
}

func TestParseTime(t *testing.T) {
	ts, err := ParseTime("1700003600")
	if err != nil {
		t.Fatalf("parse unix: %v", err)
	}
	if ts.Unix() != 1700003600 {
		t.Fatalf("unix = %d", ts.Unix())
	}

	ts, err = ParseTime("2026-08-22T10:00:00Z")
	if err != nil {
		t.Fatalf("parse rfc3339: %v", err)
	}
	if got := ts.Format(time.RFC3339); got != "2026-08-22T10:00:00Z" {
		t.Fatalf("rfc3339 = %s", got)
	}

	if _, err := ParseTime(""); err == nil {
		t.Fatal("expected error for empty input")
	}
	if _, err := ParseTime("not a time"); err == nil {
		t.Fatal("expected error for junk input")
	}
}
