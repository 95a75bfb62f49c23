package main

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func setMinimalValidConfigEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing-config.yaml"))
	t.Setenv("CALL_PROVIDER_URL", "https://calls.example.com")
	t.Setenv("LLM_PROVIDER", "rules")
}

func TestLoadConfigFromEnvWithDefaults(t *testing.T) {
	setMinimalValidConfigEnv(t)

	cfg := LoadConfig()

	if cfg.CallProviderURL != "https://calls.example.com" {
		t.Fatalf("unexpected provider url: %q", cfg.CallProviderURL)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr default: %q", cfg.ListenAddr)
	}
	if cfg.DBPath != "./formationbot.db" {
		t.Fatalf("unexpected db path default: %q", cfg.DBPath)
	}
	if cfg.LLMConfidence != 0.70 {
		t.Fatalf("unexpected confidence default: %f", cfg.LLMConfidence)
	}
	if cfg.DefaultRegion != "US" {
		t.Fatalf("unexpected phone region default: %q", cfg.DefaultRegion)
	}
	if cfg.SchedulerSchedule != "* * * * *" {
		t.Fatalf("unexpected scheduler schedule default: %q", cfg.SchedulerSchedule)
	}
	if cfg.followUpDelay() != 24*time.Hour {
		t.Fatalf("unexpected follow-up delay default: %s", cfg.followUpDelay())
	}
	if cfg.MaxCallAttempts != 4 {
		t.Fatalf("unexpected attempt budget default: %d", cfg.MaxCallAttempts)
	}
}

func TestLoadConfigYAMLAndEnvOverride(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
call_provider_url: "https://yaml.example.com"
call_provider_token: "yaml-token"
llm_provider: "rules"
db_path: "/tmp/yaml.db"
default_phone_region: "GB"
follow_up_delay_minutes: 90
llm_confidence_threshold: 0.55
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONFIG_PATH", cfgPath)
	t.Setenv("DB_PATH", "/tmp/env.db")
	t.Setenv("FOLLOW_UP_DELAY_MINUTES", "120")

	cfg := LoadConfig()

	if cfg.CallProviderURL != "https://yaml.example.com" {
		t.Fatalf("expected provider url from yaml, got %q", cfg.CallProviderURL)
	}
	if cfg.DBPath != "/tmp/env.db" {
		t.Fatalf("expected db path from env override, got %q", cfg.DBPath)
	}
	if cfg.FollowUpDelayMin != 120 {
		t.Fatalf("expected follow-up delay from env override, got %d", cfg.FollowUpDelayMin)
	}
	if cfg.DefaultRegion != "GB" {
		t.Fatalf("expected phone region from yaml, got %q", cfg.DefaultRegion)
	}
	if cfg.LLMConfidence != 0.55 {
		t.Fatalf("expected confidence from yaml, got %f", cfg.LLMConfidence)
	}
}

func TestLoadConfigMissingLLMKeyFallsBackToRules(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing-config.yaml"))
	t.Setenv("CALL_PROVIDER_URL", "https://calls.example.com")
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := LoadConfig()
	if cfg.LLMProvider != "rules" {
		t.Fatalf("expected fallback to rules without an API key, got %q", cfg.LLMProvider)
	}
}

func TestEnvOverrideHelpers(t *testing.T) {
	s := "initial"
	t.Setenv("FB_TEST_STR", "value")
	envOverride(&s, "FB_TEST_STR")
	if s != "value" {
		t.Fatalf("envOverride failed, got %q", s)
	}

	i := 1
	t.Setenv("FB_TEST_INT", "42")
	envOverrideInt(&i, "FB_TEST_INT")
	if i != 42 {
		t.Fatalf("envOverrideInt failed, got %d", i)
	}

	f := 0.1
	t.Setenv("FB_TEST_FLOAT", "0.75")
	envOverrideFloat(&f, "FB_TEST_FLOAT")
	if f != 0.75 {
		t.Fatalf("envOverrideFloat failed, got %f", f)
	}
}

func TestLoadConfigMissingProviderURLFatal(t *testing.T) {
	if os.Getenv("TEST_MISSING_PROVIDER_FATAL") == "1" {
		_ = os.Setenv("CONFIG_PATH", filepath.Join(os.TempDir(), "no-config.yaml"))
		_ = os.Setenv("CALL_PROVIDER_URL", "")
		LoadConfig()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestLoadConfigMissingProviderURLFatal")
	cmd.Env = append(os.Environ(), "TEST_MISSING_PROVIDER_FATAL=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with failure")
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got: %v", err)
	}
}
