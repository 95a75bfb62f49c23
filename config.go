package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`

	CallProviderURL     string `yaml:"call_provider_url"`
	CallProviderToken   string `yaml:"call_provider_token"`
	CallProviderAgentID string `yaml:"call_provider_agent_id"`

	LLMProvider     string  `yaml:"llm_provider"`
	LLMModel        string  `yaml:"llm_model"`
	LLMConfidence   float64 `yaml:"llm_confidence_threshold"`
	AnthropicAPIKey string  `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string  `yaml:"openai_api_key"`
	GlossaryPath    string  `yaml:"extraction_glossary_path"`

	DefaultRegion string `yaml:"default_phone_region"`

	SchedulerSchedule     string `yaml:"scheduler_schedule"`
	FollowUpDelayMin      int    `yaml:"follow_up_delay_minutes"`
	MaxCallAttempts       int    `yaml:"max_call_attempts"`
	RetryBackoffBaseMin   int    `yaml:"retry_backoff_base_minutes"`
	ProviderTimeoutSec    int    `yaml:"provider_timeout_seconds"`
	SessionIdleTimeoutMin int    `yaml:"session_idle_timeout_minutes"`
	SweepIntervalSec      int    `yaml:"sweep_interval_seconds"`

	SlackBotToken     string `yaml:"slack_bot_token"`
	SlackAlertChannel string `yaml:"slack_alert_channel"`
}

func LoadConfig() Config {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.ListenAddr, "LISTEN_ADDR")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.CallProviderURL, "CALL_PROVIDER_URL")
	envOverride(&cfg.CallProviderToken, "CALL_PROVIDER_TOKEN")
	envOverride(&cfg.CallProviderAgentID, "CALL_PROVIDER_AGENT_ID")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverrideFloat(&cfg.LLMConfidence, "LLM_CONFIDENCE_THRESHOLD")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.GlossaryPath, "EXTRACTION_GLOSSARY_PATH")
	envOverride(&cfg.DefaultRegion, "DEFAULT_PHONE_REGION")
	envOverride(&cfg.SchedulerSchedule, "SCHEDULER_SCHEDULE")
	envOverrideInt(&cfg.FollowUpDelayMin, "FOLLOW_UP_DELAY_MINUTES")
	envOverrideInt(&cfg.MaxCallAttempts, "MAX_CALL_ATTEMPTS")
	envOverrideInt(&cfg.RetryBackoffBaseMin, "RETRY_BACKOFF_BASE_MINUTES")
	envOverrideInt(&cfg.ProviderTimeoutSec, "PROVIDER_TIMEOUT_SECONDS")
	envOverrideInt(&cfg.SessionIdleTimeoutMin, "SESSION_IDLE_TIMEOUT_MINUTES")
	envOverrideInt(&cfg.SweepIntervalSec, "SWEEP_INTERVAL_SECONDS")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackAlertChannel, "SLACK_ALERT_CHANNEL")

	// Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./formationbot.db"
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.LLMConfidence == 0 {
		cfg.LLMConfidence = 0.70
	}
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = "US"
	}
	if cfg.SchedulerSchedule == "" {
		cfg.SchedulerSchedule = "* * * * *"
	}
	if cfg.FollowUpDelayMin == 0 {
		cfg.FollowUpDelayMin = 24 * 60
	}
	if cfg.MaxCallAttempts == 0 {
		cfg.MaxCallAttempts = 4
	}
	if cfg.RetryBackoffBaseMin == 0 {
		cfg.RetryBackoffBaseMin = 5
	}
	if cfg.ProviderTimeoutSec == 0 {
		cfg.ProviderTimeoutSec = 20
	}
	if cfg.SessionIdleTimeoutMin == 0 {
		cfg.SessionIdleTimeoutMin = 15
	}
	if cfg.SweepIntervalSec == 0 {
		cfg.SweepIntervalSec = 60
	}

	// Validate required fields
	if cfg.CallProviderURL == "" {
		log.Fatalf("Required config 'call_provider_url' is not set (via config.yaml or env var)")
	}

	switch cfg.LLMProvider {
	case "anthropic", "openai", "rules":
	default:
		log.Fatalf("llm_provider must be 'anthropic', 'openai', or 'rules', got '%s'", cfg.LLMProvider)
	}
	if cfg.LLMProvider == "anthropic" && cfg.AnthropicAPIKey == "" {
		log.Printf("anthropic_api_key not set, falling back to rule-based extraction")
		cfg.LLMProvider = "rules"
	}
	if cfg.LLMProvider == "openai" && cfg.OpenAIAPIKey == "" {
		log.Printf("openai_api_key not set, falling back to rule-based extraction")
		cfg.LLMProvider = "rules"
	}

	if cfg.LLMConfidence < 0 || cfg.LLMConfidence > 1 {
		log.Fatalf("invalid llm_confidence_threshold '%f': must be between 0 and 1", cfg.LLMConfidence)
	}
	if cfg.MaxCallAttempts < 1 {
		log.Fatalf("invalid max_call_attempts '%d': must be >= 1", cfg.MaxCallAttempts)
	}
	if cfg.GlossaryPath != "" {
		if _, err := LoadExtractionGlossary(cfg.GlossaryPath); err != nil {
			log.Fatalf("invalid extraction_glossary_path '%s': %v", cfg.GlossaryPath, err)
		}
	}

	return cfg
}

func (c Config) followUpDelay() time.Duration {
	return time.Duration(c.FollowUpDelayMin) * time.Minute
}

func (c Config) retryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMin) * time.Minute
}

func (c Config) providerTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSec) * time.Second
}

func (c Config) sessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutMin) * time.Minute
}

func (c Config) sweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
