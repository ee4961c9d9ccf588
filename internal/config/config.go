package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the process-wide, init-time configuration of the gateway.
// Values load from YAML first; environment variables override.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	PDP       PDPConfig       `yaml:"pdp"`
	Metering  MeteringConfig  `yaml:"metering"`
	Budget    BudgetConfig    `yaml:"budget"`
	Stores    StoresConfig    `yaml:"stores"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sink      SinkConfig      `yaml:"sink"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	Port             string        `yaml:"port"`
	Env              string        `yaml:"env"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	CustomerDeadline time.Duration `yaml:"customer_deadline"`
	AdminDeadline    time.Duration `yaml:"admin_deadline"`
}

type AuthConfig struct {
	CustomerPortalSecret string        `yaml:"customer_portal_secret"`
	PartnerPortalSecret  string        `yaml:"partner_portal_secret"`
	CustomerTokenTTL     time.Duration `yaml:"customer_token_ttl"`
	PartnerTokenTTL      time.Duration `yaml:"partner_token_ttl"`
	PeerSecret           string        `yaml:"peer_secret"`
}

type PDPConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type MeteringConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
	Skew   time.Duration `yaml:"skew"`
}

type BudgetConfig struct {
	TrialTasksPerDay       int64    `yaml:"trial_tasks_per_day"`
	TrialTokensPerDay      int64    `yaml:"trial_tokens_per_day"`
	TrialHighCostUSD       float64  `yaml:"trial_high_cost_usd"`
	AgentDailyBudgetUSD    float64  `yaml:"agent_daily_budget_usd"`
	DefaultMonthlyCapUSD   float64  `yaml:"default_monthly_cap_usd"`
	CriticalAgentAllowlist []string `yaml:"critical_agent_allowlist"`
}

type StoresConfig struct {
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
}

type RateLimitConfig struct {
	TrialPerHour    int `yaml:"trial_per_hour"`
	PaidPerHour     int `yaml:"paid_per_hour"`
	GovernorPerHour int `yaml:"governor_per_hour"`
}

type SinkConfig struct {
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type SchedulerConfig struct {
	ProjectID   string `yaml:"project_id"`
	LocationID  string `yaml:"location_id"`
	QueueID     string `yaml:"queue_id"`
	CallbackURL string `yaml:"callback_url"`
}

// Load reads the YAML file at path (optional) and applies environment
// overrides and defaults. Pass "" to configure from environment only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("JWT_SECRET_CP"); v != "" {
		c.Auth.CustomerPortalSecret = v
	}
	if v := os.Getenv("JWT_SECRET_PP"); v != "" {
		c.Auth.PartnerPortalSecret = v
	}
	if v := os.Getenv("PEER_HMAC_SECRET"); v != "" {
		c.Auth.PeerSecret = v
	}
	if v := os.Getenv("PDP_URL"); v != "" {
		c.PDP.URL = v
	}
	if v := envInt("PDP_TIMEOUT_MS"); v > 0 {
		c.PDP.Timeout = time.Duration(v) * time.Millisecond
	}
	if v := os.Getenv("METERING_ENVELOPE_SECRET"); v != "" {
		c.Metering.Secret = v
	}
	if v := envInt("METERING_ENVELOPE_TTL_SECONDS"); v > 0 {
		c.Metering.TTL = time.Duration(v) * time.Second
	}
	if v := envInt("TRIAL_TASKS_PER_DAY"); v > 0 {
		c.Budget.TrialTasksPerDay = v
	}
	if v := envInt("TRIAL_TOKENS_PER_DAY"); v > 0 {
		c.Budget.TrialTokensPerDay = v
	}
	if v := envFloat("AGENT_DAILY_BUDGET_USD"); v > 0 {
		c.Budget.AgentDailyBudgetUSD = v
	}
	if v := envFloat("DEFAULT_MONTHLY_BUDGET_USD"); v > 0 {
		c.Budget.DefaultMonthlyCapUSD = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Stores.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Stores.RedisAddr = v
	}
	if v := os.Getenv("PUBSUB_PROJECT"); v != "" {
		c.Sink.PubSubProject = v
	}
	if v := os.Getenv("PUBSUB_TOPIC"); v != "" {
		c.Sink.PubSubTopic = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.CustomerDeadline == 0 {
		c.Server.CustomerDeadline = 30 * time.Second
	}
	if c.Server.AdminDeadline == 0 {
		c.Server.AdminDeadline = 60 * time.Second
	}
	if c.Auth.CustomerTokenTTL == 0 {
		c.Auth.CustomerTokenTTL = 15 * time.Minute
	}
	if c.Auth.PartnerTokenTTL == 0 {
		c.Auth.PartnerTokenTTL = 8 * time.Hour
	}
	if c.PDP.Timeout == 0 {
		c.PDP.Timeout = 500 * time.Millisecond
	}
	if c.Metering.TTL == 0 {
		c.Metering.TTL = 300 * time.Second
	}
	if c.Metering.Skew == 0 {
		c.Metering.Skew = 30 * time.Second
	}
	if c.Budget.TrialTasksPerDay == 0 {
		c.Budget.TrialTasksPerDay = 10
	}
	if c.Budget.TrialTokensPerDay == 0 {
		c.Budget.TrialTokensPerDay = 10000
	}
	if c.Budget.TrialHighCostUSD == 0 {
		c.Budget.TrialHighCostUSD = 1.0
	}
	if c.Budget.AgentDailyBudgetUSD == 0 {
		c.Budget.AgentDailyBudgetUSD = 1.0
	}
	if c.Budget.DefaultMonthlyCapUSD == 0 {
		c.Budget.DefaultMonthlyCapUSD = 100.0
	}
	if len(c.Budget.CriticalAgentAllowlist) == 0 {
		c.Budget.CriticalAgentAllowlist = []string{"genesis", "architect", "vision_guardian"}
	}
	if c.RateLimit.TrialPerHour == 0 {
		c.RateLimit.TrialPerHour = 100
	}
	if c.RateLimit.PaidPerHour == 0 {
		c.RateLimit.PaidPerHour = 1000
	}
	if c.RateLimit.GovernorPerHour == 0 {
		c.RateLimit.GovernorPerHour = 10000
	}
}

func envInt(key string) int64 {
	v, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func envFloat(key string) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return 0
	}
	return v
}
