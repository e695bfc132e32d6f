package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"warden/internal/penalty"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken    string                   `yaml:"discord_token"`
	GuildID         string                   `yaml:"guild_id"`
	DatabasePath    string                   `yaml:"database_path"`
	StoreBackend    string                   `yaml:"store_backend"`
	StorePath       string                   `yaml:"store_path"`
	LogLevel        string                   `yaml:"log_level"`
	StaffLogChannel string                   `yaml:"staff_log_channel"`
	RetentionDays   int                      `yaml:"retention_days"`
	Health          HealthConfig             `yaml:"health"`
	Penalties       map[string]PenaltyConfig `yaml:"penalties"`
	Counters        CountersConfig           `yaml:"counters"`
	Activity        ActivityConfig           `yaml:"activity"`
	Visibility      map[string][]string      `yaml:"visibility"`
	Notifications   NotifyConfig             `yaml:"notifications"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type PenaltyConfig struct {
	RoleID string       `yaml:"role_id"`
	Scopes []string     `yaml:"scopes"`
	Tiers  []TierConfig `yaml:"tiers"`
}

type TierConfig struct {
	DurationHours int  `yaml:"duration_hours"`
	Notify        bool `yaml:"notify"`
}

type CountersConfig struct {
	Enabled        bool   `yaml:"enabled"`
	AllChannel     string `yaml:"all_channel"`
	MembersChannel string `yaml:"members_channel"`
	OnlineChannel  string `yaml:"online_channel"`
	ServerChannel  string `yaml:"server_channel"`
	ExcludedRole   string `yaml:"excluded_role"`
	RefreshHours   int    `yaml:"refresh_hours"`
}

type ActivityConfig struct {
	MonitorChannel string `yaml:"monitor_channel"`
	IdleMinutes    int    `yaml:"idle_minutes"`
	CheckMinutes   int    `yaml:"check_minutes"`
}

type NotifyConfig struct {
	StaffNotifyEnabled bool        `yaml:"staff_notify_enabled"`
	AuditToChannel     bool        `yaml:"audit_to_channel"`
	EmbedColors        EmbedColors `yaml:"embed_colors"`
}

type EmbedColors struct {
	Action  int `yaml:"action"`
	Warning int `yaml:"warning"`
	Error   int `yaml:"error"`
}

func DefaultConfig() Config {
	return Config{
		DatabasePath:  "/data/warden.db",
		StoreBackend:  "sqlite",
		StorePath:     "/data/violations.json",
		LogLevel:      "info",
		RetentionDays: 90,
		Health:        HealthConfig{Enabled: false, Addr: ":8080"},
		Penalties: map[string]PenaltyConfig{
			"standard": {Tiers: []TierConfig{
				{DurationHours: 24},
				{DurationHours: 168, Notify: true},
			}},
			"special": {Tiers: []TierConfig{
				{DurationHours: 24},
				{DurationHours: 168, Notify: true},
			}},
		},
		Counters: CountersConfig{RefreshHours: 12},
		Activity: ActivityConfig{IdleMinutes: 60, CheckMinutes: 10},
		Notifications: NotifyConfig{
			StaffNotifyEnabled: true,
			AuditToChannel:     true,
			EmbedColors: EmbedColors{
				Action:  0xF59E0B,
				Warning: 0xEF4444,
				Error:   0xF97316,
			},
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}
	if cfg.GuildID == "" {
		return Config{}, errors.New("GUILD_ID is required")
	}
	if err := validatePenalties(cfg.Penalties); err != nil {
		return Config{}, err
	}
	cfg.StoreBackend = normalizeBackend(cfg.StoreBackend)

	return cfg, nil
}

// PolicyTables converts the configured tier lists to escalation tables.
func (c Config) PolicyTables() map[penalty.Kind]penalty.Table {
	tables := make(map[penalty.Kind]penalty.Table, len(c.Penalties))
	for name, pc := range c.Penalties {
		tiers := make([]penalty.Tier, 0, len(pc.Tiers))
		for _, tier := range pc.Tiers {
			tiers = append(tiers, penalty.Tier{
				Duration: time.Duration(tier.DurationHours) * time.Hour,
				Notify:   tier.Notify,
			})
		}
		tables[penalty.Kind(name)] = penalty.Table{Tiers: tiers}
	}
	return tables
}

// Bindings converts the configured role and scope sets per kind.
func (c Config) Bindings() map[penalty.Kind]penalty.Binding {
	bindings := make(map[penalty.Kind]penalty.Binding, len(c.Penalties))
	for name, pc := range c.Penalties {
		bindings[penalty.Kind(name)] = penalty.Binding{RoleID: pc.RoleID, Scopes: pc.Scopes}
	}
	return bindings
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.GuildID = envString("GUILD_ID", cfg.GuildID)
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.StoreBackend = envString("STORE_BACKEND", cfg.StoreBackend)
	cfg.StorePath = envString("STORE_PATH", cfg.StorePath)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.StaffLogChannel = envString("STAFF_LOG_CHANNEL", cfg.StaffLogChannel)
	cfg.RetentionDays = envInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Counters.Enabled = envBool("COUNTERS_ENABLED", cfg.Counters.Enabled)
	cfg.Counters.AllChannel = envString("CH_ALL", cfg.Counters.AllChannel)
	cfg.Counters.MembersChannel = envString("CH_MEMBERS", cfg.Counters.MembersChannel)
	cfg.Counters.OnlineChannel = envString("CH_ONLINE", cfg.Counters.OnlineChannel)
	cfg.Counters.ServerChannel = envString("CH_SERVER", cfg.Counters.ServerChannel)
	cfg.Counters.ExcludedRole = envString("EXCLUDED_ROLE_ID", cfg.Counters.ExcludedRole)
	cfg.Counters.RefreshHours = envInt("COUNTERS_REFRESH_HOURS", cfg.Counters.RefreshHours)
	cfg.Activity.MonitorChannel = envString("MONITOR_CHANNEL_ID", cfg.Activity.MonitorChannel)
	cfg.Activity.IdleMinutes = envInt("ACTIVITY_IDLE_MINUTES", cfg.Activity.IdleMinutes)
	cfg.Activity.CheckMinutes = envInt("ACTIVITY_CHECK_MINUTES", cfg.Activity.CheckMinutes)
	cfg.Notifications.StaffNotifyEnabled = envBool("STAFF_NOTIFY_ENABLED", cfg.Notifications.StaffNotifyEnabled)
	cfg.Notifications.AuditToChannel = envBool("AUDIT_TO_CHANNEL", cfg.Notifications.AuditToChannel)
}

func validatePenalties(penalties map[string]PenaltyConfig) error {
	for name, pc := range penalties {
		if len(pc.Tiers) == 0 {
			return fmt.Errorf("penalty %q has no tiers", name)
		}
		for i, tier := range pc.Tiers {
			if tier.DurationHours <= 0 {
				return fmt.Errorf("penalty %q tier %d has non-positive duration", name, i+1)
			}
		}
	}
	return nil
}

func normalizeBackend(value string) string {
	switch strings.ToLower(value) {
	case "file":
		return "file"
	default:
		return "sqlite"
	}
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
	}
	return fallback
}
