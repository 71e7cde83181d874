package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ernie/pitwatch/internal/domain"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the config file
const (
	EnvDiscordToken = "PITWATCH_DISCORD_TOKEN"
	EnvJWTSecret    = "PITWATCH_JWT_SECRET"
	EnvNATSURL      = "PITWATCH_NATS_URL"
)

// DefaultDisableBotsCommand hides the server's lobby bots; "none" in the
// config turns it off
const DefaultDisableBotsCommand = "/togglebots off"

// Config holds the application configuration
type Config struct {
	Discord   DiscordConfig   `yaml:"discord"`
	Minecraft MinecraftConfig `yaml:"minecraft"`
	NATS      NATSConfig      `yaml:"nats"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DiscordConfig holds Discord session and routing settings
type DiscordConfig struct {
	Token    string         `yaml:"token"`
	AppID    string         `yaml:"app_id"`
	GuildID  string         `yaml:"guild_id"`
	Channels ChannelsConfig `yaml:"channels"`
	Roles    RolesConfig    `yaml:"roles"`
}

// ChannelsConfig maps notice destinations to Discord channel IDs
type ChannelsConfig struct {
	Boosters string `yaml:"boosters"`
	Events   string `yaml:"events"`
	Guild    string `yaml:"guild"`
	Lobby    string `yaml:"lobby"`
}

// Map returns the channel IDs keyed by notice channel
func (c ChannelsConfig) Map() map[domain.Channel]string {
	return map[domain.Channel]string{
		domain.ChannelBoosters: c.Boosters,
		domain.ChannelEvents:   c.Events,
		domain.ChannelGuild:    c.Guild,
		domain.ChannelLobby:    c.Lobby,
	}
}

// RolesConfig holds Discord role IDs
type RolesConfig struct {
	BoosterPing string `yaml:"booster_ping"`
	EventPing   string `yaml:"event_ping"`
	Verified    string `yaml:"verified"`
	Unverified  string `yaml:"unverified"`
}

// MinecraftConfig holds game-side behavior settings
type MinecraftConfig struct {
	BotUsername          string        `yaml:"bot_username"`
	CommandCooldown      time.Duration `yaml:"command_cooldown"`
	KeepAliveInterval    time.Duration `yaml:"keep_alive_interval"`
	KeepAliveCommand     string        `yaml:"keep_alive_command"`
	ScanInterval         time.Duration `yaml:"scan_interval"`
	TransitionDelay      time.Duration `yaml:"transition_delay"`
	DisableBotsCommand   string        `yaml:"disable_bots_command"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	BaseReconnectDelay   time.Duration `yaml:"base_reconnect_delay"`
	// ClientLog, when set, is the game client's latest.log; chat is read
	// from it instead of the sidecar chat subject
	ClientLog            string        `yaml:"client_log"`
}

// NATSConfig holds game transport settings
type NATSConfig struct {
	URL            string        `yaml:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Embedded       bool          `yaml:"embedded"`
	EmbeddedHost   string        `yaml:"embedded_host"`
	EmbeddedPort   int           `yaml:"embedded_port"`
}

// StorageConfig holds persistence paths
type StorageConfig struct {
	DataDir        string `yaml:"data_dir"`
	BoosterFile    string `yaml:"booster_file"`
	PlayerDataFile string `yaml:"player_data_file"`
	HistoryDB      string `yaml:"history_db"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	HTTPPort       int      `yaml:"http_port"`
	TrustedProxies []string `yaml:"trusted_proxies"` // IPs or CIDRs allowed to set X-Forwarded-For
}

// Addr returns the listen address for the HTTP server
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.ListenAddr, s.HTTPPort)
}

// TrustedProxyPrefixes parses TrustedProxies. A bare IP is a single-address prefix.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies: %w", err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret"`
	TokenDuration     time.Duration `yaml:"token_duration"`
	AdminUsername     string        `yaml:"admin_username"`
	AdminPasswordHash string        `yaml:"admin_password_hash"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json, auto
}

// Load reads configuration from a YAML file. A .env file in the working
// directory, if present, is loaded first so its values can override secrets.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDiscordToken); v != "" {
		cfg.Discord.Token = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.NATS.URL = v
	}
}

func applyDefaults(cfg *Config) {
	// Minecraft defaults
	if cfg.Minecraft.CommandCooldown == 0 {
		cfg.Minecraft.CommandCooldown = 10 * time.Second
	}
	if cfg.Minecraft.KeepAliveInterval == 0 {
		cfg.Minecraft.KeepAliveInterval = 5 * time.Minute
	}
	if cfg.Minecraft.KeepAliveCommand == "" {
		cfg.Minecraft.KeepAliveCommand = "/whereami"
	}
	switch cfg.Minecraft.DisableBotsCommand {
	case "":
		cfg.Minecraft.DisableBotsCommand = DefaultDisableBotsCommand
	case "none":
		cfg.Minecraft.DisableBotsCommand = ""
	}
	if cfg.Minecraft.ScanInterval == 0 {
		cfg.Minecraft.ScanInterval = 30 * time.Second
	}
	if cfg.Minecraft.TransitionDelay == 0 {
		cfg.Minecraft.TransitionDelay = 3 * time.Second
	}
	if cfg.Minecraft.MaxReconnectAttempts == 0 {
		cfg.Minecraft.MaxReconnectAttempts = 10
	}
	if cfg.Minecraft.BaseReconnectDelay == 0 {
		cfg.Minecraft.BaseReconnectDelay = 2 * time.Second
	}

	// NATS defaults
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "pitwatch"
	}
	if cfg.NATS.RequestTimeout == 0 {
		cfg.NATS.RequestTimeout = 5 * time.Second
	}
	if cfg.NATS.EmbeddedHost == "" {
		cfg.NATS.EmbeddedHost = "127.0.0.1"
	}
	if cfg.NATS.EmbeddedPort == 0 {
		cfg.NATS.EmbeddedPort = 4222
	}

	// Storage defaults, relative names resolve under DataDir
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/pitwatch"
	}
	if cfg.Storage.BoosterFile == "" {
		cfg.Storage.BoosterFile = "boosters.json"
	}
	if cfg.Storage.PlayerDataFile == "" {
		cfg.Storage.PlayerDataFile = "playerdata.json"
	}
	if cfg.Storage.HistoryDB == "" {
		cfg.Storage.HistoryDB = "history.db"
	}
	cfg.Storage.BoosterFile = underDir(cfg.Storage.DataDir, cfg.Storage.BoosterFile)
	cfg.Storage.PlayerDataFile = underDir(cfg.Storage.DataDir, cfg.Storage.PlayerDataFile)
	cfg.Storage.HistoryDB = underDir(cfg.Storage.DataDir, cfg.Storage.HistoryDB)

	// Server defaults
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}

	// Auth defaults
	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}
	if cfg.Auth.AdminUsername == "" {
		cfg.Auth.AdminUsername = "admin"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "auto"
	}
}

func underDir(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Validate checks the settings serve needs to run
func (c *Config) Validate() error {
	var errs []error
	if c.Discord.Token == "" {
		errs = append(errs, fmt.Errorf("discord.token is required (or set %s)", EnvDiscordToken))
	}
	if c.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required"))
	}
	if c.Minecraft.BotUsername == "" {
		errs = append(errs, errors.New("minecraft.bot_username is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("auth.jwt_secret is required (or set %s)", EnvJWTSecret))
	}
	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json", "auto":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text, json or auto, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}
