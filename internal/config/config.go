// Package config loads gateway settings from INI files with environment
// variable overrides (TURNSTREAM_* wins over file values).
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/turnstream/turnstream-gateway/internal/hooks"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/gateway.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RouteRule captures an ordered pattern => provider mapping while
// preserving declaration order.
type RouteRule struct {
	Pattern  string `yaml:"pattern"`
	Provider string `yaml:"provider"`
}

// GatewayConfig describes runtime options for the daemon.
type GatewayConfig struct {
	Environment string
	ListenAddr  string

	// Logging
	LogFile  string
	LogLevel string

	// Ledger: a plain path opens SQLite, a postgres:// DSN opens
	// PostgreSQL.
	LedgerDSN           string
	LedgerMaxOpen       int
	LedgerMaxIdle       int
	LedgerConnLifetime  int // minutes
	LedgerConnIdleTime  int // minutes
	LedgerAsyncEnabled  bool
	LedgerAsyncBatch    int
	LedgerAsyncFlushMs  int
	LedgerAsyncCapacity int

	// Upstream providers
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	AnthropicAPIKey    string
	AnthropicBaseURL   string
	AnthropicVersion   string
	GeminiAPIKey       string
	GeminiBaseURL      string
	GeminiDefaultModel string

	// Routing: pattern=provider pairs, comma-separated, plus an optional
	// YAML rules file. File rules come first, inline rules after.
	ModelRoutes      []RouteRule
	DialectProviders map[string]string
	RoutesFile       string
	FallbackProvider string

	// Streaming behaviour
	HeartbeatInterval time.Duration
	SubscriberGrace   time.Duration
	MaxTurnDuration   time.Duration
	TerminalRetention time.Duration
	UpstreamRaw       bool

	// Admission
	MaxStreamsPerIdentity int

	// Shutdown
	DrainTimeout time.Duration

	Hooks hooks.Config
}

// routesFileSpec is the YAML schema of the optional routes file.
type routesFileSpec struct {
	Routes   []RouteRule       `yaml:"routes"`
	Dialects map[string]string `yaml:"dialects"`
	Fallback string            `yaml:"fallback"`
}

// LoadGatewayConfig reads the current environment and loads the
// appropriate gateway config file.
func LoadGatewayConfig(root string) (GatewayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return GatewayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return GatewayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := GatewayConfig{
		Environment: s.Environment,
		ListenAddr:  firstNonEmpty(os.Getenv("TURNSTREAM_LISTEN_ADDR"), merged["listen_addr"], ":8084"),
		LogFile:     firstNonEmpty(os.Getenv("TURNSTREAM_LOG_FILE"), merged["log_file"]),
		LogLevel:    firstNonEmpty(os.Getenv("TURNSTREAM_LOG_LEVEL"), merged["log_level"], "info"),
		LedgerDSN:   firstNonEmpty(os.Getenv("TURNSTREAM_LEDGER_DSN"), merged["ledger_dsn"], DefaultLedgerPath()),
	}

	cfg.LedgerMaxOpen = parseOptionalInt(firstNonEmpty(os.Getenv("TURNSTREAM_LEDGER_MAX_OPEN"), merged["ledger_max_open"]), 10)
	cfg.LedgerMaxIdle = parseOptionalInt(firstNonEmpty(os.Getenv("TURNSTREAM_LEDGER_MAX_IDLE"), merged["ledger_max_idle"]), 5)
	cfg.LedgerConnLifetime = parseOptionalInt(merged["ledger_conn_lifetime_minutes"], 30)
	cfg.LedgerConnIdleTime = parseOptionalInt(merged["ledger_conn_idle_minutes"], 10)
	cfg.LedgerAsyncEnabled = parseOptionalBool(firstNonEmpty(os.Getenv("TURNSTREAM_LEDGER_ASYNC"), merged["ledger_async"]), true)
	cfg.LedgerAsyncBatch = parseOptionalInt(merged["ledger_async_batch"], 100)
	cfg.LedgerAsyncFlushMs = parseOptionalInt(merged["ledger_async_flush_ms"], 1000)
	cfg.LedgerAsyncCapacity = parseOptionalInt(merged["ledger_async_capacity"], 10000)

	cfg.OpenAIAPIKey = firstNonEmpty(os.Getenv("TURNSTREAM_OPENAI_API_KEY"), merged["openai_api_key"])
	cfg.OpenAIBaseURL = firstNonEmpty(os.Getenv("TURNSTREAM_OPENAI_BASE_URL"), merged["openai_base_url"])
	cfg.AnthropicAPIKey = firstNonEmpty(os.Getenv("TURNSTREAM_ANTHROPIC_API_KEY"), merged["anthropic_api_key"])
	cfg.AnthropicBaseURL = firstNonEmpty(os.Getenv("TURNSTREAM_ANTHROPIC_BASE_URL"), merged["anthropic_base_url"])
	cfg.AnthropicVersion = firstNonEmpty(os.Getenv("TURNSTREAM_ANTHROPIC_VERSION"), merged["anthropic_version"], "2023-06-01")
	cfg.GeminiAPIKey = firstNonEmpty(os.Getenv("TURNSTREAM_GEMINI_API_KEY"), merged["gemini_api_key"])
	cfg.GeminiBaseURL = firstNonEmpty(os.Getenv("TURNSTREAM_GEMINI_BASE_URL"), merged["gemini_base_url"])
	cfg.GeminiDefaultModel = firstNonEmpty(os.Getenv("TURNSTREAM_GEMINI_DEFAULT_MODEL"), merged["gemini_default_model"], "gemini-2.0-flash")

	cfg.FallbackProvider = firstNonEmpty(os.Getenv("TURNSTREAM_FALLBACK_PROVIDER"), merged["fallback_provider"], "loopback")
	cfg.ModelRoutes = parseRouteList(firstNonEmpty(os.Getenv("TURNSTREAM_MODEL_ROUTES"), merged["model_routes"]))
	cfg.DialectProviders = parseMap(firstNonEmpty(os.Getenv("TURNSTREAM_DIALECT_PROVIDERS"), merged["dialect_providers"]))
	cfg.RoutesFile = firstNonEmpty(os.Getenv("TURNSTREAM_ROUTES_FILE"), merged["routes_file"])
	if cfg.RoutesFile != "" {
		if err := cfg.mergeRoutesFile(cfg.RoutesFile); err != nil {
			return GatewayConfig{}, err
		}
	}
	if len(cfg.ModelRoutes) == 0 {
		cfg.ModelRoutes = []RouteRule{
			{Pattern: "gpt-*", Provider: "openai"},
			{Pattern: "claude-*", Provider: "anthropic"},
			{Pattern: "gemini-*", Provider: "gemini"},
		}
	}

	var durErr error
	cfg.HeartbeatInterval, durErr = parseOptionalDuration(firstNonEmpty(os.Getenv("TURNSTREAM_HEARTBEAT_INTERVAL"), merged["heartbeat_interval"]), 15*time.Second)
	if durErr != nil {
		return GatewayConfig{}, fmt.Errorf("invalid heartbeat_interval: %w", durErr)
	}
	cfg.SubscriberGrace, durErr = parseOptionalDuration(firstNonEmpty(os.Getenv("TURNSTREAM_SUBSCRIBER_GRACE"), merged["subscriber_grace"]), 30*time.Second)
	if durErr != nil {
		return GatewayConfig{}, fmt.Errorf("invalid subscriber_grace: %w", durErr)
	}
	cfg.MaxTurnDuration, durErr = parseOptionalDuration(firstNonEmpty(os.Getenv("TURNSTREAM_MAX_TURN_DURATION"), merged["max_turn_duration"]), 5*time.Minute)
	if durErr != nil {
		return GatewayConfig{}, fmt.Errorf("invalid max_turn_duration: %w", durErr)
	}
	cfg.TerminalRetention, durErr = parseOptionalDuration(merged["terminal_retention"], 10*time.Second)
	if durErr != nil {
		return GatewayConfig{}, fmt.Errorf("invalid terminal_retention: %w", durErr)
	}
	cfg.DrainTimeout, durErr = parseOptionalDuration(firstNonEmpty(os.Getenv("TURNSTREAM_DRAIN_TIMEOUT"), merged["drain_timeout"]), 10*time.Second)
	if durErr != nil {
		return GatewayConfig{}, fmt.Errorf("invalid drain_timeout: %w", durErr)
	}

	cfg.UpstreamRaw = parseBool(firstNonEmpty(os.Getenv("TURNSTREAM_UPSTREAM_RAW"), merged["upstream_raw"]))
	cfg.MaxStreamsPerIdentity = parseOptionalInt(firstNonEmpty(os.Getenv("TURNSTREAM_MAX_STREAMS_PER_IDENTITY"), merged["max_streams_per_identity"]), 8)

	hookArgs := firstNonEmpty(os.Getenv("TURNSTREAM_HOOK_SCRIPT_ARGS"), merged["hooks_script_args"])
	hookEnv := firstNonEmpty(os.Getenv("TURNSTREAM_HOOK_SCRIPT_ENV"), merged["hooks_script_env"])
	cfg.Hooks = hooks.Config{
		Enabled:    parseBool(firstNonEmpty(os.Getenv("TURNSTREAM_HOOKS_ENABLED"), merged["hooks_enabled"])),
		ScriptPath: firstNonEmpty(os.Getenv("TURNSTREAM_HOOK_SCRIPT"), merged["hooks_script_path"]),
		ScriptArgs: parseCSV(hookArgs),
		Env:        parseMap(hookEnv),
	}
	if v := firstNonEmpty(os.Getenv("TURNSTREAM_HOOK_TIMEOUT"), merged["hooks_timeout"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return GatewayConfig{}, fmt.Errorf("invalid hooks_timeout %q: %w", v, err)
		}
		cfg.Hooks.Timeout = dur
	}
	if err := cfg.Hooks.Validate(); err != nil {
		return GatewayConfig{}, err
	}

	return cfg, nil
}

// mergeRoutesFile folds a YAML routes file into the config. File routes
// take precedence order before inline ones.
func (c *GatewayConfig) mergeRoutesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read routes file: %w", err)
	}
	var spec routesFileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("parse routes file %s: %w", path, err)
	}
	c.ModelRoutes = append(spec.Routes, c.ModelRoutes...)
	if len(spec.Dialects) > 0 {
		if c.DialectProviders == nil {
			c.DialectProviders = make(map[string]string, len(spec.Dialects))
		}
		for d, p := range spec.Dialects {
			if _, inline := c.DialectProviders[d]; !inline {
				c.DialectProviders[d] = p
			}
		}
	}
	if spec.Fallback != "" && c.FallbackProvider == "loopback" {
		c.FallbackProvider = spec.Fallback
	}
	return nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	entries := strings.Split(input, ",")
	result := make(map[string]string)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		if key != "" {
			result[key] = value
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// parseRouteList preserves ordering for pattern=>provider rules (comma or
// newline separated, '=' and '=>' both accepted).
func parseRouteList(input string) []RouteRule {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var rules []RouteRule
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		for _, part := range strings.Split(line, ",") {
			entry := strings.TrimSpace(part)
			if entry == "" {
				continue
			}
			var kv []string
			if strings.Contains(entry, "=>") {
				kv = strings.SplitN(entry, "=>", 2)
			} else {
				kv = strings.SplitN(entry, "=", 2)
			}
			if len(kv) != 2 {
				continue
			}
			pattern := strings.TrimSpace(kv[0])
			target := strings.TrimSpace(kv[1])
			if pattern == "" || target == "" {
				continue
			}
			rules = append(rules, RouteRule{Pattern: pattern, Provider: target})
		}
	}
	if len(rules) == 0 {
		return nil
	}
	return rules
}

// DefaultLedgerPath returns the fallback ledger location under the user's
// home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".turnstream", "ledger.db")
}
