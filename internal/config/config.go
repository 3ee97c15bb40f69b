package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

type IngestConfig struct {
	Workers       int
	QueueDepth    int
	SubmitTimeout time.Duration
	RatePerMinute int
	RateBurst     int
}

type StateConfig struct {
	Shards          int
	RecentSignals   int
	SignalLogSize   int
	MaxEquityPoints int
}

type RiskConfig struct {
	DebounceWindow     time.Duration
	SweepInterval      time.Duration
	DailyDrawdownLimit float64
	HeatLimit          float64
	MaxLeverage        float64
	DrawdownWarnRatio  float64
	HeatHigh           float64
	HeatDanger         float64
	LeverageAlert      float64
	Performers         int
}

type RankingConfig struct {
	Interval   time.Duration
	MinTrades  int
	RunOnStart bool
}

type FeedConfig struct {
	SubscriberBuffer  int
	HeartbeatInterval time.Duration
}

type HealthConfig struct {
	OfflineAfter  time.Duration
	SweepInterval time.Duration
}

// JournalConfig selects the persistence backend; an empty Driver disables it.
type JournalConfig struct {
	Driver        string
	DSN           string
	Buffer        int
	FlushInterval time.Duration
}

// RedisConfig configures the optional snapshot mirror; an empty Addr disables it.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	CacheTTL  time.Duration
}

type APIServerConfig struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
	Ingest         IngestConfig
	State          StateConfig
	Risk           RiskConfig
	Ranking        RankingConfig
	Feed           FeedConfig
	Health         HealthConfig
	Journal        JournalConfig
	Redis          RedisConfig
	Log            LogConfig
}

type FeedTailConfig struct {
	BaseURL     string
	Channel     string
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int
	Log         LogConfig
}

type AgentSimConfig struct {
	BaseURL         string
	Agents          int
	EventsPerSecond float64
	Seed            uint64
	Duration        time.Duration
	BacktestTrades  int
	Log             LogConfig
}

func LoadAPIServerConfig() (APIServerConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return APIServerConfig{}, err
	}

	var (
		cfg = APIServerConfig{
			ListenAddr:     envOrDefault("API_SERVER_LISTEN_ADDR", ":8080"),
			AllowedOrigins: parseCSVEnv(envOrDefault("API_SERVER_ALLOWED_ORIGINS", "*"), []string{"*"}),
			Log:            buildLogConfig("API_SERVER", "api-server"),
		}
		err error
	)

	durations := []struct {
		key      string
		fallback time.Duration
		target   *time.Duration
	}{
		{"API_SERVER_READ_TIMEOUT", 10 * time.Second, &cfg.ReadTimeout},
		{"API_SERVER_WRITE_TIMEOUT", 15 * time.Second, &cfg.WriteTimeout},
		{"API_SERVER_IDLE_TIMEOUT", 60 * time.Second, &cfg.IdleTimeout},
		{"INGEST_SUBMIT_TIMEOUT", 5 * time.Second, &cfg.Ingest.SubmitTimeout},
		{"RISK_DEBOUNCE_WINDOW", time.Second, &cfg.Risk.DebounceWindow},
		{"RISK_SWEEP_INTERVAL", 10 * time.Second, &cfg.Risk.SweepInterval},
		{"RANKING_INTERVAL", 60 * time.Second, &cfg.Ranking.Interval},
		{"FEED_HEARTBEAT_INTERVAL", 15 * time.Second, &cfg.Feed.HeartbeatInterval},
		{"HEALTH_OFFLINE_AFTER", 2 * time.Minute, &cfg.Health.OfflineAfter},
		{"HEALTH_SWEEP_INTERVAL", 15 * time.Second, &cfg.Health.SweepInterval},
		{"JOURNAL_FLUSH_INTERVAL", time.Second, &cfg.Journal.FlushInterval},
		{"REDIS_CACHE_TTL", 5 * time.Minute, &cfg.Redis.CacheTTL},
	}
	for _, d := range durations {
		if *d.target, err = envDuration(d.key, d.fallback); err != nil {
			return APIServerConfig{}, err
		}
	}

	ints := []struct {
		key      string
		fallback int
		target   *int
	}{
		{"INGEST_WORKERS", 8, &cfg.Ingest.Workers},
		{"INGEST_QUEUE_DEPTH", 1024, &cfg.Ingest.QueueDepth},
		{"INGEST_RATE_LIMIT_PER_MINUTE", 600, &cfg.Ingest.RatePerMinute},
		{"INGEST_RATE_BURST", 50, &cfg.Ingest.RateBurst},
		{"STATE_SHARDS", 32, &cfg.State.Shards},
		{"STATE_RECENT_SIGNALS", 50, &cfg.State.RecentSignals},
		{"STATE_SIGNAL_LOG_SIZE", 5000, &cfg.State.SignalLogSize},
		{"RISK_PERFORMERS", 3, &cfg.Risk.Performers},
		{"FEED_SUBSCRIBER_BUFFER", 256, &cfg.Feed.SubscriberBuffer},
		{"JOURNAL_BUFFER", 4096, &cfg.Journal.Buffer},
	}
	for _, i := range ints {
		if *i.target, err = envInt(i.key, i.fallback); err != nil {
			return APIServerConfig{}, err
		}
	}

	// Zero is meaningful for these: unbounded curve, rank everyone, default DB.
	nonNegative := []struct {
		key      string
		fallback int
		target   *int
	}{
		{"STATE_MAX_EQUITY_POINTS", 0, &cfg.State.MaxEquityPoints},
		{"RANKING_MIN_TRADES", 100, &cfg.Ranking.MinTrades},
		{"REDIS_DB", 0, &cfg.Redis.DB},
	}
	for _, i := range nonNegative {
		if *i.target, err = envNonNegativeInt(i.key, i.fallback); err != nil {
			return APIServerConfig{}, err
		}
	}

	floats := []struct {
		key      string
		fallback float64
		target   *float64
	}{
		{"RISK_DAILY_DRAWDOWN_LIMIT", 5, &cfg.Risk.DailyDrawdownLimit},
		{"RISK_HEAT_LIMIT", 100, &cfg.Risk.HeatLimit},
		{"RISK_MAX_LEVERAGE", 2, &cfg.Risk.MaxLeverage},
		{"RISK_DRAWDOWN_WARN_RATIO", 0.8, &cfg.Risk.DrawdownWarnRatio},
		{"RISK_HEAT_HIGH", 80, &cfg.Risk.HeatHigh},
		{"RISK_HEAT_DANGER", 90, &cfg.Risk.HeatDanger},
		{"RISK_LEVERAGE_ALERT", 1.5, &cfg.Risk.LeverageAlert},
	}
	for _, f := range floats {
		if *f.target, err = envFloat(f.key, f.fallback); err != nil {
			return APIServerConfig{}, err
		}
	}
	if cfg.Risk.HeatDanger < cfg.Risk.HeatHigh {
		return APIServerConfig{}, fmt.Errorf("invalid RISK_HEAT_DANGER: must be >= RISK_HEAT_HIGH (%g)", cfg.Risk.HeatHigh)
	}

	if cfg.Ranking.RunOnStart, err = envBool("RANKING_RUN_ON_START", true); err != nil {
		return APIServerConfig{}, err
	}

	cfg.Journal.Driver = strings.ToLower(envOrDefault("JOURNAL_DRIVER", ""))
	switch cfg.Journal.Driver {
	case "":
	case "pgx", "sqlite":
		dsn := envOrDefault("JOURNAL_DSN", "")
		if dsn == "" {
			return APIServerConfig{}, fmt.Errorf("invalid JOURNAL_DSN: required when JOURNAL_DRIVER=%s", cfg.Journal.Driver)
		}
		if cfg.Journal.Driver == "sqlite" {
			if dsn, err = expandHomePath(dsn); err != nil {
				return APIServerConfig{}, fmt.Errorf("invalid JOURNAL_DSN: %w", err)
			}
		}
		cfg.Journal.DSN = dsn
	default:
		return APIServerConfig{}, fmt.Errorf("invalid JOURNAL_DRIVER: %q (expected pgx|sqlite or empty)", cfg.Journal.Driver)
	}

	cfg.Redis.Addr = envOrDefault("REDIS_ADDR", "")
	cfg.Redis.Password = envOrDefault("REDIS_PASSWORD", "")
	cfg.Redis.KeyPrefix = envOrDefault("REDIS_KEY_PREFIX", "clawars:")

	return cfg, nil
}

func LoadFeedTailConfig() (FeedTailConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return FeedTailConfig{}, err
	}

	backoffBase, err := envDuration("FEED_TAIL_BACKOFF_BASE", 500*time.Millisecond)
	if err != nil {
		return FeedTailConfig{}, err
	}
	backoffMax, err := envDuration("FEED_TAIL_BACKOFF_MAX", 30*time.Second)
	if err != nil {
		return FeedTailConfig{}, err
	}
	if backoffMax < backoffBase {
		return FeedTailConfig{}, fmt.Errorf("invalid FEED_TAIL_BACKOFF_MAX: must be >= FEED_TAIL_BACKOFF_BASE (%s)", backoffBase)
	}
	maxAttempts, err := envNonNegativeInt("FEED_TAIL_MAX_ATTEMPTS", 10)
	if err != nil {
		return FeedTailConfig{}, err
	}

	return FeedTailConfig{
		BaseURL:     strings.TrimRight(envOrDefault("FEED_TAIL_BASE_URL", "ws://127.0.0.1:8080"), "/"),
		Channel:     envOrDefault("FEED_TAIL_CHANNEL", "signals"),
		BackoffBase: backoffBase,
		BackoffMax:  backoffMax,
		MaxAttempts: maxAttempts,
		Log:         buildLogConfig("FEED_TAIL", "feed-tail"),
	}, nil
}

func LoadAgentSimConfig() (AgentSimConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return AgentSimConfig{}, err
	}

	agents, err := envInt("AGENT_SIM_AGENTS", 5)
	if err != nil {
		return AgentSimConfig{}, err
	}
	rate, err := envFloat("AGENT_SIM_EVENTS_PER_SECOND", 20)
	if err != nil {
		return AgentSimConfig{}, err
	}
	if rate <= 0 {
		return AgentSimConfig{}, errors.New("invalid AGENT_SIM_EVENTS_PER_SECOND: must be > 0")
	}
	seed, err := envUint64("AGENT_SIM_SEED", 1)
	if err != nil {
		return AgentSimConfig{}, err
	}
	duration, err := envDuration("AGENT_SIM_DURATION", 10*time.Minute)
	if err != nil {
		return AgentSimConfig{}, err
	}
	backtestTrades, err := envNonNegativeInt("AGENT_SIM_BACKTEST_TRADES", 150)
	if err != nil {
		return AgentSimConfig{}, err
	}

	return AgentSimConfig{
		BaseURL:         strings.TrimRight(envOrDefault("AGENT_SIM_BASE_URL", "http://127.0.0.1:8080"), "/"),
		Agents:          agents,
		EventsPerSecond: rate,
		Seed:            seed,
		Duration:        duration,
		BacktestTrades:  backtestTrades,
		Log:             buildLogConfig("AGENT_SIM", "agent-sim"),
	}, nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join("logs", serviceName+".log")))

	return LogConfig{
		Level:    level,
		Format:   format,
		Output:   output,
		FilePath: filePath,
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envNonNegativeInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid %s: must be >= 0", key)
	}
	return v, nil
}

func envUint64(key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func parseCSVEnv(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func expandHomePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return homeDir, nil
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		raw := make(map[string]any)
		if err := yaml.Unmarshal(body, &raw); err != nil {
			runtimeConfigErr = fmt.Errorf("parse config file %q: %w", configPath, err)
			return
		}

		flattened, err := flattenConfig(raw)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("flatten config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = flattened
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case map[any]any:
		for keyAny, child := range typed {
			keyText, ok := keyAny.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", keyAny, prefix)
			}
			segment := normalizeKeySegment(keyText)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}
