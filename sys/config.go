package sys

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/sho0pi/naturaltime"
)

const (
	EnvCacheDir          = "EARWORM_CACHE_DIR"
	EnvCacheBackend      = "EARWORM_CACHE_BACKEND"
	EnvCacheTTL          = "EARWORM_CACHE_TTL"
	EnvDatabasePath      = "EARWORM_DATABASE_PATH"
	EnvRedisAddr         = "REDIS_ADDR"
	EnvRedisPassword     = "REDIS_PASSWORD"
	EnvRedisDB           = "REDIS_DB"
	EnvMaxParallel       = "EARWORM_MAX_PARALLEL"
	EnvTaskTimeout       = "EARWORM_TASK_TIMEOUT"
	EnvProxyEnabled      = "EARWORM_PROXY_ENABLED"
	EnvProxySources      = "EARWORM_PROXY_SOURCES"
	EnvProxyReliable     = "EARWORM_PROXY_RELIABLE"
	EnvProxyHealthURL    = "EARWORM_PROXY_HEALTH_URL"
	EnvProxyTestTimeout  = "EARWORM_PROXY_TEST_TIMEOUT"
	EnvProxyTestLimit    = "EARWORM_PROXY_TEST_LIMIT"
	EnvProxyTestBatch    = "EARWORM_PROXY_TEST_BATCH"
	EnvProxyStaleAfter   = "EARWORM_PROXY_STALE_AFTER"
	EnvProxyRetries      = "EARWORM_PROXY_RETRIES"
	EnvSearchLimit       = "EARWORM_SEARCH_LIMIT"
	EnvSearchKeywords    = "EARWORM_SEARCH_KEYWORDS"
	EnvSearchRanker      = "EARWORM_SEARCH_RANKER"
	EnvEmbedFallback     = "EARWORM_EMBED_FALLBACK"
	EnvRequestsPerSecond = "EARWORM_REQUESTS_PER_SECOND"
	EnvListen            = "EARWORM_LISTEN"
	EnvSilent            = "SILENT"
	EnvDebug             = "DEBUG"
)

// Cache backends selectable through EARWORM_CACHE_BACKEND.
const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

var DefaultProxySources = []string{
	"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
	"https://raw.githubusercontent.com/monosans/proxy-list/main/proxies/http.txt",
	"https://raw.githubusercontent.com/clarketm/proxy-list/master/proxy-list-raw.txt",
}

type Config struct {
	CacheDir      string
	CacheBackend  string
	CacheTTL      time.Duration
	DatabasePath  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MaxParallel int
	TaskTimeout time.Duration

	ProxyEnabled     bool
	ProxySources     []string
	ProxyReliable    []string
	ProxyHealthURL   string
	ProxyTestTimeout time.Duration
	ProxyTestLimit   int
	ProxyTestBatch   int
	ProxyStaleAfter  time.Duration
	ProxyRetries     int

	SearchLimit       int
	SearchKeywords    string
	SearchRanker      string
	EmbedFallback     bool
	RequestsPerSecond float64

	Listen string
	Silent bool
}

var GlobalConfig *Config

// DefaultConfig returns the configuration used when no environment is set.
func DefaultConfig() *Config {
	return &Config{
		CacheDir:          "./cache",
		CacheBackend:      BackendSQLite,
		CacheTTL:          7 * 24 * time.Hour,
		MaxParallel:       5,
		TaskTimeout:       45 * time.Second,
		ProxySources:      append([]string(nil), DefaultProxySources...),
		ProxyHealthURL:    "http://www.gstatic.com/generate_204",
		ProxyTestTimeout:  5 * time.Second,
		ProxyTestLimit:    50,
		ProxyTestBatch:    10,
		ProxyStaleAfter:   30 * time.Minute,
		ProxyRetries:      3,
		SearchLimit:       3,
		SearchKeywords:    "audio official",
		SearchRanker:      "first",
		EmbedFallback:     true,
		RequestsPerSecond: 4,
		Listen:            ":8080",
	}
}

// Validate ensures the configuration is valid and meets requirements.
// An empty DatabasePath is derived from CacheDir.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.CacheDir, GetProjectName()+".db")
	}
	switch c.CacheBackend {
	case BackendSQLite, BackendJSON, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf(MsgConfigInvalidBackend, c.CacheBackend)
	}
	if c.CacheBackend == BackendRedis && c.RedisAddr == "" {
		return fmt.Errorf(MsgConfigMissingRedis)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf(MsgConfigNonPositive, EnvCacheTTL)
	}
	if c.MaxParallel < 1 {
		return fmt.Errorf(MsgConfigNonPositive, EnvMaxParallel)
	}
	if c.SearchLimit < 1 {
		return fmt.Errorf(MsgConfigNonPositive, EnvSearchLimit)
	}
	if c.ProxyRetries < 0 {
		return fmt.Errorf(MsgConfigNegative, EnvProxyRetries)
	}
	if c.ProxyEnabled && c.ProxyTestBatch < 1 {
		return fmt.Errorf(MsgConfigNonPositive, EnvProxyTestBatch)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf(MsgConfigNegative, EnvRequestsPerSecond)
	}
	return nil
}

// LoadConfig initializes the configuration from .env and environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	cfg := DefaultConfig()
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf(MsgConfigInvalidValue, key, v, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf(MsgConfigInvalidValue, key, v, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf(MsgConfigInvalidValue, key, v, err))
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = SplitList(v)
		}
	}

	str(EnvCacheDir, &cfg.CacheDir)
	str(EnvCacheBackend, &cfg.CacheBackend)
	cfg.CacheBackend = strings.ToLower(cfg.CacheBackend)
	duration(EnvCacheTTL, &cfg.CacheTTL)
	str(EnvDatabasePath, &cfg.DatabasePath)
	str(EnvRedisAddr, &cfg.RedisAddr)
	cfg.RedisPassword = os.Getenv(EnvRedisPassword)
	integer(EnvRedisDB, &cfg.RedisDB)
	integer(EnvMaxParallel, &cfg.MaxParallel)
	duration(EnvTaskTimeout, &cfg.TaskTimeout)
	boolean(EnvProxyEnabled, &cfg.ProxyEnabled)
	list(EnvProxySources, &cfg.ProxySources)
	list(EnvProxyReliable, &cfg.ProxyReliable)
	str(EnvProxyHealthURL, &cfg.ProxyHealthURL)
	duration(EnvProxyTestTimeout, &cfg.ProxyTestTimeout)
	integer(EnvProxyTestLimit, &cfg.ProxyTestLimit)
	integer(EnvProxyTestBatch, &cfg.ProxyTestBatch)
	duration(EnvProxyStaleAfter, &cfg.ProxyStaleAfter)
	integer(EnvProxyRetries, &cfg.ProxyRetries)
	integer(EnvSearchLimit, &cfg.SearchLimit)
	str(EnvSearchKeywords, &cfg.SearchKeywords)
	str(EnvSearchRanker, &cfg.SearchRanker)
	boolean(EnvEmbedFallback, &cfg.EmbedFallback)
	if v := strings.TrimSpace(os.Getenv(EnvRequestsPerSecond)); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf(MsgConfigInvalidValue, EnvRequestsPerSecond, v, err))
		} else {
			cfg.RequestsPerSecond = f
		}
	}
	str(EnvListen, &cfg.Listen)
	cfg.Silent, _ = strconv.ParseBool(os.Getenv(EnvSilent))

	if len(errs) > 0 {
		return nil, errs[0]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

// SplitList splits a comma separated value, dropping blanks.
func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var (
	durationParser     *naturaltime.Parser
	durationParserErr  error
	durationParserOnce sync.Once
)

// ParseDuration accepts Go duration syntax ("168h") or natural language
// ("7 days", "in 30 minutes").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	durationParserOnce.Do(func() {
		durationParser, durationParserErr = naturaltime.New()
	})
	if durationParserErr != nil {
		return 0, fmt.Errorf(MsgConfigNaturalTimeInit, durationParserErr)
	}

	text := s
	if !strings.HasPrefix(strings.ToLower(text), "in ") {
		text = "in " + text
	}
	now := time.Now()
	t, err := durationParser.ParseDate(text, now)
	if err != nil {
		return 0, err
	}
	if t == nil || !t.After(now) {
		return 0, fmt.Errorf(MsgConfigBadDuration, s)
	}
	return t.Sub(now).Round(time.Second), nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "earworm"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") || strings.HasSuffix(projectName, ".test") {
			projectName = "earworm"
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
