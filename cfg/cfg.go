package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Cfg struct {
	Port               string
	Environment        string
	LogLevel           string
	StoreBackend       string
	DatabasePath       string
	BoltPath           string
	RedisURL           string
	RedisTLS           bool
	RedisHostname      string
	RedisCACert        string
	RedisUsername      string
	RedisPassword      Secret
	RedisTimeout       time.Duration
	LRUCacheSize       int
	PBKDF2Iterations   int
	HasherWorkerCount  int
	MaxTextSize        int64
	MaxImageSize       int64
	MaxWorkerLoad      int
	IDUniform          bool
	RawRetries         int
	RawRetryDelay      time.Duration
	SweepInterval      time.Duration
	SealAtRest         bool
	KMS                KMSCfg
	KEKCacheTTL        time.Duration
	RateLimit          RateLimitCfg
	TrustedProxies     []string
	AllowedOrigins     []string
	MetricsUser        string
	MetricsPass        Secret
	MetricsPassFromKMS bool
	ContextTimeout     time.Duration
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBQueryTimeout     time.Duration
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

type KMSCfg struct {
	VaultAddr       string
	VaultToken      Secret
	VaultMountPath  string
	VaultKeyID      string
	VaultSecretPath string
	AWSRegion       string
	AWSKeyID        string
	LocalKey        Secret
	RequirePrimary  bool
	FailClosed      bool
}

// LoadDotEnv seeds the environment from the given files, or ./.env when none
// are named. Variables already set win, and missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite))
	c.DatabasePath = getEnv("DATABASE_PATH", "pastelink.db")
	c.BoltPath = getEnv("BOLT_PATH", "pastelink.bolt")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getBool("REDIS_TLS")
	c.RedisHostname = getEnv("REDIS_HOSTNAME", "")
	c.RedisCACert = getEnv("REDIS_TLS_CA_CERT", "")
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	var err error
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000); err != nil {
		return nil, err
	}
	if c.PBKDF2Iterations, err = getInt("PBKDF2_ITERATIONS", 100000); err != nil {
		return nil, err
	}
	if c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	if c.MaxTextSize, err = getInt64("MAX_TEXT_SIZE", 1024*1024); err != nil {
		return nil, err
	}
	if c.MaxImageSize, err = getInt64("MAX_IMAGE_SIZE", 5*1024*1024); err != nil {
		return nil, err
	}
	if c.MaxWorkerLoad, err = getInt("MAX_WORKER_LOAD", 100); err != nil {
		return nil, err
	}
	c.IDUniform = getBool("ID_UNIFORM")
	if c.RawRetries, err = getInt("RAW_RETRIES", 2); err != nil {
		return nil, err
	}
	if c.RawRetryDelay, err = getDuration("RAW_RETRY_DELAY", 150*time.Millisecond); err != nil {
		return nil, err
	}
	if c.SweepInterval, err = getDuration("SWEEP_INTERVAL", 0); err != nil {
		return nil, err
	}
	c.SealAtRest = getBool("SEAL_AT_REST")
	c.KMS = KMSCfg{
		VaultAddr:       getEnv("VAULT_ADDR", ""),
		VaultToken:      NewSecret(getEnv("VAULT_TOKEN", "")),
		VaultMountPath:  getEnv("VAULT_MOUNT_PATH", "transit"),
		VaultKeyID:      getEnv("VAULT_KEY_ID", "pastelink"),
		VaultSecretPath: getEnv("VAULT_SECRET_PATH", "secret/data/pastelink"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		AWSKeyID:        getEnv("AWS_KMS_KEY_ID", ""),
		LocalKey:        NewSecret(getEnv("KMS_LOCAL_KEY", "")),
		RequirePrimary:  getBool("KMS_REQUIRE_PRIMARY"),
		FailClosed:      getBool("KMS_FAIL_CLOSED"),
	}
	if c.KEKCacheTTL, err = getDuration("KEK_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60); err != nil {
		return nil, err
	}
	if c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10); err != nil {
		return nil, err
	}
	if c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 5); err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.MetricsPassFromKMS = getBool("METRICS_PASS_FROM_KMS")
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.StoreBackend {
	case BackendSQLite:
		if err := withinWorkDir("DATABASE_PATH", c.DatabasePath); err != nil {
			return err
		}
	case BackendBolt:
		if err := withinWorkDir("BOLT_PATH", c.BoltPath); err != nil {
			return err
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when STORE_BACKEND=redis")
		}
	case BackendMemory:
		if c.Environment == "production" {
			return errors.New("STORE_BACKEND=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.LRUCacheSize < 0 || c.LRUCacheSize > 100000 {
		return errors.New("LRU_CACHE_SIZE must be between 0 and 100000")
	}
	if c.PBKDF2Iterations < 1000 || c.PBKDF2Iterations > 10_000_000 {
		return errors.New("PBKDF2_ITERATIONS must be between 1000 and 10000000")
	}
	if c.HasherWorkerCount < 0 {
		return errors.New("HASHER_WORKER_COUNT cannot be negative")
	}
	if c.MaxTextSize <= 0 || c.MaxImageSize <= 0 {
		return errors.New("MAX_TEXT_SIZE and MAX_IMAGE_SIZE must be positive")
	}
	if c.MaxImageSize > 50*1024*1024 {
		return errors.New("MAX_IMAGE_SIZE cannot exceed 50MB")
	}
	if c.RawRetries < 0 || c.RawRetries > 10 {
		return errors.New("RAW_RETRIES must be between 0 and 10")
	}
	if c.RawRetryDelay < 0 || c.RawRetryDelay > 5*time.Second {
		return errors.New("RAW_RETRY_DELAY must be between 0 and 5s")
	}
	if c.SweepInterval < 0 {
		return errors.New("SWEEP_INTERVAL cannot be negative")
	}
	if c.SweepInterval > 0 && c.SweepInterval < time.Second {
		return errors.New("SWEEP_INTERVAL must be at least 1s when enabled")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_BURST must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.SealAtRest || c.MetricsPassFromKMS {
		if c.KMS.VaultAddr == "" && c.KMS.AWSRegion == "" && c.KMS.LocalKey.Value() == "" {
			return errors.New("SEAL_AT_REST and METRICS_PASS_FROM_KMS need VAULT_ADDR, AWS_REGION or KMS_LOCAL_KEY")
		}
	}
	if c.KEKCacheTTL < 1*time.Minute {
		return errors.New("KEK_CACHE_TTL must be at least 1 minute")
	}
	if c.KEKCacheTTL > 1*time.Hour {
		return errors.New("KEK_CACHE_TTL should not exceed 1 hour (security risk)")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || (c.MetricsPass.Value() == "" && !c.MetricsPassFromKMS) {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if c.ContextTimeout <= 0 {
		return errors.New("CONTEXT_TIMEOUT must be positive")
	}
	return nil
}

func withinWorkDir(name, path string) error {
	if path == "" {
		return fmt.Errorf("%s is required", name)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if !strings.HasPrefix(absPath, absWorkDir+string(filepath.Separator)) && absPath != absWorkDir {
		return fmt.Errorf("%s must be within working directory %s", name, absWorkDir)
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.KMS.VaultToken.Wipe()
	c.KMS.LocalKey.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getBool(key string) bool {
	v, _ := strconv.ParseBool(getEnv(key, "false"))
	return v
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
