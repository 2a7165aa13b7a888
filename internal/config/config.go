package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DatabaseSchemePostgres is the postgres database scheme identifier
	DatabaseSchemePostgres = "postgres"

	ReadModelPostgres = "postgres"
	ReadModelSupabase = "supabase"
	ReadModelMemory   = "memory"
)

type Config struct {
	RPCURL         string
	WSURL          string // optional: websocket endpoint for log subscriptions
	ChainID        int64
	FactoryAddress string
	PrivateKey     string // hex-encoded signer key for write operations

	ReadModel   string // postgres | supabase | memory
	DBDialect   string // postgres only
	DBDsn       string // DSN string passed to GORM driver
	SupabaseURL string
	SupabaseKey string
	RedisURL    string // optional: enables the read-model cache
	CacheTTL    time.Duration

	GeminiAPIKey string
	GeminiModel  string

	HTTPAddr           string
	EvaluateRatePerMin int

	AllowanceRetryAttempts int
	AllowanceRetryDelay    time.Duration
	IndexerStallTimeout    time.Duration
	TokenCacheTTL          time.Duration

	Debug bool
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %d\n", key, v, def)
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %s\n", key, v, def)
		return def
	}
	return d
}

// parseDatabaseURL interprets DATABASE_URL and returns (dialect, dsn).
// Supported schemes: postgres, postgresql.
func parseDatabaseURL(databaseURL string) (string, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", "", err
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case DatabaseSchemePostgres, "postgresql":
		// GORM postgres driver accepts URL DSN as-is
		return DatabaseSchemePostgres, databaseURL, nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}
}

func Load() Config {
	cfg := Config{
		RPCURL:         getenv("RPC_URL", "http://localhost:8545"),
		WSURL:          os.Getenv("WS_URL"),
		ChainID:        int64(getenvInt("CHAIN_ID", 8453)),
		FactoryAddress: strings.TrimSpace(os.Getenv("FACTORY_ADDRESS")),
		PrivateKey:     strings.TrimPrefix(strings.TrimSpace(os.Getenv("PRIVATE_KEY")), "0x"),

		ReadModel:   strings.ToLower(getenv("READ_MODEL", ReadModelPostgres)),
		SupabaseURL: os.Getenv("SUPABASE_URL"),
		SupabaseKey: os.Getenv("SUPABASE_KEY"),
		RedisURL:    os.Getenv("REDIS_URL"),
		CacheTTL:    getenvDuration("CACHE_TTL", 30*time.Second),

		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  getenv("GEMINI_MODEL", "gemini-2.5-pro"),

		HTTPAddr:           getenv("HTTP_ADDR", ":8080"),
		EvaluateRatePerMin: getenvInt("EVALUATE_RATE_PER_MIN", 6),

		AllowanceRetryAttempts: getenvInt("ALLOWANCE_RETRY_ATTEMPTS", 5),
		AllowanceRetryDelay:    getenvDuration("ALLOWANCE_RETRY_DELAY", 2*time.Second),
		IndexerStallTimeout:    getenvDuration("INDEXER_STALL_TIMEOUT", 60*time.Second),
		TokenCacheTTL:          getenvDuration("TOKEN_CACHE_TTL", 30*time.Minute),

		Debug: getenvBool("DEBUG", false),
	}

	if dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL")); dbURL != "" {
		if dialect, dsn, err := parseDatabaseURL(dbURL); err == nil {
			cfg.DBDialect = dialect
			cfg.DBDsn = dsn
		} else {
			fmt.Fprintf(os.Stderr, "warning: invalid DATABASE_URL, disabling persistence: %v\n", err)
		}
	}

	switch cfg.ReadModel {
	case ReadModelPostgres, ReadModelSupabase, ReadModelMemory:
	default:
		fmt.Fprintf(os.Stderr, "warning: unknown READ_MODEL=%q, falling back to %s\n", cfg.ReadModel, ReadModelMemory)
		cfg.ReadModel = ReadModelMemory
	}
	if cfg.AllowanceRetryAttempts < 1 {
		cfg.AllowanceRetryAttempts = 1
	}

	return cfg
}

// Validate reports settings that make the given command impossible to run.
func (c Config) Validate(needSigner bool) error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if needSigner && c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required for write operations")
	}
	switch c.ReadModel {
	case ReadModelPostgres:
		if c.DBDsn == "" {
			return fmt.Errorf("READ_MODEL=postgres requires DATABASE_URL")
		}
	case ReadModelSupabase:
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			return fmt.Errorf("READ_MODEL=supabase requires SUPABASE_URL and SUPABASE_KEY")
		}
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("rpc=%s chain=%d read_model=%s db=%s", c.RPCURL, c.ChainID, c.ReadModel, c.DBDialect)
}

// DebugString returns a human-friendly configuration string with masked secrets.
func (c Config) DebugString() string {
	return fmt.Sprintf(
		"rpc=%s ws=%s chain=%d factory=%s signer=%s read_model=%s db=%s dsn=%s supabase=%s redis=%s gemini_model=%s gemini_key=%s http=%s",
		c.RPCURL,
		c.WSURL,
		c.ChainID,
		c.FactoryAddress,
		maskSecret(c.PrivateKey),
		c.ReadModel,
		c.DBDialect,
		maskDSN(c.DBDialect, c.DBDsn),
		c.SupabaseURL,
		maskDSN("redis", c.RedisURL),
		c.GeminiModel,
		maskSecret(c.GeminiAPIKey),
		c.HTTPAddr,
	)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func maskDSN(dialect, dsn string) string {
	switch strings.ToLower(dialect) {
	case DatabaseSchemePostgres, "redis":
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
			if u.User != nil {
				username := u.User.Username()
				u.User = url.User(username)
			}
			return u.String()
		}
		// Fallback for DSN as key-value list
		parts := strings.Fields(dsn)
		for i, p := range parts {
			lower := strings.ToLower(p)
			if strings.HasPrefix(lower, "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	default:
		return dsn
	}
}
