package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("READ_MODEL", "")
	t.Setenv("ALLOWANCE_RETRY_ATTEMPTS", "")
	t.Setenv("ALLOWANCE_RETRY_DELAY", "")

	cfg := Load()
	assert.Equal(t, ReadModelPostgres, cfg.ReadModel)
	assert.Equal(t, 5, cfg.AllowanceRetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.AllowanceRetryDelay)
	assert.Empty(t, cfg.DBDsn)
}

func TestLoadParsesDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgresql://bounty:secret@db:5432/bounty")
	t.Setenv("ALLOWANCE_RETRY_ATTEMPTS", "0")

	cfg := Load()
	assert.Equal(t, DatabaseSchemePostgres, cfg.DBDialect)
	assert.Equal(t, "postgresql://bounty:secret@db:5432/bounty", cfg.DBDsn)
	assert.Equal(t, 1, cfg.AllowanceRetryAttempts)
}

func TestLoadRejectsUnknownScheme(t *testing.T) {
	t.Setenv("DATABASE_URL", "mysql://root@localhost/db")
	cfg := Load()
	assert.Empty(t, cfg.DBDialect)
	assert.Empty(t, cfg.DBDsn)
}

func TestValidate(t *testing.T) {
	cfg := Config{RPCURL: "http://node", ReadModel: ReadModelPostgres}
	require.Error(t, cfg.Validate(false))

	cfg.DBDsn = "postgres://u@h/db"
	require.NoError(t, cfg.Validate(false))
	require.Error(t, cfg.Validate(true))

	cfg.PrivateKey = "abc"
	require.NoError(t, cfg.Validate(true))

	cfg.ReadModel = ReadModelSupabase
	require.Error(t, cfg.Validate(false))
}

func TestDebugStringMasksSecrets(t *testing.T) {
	cfg := Config{
		DBDialect:    DatabaseSchemePostgres,
		DBDsn:        "postgres://bounty:hunter2@db/bounty",
		PrivateKey:   "deadbeef",
		GeminiAPIKey: "AIza-secret",
		RedisURL:     "redis://:pw@cache:6379/0",
	}
	s := cfg.DebugString()
	for _, secret := range []string{"hunter2", "deadbeef", "AIza-secret", ":pw@"} {
		assert.False(t, strings.Contains(s, secret), "leaked %q in %s", secret, s)
	}
	assert.Contains(t, s, "postgres://bounty@db/bounty")
}

func TestMaskDSNKeyValue(t *testing.T) {
	got := maskDSN(DatabaseSchemePostgres, "host=db user=u password=p dbname=x")
	assert.Equal(t, "host=db user=u password=*** dbname=x", got)
}
