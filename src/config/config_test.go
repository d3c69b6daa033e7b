package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeConnStringInjectsCredentials(t *testing.T) {
	t.Parallel()

	merged := mergeConnString("host=localhost port=5432 dbname=ventas",
		"replicator", "secreto", false)

	assert.Contains(t, merged, "host=localhost")
	assert.Contains(t, merged, "port=5432")
	assert.Contains(t, merged, "dbname=ventas")
	assert.Contains(t, merged, "user=replicator password=secreto")
}

func TestMergeConnStringFiltersPoolKeys(t *testing.T) {
	t.Parallel()

	raw := "host=localhost pool_min_conns=2 pool_max_conns=10"

	merged := mergeConnString(raw, "u", "p", false)
	assert.NotContains(t, merged, "pool_min_conns")
	assert.NotContains(t, merged, "pool_max_conns")

	withPool := mergeConnString(raw, "u", "p", true)
	assert.Contains(t, withPool, "pool_min_conns=2")
	assert.Contains(t, withPool, "pool_max_conns=10")
}

func TestPostgresConfigConnectionString(t *testing.T) {
	t.Parallel()

	cfg := &PostgresConfig{postgresConfig: &postgresConfig{
		connectionString: "host=db.example.com dbname=app pool_max_conns=8",
		User:             "cdc",
		Password:         "pw",
	}}

	conn := cfg.ConnectionString()
	assert.Contains(t, conn, "host=db.example.com")
	assert.NotContains(t, conn, "pool_max_conns")
	assert.Contains(t, conn, "user=cdc password=pw")

	pooled := cfg.ConnectionStringWithPool()
	assert.Contains(t, pooled, "pool_max_conns=8")
}
