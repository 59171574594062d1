package infra

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedDSN(t *testing.T) {
	d := Database{Name: "slotshare_store_test", EnvDSN: "SLOTSHARE_INFRA_TEST_DSN"}

	t.Setenv("SLOTSHARE_INFRA_TEST_DSN", "")
	assert.Empty(t, d.SharedDSN(""))
	assert.Equal(t, "postgres://flag", d.SharedDSN("postgres://flag"))

	t.Setenv("SLOTSHARE_INFRA_TEST_DSN", "postgres://env")
	assert.Equal(t, "postgres://env", d.SharedDSN(""))
	assert.Equal(t, "postgres://flag", d.SharedDSN("postgres://flag"), "explicit override wins")

	assert.Empty(t, Database{Name: "x"}.SharedDSN(""), "no env var configured")
}

func TestDatabaseNamesFollowCaller(t *testing.T) {
	stress := Database{Name: "slotshare_stress", AppName: "slotshare-stress"}
	store := Database{Name: "slotshare_store_test"}

	assert.Equal(t, "slotshare-stress", stress.appName())
	assert.Equal(t, "slotshare-store-test", store.appName())
	assert.NotEqual(t, stress.password(), store.password())
}

func TestAdminDSNs(t *testing.T) {
	t.Setenv("PG_ADMIN_DSN", "postgres://root@db:6543/postgres")
	t.Setenv("USER", "ci")

	dsns := adminDSNs("10.0.0.5", "5433")
	require.Len(t, dsns, 4)
	assert.Equal(t, "postgres://root@db:6543/postgres", dsns[0])
	for _, dsn := range dsns[1:] {
		u, err := url.Parse(dsn)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.5:5433", u.Host)
		assert.Equal(t, "/postgres", u.Path)
	}
	assert.Contains(t, dsns[3], "ci@")
}

func TestLocalAddrDefaults(t *testing.T) {
	t.Setenv("PGHOST", "")
	t.Setenv("PGPORT", "")
	host, port := localAddr()
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, "5432", port)

	t.Setenv("PGHOST", "pg.internal")
	t.Setenv("PGPORT", "6000")
	host, port = localAddr()
	assert.Equal(t, "pg.internal", host)
	assert.Equal(t, "6000", port)
}
