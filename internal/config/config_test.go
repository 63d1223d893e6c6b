package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "current-task", cfg.Store.Key)
	assert.Equal(t, "PDD", cfg.Counting.TaskPrefix)
	assert.True(t, cfg.Catalog.Ledger)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("store:\n  backend: redis\n  redis:\n    addr: cache:6379\nlog:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "cache:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "current-task", cfg.Store.Key)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"backend":  "store:\n  backend: etcd\n",
		"source":   "catalog:\n  source: erp\n",
		"file":     "catalog:\n  source: file\n  file: \"\"\n",
		"prefix":   "counting:\n  task_prefix: \"P D\"\n",
		"format":   "log:\n  format: xml\n",
		"redis":    "store:\n  backend: redis\n  redis:\n    addr: \"\"\n",
		"key":      "store:\n  key: \"\"\n",
		"bad yaml": "store: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "cyc config init")

	require.NoError(t, os.WriteFile(Path(dir), []byte("catalog:\n  source: file\n  file: items.yml\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "items.yml"), cfg.CatalogPath(dir))
}
