package store

import (
	"testing"

	"github.com/maxpert/txcore/cfg"
)

func cfgForTest(t *testing.T) *cfg.Configuration {
	t.Helper()
	c := cfg.Default()
	c.Store.Type = cfg.StoreMemory
	c.DataDir = t.TempDir()
	return c
}
