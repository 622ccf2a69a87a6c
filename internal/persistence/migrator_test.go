package persistence

import (
	"os"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_PairsAndSorts(t *testing.T) {
	src := fstest.MapFS{
		"000002_positions.up.sql":         {Data: []byte("SELECT 2")},
		"000001_vault_event_log.up.sql":   {Data: []byte("SELECT 1")},
		"000001_vault_event_log.down.sql": {Data: []byte("SELECT -1")},
		"README.md":                       {Data: []byte("notes")},
	}

	got, err := LoadMigrations(src)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Migration{Version: "000001", Up: "000001_vault_event_log.up.sql", Down: "000001_vault_event_log.down.sql"}, got[0])
	assert.Equal(t, Migration{Version: "000002", Up: "000002_positions.up.sql"}, got[1])

	todo := pending(got, map[string]bool{"000001": true})
	require.Len(t, todo, 1)
	assert.Equal(t, "000002", todo[0].Version)
}

func TestLoadMigrations_Invalid(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"down without up": {"000001_a.down.sql": {}},
		"duplicate up":    {"000001_a.up.sql": {}, "000001_b.up.sql": {}},
		"no version":      {"schema.up.sql": {}},
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadMigrations(src)
			assert.Error(t, err)
		})
	}
}

func TestLoadMigrations_Repository(t *testing.T) {
	got, err := LoadMigrations(os.DirFS("../../migrations"))
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, mg := range got {
		assert.NotEmpty(t, mg.Down, "version %s", mg.Version)
	}
}
