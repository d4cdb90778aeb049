// Licensed under the MIT License. See LICENSE file in the project root for details.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kianostad/epochgc/internal/storage/mvcc"
)

func TestDefaultMatchesCollectorDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, mvcc.DefaultConfig(), cfg.MVCC())
	require.Equal(t, slog.LevelInfo, cfg.Level())
	require.False(t, cfg.QueryHistory.Enabled)
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load("engine.jsonnet", `
		local workers = std.parseInt(std.extVar('GC_WORKERS'));
		{
		  gc: { workers: workers, gracePeriod: '5ms', retireInOrder: false },
		  epochInterval: '1s',
		  queryHistory: { enabled: true },
		  logLevel: 'debug',
		}`, []string{"GC_WORKERS=4", "UNUSED=a=b"})
	require.NoError(t, err)

	gc := cfg.MVCC()
	require.Equal(t, 4, gc.Workers)
	require.Equal(t, 5*time.Millisecond, gc.GracePeriod)
	require.False(t, gc.RetireInOrder)
	require.Equal(t, mvcc.DefaultConfig().BatchSize, gc.BatchSize)
	require.Equal(t, time.Second, time.Duration(cfg.EpochInterval))
	require.True(t, cfg.QueryHistory.Enabled)
	require.Equal(t, 1024, cfg.QueryHistory.Buffer)
	require.Equal(t, slog.LevelDebug, cfg.Level())
}

func TestLoadErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		snippet string
		env     []string
		want    error
	}{
		"bad environment":  {snippet: `{}`, env: []string{"NOEQUALS"}, want: ErrEvaluate},
		"syntax error":     {snippet: `{ gc: `, want: ErrEvaluate},
		"bad duration":     {snippet: `{ epochInterval: 'soon' }`, want: ErrUnmarshal},
		"numeric duration": {snippet: `{ gc: { gracePeriod: 5 } }`, want: ErrUnmarshal},
		"unknown field":    {snippet: `{ gcc: {} }`, want: ErrUnmarshal},
		"invalid gc":       {snippet: `{ gc: { workers: -1 } }`, want: mvcc.ErrInvalidConfig},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load("test.jsonnet", tc.snippet, tc.env)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.jsonnet")
	require.NoError(t, os.WriteFile(path, []byte(`{ metrics: { enablePrometheus: true } }`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.True(t, cfg.MetricsConfig().EnablePrometheus)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.jsonnet"))
	require.ErrorIs(t, err, ErrRead)
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	b, err := d.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `"1.5s"`, string(b))
}
