package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func propsOf(kv ...string) *Properties {
	p := NewProperties()
	for i := 0; i+1 < len(kv); i += 2 {
		p.Set(kv[i], kv[i+1])
	}
	return p
}

func TestResolverPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		props    *Properties
		env      *Properties
		expected string
	}{
		{
			name:     "prefixed property wins",
			props:    propsOf("DBREPORTER_TABLE_NAME", "a", "TABLE_NAME", "c"),
			env:      propsOf("DBREPORTER_TABLE_NAME", "b", "TABLE_NAME", "d"),
			expected: "a",
		},
		{
			name:     "prefixed env beats bare property",
			props:    propsOf("TABLE_NAME", "c"),
			env:      propsOf("DBREPORTER_TABLE_NAME", "b", "TABLE_NAME", "d"),
			expected: "b",
		},
		{
			name:     "bare property beats bare env",
			props:    propsOf("TABLE_NAME", "c"),
			env:      propsOf("TABLE_NAME", "d"),
			expected: "c",
		},
		{
			name:     "bare env",
			props:    propsOf(),
			env:      propsOf("TABLE_NAME", "d"),
			expected: "d",
		},
		{
			name:     "empty values are skipped",
			props:    propsOf("DBREPORTER_TABLE_NAME", ""),
			env:      propsOf("TABLE_NAME", "d"),
			expected: "d",
		},
		{
			name:     "default",
			props:    propsOf(),
			env:      propsOf(),
			expected: "fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.props, tt.env)
			assert.Equal(t, tt.expected, r.GetOr(KeyTableName, "fallback"))
		})
	}
}

func TestGetPrefixedIgnoresBareNames(t *testing.T) {
	r := NewResolver(propsOf(), propsOf("USER", "root", "DBREPORTER_PWD", "secret"))
	assert.Equal(t, "", r.GetPrefixed(KeyUser, ""))
	assert.Equal(t, "secret", r.GetPrefixed(KeyPassword, ""))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "reporter.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("DBREPORTER_TABLE_NAME: from_yaml\nQUEUE_SIZE: 10\n"), 0644))
	tomlPath := filepath.Join(dir, "reporter.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("DB_NAME = \"from_toml\"\nIS_CI = true\n"), 0644))

	p := NewProperties()
	require.NoError(t, p.LoadFile(yamlPath))
	require.NoError(t, p.LoadFile(tomlPath))

	r := NewResolver(p, propsOf())
	assert.Equal(t, "from_yaml", r.Get(KeyTableName))
	assert.Equal(t, "from_toml", r.Get(KeyDBName))
	assert.Equal(t, "10", r.Get(KeyQueueSize))
	assert.Equal(t, "true", r.Get(KeyIsCI))
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	unsupported := filepath.Join(dir, "reporter.ini")
	require.NoError(t, os.WriteFile(unsupported, []byte("a=b"), 0644))
	require.ErrorContains(t, NewProperties().LoadFile(unsupported), "unsupported")

	nested := filepath.Join(dir, "nested.yaml")
	require.NoError(t, os.WriteFile(nested, []byte("SINK:\n  type: x\n"), 0644))
	require.ErrorContains(t, NewProperties().LoadFile(nested), "scalar")

	require.Error(t, NewProperties().LoadFile(filepath.Join(dir, "missing.yaml")))
}

func TestDefaultResolverReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reporter.yml")
	require.NoError(t, os.WriteFile(path, []byte("DBREPORTER_SINK: sqlite\n"), 0644))
	t.Setenv(ConfigFileEnv, path)

	r, err := DefaultResolver()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", r.Get(KeySink))
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load(NewResolver(propsOf(), propsOf()))
	require.NoError(t, err)

	assert.False(t, s.Enabled)
	assert.Equal(t, DefaultDBName, s.DBName)
	assert.Equal(t, DefaultTableName, s.TableName)
	assert.Equal(t, DefaultHost, s.Host)
	assert.Equal(t, DefaultPort, s.Port)
	assert.Equal(t, DefaultQueueSize, s.QueueSize)
	assert.Equal(t, DefaultFlushInterval, s.FlushInterval)
	assert.Equal(t, time.Duration(0), s.FlushTimeout)
	assert.Equal(t, PolicyBestEffort, s.Policy)
	assert.Equal(t, CaptureProcess, s.Capture)
	assert.Equal(t, []SinkType{SinkBigQuery}, s.Sinks)
}

func TestLoadOverrides(t *testing.T) {
	env := propsOf(
		"IS_CI", "true",
		"DBREPORTER_SINK", "postgres, sqlite",
		"DBREPORTER_PORT", "6543",
		"QUEUE_SIZE", "50",
		"FLUSH_INTERVAL", "250",
		"FLUSH_TIMEOUT", "30s",
		"POLICY", "strict",
		"CAPTURE", "none",
	)
	s, err := Load(NewResolver(propsOf(), env))
	require.NoError(t, err)

	assert.True(t, s.Enabled)
	assert.Equal(t, []SinkType{SinkPostgres, SinkSQLite}, s.Sinks)
	assert.Equal(t, 6543, s.Port)
	assert.Equal(t, 50, s.QueueSize)
	assert.Equal(t, 250*time.Millisecond, s.FlushInterval)
	assert.Equal(t, 30*time.Second, s.FlushTimeout)
	assert.Equal(t, PolicyStrict, s.Policy)
	assert.Equal(t, CaptureNone, s.Capture)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  *Properties
		err  string
	}{
		{"bad sink", propsOf("SINK", "kafka"), "invalid sink type"},
		{"empty sink list", propsOf("SINK", " , "), "at least one sink"},
		{"bad port", propsOf("DBREPORTER_PORT", "abc"), "PORT"},
		{"zero queue", propsOf("QUEUE_SIZE", "0"), "must be positive"},
		{"bad interval", propsOf("FLUSH_INTERVAL", "soon"), "FLUSH_INTERVAL"},
		{"bad policy", propsOf("POLICY", "maybe"), "invalid policy"},
		{"bad capture", propsOf("CAPTURE", "thread"), "invalid capture mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(NewResolver(propsOf(), tt.env))
			require.ErrorContains(t, err, tt.err)
		})
	}
}

func TestIdentityFromSettings(t *testing.T) {
	r := NewResolver(propsOf(
		"SHORT_SHA", "abc1234",
		"DBREPORTER_BRANCH_NAME", "feature/rpds-458v2",
		"COMPUTERNAME", "ci-runner-7",
	), propsOf())

	id := Identity(context.Background(), r)
	assert.Equal(t, "abc1234", id.ShortSHA)
	assert.Equal(t, "feature/rpds-458v2", id.BranchName)
	assert.Equal(t, "rpds-458", id.BranchTag)
	assert.Equal(t, "ci-runner-7", id.ComputerName)
	assert.Equal(t, "config", id.ModuleName)
}

func TestGitFallback(t *testing.T) {
	orig := gitBinary
	gitBinary = filepath.Join(t.TempDir(), "no-such-git")
	t.Cleanup(func() { gitBinary = orig })

	r := NewResolver(propsOf(), propsOf())
	assert.Equal(t, "$SHORT_SHA unset", ShortSHA(context.Background(), r))
	assert.Equal(t, "$BRANCH_NAME unset", BranchName(context.Background(), r))
}

func TestComputerNameFallsBackToHostname(t *testing.T) {
	r := NewResolver(propsOf(), propsOf("HOSTNAME", "box"))
	assert.Equal(t, "box", ComputerName(r))

	r = NewResolver(propsOf(), propsOf())
	assert.NotEmpty(t, ComputerName(r))
}
