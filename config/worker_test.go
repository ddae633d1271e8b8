package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"127.0.0.1:50051", "127.0.0.1:50051"},
		{"172.1.1.1:3389", "172.1.1.1:3389"},
		{"[::1]:9000", "[::1]:9000"},
		{"10.0.0.5", "10.0.0.5:3000"},
		{"::1", "[::1]:3000"},
		{"", "0.0.0.0:0"},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			addr, err := ParseAddress(c.in)
			require.NoError(t, err)
			assert.Equal(t, c.want, addr.String())
		})
	}
}

func TestParseAddressRoundTrip(t *testing.T) {
	for _, in := range []string{"1.2.3.4:1", "192.168.10.20:65535", "[2001:db8::1]:443"} {
		addr, err := ParseAddress(in)
		require.NoError(t, err)
		assert.Equal(t, in, addr.String())
	}
}

func TestParseAddressBareIPUsesDefaultPort(t *testing.T) {
	for _, in := range []string{"10.0.0.5", "8.8.8.8", "fe80::1"} {
		addr, err := ParseAddress(in)
		require.NoError(t, err)
		assert.EqualValues(t, DefaultSchedulerPort, addr.Port())
	}
}

func TestParseAddressMalformed(t *testing.T) {
	for _, in := range []string{"localhost", "10.0.0", "10.0.0.5:", "10.0.0.5:99999", "tcp://1.2.3.4:5", " "} {
		_, err := ParseAddress(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrConfiguration), in)

		var cfgErr *ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "address", cfgErr.Field)
		assert.Equal(t, in, cfgErr.Value)
	}
}

func TestNewWorkerConfig(t *testing.T) {
	cfg, err := NewWorkerConfig(WorkerOptions{
		Address:    "10.0.0.5",
		Language:   "C",
		Engine:     "xlibfuzzer",
		Persistent: 2,
		Args:       "afl-fuzz -i in -o out -- ./target @@",
	})
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5:3000", cfg.SchedulerAddress().String())
	assert.Equal(t, "c", cfg.Language())
	assert.Equal(t, "xlibfuzzer", cfg.Engine())
	assert.Equal(t, "afl-fuzz -i in -o out -- ./target @@", cfg.Args())
	assert.Equal(t, 1, cfg.Jobs())
	assert.True(t, cfg.HasScheduler())

	restarts, forever := cfg.Restarts()
	assert.Equal(t, 2, restarts)
	assert.False(t, forever)
}

func TestNewWorkerConfigRejects(t *testing.T) {
	_, err := NewWorkerConfig(WorkerOptions{Address: "nope", Language: "c", Engine: "xlibfuzzer"})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewWorkerConfig(WorkerOptions{Language: "", Engine: "xlibfuzzer"})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewWorkerConfig(WorkerOptions{Language: "c", Engine: ""})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewWorkerConfig(WorkerOptions{Language: "c", Engine: "xlibfuzzer", Jobs: -1})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestWorkerConfigWithoutScheduler(t *testing.T) {
	cfg, err := NewWorkerConfig(WorkerOptions{Language: "c", Engine: "xlibfuzzer", Persistent: PersistForever})
	require.NoError(t, err)
	assert.False(t, cfg.HasScheduler())

	_, forever := cfg.Restarts()
	assert.True(t, forever)
}

func TestParseEngineProfiles(t *testing.T) {
	profiles, err := ParseEngineProfiles([]byte(`
engines:
  - language: C
    engine: xlibfuzzer
    env:
      ASAN_OPTIONS: detect_leaks=0
    extra_args: ["-max_len=4096"]
  - language: rust
    engine: xlibfuzzer
    dir: /src/project
`))
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	profile, ok := profiles.Lookup("c", "xlibfuzzer")
	require.True(t, ok)
	assert.Equal(t, "detect_leaks=0", profile.Env["ASAN_OPTIONS"])
	assert.Equal(t, []string{"-max_len=4096"}, profile.ExtraArgs)

	profile, ok = profiles.Lookup("Rust", "xlibfuzzer")
	require.True(t, ok)
	assert.Equal(t, "/src/project", profile.Dir)

	_, ok = profiles.Lookup("go", "xlibfuzzer")
	assert.False(t, ok)

	_, err = ParseEngineProfiles([]byte("engines:\n  - engine: aflpp\n"))
	assert.Error(t, err)
}
