package cargofuzz

import (
	"strings"
	"testing"
	"xfl/config"
	"xfl/internal/fuzz"
	"xfl/internal/stats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine() *Engine {
	return NewCargoFuzz(CargoFuzzParams{Logger: zap.NewNop(), AppConfig: &config.AppConfig{}})
}

func TestArtifactDirs(t *testing.T) {
	cases := map[string]string{
		"cargo fuzz run parse_url":                                       "fuzz/artifacts/parse_url",
		"cargo fuzz run --release -s none parse_url corpus":              "fuzz/artifacts/parse_url",
		"cargo fuzz run --fuzz-dir=fuzzing decode":                       "fuzzing/artifacts/decode",
		"cargo fuzz run --fuzz-dir fuzzing decode":                       "fuzzing/artifacts/decode",
		"cargo fuzz run decode -- -artifact_prefix=/tmp/out/ -runs=1000": "/tmp/out",
		"./target/x86_64-unknown-linux-gnu/release/decode -runs=1000":    ".",
		"./target/release/decode -artifact_prefix=crashes/ corpus":       "crashes",
	}
	e := newTestEngine()
	for args, want := range cases {
		cfg, err := config.NewWorkerConfig(config.WorkerOptions{Language: "rust", Engine: fuzz.XLibFuzzer, Args: args})
		require.NoError(t, err)
		spec, err := e.BuildInvocation(cfg)
		require.NoError(t, err, args)
		assert.Equal(t, []string{want}, spec.ArtifactDirs, args)
		assert.Contains(t, spec.Env, "RUST_BACKTRACE=1")
	}
}

const sampleRun = `INFO: Loaded 1 modules   (9000 inline 8-bit counters): 9000 [0x1, 0x2329),
#512	pulse  cov: 300 ft: 420 corp: 40/1200b lim: 48 exec/s: 256 rss: 50Mb
thread '<unnamed>' panicked at src/lib.rs:42:9:
index out of bounds: the len is 3 but the index is 7
==7== ERROR: libFuzzer: deadly signal
artifact_prefix='/src/fuzz/artifacts/decode/'; Test unit written to /src/fuzz/artifacts/decode/crash-aa11bb22cc33dd44ee55ff6600778899aabbccdd
`

func TestPanicCountsOnce(t *testing.T) {
	e := newTestEngine()
	s := stats.New(1, "cargo fuzz run decode")
	for _, line := range strings.Split(sampleRun, "\n") {
		e.InterpretOutput(line, s)
	}
	snap := s.Snapshot()
	assert.EqualValues(t, 512, snap.Count)
	assert.EqualValues(t, 40, snap.QueueEntries)
	assert.EqualValues(t, 1, snap.Crashes)
	assert.Len(t, snap.Artifacts, 1)
}
