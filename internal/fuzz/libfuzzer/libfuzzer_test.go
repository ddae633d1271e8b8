package libfuzzer

import (
	"testing"
	"xfl/config"
	"xfl/internal/fuzz"
	"xfl/internal/process"
	"xfl/internal/stats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(profiles config.EngineProfiles) *Engine {
	return NewLibFuzzer(LibFuzzerParams{
		Logger:    zap.NewNop(),
		AppConfig: &config.AppConfig{},
		Profiles:  profiles,
	})
}

func workerConfig(t *testing.T, language, args string) *config.WorkerConfig {
	t.Helper()
	cfg, err := config.NewWorkerConfig(config.WorkerOptions{
		Language: language,
		Engine:   fuzz.XLibFuzzer,
		Args:     args,
	})
	require.NoError(t, err)
	return cfg
}

func TestKeys(t *testing.T) {
	assert.ElementsMatch(t, []fuzz.Key{
		{Language: "c", Engine: "xlibfuzzer"},
		{Language: "c++", Engine: "xlibfuzzer"},
	}, newTestEngine(nil).Keys())
}

func TestBuildInvocation(t *testing.T) {
	e := newTestEngine(config.EngineProfiles{
		config.ProfileKey("c", fuzz.XLibFuzzer): {
			Env:       map[string]string{"ASAN_OPTIONS": "detect_leaks=0"},
			ExtraArgs: []string{"-rss_limit_mb=4096"},
		},
	})

	spec, err := e.BuildInvocation(workerConfig(t, "C", `UBSAN_OPTIONS=halt_on_error=1 ./fuzz_png -max_len=1024 -artifact_prefix=crashes/ "corpus dir"`))
	require.NoError(t, err)
	assert.Equal(t, "./fuzz_png", spec.Path)
	assert.Equal(t, []string{"-max_len=1024", "-artifact_prefix=crashes/", "corpus dir", "-rss_limit_mb=4096"}, spec.Args)
	assert.Equal(t, []string{"ASAN_OPTIONS=detect_leaks=0", "UBSAN_OPTIONS=halt_on_error=1"}, spec.Env)
	assert.Equal(t, []string{"crashes"}, spec.ArtifactDirs)
	assert.Nil(t, spec.Echo)
}

func TestBuildInvocationRejectsEmpty(t *testing.T) {
	e := newTestEngine(nil)
	_, err := e.BuildInvocation(workerConfig(t, "c++", "   "))
	assert.ErrorIs(t, err, config.ErrConfiguration)

	_, err = e.BuildInvocation(workerConfig(t, "c++", `./fuzz "unterminated`))
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestClassify(t *testing.T) {
	e := newTestEngine(nil)
	assert.Equal(t, stats.OutcomeExited, e.Classify(process.ExitStatus{}))
	assert.Equal(t, stats.OutcomeCrashed, e.Classify(process.ExitStatus{Code: 77}))
	assert.Equal(t, stats.OutcomeCrashed, e.Classify(process.ExitStatus{Code: 70}))
}
