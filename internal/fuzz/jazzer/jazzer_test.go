package jazzer

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

const sampleRun = `INFO: Loaded 1 modules   (65536 inline 8-bit counters): 65536 [0x7f, 0x8f),
#2	INITED cov: 64 ft: 64 corp: 1/1b exec/s: 0 rss: 220Mb
#1021	NEW    cov: 70 ft: 75 corp: 3/12b lim: 14 exec/s: 510 rss: 230Mb L: 6/6 MS: 2 ChangeByte-CMP- DE: "abc"-
== Java Exception: com.code_intelligence.jazzer.api.FuzzerSecurityIssueHigh: OS Command Injection
	at com.example.ExampleFuzzer.fuzzerTestOneInput(ExampleFuzzer.java:27)
DEDUP_TOKEN: 3a2b3b7d2c1c6a1f
== libFuzzer crashing input ==
MS: 1 CopyPart-; base unit: 8f1ac5b9e4b2e1a3
artifact_prefix='./'; Test unit written to ./crash-8d1e2a6f0e2d7c3b9a1f4e5d6c7b8a9f0e1d2c3b
`

func TestJazzerOutput(t *testing.T) {
	e := NewJazzer(JazzerParams{Logger: zap.NewNop(), AppConfig: &config.AppConfig{}})
	assert.Equal(t, []fuzz.Key{{Language: "java", Engine: "xlibfuzzer"}}, e.Keys())

	s := stats.New(1, "jazzer")
	for _, line := range strings.Split(sampleRun, "\n") {
		e.InterpretOutput(line, s)
	}
	snap := s.Snapshot()
	assert.EqualValues(t, 1021, snap.Count)
	assert.EqualValues(t, 1, snap.Crashes)
	assert.Len(t, snap.Artifacts, 1)
	assert.Equal(t, stats.Coverage{Covered: 70, Whole: 65536}, snap.Coverage(stats.Edges))
}

func TestJazzerDefaultEnv(t *testing.T) {
	e := NewJazzer(JazzerParams{Logger: zap.NewNop(), AppConfig: &config.AppConfig{}})
	cfg, err := config.NewWorkerConfig(config.WorkerOptions{
		Language: "Java",
		Engine:   fuzz.XLibFuzzer,
		Args:     "jazzer --cp=target.jar --target_class=com.example.ExampleFuzzer",
	})
	require.NoError(t, err)

	spec, err := e.BuildInvocation(cfg)
	require.NoError(t, err)
	assert.Equal(t, "jazzer", spec.Path)
	assert.Contains(t, spec.Env, "JAVA_TOOL_OPTIONS=-XX:+UseParallelGC")
	assert.Equal(t, []string{"."}, spec.ArtifactDirs)
}
