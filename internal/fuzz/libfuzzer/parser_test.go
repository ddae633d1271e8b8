package libfuzzer

import (
	"errors"
	"strings"
	"testing"
	"xfl/internal/fuzz"
	"xfl/internal/process"
	"xfl/internal/stats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRun = `INFO: Running with entropic power schedule (0xFF, 100).
INFO: Seed: 3211036735
INFO: Loaded 1 modules   (412 inline 8-bit counters): 412 [0x5634a0, 0x563640),
INFO: Loaded 1 PC tables (412 PCs): 412 [0x5640a0,0x565aa0),
INFO: A corpus is not provided, starting from an empty corpus
#2	INITED cov: 3 ft: 4 corp: 1/1b exec/s: 0 rss: 30Mb
	NEW_FUNC[1/2]: 0x55b0 in LLVMFuzzerTestOneInput /src/fuzz.c:12
	NEW_FUNC[2/2]: 0x55c0 in parse /src/parse.c:40
#3	NEW    cov: 7 ft: 8 corp: 2/3b lim: 4 exec/s: 0 rss: 30Mb L: 2/2 MS: 1 InsertByte-
#1024	pulse  cov: 11 ft: 14 corp: 4/9b lim: 11 exec/s: 512 rss: 31Mb
#2048	REDUCE cov: 11 ft: 14 corp: 4/8b lim: 21 exec/s: 1024 rss: 31Mb L: 1/3 MS: 1 EraseBytes-
==4242==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x602000000011
SUMMARY: AddressSanitizer: heap-buffer-overflow /src/parse.c:44 in parse
MS: 2 ChangeBit-InsertByte-; base unit: adc83b19e793491b1c6ea0fd8b46cd9f32e592fc
artifact_prefix='./out/'; Test unit written to ./out/crash-5ba93c9db0cff93f52b521d7420e43f6eda2784f
`

func TestInterpretSampleRun(t *testing.T) {
	s := stats.New(1, "./fuzz")
	for _, line := range strings.Split(sampleRun, "\n") {
		_, err := Interpret(line, s)
		require.NoError(t, err)
	}

	snap := s.Snapshot()
	assert.EqualValues(t, 2048, snap.Count)
	assert.EqualValues(t, 1024, snap.ExecsPerSec)
	assert.EqualValues(t, 4, snap.QueueEntries)
	assert.EqualValues(t, 1, snap.Crashes)
	assert.Equal(t, []string{"./out/crash-5ba93c9db0cff93f52b521d7420e43f6eda2784f"}, snap.Artifacts)
	assert.Equal(t, stats.Coverage{Covered: 11, Whole: 412}, snap.Coverage(stats.Edges))
	assert.Equal(t, stats.Coverage{Covered: 11, Whole: 412}, snap.Coverage(stats.BasicBlocks))
	assert.EqualValues(t, 2, snap.Coverage(stats.Functions).Covered)
}

func TestInterpretDoneLine(t *testing.T) {
	s := stats.New(1, "./fuzz")
	ok, err := Interpret("Done 100000 runs in 12 second(s)", s)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 100000, s.Snapshot().Count)
}

func TestInterpretDeadlySignal(t *testing.T) {
	s := stats.New(1, "./fuzz")
	ok, _ := Interpret("==17== ERROR: libFuzzer: deadly signal", s)
	assert.True(t, ok)
	assert.EqualValues(t, 1, s.Snapshot().Crashes)
}

func TestInterpretIgnoresNoise(t *testing.T) {
	s := stats.New(1, "./fuzz")
	for _, line := range []string{"", "hello world", "#abc NEW cov: 1", "MS: 1 CopyPart-"} {
		ok, err := Interpret(line, s)
		assert.False(t, ok, line)
		assert.NoError(t, err)
	}
	assert.Zero(t, s.Snapshot().Count)
}

func TestInterpretOverflowIsParseError(t *testing.T) {
	s := stats.New(1, "./fuzz")
	ok, err := Interpret("#99999999999999999999999 NEW cov: 1", s)
	assert.True(t, ok)
	assert.True(t, errors.Is(err, fuzz.ErrRuntimeParse))
}

func TestArtifactDir(t *testing.T) {
	cases := []struct {
		spec process.Spec
		want string
	}{
		{process.Spec{Path: "./fuzz"}, "."},
		{process.Spec{Path: "./fuzz", Dir: "/work"}, "/work"},
		{process.Spec{Path: "./fuzz", Args: []string{"-artifact_prefix=out/"}}, "out"},
		{process.Spec{Path: "./fuzz", Args: []string{"-artifact_prefix=/tmp/a/x-"}}, "/tmp/a"},
		{process.Spec{Path: "./fuzz", Args: []string{"-artifact_prefix=out/"}, Dir: "/work"}, "/work/out"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ArtifactDir(&c.spec), c.spec.Args)
	}
}

func TestIsArtifact(t *testing.T) {
	assert.True(t, IsArtifact("/out/crash-abc"))
	assert.True(t, IsArtifact("/out/x-timeout-abc"))
	assert.True(t, IsArtifact("slow-unit-abc"))
	assert.False(t, IsArtifact("/out/fuzz.log"))
}
