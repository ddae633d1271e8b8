package libfuzzer

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"xfl/internal/fuzz"
	"xfl/internal/process"
	"xfl/internal/stats"
)

var (
	// #4096	pulse  cov: 112 ft: 160 corp: 21/613b lim: 43 exec/s: 2048 rss: 31Mb
	progressLine  = regexp.MustCompile(`^#(\d+)\s+(INITED|NEW|REDUCE|pulse|DONE|RELOAD)\b(.*)$`)
	progressField = regexp.MustCompile(`(cov|ft|corp|exec/s):\s*(\d+)`)

	loadedCounters = regexp.MustCompile(`^INFO: Loaded \d+ modules?\s+\((\d+) inline 8-bit counters\)`)
	loadedPCTables = regexp.MustCompile(`^INFO: Loaded \d+ PC tables?\s+\((\d+) PCs\)`)
	doneRuns       = regexp.MustCompile(`^Done (\d+) runs in (\d+) second`)
	newFunc        = regexp.MustCompile(`^\s*NEW_FUNC\[\d+/\d+\]`)
	sanitizerError = regexp.MustCompile(`==(\d+==)?\s*ERROR:`)
	testUnit       = regexp.MustCompile(`Test unit written to (\S+)`)
)

var artifactPrefixes = []string{"crash-", "leak-", "timeout-", "oom-", "slow-unit-"}

// Interpret folds one libFuzzer output line into s. It reports whether the
// line was recognized; recognized lines carrying numbers that do not parse
// yield an error wrapping fuzz.ErrRuntimeParse.
func Interpret(line string, s *stats.RuntimeStats) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	if m := progressLine.FindStringSubmatch(line); m != nil {
		count, err := parseUint(m[1], line)
		if err != nil {
			return true, err
		}
		s.SetCount(count)
		for _, field := range progressField.FindAllStringSubmatch(m[3], -1) {
			v, err := parseUint(field[2], line)
			if err != nil {
				return true, err
			}
			switch field[1] {
			case "cov":
				s.SetCovered(stats.Edges, v)
				s.SetCovered(stats.BasicBlocks, v)
			case "corp":
				s.SetQueueEntries(v)
			case "exec/s":
				s.SetExecsPerSec(float64(v))
			}
		}
		return true, nil
	}

	if m := testUnit.FindStringSubmatch(line); m != nil {
		s.AddArtifact(m[1])
		return true, nil
	}

	if sanitizerError.MatchString(line) || strings.Contains(line, "deadly signal") {
		s.AddCrash()
		return true, nil
	}

	if newFunc.MatchString(line) {
		s.AddCovered(stats.Functions, 1)
		return true, nil
	}

	if m := loadedCounters.FindStringSubmatch(line); m != nil {
		v, err := parseUint(m[1], line)
		if err != nil {
			return true, err
		}
		s.SetWhole(stats.Edges, v)
		return true, nil
	}

	if m := loadedPCTables.FindStringSubmatch(line); m != nil {
		v, err := parseUint(m[1], line)
		if err != nil {
			return true, err
		}
		s.SetWhole(stats.BasicBlocks, v)
		return true, nil
	}

	if m := doneRuns.FindStringSubmatch(line); m != nil {
		runs, err := parseUint(m[1], line)
		if err != nil {
			return true, err
		}
		s.SetCount(runs)
		return true, nil
	}

	return false, nil
}

func parseUint(raw, line string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", fuzz.ErrRuntimeParse, line, err)
	}
	return v, nil
}

// ArtifactDir is where libFuzzer writes reproducers: the directory part of
// -artifact_prefix, or the working directory.
func ArtifactDir(spec *process.Spec) string {
	dir := "."
	cmdLine := &fuzz.CommandLine{Path: spec.Path, Args: spec.Args}
	if prefix, ok := cmdLine.Flag("-artifact_prefix"); ok && prefix != "" {
		if strings.HasSuffix(prefix, "/") {
			dir = prefix
		} else {
			dir = filepath.Dir(prefix)
		}
	}
	if !filepath.IsAbs(dir) && spec.Dir != "" {
		dir = filepath.Join(spec.Dir, dir)
	}
	return filepath.Clean(dir)
}

// IsArtifact matches the file names libFuzzer gives its reproducers,
// including names carrying a custom -artifact_prefix.
func IsArtifact(path string) bool {
	base := filepath.Base(path)
	for _, prefix := range artifactPrefixes {
		if strings.Contains(base, prefix) {
			return true
		}
	}
	return false
}
