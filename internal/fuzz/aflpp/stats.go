package aflpp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"xfl/internal/fuzz"
	"xfl/internal/process"
	"xfl/internal/stats"

	"go.uber.org/zap"
)

// PollStats folds the instance's fuzzer_stats file into s. A file that does
// not exist yet is not an error.
func (f *AFLFuzzer) PollStats(spec *process.Spec, s *stats.RuntimeStats) error {
	if spec.StatsFile == "" {
		return nil
	}
	data, err := os.ReadFile(spec.StatsFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read fuzzer stats: %w", err)
	}

	values, err := parseFuzzerStats(bytes.NewReader(data), f.Logger)
	if err != nil {
		return err
	}
	return applyFuzzerStats(values, s)
}

// parseFuzzerStats reads from r line by line, expecting "key : value" pairs.
// Returns an error only if an unexpected I/O error occurs.
func parseFuzzerStats(r io.Reader, logger *zap.Logger) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue // skip empty lines
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		rawKey := strings.TrimSpace(parts[0])
		rawValue := strings.TrimSpace(parts[1])

		logger.Debug("parsed fuzzer stat", zap.String("key", rawKey), zap.String("value", rawValue))
		values[rawKey] = rawValue
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return values, nil
}

// applyFuzzerStats maps fuzzer_stats keys onto the runtime stats. Older
// AFL++ releases use unique_crashes and paths_total.
func applyFuzzerStats(values map[string]string, s *stats.RuntimeStats) error {
	var errs []error
	uintOf := func(keys ...string) (uint64, bool) {
		for _, key := range keys {
			raw, ok := values[key]
			if !ok {
				continue
			}
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q", fuzz.ErrRuntimeParse, key, raw))
				return 0, false
			}
			return v, true
		}
		return 0, false
	}

	if v, ok := uintOf("execs_done"); ok {
		s.SetCount(v)
	}
	if raw, ok := values["execs_per_sec"]; ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: execs_per_sec=%q", fuzz.ErrRuntimeParse, raw))
		} else {
			s.SetExecsPerSec(v)
		}
	}
	if v, ok := uintOf("saved_crashes", "unique_crashes"); ok {
		s.SetCrashes(v)
	}
	if v, ok := uintOf("corpus_count", "paths_total"); ok {
		s.SetQueueEntries(v)
	}
	if v, ok := uintOf("total_edges"); ok {
		s.SetWhole(stats.Edges, v)
	}
	if v, ok := uintOf("edges_found"); ok {
		s.SetCovered(stats.Edges, v)
	}
	return errors.Join(errs...)
}
