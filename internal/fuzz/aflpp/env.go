package aflpp

import (
	"fmt"
	"slices"
)

// aflDefaults are exported to every afl-fuzz child unless the engine profile
// or the job overrides them.
var aflDefaults = map[string]string{
	"AFL_NO_UI":                             "1",
	"AFL_SKIP_CPUFREQ":                      "1",
	"AFL_TRY_AFFINITY":                      "1",
	"AFL_FAST_CAL":                          "1",
	"AFL_CMPLOG_ONLY_NEW":                   "1",
	"AFL_FORKSRV_INIT_TMOUT":                "30000",
	"AFL_I_DONT_CARE_ABOUT_MISSING_CRASHES": "1",
	"AFL_IGNORE_PROBLEMS":                   "1",
	"AFL_IGNORE_SEED_PROBLEMS":              "1", // keep going when a seed crashes or hangs
	"AFL_IGNORE_UNKNOWN_ENVS":               "1",
}

func defaultAFLEnv() []string {
	env := make([]string, 0, len(aflDefaults))
	for k, v := range aflDefaults {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	slices.Sort(env)
	return env
}
