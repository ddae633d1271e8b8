package fuzz

import (
	"regexp"
	"xfl/config"

	"github.com/mattn/go-shellwords"
)

var envAssignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// CommandLine is a fuzzer invocation split into words.
type CommandLine struct {
	Env  []string // leading NAME=value assignments
	Path string
	Args []string
}

// SplitCommandLine splits the free-form fuzzer invocation the way a POSIX shell
// would, without expanding variables or running anything. Shell operators
// (pipes, redirections, command lists) are rejected.
func SplitCommandLine(line string) (*CommandLine, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = false
	parser.ParseBacktick = false

	words, err := parser.Parse(line)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "args", Value: line, Reason: err.Error()}
	}
	if parser.Position != -1 {
		return nil, &config.ConfigurationError{Field: "args", Value: line, Reason: "shell operators are not supported"}
	}

	cmd := &CommandLine{}
	for len(words) > 0 && envAssignment.MatchString(words[0]) {
		cmd.Env = append(cmd.Env, words[0])
		words = words[1:]
	}
	if len(words) == 0 {
		return nil, &config.ConfigurationError{Field: "args", Value: line, Reason: "empty command line"}
	}
	cmd.Path = words[0]
	cmd.Args = words[1:]
	return cmd, nil
}

// Flag returns the value following flag (as in "-o out") or given inline
// (as in "-flag=value"), and whether it was present.
func (c *CommandLine) Flag(flag string) (string, bool) {
	for i, arg := range c.Args {
		if arg == "--" {
			break
		}
		if arg == flag && i+1 < len(c.Args) {
			return c.Args[i+1], true
		}
		if len(arg) > len(flag) && arg[:len(flag)] == flag && arg[len(flag)] == '=' {
			return arg[len(flag)+1:], true
		}
	}
	return "", false
}
