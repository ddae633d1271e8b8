package fuzz

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedCombination = errors.New("unsupported language/engine combination")
	ErrLaunch                 = errors.New("failed to launch fuzzer")
	ErrRuntimeParse           = errors.New("unparseable fuzzer output")
)

// UnsupportedCombinationError names the (language, engine) pair no engine serves.
type UnsupportedCombinationError struct {
	Language string
	Engine   string
}

func (e *UnsupportedCombinationError) Error() string {
	return fmt.Sprintf("unsupported language: %s or engine: %s", e.Language, e.Engine)
}

func (e *UnsupportedCombinationError) Is(target error) bool {
	return target == ErrUnsupportedCombination
}

// LaunchError wraps an OS level failure to create the fuzzer process.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool {
	return target == ErrLaunch
}
