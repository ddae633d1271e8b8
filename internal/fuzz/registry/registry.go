// Package registry wires every engine variant into the dispatcher.
package registry

import (
	"xfl/internal/fuzz"
	"xfl/internal/fuzz/aflpp"
	"xfl/internal/fuzz/cargofuzz"
	"xfl/internal/fuzz/gofuzz"
	"xfl/internal/fuzz/jazzer"
	"xfl/internal/fuzz/libfuzzer"
	"xfl/internal/fuzz/sharpfuzz"

	"go.uber.org/fx"
)

var Module = fx.Options(
	libfuzzer.Module,
	jazzer.Module,
	gofuzz.Module,
	cargofuzz.Module,
	sharpfuzz.Module,
	aflpp.AFLModule,
	fx.Provide(fuzz.NewDispatcher),
)
