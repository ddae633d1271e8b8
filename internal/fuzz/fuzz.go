package fuzz

import (
	"reflect"
	"slices"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Engine identifiers accepted on the command line.
const (
	XLibFuzzer  = "xlibfuzzer"
	AFLPlusPlus = "aflpp"
)

// Key selects an engine. Language is case-insensitive and stored lower-cased,
// Engine is matched exactly.
type Key struct {
	Language string
	Engine   string
}

func NewKey(language, engine string) Key {
	return Key{strings.ToLower(language), engine}
}

func (k Key) String() string {
	return k.Language + "/" + k.Engine
}

// Dispatcher holds the authoritative (language, engine) -> Engine mapping.
type Dispatcher struct {
	logger  *zap.Logger
	engines map[Key]Engine
}

type DispatcherParams struct {
	fx.In
	Logger  *zap.Logger
	Engines []Engine `group:"engines"`
}

func NewDispatcher(params DispatcherParams) *Dispatcher {
	engineMap := make(map[Key]Engine)
	for _, engine := range params.Engines {
		if engine == nil {
			continue
		}
		engineV := reflect.ValueOf(engine)
		if engineV.Kind() == reflect.Ptr && engineV.IsNil() {
			continue // skip nil engine
		}
		for _, key := range engine.Keys() {
			key = NewKey(key.Language, key.Engine)
			if _, exists := engineMap[key]; exists {
				params.Logger.Warn("engine registered twice, keeping the latest", zap.Stringer("key", key))
			}
			engineMap[key] = engine
			params.Logger.Debug("engine registered", zap.Stringer("key", key))
		}
	}

	return &Dispatcher{
		params.Logger,
		engineMap,
	}
}

// Select returns the engine serving (language, engine) or an
// *UnsupportedCombinationError carrying the exact inputs.
func (d *Dispatcher) Select(language, engine string) (Engine, error) {
	e, ok := d.engines[NewKey(language, engine)]
	if !ok {
		return nil, &UnsupportedCombinationError{Language: language, Engine: engine}
	}
	return e, nil
}

// Keys lists the registered keys in a stable order.
func (d *Dispatcher) Keys() []Key {
	keys := make([]Key, 0, len(d.engines))
	for k := range d.engines {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}
