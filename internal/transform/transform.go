// Package transform compiles the user-authored formula file into an
// evaluable set of parameter transforms and maps tracking frames through
// them into host parameter values.
package transform

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ovROG/rusty-bridge/internal/logx"
	"github.com/ovROG/rusty-bridge/internal/tracking"
)

// Evaluated values are clamped to this bound before being sent. It guards
// against runaway formulas, not a semantic parameter range.
const valueLimit = 1_000_000.0

// Definition is one entry of the transform-function file.
type Definition struct {
	Name         string  `json:"name"`
	Func         string  `json:"func"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	DefaultValue float64 `json:"defaultValue"`
}

// ParameterValue is a single evaluated parameter, in the shape the host's
// injection request expects.
type ParameterValue struct {
	ID     string  `json:"id"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// builtinParameters are the host's standard input parameters. Definitions
// with these names do not need a creation request before streaming.
var builtinParameters = map[string]struct{}{
	"FacePositionX":                {},
	"FacePositionY":                {},
	"FacePositionZ":                {},
	"FaceAngleX":                   {},
	"FaceAngleY":                   {},
	"FaceAngleZ":                   {},
	"MouthSmile":                   {},
	"MouthOpen":                    {},
	"Brows":                        {},
	"TongueOut":                    {},
	"EyeOpenLeft":                  {},
	"EyeOpenRight":                 {},
	"EyeLeftX":                     {},
	"EyeLeftY":                     {},
	"EyeRightX":                    {},
	"EyeRightY":                    {},
	"CheekPuff":                    {},
	"FaceAngry":                    {},
	"BrowLeftY":                    {},
	"BrowRightY":                   {},
	"MouthX":                       {},
	"VoiceFrequencyPlusMouthSmile": {},
}

type compiledTransform struct {
	def     Definition
	program *vm.Program
}

// Set is the compiled transform set. It is built once at startup and is
// read-only afterwards, so it may be shared across goroutines freely.
type Set struct {
	transforms []compiledTransform
}

// LoadDefinitions reads the JSON transform-function file.
func LoadDefinitions(path string) ([]Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transform file: %w", err)
	}
	var defs []Definition
	if err := json.Unmarshal(b, &defs); err != nil {
		return nil, fmt.Errorf("parse transform file %s: %w", path, err)
	}
	return defs, nil
}

// Compile builds the transform set from the given definitions. A formula
// that fails to compile makes the whole set invalid; the error names the
// offending parameter and formula so the user can fix the file.
func Compile(defs []Definition) (*Set, error) {
	s := &Set{transforms: make([]compiledTransform, 0, len(defs))}
	for _, def := range defs {
		program, err := expr.Compile(def.Func)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: compile formula %q: %w", def.Name, def.Func, err)
		}
		logx.Log.Info().Str("parameter", def.Name).Msg("loaded transform")
		s.transforms = append(s.transforms, compiledTransform{def: def, program: program})
	}
	return s, nil
}

// CustomDefinitions returns the definitions whose names are not built into
// the host and therefore need a one-time creation request.
func (s *Set) CustomDefinitions() []Definition {
	var custom []Definition
	for _, t := range s.transforms {
		if _, ok := builtinParameters[t.def.Name]; !ok {
			custom = append(custom, t.def)
		}
	}
	return custom
}

// Map evaluates every transform against the frame's variable bindings and
// returns the resulting parameter values. When no face is tracked it
// returns nil so the caller stops overriding parameters instead of pushing
// stale values. A single evaluation failure skips that parameter only.
func (s *Set) Map(frame tracking.Frame) []ParameterValue {
	if !frame.FaceFound {
		return nil
	}

	env := bindings(frame)
	params := make([]ParameterValue, 0, len(s.transforms))
	for _, t := range s.transforms {
		out, err := expr.Run(t.program, env)
		if err != nil {
			evalErrors.Inc()
			logx.Log.Warn().Str("parameter", t.def.Name).Err(err).Msg("formula evaluation failed")
			continue
		}
		v, err := toFloat(out)
		if err != nil {
			evalErrors.Inc()
			logx.Log.Warn().Str("parameter", t.def.Name).Err(err).Msg("formula result is not numeric")
			continue
		}
		params = append(params, ParameterValue{ID: t.def.Name, Value: clamp(v), Weight: 1.0})
	}
	return params
}

// bindings builds a fresh variable environment from the frame. It is rebuilt
// per frame so entries from a previous frame can never leak into this one.
func bindings(frame tracking.Frame) map[string]any {
	env := make(map[string]any, len(frame.BlendShapes)+6)
	for _, bs := range frame.BlendShapes {
		env[bs.Key] = bs.Value
	}
	env["HeadPosX"] = frame.Position.X
	env["HeadPosY"] = frame.Position.Y
	env["HeadPosZ"] = frame.Position.Z
	env["HeadRotX"] = frame.Rotation.X
	env["HeadRotY"] = frame.Rotation.Y
	env["HeadRotZ"] = frame.Rotation.Z
	return env
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected result type %T", v)
	}
}

func clamp(v float64) float64 {
	if v > valueLimit {
		return valueLimit
	}
	if v < -valueLimit {
		return -valueLimit
	}
	return v
}
