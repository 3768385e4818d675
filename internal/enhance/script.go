package enhance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/nupi-ai/corevisor/internal/config"
)

// DefaultScriptTimeout bounds a single script execution.
const DefaultScriptTimeout = 5 * time.Second

// ErrScriptTimeout is returned when a script exceeds its time budget.
var ErrScriptTimeout = errors.New("enhance: script timed out")

// LogEntry is one console line or diagnostic produced by a chain item.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// RunScript executes source's main(config) against a deep copy of cfg and
// returns the mapping it produced plus any console output. cfg is never
// modified.
func RunScript(ctx context.Context, source string, cfg config.Mapping, timeout time.Duration) (config.Mapping, []LogEntry, error) {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}

	input, err := json.Marshal(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("enhance: encode script input: %w", err)
	}

	vm := goja.New()
	var logs []LogEntry
	if err := installConsole(vm, &logs); err != nil {
		return nil, nil, err
	}
	exports := vm.NewObject()
	module := vm.NewObject()
	_ = module.Set("exports", exports)
	vm.Set("module", module)
	vm.Set("exports", exports)

	timer := time.AfterFunc(timeout, func() { vm.Interrupt(ErrScriptTimeout) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	if _, err := vm.RunString(source); err != nil {
		return nil, logs, scriptError("load", err)
	}

	mainFn, err := resolveMain(vm, module)
	if err != nil {
		return nil, logs, err
	}

	parsed, err := vm.RunString("JSON.parse")
	if err != nil {
		return nil, logs, scriptError("prepare", err)
	}
	parse, _ := goja.AssertFunction(parsed)
	arg, err := parse(goja.Undefined(), vm.ToValue(string(input)))
	if err != nil {
		return nil, logs, scriptError("prepare", err)
	}

	result, err := mainFn(goja.Undefined(), arg)
	if err != nil {
		return nil, logs, scriptError("run", err)
	}
	if goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, logs, errors.New("enhance: script main returned no config")
	}

	stringified, err := vm.RunString("JSON.stringify")
	if err != nil {
		return nil, logs, scriptError("encode", err)
	}
	stringify, _ := goja.AssertFunction(stringified)
	encoded, err := stringify(goja.Undefined(), result)
	if err != nil {
		return nil, logs, scriptError("encode", err)
	}

	out, err := decodeScriptOutput(encoded.String())
	if err != nil {
		return nil, logs, err
	}
	return out, logs, nil
}

func resolveMain(vm *goja.Runtime, module *goja.Object) (goja.Callable, error) {
	candidates := []goja.Value{vm.Get("main")}
	if exported := module.Get("exports"); exported != nil && !goja.IsUndefined(exported) {
		candidates = append(candidates, exported.ToObject(vm).Get("main"))
	}
	for _, v := range candidates {
		if v == nil {
			continue
		}
		if fn, ok := goja.AssertFunction(v); ok {
			return fn, nil
		}
	}
	return nil, errors.New("enhance: script has no main function")
}

func installConsole(vm *goja.Runtime, logs *[]LogEntry) error {
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, formatConsoleArg(vm, arg))
			}
			*logs = append(*logs, LogEntry{Level: level, Message: strings.Join(parts, " ")})
			return goja.Undefined()
		}); err != nil {
			return fmt.Errorf("enhance: install console.%s: %w", level, err)
		}
	}
	vm.Set("console", console)
	return nil
}

func formatConsoleArg(vm *goja.Runtime, v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if _, isObj := v.(*goja.Object); isObj {
		if data, err := json.Marshal(v.Export()); err == nil {
			return string(data)
		}
	}
	return v.String()
}

func scriptError(stage string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return fmt.Errorf("enhance: script %s: %w", stage, cause)
		}
	}
	return fmt.Errorf("enhance: script %s: %w", stage, err)
}

// decodeScriptOutput turns the JSON produced by a script back into a
// mapping. Integral numbers become int so they encode like YAML-decoded ones.
func decodeScriptOutput(data string) (config.Mapping, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("enhance: decode script output: %w", err)
	}
	m, ok := normalizeNumbers(root).(map[string]any)
	if !ok {
		return nil, errors.New("enhance: script main must return an object")
	}
	return m, nil
}

func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return val
	}
}
