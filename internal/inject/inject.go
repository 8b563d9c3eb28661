// Package inject runs user supplied JavaScript for predicate and response
// injection. Each call gets a fresh goja runtime; only the state map
// survives between calls.
package inject

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
)

// ErrNotAllowed is returned when injection is disabled
var ErrNotAllowed = errors.New("JavaScript injection is not allowed unless imposterd is run with --allow-injection")

// DefaultTimeout bounds a single script execution
const DefaultTimeout = 5 * time.Second

// Injector executes injection scripts with goja
type Injector struct {
	enabled bool
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures an Injector
type Option func(*Injector)

// WithTimeout overrides the per-script execution limit
func WithTimeout(timeout time.Duration) Option {
	return func(i *Injector) {
		i.timeout = timeout
	}
}

// WithLogger sets the logger handed to scripts
func WithLogger(logger *zap.Logger) Option {
	return func(i *Injector) {
		i.logger = logger
	}
}

// New creates an injector; when enabled is false every call fails
func New(enabled bool, opts ...Option) *Injector {
	i := &Injector{
		enabled: enabled,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Predicate runs a predicate script and reports its truthiness
func (i *Injector) Predicate(ctx context.Context, script string, request models.Request, state map[string]interface{}) (bool, error) {
	result, err := i.run(ctx, script, request, state)
	if err != nil {
		return false, errs.Injection("invalid predicate injection", script, err)
	}
	if result == nil {
		return false, nil
	}
	return result.ToBoolean(), nil
}

// Respond runs a response script and converts its result to a response
func (i *Injector) Respond(ctx context.Context, script string, request models.Request, state map[string]interface{}) (*models.Response, error) {
	result, err := i.run(ctx, script, request, state)
	if err != nil {
		return nil, errs.Injection("invalid response injection", script, err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, errs.Injection("response injection returned no response", script, nil)
	}

	exported := result.Export()
	if _, ok := exported.(map[string]interface{}); !ok {
		return nil, errs.Injection(fmt.Sprintf("response injection must return an object, got %T", exported), script, nil)
	}

	data, err := json.Marshal(exported)
	if err != nil {
		return nil, errs.Injection("response injection result cannot be serialized", script, err)
	}
	var response models.Response
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, errs.Injection("response injection result is not a response", script, err)
	}
	return &response, nil
}

// run evaluates script. A function source is called as
// fn(request, state, logger, callback); any other source is evaluated as a
// program with those names bound as globals.
func (i *Injector) run(ctx context.Context, script string, request models.Request, state map[string]interface{}) (goja.Value, error) {
	if !i.enabled {
		return nil, ErrNotAllowed
	}

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	vm := goja.New()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	if state == nil {
		state = make(map[string]interface{})
	}

	var callbackResult goja.Value
	args := []goja.Value{
		vm.ToValue(map[string]interface{}(request)),
		vm.ToValue(state),
		i.scriptLogger(vm),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			callbackResult = call.Argument(0)
			return goja.Undefined()
		}),
	}

	if fn, ok := compileFunction(vm, script); ok {
		result, err := fn(goja.Undefined(), args...)
		if err != nil {
			return nil, err
		}
		if goja.IsUndefined(result) && callbackResult != nil {
			return callbackResult, nil
		}
		return result, nil
	}

	for index, name := range []string{"request", "state", "logger", "callback"} {
		if err := vm.Set(name, args[index]); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}
	result, err := vm.RunString(script)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(result) && callbackResult != nil {
		return callbackResult, nil
	}
	return result, nil
}

func compileFunction(vm *goja.Runtime, script string) (goja.Callable, bool) {
	trimmed := strings.TrimSpace(script)
	if trimmed == "" {
		return nil, false
	}
	value, err := vm.RunString("(" + trimmed + ")")
	if err != nil {
		return nil, false
	}
	return goja.AssertFunction(value)
}

// scriptLogger exposes debug/info/warn/error to scripts
func (i *Injector) scriptLogger(vm *goja.Runtime) goja.Value {
	logger := i.logger.Named("inject")
	log := func(write func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			write(strings.Join(parts, " "))
			return goja.Undefined()
		}
	}

	obj := vm.NewObject()
	_ = obj.Set("debug", log(logger.Debug))
	_ = obj.Set("info", log(logger.Info))
	_ = obj.Set("warn", log(logger.Warn))
	_ = obj.Set("error", log(logger.Error))
	return obj
}
