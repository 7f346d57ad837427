package script

import (
	"context"
	"encoding/json"

	"github.com/robertkrimen/otto"
	"go.uber.org/zap"

	"github.com/arketec/migrate-consul/pkg/consulmigrate/engine"
	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/patch"
)

// JSLoader compiles .js migrations for the otto interpreter. A script
// defines up(client, env) and down(client, env), either as globals or on
// module.exports. The client calls are synchronous.
type JSLoader struct {
	log *zap.Logger
}

// NewJSLoader загружает .js миграции в otto.
// Вход: логгер для console.log.
// Выход: *JSLoader.
// NewJSLoader returns a loader for JavaScript migrations.
func NewJSLoader(log *zap.Logger) *JSLoader {
	if log == nil {
		log = zap.NewNop()
	}
	return &JSLoader{log: log}
}

// Load компилирует скрипт; функции up/down ищутся при вызове.
// Load compiles source; up and down are looked up when called.
func (l *JSLoader) Load(name string, source []byte) (Script, error) {
	program, err := otto.New().Compile(name, string(source))
	if err != nil {
		return nil, &merrors.Error{Code: merrors.EInvalidOperation, Op: "JSLoader.Load", Msg: name, Err: err}
	}
	return &jsScript{name: name, program: program, log: l.log.With(zap.String("migration", name))}, nil
}

type jsScript struct {
	name    string
	program *otto.Script
	log     *zap.Logger
}

func (s *jsScript) Up(ctx context.Context, c *engine.Client, env string) error {
	return s.call(ctx, "up", c, env)
}

func (s *jsScript) Down(ctx context.Context, c *engine.Client, env string) error {
	return s.call(ctx, "down", c, env)
}

// call runs the program in a fresh VM so no state leaks between directions.
func (s *jsScript) call(ctx context.Context, fn string, c *engine.Client, env string) error {
	op := "script." + fn
	vm := otto.New()

	module, err := vm.Object(`({exports: {}})`)
	if err != nil {
		return merrors.Wrap(merrors.EInternal, op, err)
	}
	exports, _ := module.Get("exports")
	if err := vm.Set("module", module); err != nil {
		return merrors.Wrap(merrors.EInternal, op, err)
	}
	if err := vm.Set("exports", exports); err != nil {
		return merrors.Wrap(merrors.EInternal, op, err)
	}
	if err := s.installConsole(vm); err != nil {
		return merrors.Wrap(merrors.EInternal, op, err)
	}

	if _, err := vm.Run(s.program); err != nil {
		return &merrors.Error{Code: merrors.EInvalidOperation, Op: op, Msg: s.name, Err: err}
	}

	target, err := s.lookup(vm, module, fn)
	if err != nil {
		return err
	}

	jc := &jsClient{ctx: ctx, vm: vm, c: c}
	client, err := jc.object()
	if err != nil {
		return merrors.Wrap(merrors.EInternal, op, err)
	}

	if _, err := target.Call(otto.UndefinedValue(), client, env); err != nil {
		// keep the code of the client error that raised the exception
		if jc.err != nil {
			return &merrors.Error{Code: merrors.ErrorCode(jc.err), Op: op, Msg: s.name, Err: jc.err}
		}
		return &merrors.Error{Code: merrors.EInvalidOperation, Op: op, Msg: s.name, Err: err}
	}
	return nil
}

func (s *jsScript) lookup(vm *otto.Otto, module *otto.Object, fn string) (otto.Value, error) {
	if exports, err := module.Get("exports"); err == nil && exports.IsObject() {
		if v, err := exports.Object().Get(fn); err == nil && v.IsFunction() {
			return v, nil
		}
	}
	if v, err := vm.Get(fn); err == nil && v.IsFunction() {
		return v, nil
	}
	return otto.UndefinedValue(), merrors.New(merrors.EInvalidOperation, "%s does not define %s(client, env)", s.name, fn)
}

func (s *jsScript) installConsole(vm *otto.Otto) error {
	console, err := vm.Object(`({})`)
	if err != nil {
		return err
	}
	logf := func(level func(string, ...zap.Field)) func(otto.FunctionCall) otto.Value {
		return func(call otto.FunctionCall) otto.Value {
			args := make([]string, 0, len(call.ArgumentList))
			for _, a := range call.ArgumentList {
				args = append(args, a.String())
			}
			level("script", zap.Strings("args", args))
			return otto.UndefinedValue()
		}
	}
	if err := console.Set("log", logf(s.log.Info)); err != nil {
		return err
	}
	if err := console.Set("warn", logf(s.log.Warn)); err != nil {
		return err
	}
	if err := console.Set("error", logf(s.log.Error)); err != nil {
		return err
	}
	return vm.Set("console", console)
}

// jsClient exposes engine.Client to a VM. Errors are raised as JS
// exceptions; the Go error is kept so its code survives the round trip.
type jsClient struct {
	ctx context.Context
	vm  *otto.Otto
	c   *engine.Client
	err error
}

func (j *jsClient) throw(err error) {
	j.err = err
	panic(j.vm.MakeCustomError("MigrationError", err.Error()))
}

// export converts a JS value to a Go document with json.Number numbers.
func (j *jsClient) export(v otto.Value) interface{} {
	if v.IsUndefined() || v.IsNull() {
		return nil
	}
	s, err := j.vm.Call("JSON.stringify", nil, v)
	if err != nil {
		j.throw(merrors.Wrap(merrors.EInvalidOperation, "export", err))
	}
	doc, err := patch.Parse([]byte(s.String()))
	if err != nil {
		j.throw(err)
	}
	return doc
}

// value converts a Go document to a JS value.
func (j *jsClient) value(doc interface{}) (otto.Value, error) {
	if doc == nil {
		return otto.NullValue(), nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return otto.UndefinedValue(), err
	}
	return j.vm.Call("JSON.parse", nil, string(raw))
}

func (j *jsClient) transform(fn otto.Value) patch.TransformFunc {
	return func(current interface{}) (interface{}, error) {
		arg, err := j.value(current)
		if err != nil {
			return nil, err
		}
		res, err := fn.Call(otto.UndefinedValue(), arg)
		if err != nil {
			return nil, err
		}
		if res.IsUndefined() || res.IsNull() {
			return nil, nil
		}
		s, err := j.vm.Call("JSON.stringify", nil, res)
		if err != nil {
			return nil, err
		}
		return patch.Parse([]byte(s.String()))
	}
}

func (j *jsClient) object() (*otto.Object, error) {
	obj, err := j.vm.Object(`({})`)
	if err != nil {
		return nil, err
	}

	chain := func(fn func(call otto.FunctionCall)) func(otto.FunctionCall) otto.Value {
		return func(call otto.FunctionCall) otto.Value {
			fn(call)
			return call.This
		}
	}

	methods := map[string]func(otto.FunctionCall) otto.Value{
		"key": chain(func(call otto.FunctionCall) {
			j.c.Key(call.Argument(0).String())
		}),
		"val": chain(func(call otto.FunctionCall) {
			arg := call.Argument(0)
			if arg.IsFunction() {
				j.c.Val(j.transform(arg))
				return
			}
			j.c.Val(j.export(arg))
		}),
		"jsonpath": chain(func(call otto.FunctionCall) {
			j.c.JSONPath(call.Argument(0).String())
		}),
		"push": chain(func(call otto.FunctionCall) {
			j.c.Push(j.export(call.Argument(0)))
		}),
		"pop": chain(func(call otto.FunctionCall) {
			j.c.Pop()
		}),
		"splice": chain(func(call otto.FunctionCall) {
			index, err := call.Argument(1).ToInteger()
			if err != nil {
				j.throw(merrors.New(merrors.EInvalidOperation, "splice index: %v", err))
			}
			j.c.Splice(j.export(call.Argument(0)), int(index))
		}),
		"remove": chain(func(call otto.FunctionCall) {
			j.c.Remove()
		}),
		"callback": chain(func(call otto.FunctionCall) {
			fn := call.Argument(0)
			if !fn.IsFunction() {
				j.throw(merrors.New(merrors.EInvalidOperation, "callback is not a function"))
			}
			j.c.Callback(func(v string) {
				_, _ = fn.Call(otto.UndefinedValue(), v)
			})
		}),
		"save": func(call otto.FunctionCall) otto.Value {
			if err := j.c.Save(j.ctx); err != nil {
				j.throw(err)
			}
			return otto.UndefinedValue()
		},
		"drop": func(call otto.FunctionCall) otto.Value {
			if err := j.c.Drop(j.ctx); err != nil {
				j.throw(err)
			}
			return otto.UndefinedValue()
		},
		"get": func(call otto.FunctionCall) otto.Value {
			doc, err := j.c.Get(j.ctx, call.Argument(0).String())
			if err != nil {
				j.throw(err)
			}
			v, err := j.value(doc)
			if err != nil {
				j.throw(merrors.Wrap(merrors.EInternal, "get", err))
			}
			return v
		},
		"lookup": func(call otto.FunctionCall) otto.Value {
			res, err := j.c.Lookup(j.ctx, call.Argument(0).String(), call.Argument(1).String())
			if err != nil {
				j.throw(err)
			}
			if !res.Exists() {
				return otto.UndefinedValue()
			}
			v, err := j.vm.Call("JSON.parse", nil, res.Raw)
			if err != nil {
				j.throw(merrors.Wrap(merrors.EInternal, "lookup", err))
			}
			return v
		},
	}
	for name, fn := range methods {
		if err := obj.Set(name, fn); err != nil {
			return nil, err
		}
	}
	return obj, nil
}
