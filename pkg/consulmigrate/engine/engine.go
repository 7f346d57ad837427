// Package engine turns patch requests into writes against the KV store.
//
// An Engine reads the current value of the target key, runs the patcher and
// hands the result to a Writer. The live writer holds the key's lock only for
// the write itself, never across a script.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/kv"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/patch"
)

// Output is the observable result of one Apply or Remove.
type Output struct {
	Key   string
	Value string
	// Previous is the value before the write, empty if the key was absent.
	Previous string
	Existed  bool
	Deleted  bool
}

// Recorder observes writes. metrics.Metrics satisfies it.
type Recorder interface {
	ObserveWrite(op string, err error)
}

type Option func(*Engine)

// WithRecorder reports every write to r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

// Engine applies patch requests through a Writer.
type Engine struct {
	w   Writer
	log *zap.Logger
	rec Recorder

	mu      sync.Mutex
	outputs []Output
}

// New создаёт движок поверх Writer.
// Вход: писатель (живой или пробный), логгер, опции.
// Выход: *Engine.
// Назначение: соединить patch и запись под блокировкой.
// New returns an engine writing through w.
func New(w Writer, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{w: w, log: log}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Writer returns the writer the engine writes through.
func (e *Engine) Writer() Writer { return e.w }

// Apply читает ключ, применяет операции и пишет результат под блокировкой.
// Вход: ctx, запрос.
// Выход: Output с прежним и новым значением или error.
// Apply executes req: whole-value requests are serialized directly, path
// requests are patched against the current document.
func (e *Engine) Apply(ctx context.Context, req *patch.Request) (Output, error) {
	if err := req.Validate(); err != nil {
		return Output{}, err
	}
	key := req.Key()
	raw, exists, err := e.w.Read(ctx, key)
	if err != nil {
		return Output{}, fmt.Errorf("read %s: %w", key, err)
	}

	var doc interface{}
	if req.Mode() == patch.ModePath {
		if doc, err = decode(raw, exists); err != nil {
			return Output{}, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	res, err := patch.Patch(doc, req.Operations())
	if err != nil {
		return Output{}, fmt.Errorf("patch %s: %w", key, err)
	}
	return e.commit(ctx, key, raw, exists, res)
}

// Remove выполняет обратную операцию: удаление ключа или пути.
// Remove reverses req. A whole-value request deletes the key. In path mode
// set, insert and delete remove their path, push and pop pop the array, and
// splice removes the element at its index.
func (e *Engine) Remove(ctx context.Context, req *patch.Request) (Output, error) {
	if err := req.Validate(); err != nil {
		return Output{}, err
	}
	key := req.Key()
	raw, exists, err := e.w.Read(ctx, key)
	if err != nil {
		return Output{}, fmt.Errorf("read %s: %w", key, err)
	}

	if req.Mode() == patch.ModeScalar {
		return e.commit(ctx, key, raw, exists, patch.Result{Deleted: true})
	}
	if !exists {
		e.log.Debug("Nothing to remove", zap.String("key", key))
		out := Output{Key: key}
		e.record(out)
		return out, nil
	}
	doc, err := decode(raw, exists)
	if err != nil {
		return Output{}, fmt.Errorf("decode %s: %w", key, err)
	}
	res, err := patch.Patch(doc, reverse(req.Operations()))
	if err != nil {
		return Output{}, fmt.Errorf("patch %s: %w", key, err)
	}
	return e.commit(ctx, key, raw, exists, res)
}

func reverse(ops []patch.Operation) []patch.Operation {
	out := make([]patch.Operation, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case patch.KindPush, patch.KindPop:
			out = append(out, patch.Pop(op.Path, 1))
		case patch.KindSplice:
			out = append(out, patch.Delete(fmt.Sprintf("%s[%d]", op.Path, op.Index)))
		default:
			out = append(out, patch.Delete(op.Path))
		}
	}
	return out
}

func (e *Engine) commit(ctx context.Context, key string, raw []byte, exists bool, res patch.Result) (Output, error) {
	out := Output{Key: key, Existed: exists}
	if exists {
		out.Previous = string(raw)
	}

	var err error
	if res.Deleted {
		out.Deleted = true
		err = e.w.Delete(ctx, key)
		e.observe("delete", err)
	} else {
		out.Value = res.Serialized
		err = e.w.Write(ctx, key, []byte(res.Serialized))
		e.observe("write", err)
	}
	if err != nil {
		return Output{}, fmt.Errorf("write %s: %w", key, err)
	}
	e.log.Debug("Key updated", zap.String("key", key), zap.Bool("deleted", out.Deleted))
	e.record(out)
	return out, nil
}

// WriteMany writes several whole values under one lock.
func (e *Engine) WriteMany(ctx context.Context, muts []kv.Mutation) error {
	prev := make(map[string]Output, len(muts))
	for _, m := range muts {
		raw, exists, err := e.w.Read(ctx, m.Key)
		if err != nil {
			return fmt.Errorf("read %s: %w", m.Key, err)
		}
		prev[m.Key] = Output{Key: m.Key, Existed: exists, Previous: string(raw)}
	}

	err := e.w.WriteMany(ctx, muts)
	e.observe("write_many", err)

	committed := len(muts)
	var pe *kv.PartialWriteError
	if errors.As(err, &pe) {
		committed = len(pe.Committed)
	} else if err != nil {
		committed = 0
	}
	for _, m := range muts[:committed] {
		out := prev[m.Key]
		out.Deleted = m.Delete
		if !m.Delete {
			out.Value = string(m.Value)
		}
		e.record(out)
	}
	return err
}

func (e *Engine) observe(op string, err error) {
	if e.rec != nil {
		e.rec.ObserveWrite(op, err)
	}
}

func (e *Engine) record(o Output) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs = append(e.outputs, o)
}

// Output returns the most recent output.
func (e *Engine) Output() (Output, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.outputs) == 0 {
		return Output{}, false
	}
	return e.outputs[len(e.outputs)-1], true
}

// Outputs returns every output since the last Reset, oldest first.
func (e *Engine) Outputs() []Output {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Output(nil), e.outputs...)
}

// Reset clears the output history.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs = nil
}

// decode parses a stored value. Absent and blank values are an empty
// document.
func decode(raw []byte, exists bool) (interface{}, error) {
	if !exists || len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, &merrors.Error{Code: merrors.ENotJSON, Op: "engine.decode", Msg: "stored value is not JSON"}
	}
	return patch.Parse(raw)
}
