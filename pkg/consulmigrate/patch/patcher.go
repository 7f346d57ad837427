// Package patch applies ordered structured edits to JSON-like documents.
//
// It is pure: no I/O, and input documents are never mutated. Paths are walked
// segment by segment; missing containers are synthesized for operations that
// create values.
package patch

import (
	"fmt"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

// Result is the outcome of Patch.
type Result struct {
	// Document is the patched document, or the new scalar in scalar mode.
	Document interface{}
	// Serialized is the string form to write back.
	Serialized string
	// Deleted is set when the operations remove the whole key.
	Deleted bool
}

// Patch применяет операции к документу и сериализует результат.
// Вход: текущий документ (nil, если ключа нет), операции по порядку.
// Выход: Result или ошибка ETypeMismatch/ENotAnArray/EInvalidOperation.
// Назначение: чистая функция без ввода-вывода.
// Patch applies ops to doc. Scalar operations (SetScalar, DeleteKey) replace
// the whole value; path operations run through Apply. Mixing both fails with
// EInvalidOperation.
func Patch(doc interface{}, ops []Operation) (Result, error) {
	if len(ops) == 0 {
		return Result{}, merrors.New(merrors.EInvalidOperation, "no operations")
	}
	if ops[0].Kind.Scalar() {
		var res Result
		for _, op := range ops {
			switch op.Kind {
			case KindSetScalar:
				s, err := SerializeScalar(op.Value)
				if err != nil {
					return Result{}, err
				}
				res = Result{Document: op.Value, Serialized: s}
			case KindDeleteKey:
				res = Result{Deleted: true}
			default:
				return Result{}, mixedModes()
			}
		}
		return res, nil
	}

	out, err := Apply(doc, ops)
	if err != nil {
		return Result{}, err
	}
	s, err := Serialize(out)
	if err != nil {
		return Result{}, err
	}
	return Result{Document: out, Serialized: s}, nil
}

// Apply применяет операции по порядку, не изменяя входной документ.
// Apply runs path operations against a copy of doc in declaration order;
// later operations see the effects of earlier ones.
func Apply(doc interface{}, ops []Operation) (interface{}, error) {
	root := Clone(doc)
	for _, op := range ops {
		if op.Kind.Scalar() {
			return nil, mixedModes()
		}
		path, err := ParsePath(op.Path)
		if err != nil {
			return nil, err
		}
		w := walker{op: op, path: path}
		next, keep, err := w.walk(root, root != nil, 0)
		if err != nil {
			return nil, err
		}
		if keep {
			root = next
		} else {
			root = nil
		}
	}
	return root, nil
}

func mixedModes() error {
	return &merrors.Error{
		Code: merrors.EInvalidOperation,
		Op:   "patch.Apply",
		Msg:  "whole-value and path operations cannot be mixed",
	}
}

type walker struct {
	op   Operation
	path Path
}

func (w walker) creates() bool {
	switch w.op.Kind {
	case KindSet, KindInsert, KindPush, KindSplice:
		return true
	}
	return false
}

func (w walker) fail(code string, depth int, format string, args ...interface{}) error {
	return &merrors.Error{
		Code: code,
		Op:   "patch." + w.op.Kind.String(),
		Msg:  fmt.Sprintf("at %s: ", w.path[:depth]) + fmt.Sprintf(format, args...),
	}
}

// walk returns the replacement for node. keep=false means the parent should
// drop the entry.
func (w walker) walk(node interface{}, exists bool, depth int) (interface{}, bool, error) {
	if depth == len(w.path) {
		return w.leaf(node, exists, depth)
	}
	seg := w.path[depth]

	if node == nil {
		if !w.creates() {
			return node, exists, nil
		}
		if seg.Bracket && seg.Numeric {
			node = []interface{}{}
		} else {
			node = map[string]interface{}{}
		}
	}

	switch t := node.(type) {
	case map[string]interface{}:
		child, ok := t[seg.Key]
		next, keep, err := w.walk(child, ok, depth+1)
		if err != nil {
			return nil, false, err
		}
		if keep {
			t[seg.Key] = next
		} else {
			delete(t, seg.Key)
		}
		return t, true, nil

	case []interface{}:
		if !seg.Numeric {
			return nil, false, w.fail(merrors.ETypeMismatch, depth, "expected object for key %q, found array", seg.Key)
		}
		idx := seg.Index
		if idx < 0 {
			idx += len(t)
		}
		if idx < 0 {
			return nil, false, w.fail(merrors.EInvalidOperation, depth, "index %d out of range", seg.Index)
		}
		if idx >= len(t) {
			if !w.creates() {
				return t, true, nil
			}
			for len(t) <= idx {
				t = append(t, nil)
			}
			next, keep, err := w.walk(nil, false, depth+1)
			if err != nil {
				return nil, false, err
			}
			if keep {
				t[idx] = next
			} else {
				t = t[:idx]
			}
			return t, true, nil
		}
		next, keep, err := w.walk(t[idx], true, depth+1)
		if err != nil {
			return nil, false, err
		}
		if keep {
			t[idx] = next
		} else {
			t = append(t[:idx], t[idx+1:]...)
		}
		return t, true, nil
	}

	return nil, false, w.fail(merrors.ETypeMismatch, depth, "expected container, found %s", kindOf(node))
}

func (w walker) leaf(node interface{}, exists bool, depth int) (interface{}, bool, error) {
	switch w.op.Kind {
	case KindSet:
		v := w.op.Value
		if w.op.Transform != nil {
			var cur interface{}
			if exists {
				cur = Clone(node)
			}
			out, err := w.op.Transform(cur)
			if err != nil {
				return nil, false, &merrors.Error{Code: merrors.EInvalidOperation, Op: "patch.set", Msg: "transform at " + w.path.String(), Err: err}
			}
			v = out
		}
		n, err := Normalize(v)
		return n, true, err

	case KindInsert:
		if exists {
			return node, true, nil
		}
		n, err := Normalize(w.op.Value)
		return n, true, err

	case KindPush:
		v, err := Normalize(w.op.Value)
		if err != nil {
			return nil, false, err
		}
		if node == nil {
			return []interface{}{v}, true, nil
		}
		arr, ok := node.([]interface{})
		if !ok {
			return nil, false, w.fail(merrors.ENotAnArray, depth, "found %s", kindOf(node))
		}
		return append(arr, v), true, nil

	case KindPop:
		if node == nil {
			return node, exists, nil
		}
		arr, ok := node.([]interface{})
		if !ok {
			return nil, false, w.fail(merrors.ENotAnArray, depth, "found %s", kindOf(node))
		}
		n := w.op.Count
		if n <= 0 {
			n = 1
		}
		if n > len(arr) {
			n = len(arr)
		}
		return arr[:len(arr)-n], true, nil

	case KindSplice:
		v, err := Normalize(w.op.Value)
		if err != nil {
			return nil, false, err
		}
		if node == nil {
			return []interface{}{v}, true, nil
		}
		arr, ok := node.([]interface{})
		if !ok {
			return nil, false, w.fail(merrors.ENotAnArray, depth, "found %s", kindOf(node))
		}
		idx := w.op.Index
		if idx < 0 {
			idx += len(arr)
		}
		if idx < 0 {
			idx = 0
		}
		if idx > len(arr) {
			idx = len(arr)
		}
		out := make([]interface{}, 0, len(arr)+1)
		out = append(out, arr[:idx]...)
		out = append(out, v)
		out = append(out, arr[idx:]...)
		return out, true, nil

	case KindDelete:
		return nil, false, nil
	}
	return nil, false, mixedModes()
}
