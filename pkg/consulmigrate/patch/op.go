package patch

import (
	"fmt"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

// Kind identifies a PathOperation.
type Kind int

const (
	// KindSetScalar replaces the whole value of the key.
	KindSetScalar Kind = iota
	// KindSet sets the value at a path, creating missing containers.
	KindSet
	// KindInsert sets the value at a path only if nothing is there yet.
	KindInsert
	// KindPush appends to the array at a path.
	KindPush
	// KindPop removes trailing elements from the array at a path.
	KindPop
	// KindSplice inserts into the array at a path at a given index.
	KindSplice
	// KindDelete removes the value at a path.
	KindDelete
	// KindDeleteKey removes the whole key.
	KindDeleteKey
)

var kindNames = map[Kind]string{
	KindSetScalar: "set-scalar",
	KindSet:       "set",
	KindInsert:    "insert",
	KindPush:      "push",
	KindPop:       "pop",
	KindSplice:    "splice",
	KindDelete:    "delete",
	KindDeleteKey: "delete-key",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Scalar reports whether the kind operates on the whole value of a key.
func (k Kind) Scalar() bool {
	return k == KindSetScalar || k == KindDeleteKey
}

// TransformFunc computes a new value from the current one. It receives nil
// when nothing exists at the path.
type TransformFunc func(current interface{}) (interface{}, error)

// Operation is one structured edit. Build it with the constructors below.
type Operation struct {
	Kind      Kind
	Path      string
	Value     interface{}
	Transform TransformFunc
	Count     int
	Index     int
}

func (o Operation) String() string {
	if o.Kind.Scalar() {
		return o.Kind.String()
	}
	return o.Kind.String() + " " + o.Path
}

// SetScalar заменяет всё значение ключа.
// Вход: новое значение.
// Выход: Operation скалярного режима.
// SetScalar replaces the whole value of a key.
func SetScalar(v interface{}) Operation { return Operation{Kind: KindSetScalar, Value: v} }

// Set записывает значение по пути, создавая недостающие контейнеры.
// Вход: путь, значение.
// Выход: Operation.
// Set writes v at path, creating missing containers on the way.
func Set(path string, v interface{}) Operation { return Operation{Kind: KindSet, Path: path, Value: v} }

// SetFunc записывает результат функции от текущего значения.
// SetFunc writes fn(current) at path; current is nil when absent.
func SetFunc(path string, fn TransformFunc) Operation {
	return Operation{Kind: KindSet, Path: path, Transform: fn}
}

// Insert записывает значение, только если по пути ничего нет.
// Insert writes v at path only when nothing exists there.
func Insert(path string, v interface{}) Operation {
	return Operation{Kind: KindInsert, Path: path, Value: v}
}

// Push добавляет элемент в конец массива.
// Вход: путь к массиву, значение.
// Выход: Operation; отсутствующий массив будет создан.
// Push appends v to the array at path, creating the array when absent.
func Push(path string, v interface{}) Operation { return Operation{Kind: KindPush, Path: path, Value: v} }

// Pop удаляет последние элементы массива.
// Pop removes count trailing elements; count <= 0 means 1.
func Pop(path string, count int) Operation {
	return Operation{Kind: KindPop, Path: path, Count: count}
}

// Splice вставляет элемент в массив по индексу.
// Вход: путь к массиву, значение, индекс (отрицательный считается с конца).
// Выход: Operation; индекс ограничивается границами массива.
// Splice inserts v into the array at path before index. A negative index
// counts from the end and the index is clamped to the array bounds.
func Splice(path string, v interface{}, index int) Operation {
	return Operation{Kind: KindSplice, Path: path, Value: v, Index: index}
}

// Delete удаляет значение по пути; отсутствующий путь не ошибка.
// Delete removes the value at path. A missing path is a no-op.
func Delete(path string) Operation { return Operation{Kind: KindDelete, Path: path} }

// DeleteKey удаляет ключ целиком.
// DeleteKey removes the whole key.
func DeleteKey() Operation { return Operation{Kind: KindDeleteKey} }

// Mode tells whether a request edits the whole value or paths inside it.
type Mode int

const (
	ModeEmpty Mode = iota
	ModeScalar
	ModePath
)

// Request groups the target key and the ordered operations for it.
type Request struct {
	key        string
	operations []Operation
}

// NewRequest создаёт запрос для ключа.
// NewRequest returns a request for key with the given operations.
func NewRequest(key string, ops ...Operation) *Request {
	return &Request{key: key, operations: ops}
}

// Key returns the target key.
func (r *Request) Key() string { return r.key }

// SetKey sets the target key. It may be called once.
func (r *Request) SetKey(key string) error {
	if r.key != "" {
		return merrors.New(merrors.EInvalidOperation, "key already set to %q", r.key)
	}
	if key == "" {
		return merrors.New(merrors.EInvalidOperation, "key is empty")
	}
	r.key = key
	return nil
}

// Add appends operations in declaration order.
func (r *Request) Add(ops ...Operation) *Request {
	r.operations = append(r.operations, ops...)
	return r
}

// Operations returns the operations in declaration order.
func (r *Request) Operations() []Operation {
	return append([]Operation(nil), r.operations...)
}

// Mode reports whether the request is scalar or path based. It does not
// validate; use Validate for that.
func (r *Request) Mode() Mode {
	if len(r.operations) == 0 {
		return ModeEmpty
	}
	if r.operations[0].Kind.Scalar() {
		return ModeScalar
	}
	return ModePath
}

// Validate checks the request invariants: a key is set, there is at least
// one operation, and scalar and path operations are not mixed.
func (r *Request) Validate() error {
	if r.key == "" {
		return merrors.New(merrors.EInvalidOperation, "request has no key")
	}
	if len(r.operations) == 0 {
		return merrors.New(merrors.EInvalidOperation, "request for %q has no operations", r.key)
	}
	scalar := 0
	for _, op := range r.operations {
		if op.Kind.Scalar() {
			scalar++
		} else if _, err := ParsePath(op.Path); err != nil {
			return err
		}
	}
	if scalar > 0 && scalar != len(r.operations) {
		return merrors.New(merrors.EInvalidOperation, "request for %q mixes whole-value and path operations", r.key)
	}
	return nil
}
