package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

// Documents are generic trees of map[string]interface{}, []interface{},
// json.Number, string, bool and nil.

// Parse разбирает JSON с числами json.Number.
// Выход: документ или ENotJSON.
// Parse decodes raw into a document. Numbers stay json.Number so nothing is
// lost on the way back out.
func Parse(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, &merrors.Error{Code: merrors.ENotJSON, Op: "patch.Parse", Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &merrors.Error{Code: merrors.ENotJSON, Op: "patch.Parse", Msg: "trailing data after document"}
	}
	return doc, nil
}

// Serialize выводит документ как JSON с отступом в два пробела.
// Serialize renders a document as two-space indented JSON.
func Serialize(doc interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return "", &merrors.Error{Code: merrors.EInvalidOperation, Op: "patch.Serialize", Err: err}
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// SerializeScalar renders a whole-value write. Strings and byte slices are
// written verbatim, nil becomes the empty string, anything else is JSON.
func SerializeScalar(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case json.Number:
		return t.String(), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	return Serialize(v)
}

// Normalize converts an arbitrary Go value into the generic document form so
// later operations can walk into it.
func Normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, string, bool, json.Number:
		return t, nil
	case map[string]interface{}, []interface{}:
		return Clone(t), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &merrors.Error{Code: merrors.EInvalidOperation, Op: "patch.Normalize", Err: err}
	}
	return Parse(raw)
}

// Clone deep-copies a document.
func Clone(doc interface{}) interface{} {
	switch t := doc.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			out[k] = Clone(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, v := range t {
			out[i] = Clone(v)
		}
		return out
	}
	return doc
}

func kindOf(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, int, int64:
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
