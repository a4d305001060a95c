package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ErrCycle is returned when a value refers to itself
var ErrCycle = errors.New("cannot canonicalize value with circular reference")

// Canonicalize renders v as key-sorted, type-stable JSON. Integral numbers are
// printed without a fraction, nil and non-finite numbers become null, and
// structs are encoded through their JSON tags first.
func Canonicalize(v any) (string, error) {
	var buf bytes.Buffer
	w := &canonicalWriter{buf: &buf, seen: map[uintptr]bool{}}
	if err := w.write(reflect.ValueOf(v)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// PromptHash returns the hex SHA-256 of the canonical form of v
func PromptHash(v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// Key builds the scope-qualified cache key for a call
func Key(scope string, stage int, ticker, purpose, hash string) string {
	return strings.Join([]string{scope, strconv.Itoa(stage), strings.ToUpper(ticker), purpose, hash}, ":")
}

type canonicalWriter struct {
	buf  *bytes.Buffer
	seen map[uintptr]bool
}

func (w *canonicalWriter) write(v reflect.Value) error {
	if !v.IsValid() {
		w.buf.WriteString("null")
		return nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			w.buf.WriteString("null")
			return nil
		}
		return w.write(v.Elem())

	case reflect.Pointer:
		if v.IsNil() {
			w.buf.WriteString("null")
			return nil
		}
		return w.guard(v.Pointer(), func() error { return w.write(v.Elem()) })

	case reflect.Map:
		if v.IsNil() {
			w.buf.WriteString("null")
			return nil
		}
		return w.guard(v.Pointer(), func() error { return w.writeMap(v) })

	case reflect.Slice:
		if v.IsNil() {
			w.buf.WriteString("null")
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return w.writeJSON(v.Interface())
		}
		return w.guard(v.Pointer(), func() error { return w.writeList(v) })

	case reflect.Array:
		return w.writeList(v)

	case reflect.Struct:
		return w.writeStruct(v)

	case reflect.Bool:
		w.buf.WriteString(strconv.FormatBool(v.Bool()))
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		w.buf.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		w.buf.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil

	case reflect.Float32, reflect.Float64:
		w.writeFloat(v.Float(), v.Type().Bits())
		return nil

	case reflect.String:
		if v.Type() == reflect.TypeOf(json.Number("")) {
			f, err := strconv.ParseFloat(v.String(), 64)
			if err != nil {
				return fmt.Errorf("invalid number %q: %w", v.String(), err)
			}
			w.writeFloat(f, 64)
			return nil
		}
		return w.writeJSON(v.String())

	default:
		// funcs and channels have no JSON form
		w.buf.WriteString("null")
		return nil
	}
}

func (w *canonicalWriter) guard(ptr uintptr, fn func() error) error {
	if ptr != 0 {
		if w.seen[ptr] {
			return ErrCycle
		}
		w.seen[ptr] = true
		defer delete(w.seen, ptr)
	}
	return fn()
}

func (w *canonicalWriter) writeFloat(f float64, bits int) {
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		w.buf.WriteString("null")
	case f == math.Trunc(f) && math.Abs(f) < 1e15:
		w.buf.WriteString(strconv.FormatInt(int64(f), 10))
	default:
		w.buf.WriteString(strconv.FormatFloat(f, 'g', -1, bits))
	}
}

func (w *canonicalWriter) writeMap(v reflect.Value) error {
	type entry struct {
		key string
		val reflect.Value
	}
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key()
		var key string
		if k.Kind() == reflect.String {
			key = k.String()
		} else {
			key = fmt.Sprint(k.Interface())
		}
		entries = append(entries, entry{key: key, val: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	w.buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		if err := w.writeJSON(e.key); err != nil {
			return err
		}
		w.buf.WriteByte(':')
		if err := w.write(e.val); err != nil {
			return err
		}
	}
	w.buf.WriteByte('}')
	return nil
}

func (w *canonicalWriter) writeList(v reflect.Value) error {
	w.buf.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		if err := w.write(v.Index(i)); err != nil {
			return err
		}
	}
	w.buf.WriteByte(']')
	return nil
}

// writeStruct round-trips through encoding/json so tags and custom
// marshalers apply, then canonicalizes the generic result.
func (w *canonicalWriter) writeStruct(v reflect.Value) error {
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", v.Type(), err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("failed to decode %s: %w", v.Type(), err)
	}
	return w.write(reflect.ValueOf(generic))
}

func (w *canonicalWriter) writeJSON(v any) error {
	enc := json.NewEncoder(w.buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	// Encoder appends a newline
	w.buf.Truncate(w.buf.Len() - 1)
	return nil
}
