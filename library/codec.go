// Package library wraps encoding/gob with a registration-time sanity check
// for the framed wire messages exchanged between cache machines. Gob skips
// unexported fields silently, which turns a lower-case struct field into a
// message that decodes to its zero value on the far side; Register catches
// that class of mistake once per type instead of at 3am in production logs.
package library

import (
	"encoding/gob"
	"io"
	"reflect"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

var (
	mu      sync.Mutex
	checked map[reflect.Type]bool
)

// Register checks the value's type for unexported fields and registers it
// with gob for interface-typed wire fields.
func Register(value any) {
	checkValue(value)
	gob.Register(value)
}

// Encoder writes wire frames onto a stream.
type Encoder struct {
	gob *gob.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{gob: gob.NewEncoder(w)}
}

func (e *Encoder) Encode(frame any) error {
	checkValue(frame)
	return e.gob.Encode(frame)
}

// Decoder reads wire frames off a stream. Decode returns io.EOF when the
// peer half-closes cleanly between frames and io.ErrUnexpectedEOF when the
// stream is cut mid-frame.
type Decoder struct {
	gob *gob.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{gob: gob.NewDecoder(r)}
}

func (d *Decoder) Decode(frame any) error {
	checkValue(frame)
	return d.gob.Decode(frame)
}

func checkValue(v any) {
	if v == nil {
		return
	}
	checkType(reflect.TypeOf(v))
}

func checkType(t reflect.Type) {
	mu.Lock()
	if checked == nil {
		checked = map[reflect.Type]bool{}
	}
	if checked[t] {
		mu.Unlock()
		return
	}
	checked[t] = true
	mu.Unlock()

	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			first, _ := utf8.DecodeRuneInString(field.Name)
			if unicode.IsLower(first) {
				log.Warn().Msgf(
					"wire codec: lower-case field %s of %s will be dropped by gob",
					field.Name, t.Name())
			}
			checkType(field.Type)
		}
	case reflect.Map:
		checkType(t.Key())
		checkType(t.Elem())
	case reflect.Array, reflect.Slice, reflect.Ptr:
		checkType(t.Elem())
	}
}
