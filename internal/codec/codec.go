package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"
	"time"
)

// Wire type tags understood by the engine.
const (
	TypeString  = "String"
	TypeInteger = "Integer"
	TypeLong    = "Long"
	TypeDouble  = "Double"
	TypeBoolean = "Boolean"
	TypeNull    = "Null"
	TypeDate    = "Date"
	TypeJSON    = "Json"
)

// DateLayout is the engine's serialization format for Date variables.
const DateLayout = "2006-01-02T15:04:05.000-0700"

var (
	// ErrUnsupportedVariableType is returned when decoding a type tag the codec
	// does not know.
	ErrUnsupportedVariableType = errors.New("unsupported variable type")

	// ErrUnencodableValue is returned when a native value has no wire type.
	ErrUnencodableValue = errors.New("unencodable value")
)

var jsonNull = json.RawMessage("null")

// Value is a single typed variable on the wire.
type Value struct {
	Type      string          `json:"type"`
	Value     json.RawMessage `json:"value"`
	ValueInfo map[string]any  `json:"valueInfo,omitempty"`
}

// JSONScalar is a Json variable whose document is a bare string, number,
// boolean or null. It holds the document verbatim and encodes back to Json,
// so it never turns into the primitive type of the same shape.
type JSONScalar json.RawMessage

// Variables maps variable names to their wire values.
type Variables map[string]Value

// Decode converts wire variables into native values.
func Decode(vars Variables) (map[string]any, error) {
	out := make(map[string]any, len(vars))
	for name, v := range vars {
		native, err := DecodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("decode variable %q: %w", name, err)
		}
		out[name] = native
	}
	return out, nil
}

// Encode converts native values into wire variables.
func Encode(vars map[string]any) (Variables, error) {
	out := make(Variables, len(vars))
	for name, native := range vars {
		v, err := EncodeValue(native)
		if err != nil {
			return nil, fmt.Errorf("encode variable %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// DecodeValue converts one wire value into its native representation:
// Integer→int, Long→int64, Double→float64, Boolean→bool, String→string,
// Date→time.Time (UTC), Null→nil. Json objects and arrays decode to
// map[string]any and []any with numbers kept as json.Number; any other Json
// document decodes to a JSONScalar.
func DecodeValue(v Value) (any, error) {
	switch v.Type {
	case TypeString, TypeInteger, TypeLong, TypeDouble, TypeBoolean, TypeDate, TypeJSON:
	case TypeNull:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVariableType, v.Type)
	}

	// A typed variable may still carry a null value.
	if len(v.Value) == 0 || bytes.Equal(bytes.TrimSpace(v.Value), jsonNull) {
		return nil, nil
	}

	switch v.Type {
	case TypeString:
		var s string
		return unmarshalAs(v, &s)
	case TypeBoolean:
		var b bool
		return unmarshalAs(v, &b)
	case TypeInteger:
		var n int32
		if _, err := unmarshalAs(v, &n); err != nil {
			return nil, err
		}
		return int(n), nil
	case TypeLong:
		var n int64
		return unmarshalAs(v, &n)
	case TypeDouble:
		var f float64
		return unmarshalAs(v, &f)
	case TypeDate:
		var s string
		if _, err := unmarshalAs(v, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(DateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("parse %s value %q: %w", v.Type, s, err)
		}
		return t.UTC(), nil
	default: // TypeJSON
		var doc string
		if _, err := unmarshalAs(v, &doc); err != nil {
			return nil, err
		}
		out, err := parseDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("parse %s document: %w", v.Type, err)
		}
		return out, nil
	}
}

// parseDocument reads exactly one JSON value from doc. Numbers stay
// json.Number so wide integers survive the trip back to the engine.
func parseDocument(doc string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()

	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after document")
	}

	switch out.(type) {
	case map[string]any, []any:
		return out, nil
	default:
		return JSONScalar(doc), nil
	}
}

// unmarshalAs decodes the raw value into dst and returns the pointed-to value.
func unmarshalAs[T any](v Value, dst *T) (any, error) {
	if err := json.Unmarshal(v.Value, dst); err != nil {
		return nil, fmt.Errorf("parse %s value: %w", v.Type, err)
	}
	return *dst, nil
}

// EncodeValue converts a native value into a typed wire value. Ints that fit
// in 32 bits are sent as Integer, wider ones as Long. Maps with string keys
// and slices are sent as Json documents.
func EncodeValue(native any) (Value, error) {
	switch x := native.(type) {
	case nil:
		return Value{Type: TypeNull, Value: jsonNull}, nil
	case string:
		return marshalAs(TypeString, x)
	case bool:
		return marshalAs(TypeBoolean, x)
	case int:
		return encodeInt(int64(x))
	case int8:
		return marshalAs(TypeInteger, x)
	case int16:
		return marshalAs(TypeInteger, x)
	case int32:
		return marshalAs(TypeInteger, x)
	case int64:
		return marshalAs(TypeLong, x)
	case uint8:
		return marshalAs(TypeInteger, x)
	case uint16:
		return marshalAs(TypeInteger, x)
	case uint32:
		return marshalAs(TypeLong, x)
	case uint:
		return encodeUint(uint64(x))
	case uint64:
		return encodeUint(x)
	case float32:
		return encodeFloat(float64(x))
	case float64:
		return encodeFloat(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return encodeInt(n)
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %q", ErrUnencodableValue, x.String())
		}
		return encodeFloat(f)
	case time.Time:
		return marshalAs(TypeDate, x.UTC().Format(DateLayout))
	case JSONScalar:
		if !json.Valid(x) {
			return Value{}, fmt.Errorf("%w: malformed Json document", ErrUnencodableValue)
		}
		return marshalAs(TypeJSON, string(x))
	case []byte:
		return Value{}, fmt.Errorf("%w: raw bytes", ErrUnencodableValue)
	}

	rv := reflect.ValueOf(native)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("%w: map keyed by %s", ErrUnencodableValue, rv.Type().Key())
		}
	case reflect.Slice, reflect.Array:
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnencodableValue, native)
	}

	doc, err := json.Marshal(native)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrUnencodableValue, err)
	}
	return marshalAs(TypeJSON, string(doc))
}

func encodeInt(n int64) (Value, error) {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		return marshalAs(TypeInteger, n)
	}
	return marshalAs(TypeLong, n)
}

func encodeUint(n uint64) (Value, error) {
	if n > math.MaxInt64 {
		return Value{}, fmt.Errorf("%w: %d overflows Long", ErrUnencodableValue, n)
	}
	return encodeInt(int64(n))
}

func encodeFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: non-finite number", ErrUnencodableValue)
	}
	return marshalAs(TypeDouble, f)
}

func marshalAs(typ string, v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrUnencodableValue, err)
	}
	return Value{Type: typ, Value: raw}, nil
}
