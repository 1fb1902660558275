package codec

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeValueTypes(t *testing.T) {
	date := time.Date(2020, 1, 16, 14, 32, 5, 123_000_000, time.UTC)

	tests := []struct {
		name     string
		native   any
		wantType string
		wantRaw  string
	}{
		{"string", "https://example.com/api/v1/zaken/123", TypeString, `"https://example.com/api/v1/zaken/123"`},
		{"numeric string stays string", "42", TypeString, `"42"`},
		{"int", 42, TypeInteger, `42`},
		{"wide int", 1 << 40, TypeLong, `1099511627776`},
		{"int64", int64(7), TypeLong, `7`},
		{"int32", int32(-3), TypeInteger, `-3`},
		{"float", 1.5, TypeDouble, `1.5`},
		{"bool", true, TypeBoolean, `true`},
		{"nil", nil, TypeNull, `null`},
		{"json number int", json.Number("123"), TypeInteger, `123`},
		{"json number float", json.Number("1.25"), TypeDouble, `1.25`},
		{"date", date, TypeDate, `"2020-01-16T14:32:05.123+0000"`},
		{"object", map[string]any{"jwt": "Bearer 12345"}, TypeJSON, `"{\"jwt\":\"Bearer 12345\"}"`},
		{"list", []any{"a", float64(1)}, TypeJSON, `"[\"a\",1]"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := EncodeValue(tt.native)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, v.Type)
			assert.JSONEq(t, tt.wantRaw, string(v.Value))
		})
	}
}

func TestEncodeValueUnencodable(t *testing.T) {
	type point struct{ X, Y int }

	tests := []struct {
		name   string
		native any
	}{
		{"struct", point{1, 2}},
		{"channel", make(chan int)},
		{"func", func() {}},
		{"int keyed map", map[int]string{1: "a"}},
		{"bytes", []byte("raw")},
		{"nan", math.NaN()},
		{"inf", math.Inf(1)},
		{"uint64 overflow", uint64(math.MaxUint64)},
		{"complex", complex(1, 2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeValue(tt.native)
			assert.ErrorIs(t, err, ErrUnencodableValue)
		})
	}
}

func TestDecodeValueTypes(t *testing.T) {
	tests := []struct {
		name string
		wire string
		want any
	}{
		{"string", `{"type":"String","value":"foo"}`, "foo"},
		{"integer", `{"type":"Integer","value":42}`, 42},
		{"long", `{"type":"Long","value":9007199254740993}`, int64(9007199254740993)},
		{"double", `{"type":"Double","value":2.5}`, 2.5},
		{"boolean", `{"type":"Boolean","value":false}`, false},
		{"null", `{"type":"Null","value":null}`, nil},
		{"typed null", `{"type":"String","value":null}`, nil},
		{"json", `{"type":"Json","value":"{\"ZRC\":{\"jwt\":\"Bearer 12345\"}}"}`,
			map[string]any{"ZRC": map[string]any{"jwt": "Bearer 12345"}}},
		{"date", `{"type":"Date","value":"2020-05-01T10:00:00.000+0200"}`,
			time.Date(2020, 5, 1, 8, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Value
			require.NoError(t, json.Unmarshal([]byte(tt.wire), &v))

			got, err := DecodeValue(v)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeValueErrors(t *testing.T) {
	_, err := DecodeValue(Value{Type: "Object", Value: json.RawMessage(`"rO0AB"`)})
	assert.ErrorIs(t, err, ErrUnsupportedVariableType)

	_, err = DecodeValue(Value{Type: "", Value: json.RawMessage(`1`)})
	assert.ErrorIs(t, err, ErrUnsupportedVariableType)

	_, err = DecodeValue(Value{Type: TypeInteger, Value: json.RawMessage(`"12"`)})
	assert.Error(t, err, "a string must not be read as a number")

	_, err = DecodeValue(Value{Type: TypeString, Value: json.RawMessage(`12`)})
	assert.Error(t, err, "a number must not be read as a string")

	_, err = DecodeValue(Value{Type: TypeInteger, Value: json.RawMessage(`4294967296`)})
	assert.Error(t, err, "Integer is 32 bits wide")

	_, err = DecodeValue(Value{Type: TypeDate, Value: json.RawMessage(`"yesterday"`)})
	assert.Error(t, err)

	_, err = DecodeValue(Value{Type: TypeJSON, Value: json.RawMessage(`"{not json"`)})
	assert.Error(t, err)
}

func TestJSONDocumentsKeepTheirType(t *testing.T) {
	tests := []struct {
		name string
		wire string
		want any
	}{
		{"string document", `"\"abc\""`, JSONScalar(`"abc"`)},
		{"number document", `"5"`, JSONScalar(`5`)},
		{"boolean document", `"true"`, JSONScalar(`true`)},
		{"null document", `"null"`, JSONScalar(`null`)},
		{"wide integer", `"{\"id\":9007199254740993}"`, map[string]any{"id": json.Number("9007199254740993")}},
		{"wide integer in array", `"[9007199254740993,1.5]"`, []any{json.Number("9007199254740993"), json.Number("1.5")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := Value{Type: TypeJSON, Value: json.RawMessage(tt.wire)}

			native, err := DecodeValue(w)
			require.NoError(t, err)
			assert.Equal(t, tt.want, native)

			again, err := EncodeValue(native)
			require.NoError(t, err)
			assert.Equal(t, TypeJSON, again.Type)
			assert.JSONEq(t, tt.wire, string(again.Value))
		})
	}
}

func TestDecodeJSONTrailingData(t *testing.T) {
	_, err := DecodeValue(Value{Type: TypeJSON, Value: json.RawMessage(`"{} {}"`)})
	assert.Error(t, err)

	_, err = EncodeValue(JSONScalar(`{not json`))
	assert.ErrorIs(t, err, ErrUnencodableValue)
}

func TestDecodeNamesFailingVariable(t *testing.T) {
	_, err := Decode(Variables{
		"ok":  {Type: TypeString, Value: json.RawMessage(`"x"`)},
		"bad": {Type: "Bytes", Value: json.RawMessage(`"AAE="`)},
	})
	require.ErrorIs(t, err, ErrUnsupportedVariableType)
	assert.Contains(t, err.Error(), `"bad"`)
}

func TestEncodeMatchesEngineCompletionBody(t *testing.T) {
	vars, err := Encode(map[string]any{
		"zaak": "https://example.com/api/v1/zaken/123",
		"foo":  42,
	})
	require.NoError(t, err)

	body, err := json.Marshal(vars)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"zaak": {"value": "https://example.com/api/v1/zaken/123", "type": "String"},
		"foo": {"value": 42, "type": "Integer"}
	}`, string(body))
}

func TestEncodeEmpty(t *testing.T) {
	vars, err := Encode(nil)
	require.NoError(t, err)
	assert.Empty(t, vars)

	native, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, native)
}
