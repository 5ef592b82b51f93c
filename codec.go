// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Codec serializes envelopes and result records.
//
// Argument and result values are trees of nil, bool, int64, float64,
// string, []interface{} and map[string]interface{}. EncodeValue prepares
// such a tree for Marshal; DecodeValue turns whatever Unmarshal produced
// back into the canonical types. Round trips must be lossless.
type Codec interface {
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	EncodeValue(v interface{}) (interface{}, error)
	DecodeValue(v interface{}) (interface{}, error)
}

// NewCodec returns the codec with the given name ("json" or "cbor").
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	}
	return nil, errors.Errorf("cabbage: unknown codec %q", name)
}

// JSONCodec is the default codec.
//
// Floats are always written with a fraction or exponent so that 6.0
// comes back as float64 and 6 comes back as int64.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func (JSONCodec) EncodeValue(v interface{}) (interface{}, error) {
	return normalizeValue(v, func(f float64) (interface{}, error) {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errors.Errorf("unsupported float value %v", f)
		}
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return json.Number(s), nil
	})
}

func (JSONCodec) DecodeValue(v interface{}) (interface{}, error) {
	return normalizeValue(v, nil)
}

// CBORCodec serializes with deterministic CBOR (RFC 8949).
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec creates a CBOR codec with canonical encoding. Decoding
// rejects duplicate map keys.
func NewCBORCodec() (*CBORCodec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBORCodec{enc: em, dec: dm}, nil
}

func (c *CBORCodec) Name() string { return "cbor" }

func (c *CBORCodec) Marshal(v interface{}) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBORCodec) Unmarshal(data []byte, v interface{}) error {
	return c.dec.Unmarshal(data, v)
}

func (c *CBORCodec) EncodeValue(v interface{}) (interface{}, error) {
	return normalizeValue(v, nil)
}

func (c *CBORCodec) DecodeValue(v interface{}) (interface{}, error) {
	return normalizeValue(v, nil)
}

// normalizeValue converts v into the canonical value tree. floatFn, if
// not nil, replaces float64 leaves.
func normalizeValue(v interface{}, floatFn func(float64) (interface{}, error)) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintValue(x)
	case float32:
		return floatValue(float64(x), floatFn)
	case float64:
		return floatValue(x, floatFn)
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, nil
			}
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.Errorf("invalid number %q", s)
		}
		return floatValue(f, floatFn)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, elem := range x {
			nv, err := normalizeValue(elem, floatFn)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, elem := range x {
			nv, err := normalizeValue(elem, floatFn)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, elem := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, errors.Errorf("unsupported map key type %T", k)
			}
			nv, err := normalizeValue(elem, floatFn)
			if err != nil {
				return nil, err
			}
			out[ks] = nv
		}
		return out, nil
	}

	// Typed slices and maps, e.g. []int or map[string]string
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, errors.New("unsupported value type []byte")
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			nv, err := normalizeValue(rv.Index(i).Interface(), floatFn)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, errors.Errorf("unsupported map key type %v", rv.Type().Key())
		}
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			nv, err := normalizeValue(iter.Value().Interface(), floatFn)
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = nv
		}
		return out, nil
	}
	return nil, errors.Errorf("unsupported value type %T", v)
}

func uintValue(u uint64) (interface{}, error) {
	if u > math.MaxInt64 {
		return nil, errors.Errorf("integer %d overflows int64", u)
	}
	return int64(u), nil
}

func floatValue(f float64, floatFn func(float64) (interface{}, error)) (interface{}, error) {
	if floatFn != nil {
		return floatFn(f)
	}
	return f, nil
}

// encodeArgs prepares a list of positional arguments for c.
func encodeArgs(c Codec, args []interface{}) ([]interface{}, error) {
	if args == nil {
		return nil, nil
	}
	v, err := c.EncodeValue(args)
	if err != nil {
		return nil, err
	}
	return v.([]interface{}), nil
}

// decodeArgs normalizes a list of positional arguments produced by c.
func decodeArgs(c Codec, args []interface{}) ([]interface{}, error) {
	if args == nil {
		return nil, nil
	}
	v, err := c.DecodeValue(args)
	if err != nil {
		return nil, err
	}
	return v.([]interface{}), nil
}

// encodeKwargs prepares keyword arguments for c.
func encodeKwargs(c Codec, kwargs map[string]interface{}) (map[string]interface{}, error) {
	if kwargs == nil {
		return nil, nil
	}
	v, err := c.EncodeValue(kwargs)
	if err != nil {
		return nil, err
	}
	return v.(map[string]interface{}), nil
}

// decodeKwargs normalizes keyword arguments produced by c.
func decodeKwargs(c Codec, kwargs map[string]interface{}) (map[string]interface{}, error) {
	if kwargs == nil {
		return nil, nil
	}
	v, err := c.DecodeValue(kwargs)
	if err != nil {
		return nil, err
	}
	return v.(map[string]interface{}), nil
}
