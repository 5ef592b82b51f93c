// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"math"

	"github.com/pkg/errors"
)

// Helpers for handlers to convert decoded argument values.

// Int64 converts v to an int64. Floats are accepted if they have no
// fractional part.
func Int64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || x >= math.MaxInt64 || x < math.MinInt64 {
			return 0, errors.Errorf("cabbage: %v is not an integer", x)
		}
		return int64(x), nil
	}
	return 0, errors.Errorf("cabbage: %T is not an integer", v)
}

// Float64 converts v to a float64.
func Float64(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	}
	return 0, errors.Errorf("cabbage: %T is not a number", v)
}

// String converts v to a string.
func String(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("cabbage: %T is not a string", v)
	}
	return s, nil
}

// List converts v to a list.
func List(v interface{}) ([]interface{}, error) {
	switch x := v.(type) {
	case []interface{}:
		return x, nil
	case nil:
		return nil, nil
	}
	return nil, errors.Errorf("cabbage: %T is not a list", v)
}
