package task

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Params are the resolved key/value parameters of a task.
type Params map[string]any

// ParamKind records how a parameter value was stored.
type ParamKind string

// Parameter storage kinds. String values are stored verbatim, everything
// else as JSON.
const (
	ParamString ParamKind = "string"
	ParamJSON   ParamKind = "json"
)

// EncodedParam is one stored parameter row.
type EncodedParam struct {
	Key   string
	Value string
	Kind  ParamKind
}

// EncodeParams converts params to rows sorted by key.
func EncodeParams(p Params) ([]EncodedParam, error) {
	keys := make([]string, 0, len(p))
	for k := range p {
		if k == "" {
			return nil, fmt.Errorf("%w: empty parameter key", ErrInvalidTask)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]EncodedParam, 0, len(keys))
	for _, k := range keys {
		if s, ok := p[k].(string); ok {
			rows = append(rows, EncodedParam{Key: k, Value: s, Kind: ParamString})
			continue
		}
		b, err := json.Marshal(p[k])
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %q is not serializable: %v", ErrInvalidTask, k, err)
		}
		rows = append(rows, EncodedParam{Key: k, Value: string(b), Kind: ParamJSON})
	}
	return rows, nil
}

// DecodeParams rebuilds Params from stored rows.
func DecodeParams(rows []EncodedParam) (Params, error) {
	p := make(Params, len(rows))
	for _, row := range rows {
		switch row.Kind {
		case ParamString:
			p[row.Key] = row.Value
		case ParamJSON:
			var v any
			if err := json.Unmarshal([]byte(row.Value), &v); err != nil {
				return nil, fmt.Errorf("%w: parameter %q: %v", ErrInvalidParams, row.Key, err)
			}
			p[row.Key] = v
		default:
			return nil, fmt.Errorf("%w: parameter %q has unknown kind %q", ErrInvalidParams, row.Key, row.Kind)
		}
	}
	return p, nil
}

// String returns the string value of key.
func (p Params) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

// Int returns key as an int, accepting JSON numbers and numeric strings.
// Missing keys yield def; values of another shape are an ErrInvalidParams.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParams, key)
		}
		return int(n), nil
	case int:
		return n, nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParams, key)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParams, key)
}

// Bool returns key as a bool, accepting JSON booleans and "true"/"false".
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidParams, key)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidParams, key)
}

// Strings returns key as a string list. A single string is a one-element list.
func (p Params) Strings(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case string:
		return []string{list}, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a list of strings", ErrInvalidParams, key)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s must be a list of strings", ErrInvalidParams, key)
}

// Date returns key parsed as a calendar date (2006-01-02) in loc.
func (p Params) Date(key string, loc *time.Location) (time.Time, bool, error) {
	s, ok := p.String(key)
	if !ok || s == "" {
		return time.Time{}, false, nil
	}
	d, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %s must be a date (YYYY-MM-DD)", ErrInvalidParams, key)
	}
	return d, true, nil
}

// Decode converts key into dst through JSON.
func (p Params) Decode(key string, dst any) error {
	v, ok := p[key]
	if !ok {
		return fmt.Errorf("%w: %s is required", ErrInvalidParams, key)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParams, key, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParams, key, err)
	}
	return nil
}
