// Copyright © 2025 Weather Flick <dev@weatherflick.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// OpaqueBag carries caller-defined JSON objects (job parameters, log details,
// result summaries) through code that never interprets them. It round-trips
// to Postgres JSONB.
type OpaqueBag map[string]interface{}

func (b OpaqueBag) Value() (driver.Value, error) {
	if b == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(b)
}

func (b *OpaqueBag) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*b = nil
		return nil
	case []byte:
		return json.Unmarshal(v, b)
	case string:
		return json.Unmarshal([]byte(v), b)
	default:
		return fmt.Errorf("cannot scan %T into OpaqueBag", src)
	}
}

// Clone returns a shallow copy. Nested values stay shared; callers that
// mutate nested structures must deep-copy themselves.
func (b OpaqueBag) Clone() OpaqueBag {
	if b == nil {
		return nil
	}
	out := make(OpaqueBag, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// The getters mirror map lookups with a fallback so job bodies can read
// parameters in one line. A key of the wrong type falls back too.

func (b OpaqueBag) GetString(key, def string) string {
	if s, ok := b[key].(string); ok {
		return s
	}
	return def
}

func (b OpaqueBag) GetBool(key string, def bool) bool {
	if t, ok := b[key].(bool); ok {
		return t
	}
	return def
}

// GetFloat reads numeric values; JSON decoding stores all numbers as float64.
func (b OpaqueBag) GetFloat(key string, def float64) float64 {
	switch n := b[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return def
}

func (b OpaqueBag) GetInt(key string, def int) int {
	return int(b.GetFloat(key, float64(def)))
}

// GetStrings reads a JSON array of strings; non-string elements are skipped.
// Missing keys return nil.
func (b OpaqueBag) GetStrings(key string) []string {
	switch arr := b[key].(type) {
	case []string:
		return arr
	case []interface{}:
		out := make([]string, 0, len(arr))
		for _, e := range arr {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// jsonbValue and jsonbScan back every list type that persists as a JSONB
// array column.
func jsonbValue(v interface{}) (driver.Value, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v)
}

func jsonbScan(dst interface{}, src interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}
