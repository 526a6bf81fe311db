package fs

import (
	"iter"
	"log/slog"
	"maps"
)

// KV is an in-memory Config. Values are stored with their exact types;
// a lookup whose type does not match falls back to the default.
type KV map[string]any

var _ Config = KV{}

func (kv KV) Architecture() string {
	return kv.String("general.architecture", "unknown")
}

func (kv KV) String(key string, defaultValue ...string) string {
	return keyValue(kv, key, append(defaultValue, "")...)
}

func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	return keyValue(kv, key, append(defaultValue, 0)...)
}

func (kv KV) Float(key string, defaultValue ...float32) float32 {
	return keyValue(kv, key, append(defaultValue, 0)...)
}

func (kv KV) Bool(key string, defaultValue ...bool) bool {
	return keyValue(kv, key, append(defaultValue, false)...)
}

func (kv KV) Strings(key string, defaultValue ...[]string) []string {
	return keyValue(kv, key, append(defaultValue, []string(nil))...)
}

func (kv KV) Ints(key string, defaultValue ...[]int32) []int32 {
	return keyValue(kv, key, append(defaultValue, []int32(nil))...)
}

func (kv KV) Floats(key string, defaultValue ...[]float32) []float32 {
	return keyValue(kv, key, append(defaultValue, []float32(nil))...)
}

func (kv KV) Len() int {
	return len(kv)
}

func (kv KV) Keys() iter.Seq[string] {
	return maps.Keys(kv)
}

func (kv KV) Value(key string) any {
	return kv[key]
}

type valueTypes interface {
	uint8 | int8 | uint16 | int16 |
		uint32 | int32 | uint64 | int64 |
		string | float32 | float64 | bool |
		[]string | []int32 | []float32
}

func keyValue[T valueTypes](kv KV, key string, defaultValue ...T) T {
	if val, ok := kv[key].(T); ok {
		return val
	}

	slog.Debug("key with type not found", "key", key, "default", defaultValue[0])
	return defaultValue[0]
}
