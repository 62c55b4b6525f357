package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Key identifies a cached result. The digest is derived from a canonical
// serialization of the request arguments so that semantically identical
// requests collide regardless of field order.
type Key struct {
	ToolName string
	Digest   string
}

func (k Key) String() string {
	return k.ToolName + ":" + k.Digest
}

// DeriveKey builds the cache key for a tool invocation. Map keys are sorted
// recursively before hashing, so {"a":1,"b":2} and {"b":2,"a":1} derive the
// same key.
func DeriveKey(toolName string, args map[string]interface{}) Key {
	canonical := canonicalize(args)
	return Key{
		ToolName: toolName,
		Digest:   strconv.FormatUint(xxhash.Sum64String(canonical), 16),
	}
}

func canonicalize(v interface{}) string {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			out += strconv.Quote(k) + ":" + canonicalize(val[k])
		}
		return out + "}"

	case []interface{}:
		out := "["
		for i, item := range val {
			if i > 0 {
				out += ","
			}
			out += canonicalize(item)
		}
		return out + "]"

	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
