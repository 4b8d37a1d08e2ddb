package fieldaccess

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ToTree converts v into the map[string]any / []any form the filter walks.
func ToTree(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any, nil:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal resource: %w", err)
	}
	return DecodeTree(raw)
}

func DecodeTree(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, child := range t {
			cp[k] = DeepCopy(child)
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, child := range t {
			cp[i] = DeepCopy(child)
		}
		return cp
	default:
		return v
	}
}

// FieldPaths lists every object key in v depth first, keys sorted. Array elements
// appear through their children as key[i].child; scalar elements add nothing.
func FieldPaths(v any) []string {
	var out []string
	collectPaths("", v, &out)
	return out
}

func collectPaths(prefix string, v any, out *[]string) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			*out = append(*out, p)
			collectPaths(p, t[k], out)
		}
	case []any:
		for i, el := range t {
			collectPaths(prefix+"["+strconv.Itoa(i)+"]", el, out)
		}
	}
}

type segment struct {
	key     string
	index   int
	isIndex bool
}

func parsePath(path string) ([]segment, bool) {
	var segs []segment
	start := 0
	for i := 0; i < len(path); {
		switch path[i] {
		case '.':
			if i > start {
				segs = append(segs, segment{key: path[start:i]})
			}
			i++
			start = i
		case '[':
			if i > start {
				segs = append(segs, segment{key: path[start:i]})
			}
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, false
			}
			n, err := strconv.Atoi(path[i+1 : i+end])
			if err != nil || n < 0 {
				return nil, false
			}
			segs = append(segs, segment{index: n, isIndex: true})
			i += end + 1
			start = i
		default:
			i++
		}
	}
	if start < len(path) {
		segs = append(segs, segment{key: path[start:]})
	}
	return segs, len(segs) > 0
}

// Unset removes the value at path from root in place. Array slots are nulled
// so sibling indices stay stable. Reports whether anything was removed.
func Unset(root any, path string) bool {
	segs, ok := parsePath(path)
	if !ok {
		return false
	}
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := step(cur, seg)
		if !ok {
			return false
		}
		cur = next
	}

	last := segs[len(segs)-1]
	switch t := cur.(type) {
	case map[string]any:
		if last.isIndex {
			return false
		}
		if _, ok := t[last.key]; !ok {
			return false
		}
		delete(t, last.key)
		return true
	case []any:
		if !last.isIndex || last.index >= len(t) {
			return false
		}
		t[last.index] = nil
		return true
	}
	return false
}

func step(v any, seg segment) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		if seg.isIndex {
			return nil, false
		}
		child, ok := t[seg.key]
		return child, ok
	case []any:
		if !seg.isIndex || seg.index >= len(t) {
			return nil, false
		}
		return t[seg.index], true
	}
	return nil, false
}

var ownerKeys = []string{"userId", "_id", "id"}

// OwnerID finds the owning user id of a record: userId, then _id, then id.
func OwnerID(resource map[string]any) (string, bool) {
	for _, key := range ownerKeys {
		if id, ok := idString(resource[key]); ok {
			return id, true
		}
	}
	return "", false
}

// ResourceID is the record's own identifier, used for audit entries.
func ResourceID(resource map[string]any) string {
	for _, key := range []string{"id", "_id"} {
		if id, ok := idString(resource[key]); ok {
			return id
		}
	}
	return ""
}

func idString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case map[string]any:
		// populated reference, e.g. {"userId": {"id": "u1", "name": "..."}}
		for _, key := range []string{"_id", "id"} {
			if id, ok := idString(t[key]); ok {
				return id, true
			}
		}
	}
	return "", false
}

func lookup(root any, path string) any {
	segs, ok := parsePath(path)
	if !ok {
		return nil
	}
	cur := root
	for _, seg := range segs {
		next, ok := step(cur, seg)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// isUnder reports whether path sits below ancestor.
func isUnder(path, ancestor string) bool {
	if len(path) <= len(ancestor) || !strings.HasPrefix(path, ancestor) {
		return false
	}
	c := path[len(ancestor)]
	return c == '.' || c == '['
}
