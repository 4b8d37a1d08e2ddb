package fieldaccess

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

const maxPatternLength = 256

var patternCache sync.Map // pattern -> *regexp.Regexp

// NormalizePath rewrites bracket indices as dot segments: orders[0].total becomes orders.0.total.
func NormalizePath(path string) string {
	if !strings.ContainsRune(path, '[') {
		return path
	}
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '[':
			if b.Len() > 0 {
				b.WriteByte('.')
			}
		case ']':
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func compilePattern(pattern string) *regexp.Regexp {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	parts := strings.Split(NormalizePath(pattern), "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re := regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
	actual, _ := patternCache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp)
}

// MatchPattern reports whether path matches a glob where * spans any run of characters, dots included.
func MatchPattern(pattern, path string) bool {
	if pattern == "*" {
		return true
	}
	return compilePattern(pattern).MatchString(NormalizePath(path))
}

func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if MatchPattern(p, path) {
			return true
		}
	}
	return false
}

func ValidatePattern(pattern string) error {
	switch {
	case strings.TrimSpace(pattern) == "":
		return fmt.Errorf("pattern must not be empty")
	case len(pattern) > maxPatternLength:
		return fmt.Errorf("pattern exceeds %d characters", maxPatternLength)
	case strings.ContainsAny(pattern, " \t\n"):
		return fmt.Errorf("pattern %q contains whitespace", pattern)
	case strings.Count(pattern, "[") != strings.Count(pattern, "]"):
		return fmt.Errorf("pattern %q has unbalanced brackets", pattern)
	}
	return nil
}
