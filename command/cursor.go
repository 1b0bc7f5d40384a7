package command

import (
	"strconv"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/juju/errors"
)

// Minimal JSON cursor: validates structure and locates members without
// building a tree. Values are returned as raw byte slices of the input.

const maxDepth = 32

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

func skipSpace(b []byte, i int) int {
	for i < len(b) && isSpace(b[i]) {
		i++
	}
	return i
}

// scanValue returns index just past the value starting at b[i].
func scanValue(b []byte, i int, depth int) (int, error) {
	if depth > maxDepth {
		return i, errors.NotValidf("nesting deeper than %d", maxDepth)
	}
	if i >= len(b) {
		return i, errors.NotValidf("unexpected end at %d", i)
	}
	switch c := b[i]; {
	case c == '"':
		return scanString(b, i)
	case c == '{':
		return scanComposite(b, i, '}', depth)
	case c == '[':
		return scanComposite(b, i, ']', depth)
	case c == '-' || (c >= '0' && c <= '9'):
		return scanNumber(b, i)
	case c == 't':
		return scanLiteral(b, i, "true")
	case c == 'f':
		return scanLiteral(b, i, "false")
	case c == 'n':
		return scanLiteral(b, i, "null")
	default:
		return i, errors.NotValidf("unexpected %q at %d", c, i)
	}
}

func scanString(b []byte, i int) (int, error) {
	start := i
	i++
	for i < len(b) {
		switch b[i] {
		case '"':
			return i + 1, nil
		case '\\':
			i += 2
			continue
		}
		if b[i] < 0x20 {
			return i, errors.NotValidf("control character in string at %d", i)
		}
		i++
	}
	return i, errors.NotValidf("unterminated string at %d", start)
}

func scanNumber(b []byte, i int) (int, error) {
	start := i
	for i < len(b) {
		c := b[i]
		if (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E' {
			i++
			continue
		}
		break
	}
	if _, err := strconv.ParseFloat(string(b[start:i]), 64); err != nil {
		return i, errors.NotValidf("number %q", b[start:i])
	}
	return i, nil
}

func scanLiteral(b []byte, i int, lit string) (int, error) {
	if len(b)-i < len(lit) || string(b[i:i+len(lit)]) != lit {
		return i, errors.NotValidf("literal at %d", i)
	}
	return i + len(lit), nil
}

func scanComposite(b []byte, i int, closing byte, depth int) (int, error) {
	i = skipSpace(b, i+1)
	if i < len(b) && b[i] == closing {
		return i + 1, nil
	}
	for {
		var err error
		if closing == '}' {
			if i >= len(b) || b[i] != '"' {
				return i, errors.NotValidf("expected key at %d", i)
			}
			if i, err = scanString(b, i); err != nil {
				return i, err
			}
			i = skipSpace(b, i)
			if i >= len(b) || b[i] != ':' {
				return i, errors.NotValidf("expected ':' at %d", i)
			}
			i = skipSpace(b, i+1)
		}
		if i, err = scanValue(b, i, depth+1); err != nil {
			return i, err
		}
		i = skipSpace(b, i)
		if i >= len(b) {
			return i, errors.NotValidf("unexpected end, expected %q", closing)
		}
		switch b[i] {
		case ',':
			i = skipSpace(b, i+1)
		case closing:
			return i + 1, nil
		default:
			return i, errors.NotValidf("unexpected %q at %d", b[i], i)
		}
	}
}

// eachMember calls f for every member of obj in order until f returns false.
// obj must be already validated object. Single pass, cursor only moves forward.
func eachMember(obj []byte, f func(key string, raw []byte) bool) bool {
	i := skipSpace(obj, 1)
	for i < len(obj) && obj[i] == '"' {
		kend, err := scanString(obj, i)
		if err != nil {
			return false
		}
		vstart := skipSpace(obj, skipSpace(obj, kend)+1)
		vend, err := scanValue(obj, vstart, 0)
		if err != nil {
			return false
		}
		k, err := unquote(obj[i:kend])
		if err != nil {
			return false
		}
		if !f(k, obj[vstart:vend]) {
			return true
		}
		i = skipSpace(obj, vend)
		if i < len(obj) && obj[i] == ',' {
			i = skipSpace(obj, i+1)
		}
	}
	return true
}

// lookupAll finds first occurrence of every key in one pass.
func lookupAll(obj []byte, keys ...string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	eachMember(obj, func(k string, raw []byte) bool {
		for _, want := range keys {
			if k == want {
				if _, seen := out[k]; !seen {
					out[k] = raw
				}
				break
			}
		}
		return len(out) < len(keys)
	})
	return out
}

// element returns raw array element at index.
func element(arr []byte, index int) ([]byte, bool) {
	i := skipSpace(arr, 1)
	for n := 0; i < len(arr) && arr[i] != ']'; n++ {
		end, err := scanValue(arr, i, 0)
		if err != nil {
			return nil, false
		}
		if n == index {
			return arr[i:end], true
		}
		i = skipSpace(arr, end)
		if i < len(arr) && arr[i] == ',' {
			i = skipSpace(arr, i+1)
		}
	}
	return nil, false
}

// text converts scalar raw value to string: strings are unquoted,
// numbers and literals returned as is, composites as raw JSON text.
func text(raw []byte) (string, error) {
	if len(raw) > 0 && raw[0] == '"' {
		return unquote(raw)
	}
	if len(raw) == 4 && string(raw) == "null" {
		return "", nil
	}
	return string(raw), nil
}

func unquote(raw []byte) (string, error) {
	if len(raw) < 2 || raw[0] != '"' || raw[len(raw)-1] != '"' {
		return "", errors.NotValidf("string %q", raw)
	}
	s := raw[1 : len(raw)-1]
	// fast path
	simple := true
	for _, c := range s {
		if c == '\\' {
			simple = false
			break
		}
	}
	if simple {
		return string(s), nil
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(s) {
			return "", errors.NotValidf("escape at end")
		}
		switch s[i] {
		case '"', '\\', '/':
			out = append(out, s[i])
		case 'b':
			out = append(out, '\b')
		case 'f':
			out = append(out, '\f')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case 'u':
			r, n, err := unquoteRune(s[i+1:])
			if err != nil {
				return "", err
			}
			out = utf8.AppendRune(out, r)
			i += n
		default:
			return "", errors.NotValidf("escape \\%c", s[i])
		}
	}
	return string(out), nil
}

// unquoteRune parses XXXX after \u, handles surrogate pairs.
// Returns rune and count of consumed bytes.
func unquoteRune(s []byte) (rune, int, error) {
	r1, ok := hex4(s)
	if !ok {
		return 0, 0, errors.NotValidf("escape \\u%s", s)
	}
	if utf16.IsSurrogate(r1) && len(s) >= 10 && s[4] == '\\' && s[5] == 'u' {
		if r2, ok := hex4(s[6:]); ok {
			if r := utf16.DecodeRune(r1, r2); r != utf8.RuneError {
				return r, 10, nil
			}
		}
	}
	return r1, 4, nil
}

func hex4(s []byte) (rune, bool) {
	if len(s) < 4 {
		return 0, false
	}
	v, err := strconv.ParseUint(string(s[:4]), 16, 16)
	if err != nil {
		return 0, false
	}
	return rune(v), true
}
