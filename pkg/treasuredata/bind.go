package treasuredata

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BindParameters replaces each '?' placeholder outside quoted literals,
// identifiers and comments with the SQL literal for the matching
// parameter. The engine has no server-side binding, so rendering happens
// here.
func BindParameters(sql string, params []interface{}) (string, error) {
	if len(params) == 0 {
		return sql, nil
	}

	var b strings.Builder
	b.Grow(len(sql) + 16*len(params))
	next := 0
	// closing is the text that ends the quote or comment being skipped.
	var closing string
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if closing != "" {
			if strings.HasPrefix(sql[i:], closing) {
				b.WriteString(closing)
				i += len(closing) - 1
				closing = ""
				continue
			}
			b.WriteByte(c)
			continue
		}

		switch {
		case c == '\'' || c == '"':
			closing = string(c)
		case strings.HasPrefix(sql[i:], "--"):
			closing = "\n"
		case strings.HasPrefix(sql[i:], "/*"):
			b.WriteString("/*")
			i++
			closing = "*/"
			continue
		case c == '?':
			if next >= len(params) {
				return "", fmt.Errorf("query has more placeholders than the %d parameters given", len(params))
			}
			lit, err := literal(params[next])
			if err != nil {
				return "", fmt.Errorf("parameter %d: %w", next+1, err)
			}
			b.WriteString(lit)
			next++
			continue
		}
		b.WriteByte(c)
	}
	if next != len(params) {
		return "", fmt.Errorf("query has %d placeholders but %d parameters were given", next, len(params))
	}
	return b.String(), nil
}

func literal(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return quoteString(t), nil
	case []byte:
		return quoteString(string(t)), nil
	case bool:
		if t {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case time.Time:
		return quoteString(t.UTC().Format("2006-01-02 15:04:05.000")), nil
	case fmt.Stringer:
		return quoteString(t.String()), nil
	default:
		return "", fmt.Errorf("unsupported type %T", v)
	}
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
