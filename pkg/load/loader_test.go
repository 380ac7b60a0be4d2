package load

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tdbridge/pkg/bridgeerrors"
	"github.com/ajitpratap0/tdbridge/pkg/models"
)

// memDestination parses copy text back into rows, committing them only
// when the surrounding transaction succeeds.
type memDestination struct {
	committed  [][]*string
	pending    [][]*string
	statements []string
	copyErr    error
}

func (m *memDestination) Run(_ context.Context, sql string) error {
	m.statements = append(m.statements, sql)
	return nil
}

func (m *memDestination) CopyIn(_ context.Context, r io.Reader, _ string, opts CopyOptions) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	for i, line := range lines {
		if i == 1 && m.copyErr != nil {
			return 0, m.copyErr
		}
		m.pending = append(m.pending, decodeLine(line, opts))
	}
	return int64(len(lines)), nil
}

func (m *memDestination) InTransaction(ctx context.Context, fn func(tx Destination) error) error {
	m.pending = nil
	if err := fn(m); err != nil {
		m.pending = nil
		return err
	}
	m.committed = append(m.committed, m.pending...)
	m.pending = nil
	return nil
}

func (m *memDestination) Close(context.Context) error { return nil }

// decodeLine reverses the copy text escaping; nil marks SQL NULL.
func decodeLine(line string, opts CopyOptions) []*string {
	var out []*string
	var field strings.Builder
	raw := strings.Builder{}
	flush := func() {
		if raw.String() == opts.NullMarker {
			out = append(out, nil)
		} else {
			s := field.String()
			out = append(out, &s)
		}
		field.Reset()
		raw.Reset()
	}
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line):
			i++
			raw.WriteByte('\\')
			raw.WriteByte(line[i])
			switch line[i] {
			case 'n':
				field.WriteByte('\n')
			case 'r':
				field.WriteByte('\r')
			default:
				field.WriteByte(line[i])
			}
		case c == opts.Delimiter[0]:
			flush()
		default:
			raw.WriteByte(c)
			field.WriteByte(c)
		}
	}
	flush()
	return out
}

func ptr(s string) *string { return &s }

func TestEncode(t *testing.T) {
	l := NewLoader(zap.NewNop())
	buf, err := l.Encode([]models.Row{
		{int64(1), "plain", nil, true},
		{int64(-2), "tab\there", "back\\slash", false},
		{3.5, "line\nbreak\r", []byte{0xde, 0xad}, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{[]interface{}{int64(1), "x"}, map[string]interface{}{"k": nil}, math.Inf(1), math.NaN()},
	})
	require.NoError(t, err)

	assert.Equal(t, "1\tplain\t\tt\n"+
		"-2\ttab\\\there\tback\\\\slash\tf\n"+
		"3.5\tline\\nbreak\\r\t\\\\xdead\t2024-01-02T03:04:05Z\n"+
		"[1,\"x\"]\t{\"k\":null}\tInfinity\tNaN\n", buf.String())
}

func TestEncodeCustomOptions(t *testing.T) {
	l := &Loader{Delimiter: "|", NullMarker: `\N`}
	buf, err := l.Encode([]models.Row{{"a|b", nil, "c\td"}})
	require.NoError(t, err)
	assert.Equal(t, "a\\|b|\\N|c\td\n", buf.String())

	_, err = (&Loader{Delimiter: "ab"}).Encode(nil)
	assert.Error(t, err)
	_, err = (&Loader{Delimiter: ",", NullMarker: "a,b"}).Encode(nil)
	assert.Error(t, err)
	_, err = (&Loader{}).Encode([]models.Row{{struct{}{}}})
	assert.Error(t, err)
}

func TestBulkLoadNullRoundTrip(t *testing.T) {
	dest := &memDestination{}
	n, err := NewLoader(zap.NewNop()).BulkLoad(context.Background(), dest, "public.users", []models.Row{
		{int64(1), nil, "tab\tinside"},
		{int64(2), "x", nil},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.Equal(t, [][]*string{
		{ptr("1"), nil, ptr("tab\tinside")},
		{ptr("2"), ptr("x"), nil},
	}, dest.committed)
}

func TestBulkLoadFailureCommitsNothing(t *testing.T) {
	dest := &memDestination{copyErr: errors.New("value too long for type character varying(3)")}
	_, err := NewLoader(zap.NewNop()).BulkLoad(context.Background(), dest, "t", []models.Row{{"a"}, {"bbbb"}, {"c"}})
	require.Error(t, err)
	assert.True(t, bridgeerrors.IsLoad(err))
	assert.Contains(t, err.Error(), "value too long")
	assert.Empty(t, dest.committed)
}

func TestCopyStatement(t *testing.T) {
	stmt, err := CopyStatement("analytics.daily_users", CopyOptions{Delimiter: "\t"})
	require.NoError(t, err)
	assert.Equal(t, "COPY \"analytics\".\"daily_users\" FROM STDIN WITH (FORMAT text, DELIMITER '\t', NULL '')", stmt)

	stmt, err = CopyStatement(`"We""ird"`, CopyOptions{Delimiter: "'", NullMarker: `\N`})
	require.NoError(t, err)
	assert.Equal(t, `COPY "We""ird" FROM STDIN WITH (FORMAT text, DELIMITER '''', NULL '\N')`, stmt)

	names := map[string]string{
		"Analytics.Daily_Users":   `"analytics"."daily_users"`,
		`"Analytics".Daily_Users`: `"Analytics"."daily_users"`,
		`public."my.table"`:       `"public"."my.table"`,
		" events ":                `"events"`,
	}
	for in, want := range names {
		stmt, err := CopyStatement(in, CopyOptions{})
		require.NoError(t, err, in)
		assert.Equal(t, "COPY "+want+" FROM STDIN WITH (FORMAT text, DELIMITER '\t', NULL '')", stmt, in)
	}

	for _, bad := range []string{"", "a..b", "a.", ".a", `we"ird`, `"open`, `"a"b`, `""`} {
		_, err = CopyStatement(bad, CopyOptions{})
		assert.Error(t, err, bad)
	}
}
