package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRowHint(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  int
		ok    bool
	}{
		{"wrote 10 rows", 10, true},
		{"1 row", 1, true},
		{"Processed 12,345 Records in 2s", 12345, true},
		{"read 3 rows\nwrote 2 rows\n", 2, true},
		{"rowing 10 times", 0, false},
		{"", 0, false},
	}
	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			n := rowHint([]byte(tt.given))
			if !tt.ok {
				require.Nil(t, n)
				return
			}
			require.NotNil(t, n)
			require.Equal(t, tt.then, *n)
		})
	}
}

func TestCapture(t *testing.T) {
	t.Parallel()
	c := newCapture(8)
	n, err := c.outWriter().Write([]byte("12345"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	n, err = c.errWriter().Write([]byte("abcdef"))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	_, _ = c.outWriter().Write([]byte("zz"))

	out, errb, truncated := c.result()
	require.Equal(t, "12345", string(out))
	require.Equal(t, "abc", string(errb))
	require.True(t, truncated)
}

func TestLineWriter(t *testing.T) {
	t.Parallel()
	var lines []string
	w := &lineWriter{ctx: t.Context(), fn: func(_ context.Context, l string) { lines = append(lines, l) }}
	_, _ = w.Write([]byte("a\r\nb"))
	_, _ = w.Write([]byte("c\nd"))
	w.Flush()
	require.Equal(t, []string{"a", "bc", "d"}, lines)
}
