package lcov_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/egdaemon/covdata/internal/lcov"
	"github.com/stretchr/testify/require"
)

const sample = `TN:
SF:src/a.py
DA:1,5
DA:2,0
DA:3,1
LF:3
LH:2
end_of_record
SF:src/b.py
DA:10,1
end_of_record
`

func collect(t *testing.T, seq func(func(lcov.Record, error) bool)) []lcov.Record {
	t.Helper()

	records := []lcov.Record{}
	for rec, err := range seq {
		require.NoError(t, err)
		records = append(records, rec)
	}

	return records
}

func TestParse(t *testing.T) {
	t.Run("unexecuted_lines_excluded", func(t *testing.T) {
		records := collect(t, lcov.Parse(context.Background(), strings.NewReader(sample)))

		require.Equal(t, []lcov.Record{
			{Path: "src/a.py", Lines: []int{1, 3}},
			{Path: "src/b.py", Lines: []int{10}},
		}, records)
	})

	t.Run("malformed_line_data_fails", func(t *testing.T) {
		for _, err := range lcov.Parse(context.Background(), strings.NewReader("SF:a.py\nDA:nope\nend_of_record\n")) {
			require.Error(t, err)
			return
		}

		t.Fatal("expected a parse failure")
	})
}

func TestWalk(t *testing.T) {
	t.Run("finds_nested_traces", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o700))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "lcov.info"), []byte(sample), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.info"), []byte(sample), 0o600))

		records := collect(t, lcov.Walk(context.Background(), dir))
		require.Len(t, records, 2)
	})
}
