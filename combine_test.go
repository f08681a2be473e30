package covdata_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/egdaemon/covdata"
	"github.com/stretchr/testify/require"
)

// writeParallel materializes a sibling container holding the given line facts.
func writeParallel(t *testing.T, base, suffix string, data map[string][]int) string {
	t.Helper()

	src := covdata.New(covdata.Basename(base), covdata.Suffix(suffix))
	require.NoError(t, src.AddLines(data))
	require.NoError(t, src.Close())

	return src.Filename()
}

// warnings captures combine warnings for later assertions.
type warnings struct {
	m        sync.Mutex
	messages []string
}

func (t *warnings) record(msg string) {
	t.m.Lock()
	defer t.m.Unlock()

	t.messages = append(t.messages, msg)
}

func TestCombine(t *testing.T) {
	t.Run("merges_sibling_containers", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), ".coverage")

		one := writeParallel(t, base, "host.1.aaaa", map[string][]int{"a.py": {1, 2}})
		two := writeParallel(t, base, "host.2.bbbb", map[string][]int{"a.py": {2, 3}, "b.py": {10}})

		dst := covdata.New(covdata.Basename(base))
		defer dst.Close()

		require.NoError(t, covdata.Combine(dst, nil))
		require.Equal(t, []string{"a.py", "b.py"}, dst.MeasuredFiles())

		lines, err := dst.Lines("a.py")
		require.NoError(t, err)
		require.Equal(t, []int{1, 2, 3}, lines)

		// merged sources are consumed.
		require.NoFileExists(t, one)
		require.NoFileExists(t, two)
	})

	t.Run("merge_order_does_not_matter", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), ".coverage")

		one := writeParallel(t, base, "host.1.aaaa", map[string][]int{"a.py": {1, 2}})
		two := writeParallel(t, base, "host.2.bbbb", map[string][]int{"a.py": {2, 3}})

		forward := covdata.New(covdata.Basename(filepath.Join(t.TempDir(), ".coverage")))
		defer forward.Close()
		require.NoError(t, covdata.Combine(forward, []string{one, two}, covdata.CombineKeep(true)))

		reverse := covdata.New(covdata.Basename(filepath.Join(t.TempDir(), ".coverage")))
		defer reverse.Close()
		require.NoError(t, covdata.Combine(reverse, []string{two, one}, covdata.CombineKeep(true)))

		flines, err := forward.Lines("a.py")
		require.NoError(t, err)
		rlines, err := reverse.Lines("a.py")
		require.NoError(t, err)
		require.Equal(t, flines, rlines)
		require.Equal(t, []int{1, 2, 3}, flines)
	})

	t.Run("keep_preserves_sources", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), ".coverage")

		one := writeParallel(t, base, "host.1.aaaa", map[string][]int{"a.py": {1}})

		dst := covdata.New(covdata.Basename(base))
		defer dst.Close()

		require.NoError(t, covdata.Combine(dst, nil, covdata.CombineKeep(true)))
		require.FileExists(t, one)
	})

	t.Run("no_candidates_is_a_quiet_noop", func(t *testing.T) {
		dst := covdata.New(covdata.Basename(filepath.Join(t.TempDir(), ".coverage")))
		defer dst.Close()

		require.NoError(t, covdata.Combine(dst, nil))
	})

	t.Run("strict_promotes_an_empty_candidate_set", func(t *testing.T) {
		var nerr *covdata.NoDataError

		dst := covdata.New(covdata.Basename(filepath.Join(t.TempDir(), ".coverage")))
		defer dst.Close()

		err := covdata.Combine(dst, nil, covdata.CombineStrict(true))
		require.ErrorAs(t, err, &nerr)
		require.ErrorContains(t, err, "no usable data files to combine")
	})

	t.Run("unreadable_candidates_warn_and_survive", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), ".coverage")

		writeParallel(t, base, "host.1.aaaa", map[string][]int{"a.py": {1}})
		writeParallel(t, base, "host.2.bbbb", map[string][]int{"a.py": {2}})

		corrupt := base + ".host.3.cccc"
		require.NoError(t, os.WriteFile(corrupt, []byte("definitely not coverage data"), 0o600))

		warned := &warnings{}
		dst := covdata.New(covdata.Basename(base), covdata.WarnWith(warned.record))
		defer dst.Close()

		require.NoError(t, covdata.Combine(dst, nil))

		require.Len(t, warned.messages, 1)
		require.Contains(t, warned.messages[0], "couldn't combine data file")
		require.Contains(t, warned.messages[0], "host.3.cccc")

		// the valid siblings still merged, the corrupt one is left for inspection.
		lines, err := dst.Lines("a.py")
		require.NoError(t, err)
		require.Equal(t, []int{1, 2}, lines)
		require.FileExists(t, corrupt)
	})

	t.Run("destination_never_combines_itself", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), ".coverage")

		dst := covdata.New(covdata.Basename(base))
		defer dst.Close()

		require.NoError(t, dst.AddLines(map[string][]int{"a.py": {1}}))
		require.NoError(t, covdata.Combine(dst, nil))

		require.FileExists(t, dst.Filename())

		lines, err := dst.Lines("a.py")
		require.NoError(t, err)
		require.Equal(t, []int{1}, lines)
	})

	t.Run("engine_sidecar_files_skipped", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), ".coverage")

		writeParallel(t, base, "host.1.aaaa", map[string][]int{"a.py": {1}})
		require.NoError(t, os.WriteFile(base+".host.1.aaaa-journal", []byte("sidecar"), 0o600))

		warned := &warnings{}
		dst := covdata.New(covdata.Basename(base), covdata.WarnWith(warned.record))
		defer dst.Close()

		require.NoError(t, covdata.Combine(dst, nil))
		require.Empty(t, warned.messages)
	})

	t.Run("non_existent_paths_rejected", func(t *testing.T) {
		var cerr *covdata.ConfigError

		dst := covdata.New(covdata.Basename(filepath.Join(t.TempDir(), ".coverage")))
		defer dst.Close()

		err := covdata.Combine(dst, []string{filepath.Join(t.TempDir(), "missing")})
		require.ErrorAs(t, err, &cerr)
		require.ErrorContains(t, err, "couldn't combine from non-existent path")
	})

	t.Run("aliases_applied_while_merging", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), ".coverage")

		writeParallel(t, base, "host.1.aaaa", map[string][]int{"/home/foo/src/a.py": {1, 2}})

		pa := covdata.NewPathAliases(covdata.AliasRelative(true))
		require.NoError(t, pa.Add("/home/*/src", "./src"))

		dst := covdata.New(covdata.Basename(base))
		defer dst.Close()

		require.NoError(t, covdata.Combine(dst, nil, covdata.CombineAliases(pa)))
		require.Equal(t, []string{"./src/a.py"}, dst.MeasuredFiles())
	})
}

func TestEnsureData(t *testing.T) {
	t.Run("measured_containers_pass", func(t *testing.T) {
		dst := covdata.New(covdata.Basename(filepath.Join(t.TempDir(), ".coverage")))
		defer dst.Close()

		require.NoError(t, dst.AddLines(map[string][]int{"a.py": {1}}))
		require.NoError(t, dst.EnsureData())
	})

	t.Run("empty_containers_fail", func(t *testing.T) {
		var nerr *covdata.NoDataError

		dst := covdata.New(covdata.Basename(filepath.Join(t.TempDir(), ".coverage")))
		defer dst.Close()

		err := dst.EnsureData()
		require.ErrorAs(t, err, &nerr)
		require.ErrorContains(t, err, "no coverage data collected")
	})

	t.Run("unmerged_siblings_hint_at_combine", func(t *testing.T) {
		var nerr *covdata.NoDataError

		base := filepath.Join(t.TempDir(), ".coverage")
		writeParallel(t, base, "host.1.aaaa", map[string][]int{"a.py": {1}})

		dst := covdata.New(covdata.Basename(base))
		defer dst.Close()

		err := dst.EnsureData()
		require.ErrorAs(t, err, &nerr)
		require.ErrorContains(t, err, "perhaps 'combine' must be run first")
	})
}
