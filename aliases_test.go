package covdata_test

import (
	"testing"

	"github.com/egdaemon/covdata"
	"github.com/stretchr/testify/require"
)

func TestPathAliases(t *testing.T) {
	t.Run("maps_matching_prefix_to_canonical_result", func(t *testing.T) {
		pa := covdata.NewPathAliases()
		require.NoError(t, pa.Add("/home/*/src", "./mysrc"))

		require.Equal(t, covdata.CanonicalFilename("./mysrc/a.py"), pa.Map("/home/foo/src/a.py"))
	})

	t.Run("non_matching_path_returned_unchanged", func(t *testing.T) {
		pa := covdata.NewPathAliases()
		require.NoError(t, pa.Add("/home/*/src", "./mysrc"))

		require.Equal(t, "/var/lib/a.py", pa.Map("/var/lib/a.py"))
	})

	t.Run("first_match_wins", func(t *testing.T) {
		pa := covdata.NewPathAliases(covdata.AliasRelative(true))
		require.NoError(t, pa.Add("/home/*/src", "./first"))
		require.NoError(t, pa.Add("/home/foo/src", "./second"))

		require.Equal(t, "./first/a.py", pa.Map("/home/foo/src/a.py"))
	})

	t.Run("trailing_wildcard_rejected", func(t *testing.T) {
		var cerr *covdata.ConfigError

		pa := covdata.NewPathAliases()
		require.ErrorAs(t, pa.Add("/src/*", "./mysrc"), &cerr)
		require.ErrorAs(t, pa.Add(`/src/*/`, "./mysrc"), &cerr)
	})

	t.Run("relative_mode_preserves_result_verbatim", func(t *testing.T) {
		pa := covdata.NewPathAliases(covdata.AliasRelative(true))
		require.NoError(t, pa.Add("/home/*/src", "./mysrc"))

		require.Equal(t, "./mysrc/a.py", pa.Map("/home/foo/src/a.py"))
	})

	t.Run("matches_regardless_of_separator_style", func(t *testing.T) {
		pa := covdata.NewPathAliases(covdata.AliasRelative(true))
		require.NoError(t, pa.Add("/home/*/src", "./mysrc"))

		require.Equal(t, "./mysrc/a.py", pa.Map(`\home\foo\src\a.py`))
	})

	t.Run("result_separator_style_applied_to_remainder", func(t *testing.T) {
		pa := covdata.NewPathAliases(covdata.AliasRelative(true))
		require.NoError(t, pa.Add("/home/*/src", `c:\mysrc`))

		require.Equal(t, `c:\mysrc\lib\a.py`, pa.Map("/home/foo/src/lib/a.py"))
	})

	t.Run("case_insensitive_by_default", func(t *testing.T) {
		pa := covdata.NewPathAliases(covdata.AliasRelative(true))
		require.NoError(t, pa.Add("/home/*/src", "./mysrc"))

		require.Equal(t, "./mysrc/a.py", pa.Map("/HOME/FOO/SRC/a.py"))
	})

	t.Run("case_sensitive_when_requested", func(t *testing.T) {
		pa := covdata.NewPathAliases(covdata.AliasRelative(true), covdata.AliasCaseSensitive(true))
		require.NoError(t, pa.Add("/home/*/src", "./mysrc"))

		require.Equal(t, "/HOME/FOO/SRC/a.py", pa.Map("/HOME/FOO/SRC/a.py"))
		require.Equal(t, "./mysrc/a.py", pa.Map("/home/foo/src/a.py"))
	})

	t.Run("directory_boundary_respected", func(t *testing.T) {
		pa := covdata.NewPathAliases(covdata.AliasRelative(true))
		require.NoError(t, pa.Add("/home/foo", "./mysrc"))

		require.Equal(t, "/home/foobar/a.py", pa.Map("/home/foobar/a.py"))
		require.Equal(t, "./mysrc/a.py", pa.Map("/home/foo/a.py"))
	})
}
