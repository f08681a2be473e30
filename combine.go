package covdata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/egdaemon/covdata/internal/debugx"
	"github.com/egdaemon/covdata/internal/errorsx"
	"github.com/egdaemon/covdata/internal/fsx"
)

type combineConfig struct {
	aliases *PathAliases
	keep    bool
	strict  bool
}

// CombineOption configures a combine pass.
type CombineOption func(*combineConfig)

// CombineAliases remaps recorded paths through the rules while merging.
func CombineAliases(pa *PathAliases) CombineOption {
	return func(c *combineConfig) {
		c.aliases = pa
	}
}

// CombineKeep leaves successfully merged source containers on disk instead
// of deleting them.
func CombineKeep(enabled bool) CombineOption {
	return func(c *combineConfig) {
		c.keep = enabled
	}
}

// CombineStrict turns an empty candidate set into an error instead of a
// successful no-op.
func CombineStrict(enabled bool) CombineOption {
	return func(c *combineConfig) {
		c.strict = enabled
	}
}

// Combine discovers sibling parallel containers and merges them into dst.
// paths entries are data files or directories to scan, defaulting to the
// destination's own directory. An unreadable candidate is downgraded to a
// warning and left on disk; merge conflicts are fatal for the whole pass.
func Combine(dst *CoverageData, paths []string, options ...CombineOption) error {
	var cfg combineConfig
	for _, opt := range options {
		opt(&cfg)
	}

	candidates, err := combineCandidates(dst, paths)
	if err != nil {
		return err
	}

	if len(candidates) == 0 {
		if cfg.strict {
			return noDataErrorf("no usable data files to combine")
		}

		return nil
	}

	if err := dst.Read(); err != nil {
		return err
	}

	for _, candidate := range candidates {
		other := New(Basename(candidate))

		if err := other.Read(); err != nil {
			dst.warn(fmt.Sprintf("couldn't combine data file '%s': %s", candidate, err))
			continue
		}

		err := dst.Update(other, cfg.aliases)
		errorsx.Log(other.Close())
		if err != nil {
			return err
		}

		debugx.Println("combined data file", candidate)

		if cfg.keep {
			continue
		}

		if err := os.Remove(candidate); err != nil {
			return errorsx.Wrapf(err, "couldn't delete combined data file '%s'", candidate)
		}
	}

	return nil
}

// combineCandidates resolves the combinable containers: explicit files are
// taken as given, directories are scanned non-recursively for entries named
// after the destination, excluding the engine's transient sidecar files and
// the destination itself. results are sorted for determinism.
func combineCandidates(dst *CoverageData, paths []string) ([]string, error) {
	if len(paths) == 0 {
		paths = []string{filepath.Dir(dst.filename)}
	}

	var (
		prefix     = filepath.Base(dst.filename) + "."
		seen       = map[string]struct{}{}
		candidates = []string{}
	)

	include := func(path string) {
		if path == dst.filename {
			return
		}

		if _, ok := seen[path]; ok {
			return
		}

		seen[path] = struct{}{}
		candidates = append(candidates, path)
	}

	for _, p := range paths {
		switch {
		case fsx.DirExists(p):
			entries, err := os.ReadDir(p)
			if err != nil {
				return nil, errorsx.Wrapf(err, "couldn't scan '%s' for data files", p)
			}

			for _, entry := range entries {
				name := entry.Name()

				if entry.IsDir() || !strings.HasPrefix(name, prefix) {
					continue
				}

				if strings.HasSuffix(name, "-journal") || strings.HasSuffix(name, "-wal") || strings.HasSuffix(name, "-shm") {
					continue
				}

				include(CanonicalFilename(filepath.Join(p, name)))
			}
		case fsx.FileExists(p):
			include(CanonicalFilename(p))
		default:
			return nil, configErrorf("couldn't combine from non-existent path '%s'", p)
		}
	}

	sort.Strings(candidates)

	return candidates, nil
}

// EnsureData fails with a NoDataError when the container holds no
// measurements, hinting at combine when unmerged siblings are present.
func (t *CoverageData) EnsureData() error {
	empty, err := t.IsEmpty()
	if err != nil {
		return err
	}

	if !empty {
		return nil
	}

	msg := fmt.Sprintf("no coverage data collected in '%s'", t.filename)
	if siblings, err := combineCandidates(t, nil); err == nil && len(siblings) > 0 {
		msg += ": perhaps 'combine' must be run first"
	}

	return noDataErrorf("%s", msg)
}
