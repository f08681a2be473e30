// Package lcov reads lcov tracefiles so externally produced measurements can
// be imported into a coverage data container.
package lcov

import (
	"bufio"
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/egdaemon/covdata/internal/errorsx"
)

const (
	prefixSourceFile = "SF:"
	prefixLineData   = "DA:"
	prefixEnd        = "end_of_record"
)

// Record is the executed line set of a single source file section.
type Record struct {
	Path  string
	Lines []int
}

// Parse yields one record per source file section of an lcov trace. line
// facts with a zero execution count are instrumented but never ran and are
// excluded.
func Parse(ctx context.Context, src io.Reader) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		var current Record

		scanner := bufio.NewScanner(src)

		for scanner.Scan() {
			line := scanner.Text()

			switch {
			case strings.HasPrefix(line, prefixSourceFile):
				current = Record{Path: strings.TrimSpace(strings.TrimPrefix(line, prefixSourceFile))}
			case strings.HasPrefix(line, prefixLineData):
				fields := strings.SplitN(strings.TrimPrefix(line, prefixLineData), ",", 3)
				if len(fields) < 2 {
					yield(Record{}, errorsx.Errorf("invalid line %s", line))
					return
				}

				lineno, err := strconv.Atoi(strings.TrimSpace(fields[0]))
				if err != nil {
					yield(Record{}, errorsx.Wrapf(err, "invalid line %s", line))
					return
				}

				count, err := strconv.Atoi(strings.TrimSpace(fields[1]))
				if err != nil {
					yield(Record{}, errorsx.Wrapf(err, "invalid line %s", line))
					return
				}

				if count > 0 {
					current.Lines = append(current.Lines, lineno)
				}
			case strings.HasPrefix(line, prefixEnd):
				if !yield(current, nil) {
					return
				}

				current = Record{}

				if ctx.Err() != nil {
					return
				}
			}
		}

		failed := errorsx.Compact(
			errorsx.Wrap(scanner.Err(), "failed to read lcov"),
			ctx.Err(),
		)
		if failed != nil {
			yield(Record{}, failed)
		}
	}
}

// Walk yields every record of every lcov.info trace beneath dir.
func Walk(ctx context.Context, dir string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		err := fs.WalkDir(os.DirFS(dir), ".", func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return errorsx.Wrapf(err, "failed: %s", filepath.Join(dir, path))
			}

			if d.IsDir() || d.Name() != "lcov.info" {
				return nil
			}

			src, err := os.Open(filepath.Join(dir, path))
			if err != nil {
				return errorsx.Wrapf(err, "unable to open %s", filepath.Join(dir, path))
			}
			defer src.Close()

			for rec, cause := range Parse(ctx, src) {
				if cause != nil {
					return cause
				}

				if !yield(rec, nil) {
					return fs.SkipAll
				}
			}

			return nil
		})

		if err != nil {
			yield(Record{}, err)
		}
	}
}
