// Package covdata persists and merges code execution measurements: which
// lines (or directed line transitions) of each instrumented file executed,
// optionally partitioned by a context label such as a test name. Containers
// written by many separate runs combine into one consistent view.
package covdata

import (
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/egdaemon/covdata/internal/debugx"
	"github.com/egdaemon/covdata/internal/envx"
	"github.com/egdaemon/covdata/internal/errorsx"
	"github.com/egdaemon/covdata/internal/stringsx"
)

// CoverageData is the mutate/query facade over a single measurement
// container. all mutating operations are safe to invoke from multiple
// goroutines of one process; an internal lock serializes access to the
// backing connection and query results are fully materialized before the
// lock is released.
type CoverageData struct {
	m         sync.Mutex
	store     *dataStore
	basename  string
	suffix    string
	memory    bool
	filename  string
	warn      func(msg string)
	context   string
	qexact    *string
	qpatterns []*regexp.Regexp
	haveRead  bool
}

// Option configures a CoverageData.
type Option func(*CoverageData)

// Basename overrides the container base name; the default comes from the
// COVDATA_FILE environment variable, falling back to ".coverage".
func Basename(name string) Option {
	return func(t *CoverageData) {
		t.basename = name
	}
}

// Suffix appends a distinguishing suffix to the container name, joined with
// a dot, for parallel-mode uniqueness.
func Suffix(suffix string) Option {
	return func(t *CoverageData) {
		t.suffix = suffix
	}
}

// ParallelSuffix generates a hostname.pid.token suffix so concurrently
// running processes each write their own sibling container.
func ParallelSuffix() Option {
	return func(t *CoverageData) {
		t.suffix = generateSuffix()
	}
}

// InMemory keeps the container entirely in memory; Dumps/Loads remain the
// way to move its contents around.
func InMemory() Option {
	return func(t *CoverageData) {
		t.memory = true
	}
}

// WarnWith routes non-fatal warnings, defaulting to the log package.
func WarnWith(fn func(msg string)) Option {
	return func(t *CoverageData) {
		t.warn = fn
	}
}

// New builds a facade over the container named by its options. nothing is
// opened or created until the first read or write.
func New(options ...Option) *CoverageData {
	t := &CoverageData{
		basename: envx.String(".coverage", "COVDATA_FILE"),
		warn: func(msg string) {
			log.Println(msg)
		},
	}

	for _, opt := range options {
		opt(t)
	}

	t.filename = CanonicalFilename(t.basename)
	if stringsx.Present(t.suffix) {
		t.filename += "." + t.suffix
	}

	t.store = newDataStore(t.filename, t.memory)

	return t
}

// Filename returns the physical container path.
func (t *CoverageData) Filename() string {
	return t.filename
}

// SetContext sets the measurement context for subsequent Add calls; state is
// scoped to this instance, not global.
func (t *CoverageData) SetContext(label string) {
	t.m.Lock()
	defer t.m.Unlock()

	t.context = label
}

// SetQueryContext restricts subsequent reads to exactly the given context.
func (t *CoverageData) SetQueryContext(label string) {
	t.m.Lock()
	defer t.m.Unlock()

	t.qexact = &label
	t.qpatterns = nil
}

// SetQueryContexts restricts subsequent reads to contexts matching any of
// the regular expressions; nil resets the restriction entirely.
func (t *CoverageData) SetQueryContexts(patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return configErrorf("invalid context pattern '%s': %s", p, err)
		}

		compiled = append(compiled, re)
	}

	t.m.Lock()
	defer t.m.Unlock()

	if len(compiled) == 0 {
		t.qexact, t.qpatterns = nil, nil
		return nil
	}

	t.qexact = nil
	t.qpatterns = compiled

	return nil
}

// queryContextIDs resolves the current read restriction to context rows.
// nil means unrestricted; an empty set means no context matched. the caller
// holds the lock.
func (t *CoverageData) queryContextIDs() []int64 {
	if t.qexact == nil && len(t.qpatterns) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(t.store.contextIDs))
	for label, id := range t.store.contextIDs {
		if t.qexact != nil {
			if label == *t.qexact {
				ids = append(ids, id)
			}
			continue
		}

		for _, re := range t.qpatterns {
			if re.MatchString(label) {
				ids = append(ids, id)
				break
			}
		}
	}

	return ids
}

// startWriting replaces any stale container left by a previous run before
// the first write of this one. the caller holds the lock.
func (t *CoverageData) startWriting() error {
	if t.haveRead {
		return nil
	}

	t.haveRead = true

	return t.store.erase()
}

// AddLines merges executed line numbers per file into the active context.
func (t *CoverageData) AddLines(data map[string][]int) error {
	t.m.Lock()
	defer t.m.Unlock()

	debugx.Printf("adding lines: %d files\n", len(data))

	if err := t.startWriting(); err != nil {
		return err
	}

	return t.store.addLines(t.context, data)
}

// AddArcs merges executed line transitions per file into the active context.
func (t *CoverageData) AddArcs(data map[string][]Arc) error {
	t.m.Lock()
	defer t.m.Unlock()

	debugx.Printf("adding arcs: %d files\n", len(data))

	if err := t.startWriting(); err != nil {
		return err
	}

	return t.store.addArcs(t.context, data)
}

// AddFileTracers associates measured files with the tracer plugin that
// produced them; a conflicting association is fatal.
func (t *CoverageData) AddFileTracers(tracers map[string]string) error {
	t.m.Lock()
	defer t.m.Unlock()

	if err := t.startWriting(); err != nil {
		return err
	}

	return t.store.addFileTracers(tracers)
}

// TouchFile records a file as measured with an empty fact set so reports can
// distinguish "0% of N statements" from a file never seen at all.
func (t *CoverageData) TouchFile(path, plugin string) error {
	t.m.Lock()
	defer t.m.Unlock()

	debugx.Println("touching", path)

	if err := t.startWriting(); err != nil {
		return err
	}

	if err := t.store.touchFile(path); err != nil {
		return err
	}

	if stringsx.Present(plugin) {
		return t.store.addFileTracers(map[string]string{path: plugin})
	}

	return nil
}

// TouchFiles records each file as measured with an empty fact set.
func (t *CoverageData) TouchFiles(paths []string) error {
	for _, path := range paths {
		if err := t.TouchFile(path, ""); err != nil {
			return err
		}
	}

	return nil
}

// Read opens the container and loads its interning tables; a missing
// container is created empty.
func (t *CoverageData) Read() error {
	t.m.Lock()
	defer t.m.Unlock()

	debugx.Println("reading data file", t.filename)

	if _, err := t.store.connect(); err != nil {
		return err
	}

	t.haveRead = true

	return nil
}

// Write materializes the physical container; facts are written through as
// they arrive so this only guarantees the file and its meta rows exist.
func (t *CoverageData) Write() error {
	t.m.Lock()
	defer t.m.Unlock()

	if err := t.startWriting(); err != nil {
		return err
	}

	_, err := t.store.connect()

	return err
}

// Erase destroys the container; with parallel set, sibling containers
// created from the same basename are removed as well.
func (t *CoverageData) Erase(parallel bool) error {
	t.m.Lock()
	defer t.m.Unlock()

	t.haveRead = false

	if err := t.store.erase(); err != nil {
		return err
	}

	if !parallel || t.memory {
		return nil
	}

	var (
		dir    = filepath.Dir(t.filename)
		prefix = filepath.Base(t.filename) + "."
	)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errorsx.Wrapf(err, "couldn't scan '%s' for parallel data files", dir)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}

		sibling := filepath.Join(dir, entry.Name())
		debugx.Println("erasing parallel data file", sibling)
		if err := os.Remove(sibling); err != nil {
			return errorsx.Wrapf(err, "couldn't erase parallel data file '%s'", sibling)
		}
	}

	return nil
}

// PurgeFiles removes every fact recorded for the named files.
func (t *CoverageData) PurgeFiles(paths []string) error {
	t.m.Lock()
	defer t.m.Unlock()

	return t.store.purgeFiles(paths)
}

// Close releases the backing connection without touching the container.
func (t *CoverageData) Close() error {
	t.m.Lock()
	defer t.m.Unlock()

	t.store.close()

	return nil
}

// MeasuredFiles lists every file that was touched or given facts, sorted.
func (t *CoverageData) MeasuredFiles() []string {
	t.m.Lock()
	defer t.m.Unlock()

	return t.store.measuredFiles()
}

// Lines returns the sorted executed lines for path under the current query
// restriction; nil when the file was never measured, empty when it was
// touched without facts.
func (t *CoverageData) Lines(path string) ([]int, error) {
	t.m.Lock()
	defer t.m.Unlock()

	return t.store.lines(path, t.queryContextIDs())
}

// Arcs returns the sorted executed transitions for path under the current
// query restriction; nil when the file was never measured.
func (t *CoverageData) Arcs(path string) ([]Arc, error) {
	t.m.Lock()
	defer t.m.Unlock()

	return t.store.arcs(path, t.queryContextIDs())
}

// ContextsByLineno maps each executed line of path to the contexts it
// executed under.
func (t *CoverageData) ContextsByLineno(path string) (map[int][]string, error) {
	t.m.Lock()
	defer t.m.Unlock()

	return t.store.contextsByLineno(path, t.queryContextIDs())
}

// FileTracer returns the tracer name for path and whether the file was
// measured; measured files without a tracer report the empty string.
func (t *CoverageData) FileTracer(path string) (string, bool, error) {
	t.m.Lock()
	defer t.m.Unlock()

	return t.store.fileTracer(path)
}

// HasArcs reports whether the container holds branch measurements.
func (t *CoverageData) HasArcs() bool {
	t.m.Lock()
	defer t.m.Unlock()

	return t.store.hasArcs
}

// HasLines reports whether the container holds line measurements.
func (t *CoverageData) HasLines() bool {
	t.m.Lock()
	defer t.m.Unlock()

	return t.store.hasLines
}

// Contexts lists every measurement context recorded, sorted.
func (t *CoverageData) Contexts() []string {
	t.m.Lock()
	defer t.m.Unlock()

	return t.store.contexts()
}

// IsEmpty reports whether the container holds any facts at all.
func (t *CoverageData) IsEmpty() (bool, error) {
	t.m.Lock()
	defer t.m.Unlock()

	return t.store.isEmpty()
}

// LineCounts summarizes executed line totals per measured file, keyed by
// base name unless fullpath is set.
func (t *CoverageData) LineCounts(fullpath bool) (map[string]int, error) {
	t.m.Lock()
	defer t.m.Unlock()

	counts := map[string]int{}
	for _, path := range t.store.measuredFiles() {
		lines, err := t.store.lines(path, t.queryContextIDs())
		if err != nil {
			return nil, err
		}

		key := path
		if !fullpath {
			key = filepath.Base(path)
		}

		counts[key] = len(lines)
	}

	return counts, nil
}

// fileFacts is a point in time snapshot of one measured file, used to move
// data between facades without holding both locks at once.
type fileFacts struct {
	path   string
	tracer string
	lines  map[string][]int
	arcs   map[string][]Arc
}

// snapshot captures the full contents of the facade for merging.
func (t *CoverageData) snapshot() (facts []fileFacts, hasLines, hasArcs bool, err error) {
	t.m.Lock()
	defer t.m.Unlock()

	hasLines, hasArcs = t.store.hasLines, t.store.hasArcs

	for _, path := range t.store.measuredFiles() {
		ff := fileFacts{path: path}

		if ff.tracer, _, err = t.store.fileTracer(path); err != nil {
			return nil, false, false, err
		}

		if hasLines {
			if ff.lines, err = t.store.linesPerContext(path); err != nil {
				return nil, false, false, err
			}
		}

		if hasArcs {
			if ff.arcs, err = t.store.arcsPerContext(path); err != nil {
				return nil, false, false, err
			}
		}

		facts = append(facts, ff)
	}

	return facts, hasLines, hasArcs, nil
}

// Update merges another facade's full contents into this one, remapping
// paths through the aliases. kind exclusivity and tracer conflicts are
// enforced exactly as during combine.
func (t *CoverageData) Update(other *CoverageData, pa *PathAliases) error {
	facts, oHasLines, oHasArcs, err := other.snapshot()
	if err != nil {
		return err
	}

	if pa == nil {
		pa = NewPathAliases()
	}

	t.m.Lock()
	defer t.m.Unlock()

	if t.store.hasLines && oHasArcs {
		return dataErrorf("can't combine arc data with line data")
	}

	if t.store.hasArcs && oHasLines {
		return dataErrorf("can't combine line data with arc data")
	}

	if err := t.startWriting(); err != nil {
		return err
	}

	// the source's kind carries over even when every incoming file was merely
	// touched and no facts follow.
	if oHasLines {
		if err := t.store.chooseKind(true); err != nil {
			return err
		}
	}

	if oHasArcs {
		if err := t.store.chooseKind(false); err != nil {
			return err
		}
	}

	// tracer names must agree before any facts move; files the destination
	// has not measured adopt the incoming name.
	for i := range facts {
		mapped := pa.Map(facts[i].path)

		existing, measured, err := t.store.fileTracer(mapped)
		if err != nil {
			return err
		}

		if measured && existing != facts[i].tracer {
			return dataErrorf("conflicting file tracer name for '%s': '%s' vs '%s'", mapped, existing, facts[i].tracer)
		}
	}

	for _, ff := range facts {
		mapped := pa.Map(ff.path)

		if err := t.store.addFile(mapped); err != nil {
			return err
		}

		for label, lines := range ff.lines {
			if err := t.store.addLines(label, map[string][]int{mapped: lines}); err != nil {
				return err
			}
		}

		for label, arcs := range ff.arcs {
			if err := t.store.addArcs(label, map[string][]Arc{mapped: arcs}); err != nil {
				return err
			}
		}

		if err := t.store.setFileTracer(mapped, ff.tracer); err != nil {
			return err
		}
	}

	return nil
}
