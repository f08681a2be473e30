package covdata

import (
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/egdaemon/covdata/internal/debugx"
	"github.com/egdaemon/covdata/internal/errorsx"
	"github.com/egdaemon/covdata/internal/fsx"
)

// appID marks container files as coverage measurement data.
const appID uint32 = 0xc07e8a6e

// schemaVersion identifies the row layout, checked whenever an existing
// container is opened.
const schemaVersion = 2

// the container schema: a meta table for the schema version and provenance,
// an interning table for paths and tracer names, a context label table, and
// one fact table per measurement kind. exactly one fact table is ever
// populated for a given container.
const schema = `
create table meta (key text, value text, unique (key));

create table file (id integer primary key, path text, tracer text, unique (path));

create table context (id integer primary key, context text, unique (context));

create table line (file_id integer, context_id integer, lineno integer, unique (file_id, context_id, lineno));

create table arc (file_id integer, context_id integer, fromno integer, tono integer, unique (file_id, context_id, fromno, tono));
`

// Arc is a directed line transition observed during execution. negative
// endpoints are synthetic entry/exit sentinels produced by the analysis
// layer and stored untouched.
type Arc struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// dataStore is the persistence engine for a single container: lifecycle,
// schema validation, row level reads and writes. callers serialize access.
type dataStore struct {
	filename   string
	memory     bool
	c          *conn
	fileIDs    map[string]int64
	contextIDs map[string]int64
	hasLines   bool
	hasArcs    bool
}

func newDataStore(filename string, memory bool) *dataStore {
	return &dataStore{
		filename:   filename,
		memory:     memory,
		fileIDs:    map[string]int64{},
		contextIDs: map[string]int64{},
	}
}

// connect opens the backing container lazily, materializing it on first use.
func (t *dataStore) connect() (*conn, error) {
	if t.c != nil {
		return t.c, nil
	}

	var (
		err      error
		c        *conn
		dsn      = t.filename
		existing = fsx.FileExists(t.filename)
	)

	if t.memory {
		dsn, existing = ":memory:", false
	}

	if c, err = openConn(dsn, t.filename); err != nil {
		return nil, err
	}

	if existing {
		err = t.open(c)
	} else {
		err = t.create(c)
	}

	if err != nil {
		errorsx.Log(c.close())
		return nil, err
	}

	t.c = c

	return t.c, nil
}

// create writes the schema, the self identifying application id, and the
// provenance meta rows into a fresh container.
func (t *dataStore) create(c *conn) error {
	debugx.Println("creating data file", t.filename)

	aid := appID
	if _, err := c.execute(fmt.Sprintf("pragma application_id = %d", int32(aid))); err != nil {
		return err
	}

	for _, stmt := range strings.Split(schema, ";") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}

		if _, err := c.execute(stmt); err != nil {
			return err
		}
	}

	meta := [][2]string{
		{"version", strconv.Itoa(schemaVersion)},
		{"has_lines", "false"},
		{"has_arcs", "false"},
		{"when", time.Now().UTC().Format(time.RFC3339)},
		{"argv", strings.Join(os.Args, " ")},
	}

	for _, kv := range meta {
		if _, err := c.execute("insert into meta (key, value) values (?, ?)", kv[0], kv[1]); err != nil {
			return err
		}
	}

	return nil
}

// open validates an existing container and loads its interning tables.
func (t *dataStore) open(c *conn) error {
	debugx.Println("opening data file", t.filename)

	var aid int64
	if err := c.db.QueryRow("pragma application_id").Scan(&aid); err != nil {
		return dataError(errorsx.Wrapf(err, "couldn't use data file '%s'", t.filename))
	}

	if uint32(aid) != appID {
		return dataErrorf("couldn't use data file '%s': wrong application id 0x%08x", t.filename, uint32(aid))
	}

	var version int
	switch err := c.db.QueryRow("select value from meta where key = 'version'").Scan(&version); {
	case err == sql.ErrNoRows:
		return dataErrorf("couldn't use data file '%s': missing schema version", t.filename)
	case err != nil:
		return c.wrap(err)
	}

	if version != schemaVersion {
		return dataErrorf(
			"couldn't use data file '%s': wrong schema version, expected %d, found %d",
			t.filename, schemaVersion, version,
		)
	}

	t.hasLines = t.metaBool(c, "has_lines")
	t.hasArcs = t.metaBool(c, "has_arcs")

	if err := t.loadInterned(c, "select path, id from file", t.fileIDs); err != nil {
		return err
	}

	return t.loadInterned(c, "select context, id from context", t.contextIDs)
}

func (t *dataStore) metaBool(c *conn, key string) bool {
	var raw string
	if err := c.db.QueryRow("select value from meta where key = ?", key).Scan(&raw); err != nil {
		return false
	}

	return errorsx.Zero(strconv.ParseBool(raw))
}

func (t *dataStore) loadInterned(c *conn, query string, into map[string]int64) error {
	rows, err := c.query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name string
			id   int64
		)

		if err := rows.Scan(&name, &id); err != nil {
			return c.wrap(err)
		}

		into[name] = id
	}

	return c.wrap(rows.Err())
}

// cloneIDs copies an interning cache.
func cloneIDs(ids map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(ids))
	for k, v := range ids {
		out[k] = v
	}

	return out
}

// transact runs fn under the connection's retry budget. every attempt starts
// from a pristine copy of the interning caches: ids cached by a rolled back
// attempt reference rows that no longer exist and must never survive into the
// retry.
func (t *dataStore) transact(fn func(tx *sql.Tx) error) error {
	c, err := t.connect()
	if err != nil {
		return err
	}

	files, contexts := t.fileIDs, t.contextIDs

	err = c.transact(func(tx *sql.Tx) error {
		t.fileIDs, t.contextIDs = cloneIDs(files), cloneIDs(contexts)
		return fn(tx)
	})
	if err != nil {
		t.fileIDs, t.contextIDs = files, contexts
	}

	return err
}

// chooseKind fixes the container's measurement kind the first time facts
// arrive; adding the other kind afterwards is a conflict. the container is
// opened first so an existing kind is loaded before it is checked.
func (t *dataStore) chooseKind(lines bool) error {
	c, err := t.connect()
	if err != nil {
		return err
	}

	if lines && t.hasArcs {
		return dataErrorf("can't add lines to existing arc data in '%s'", t.filename)
	}

	if !lines && t.hasLines {
		return dataErrorf("can't add arcs to existing line data in '%s'", t.filename)
	}

	if t.hasLines || t.hasArcs {
		return nil
	}

	if _, err := c.execute("update meta set value = ? where key = 'has_lines'", strconv.FormatBool(lines)); err != nil {
		return err
	}

	if _, err := c.execute("update meta set value = ? where key = 'has_arcs'", strconv.FormatBool(!lines)); err != nil {
		return err
	}

	t.hasLines, t.hasArcs = lines, !lines

	return nil
}

// fileID interns path, optionally creating the row. the caller's transaction
// provides atomicity.
func (t *dataStore) fileID(tx *sql.Tx, path string, add bool) (int64, bool, error) {
	if id, ok := t.fileIDs[path]; ok {
		return id, true, nil
	}

	if !add {
		return 0, false, nil
	}

	res, err := tx.Exec("insert into file (path) values (?)", path)
	if err != nil {
		return 0, false, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}

	t.fileIDs[path] = id

	return id, true, nil
}

func (t *dataStore) contextID(tx *sql.Tx, label string) (int64, error) {
	if id, ok := t.contextIDs[label]; ok {
		return id, nil
	}

	res, err := tx.Exec("insert into context (context) values (?)", label)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	t.contextIDs[label] = id

	return id, nil
}

func (t *dataStore) addLines(context string, data map[string][]int) error {
	if err := t.chooseKind(true); err != nil {
		return err
	}

	return t.transact(func(tx *sql.Tx) error {
		cid, err := t.contextID(tx, context)
		if err != nil {
			return err
		}

		for path, linenos := range data {
			fid, _, err := t.fileID(tx, path, true)
			if err != nil {
				return err
			}

			for _, lineno := range linenos {
				if _, err := tx.Exec("insert or ignore into line (file_id, context_id, lineno) values (?, ?, ?)", fid, cid, lineno); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

func (t *dataStore) addArcs(context string, data map[string][]Arc) error {
	if err := t.chooseKind(false); err != nil {
		return err
	}

	return t.transact(func(tx *sql.Tx) error {
		cid, err := t.contextID(tx, context)
		if err != nil {
			return err
		}

		for path, arcs := range data {
			fid, _, err := t.fileID(tx, path, true)
			if err != nil {
				return err
			}

			for _, arc := range arcs {
				if _, err := tx.Exec("insert or ignore into arc (file_id, context_id, fromno, tono) values (?, ?, ?, ?)", fid, cid, arc.From, arc.To); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

// addFile records path as measured without requiring any facts, used when
// merging containers that only touched the file.
func (t *dataStore) addFile(path string) error {
	return t.transact(func(tx *sql.Tx) error {
		_, _, err := t.fileID(tx, path, true)
		return err
	})
}

// touchFile records path as measured with an empty fact set, distinct from
// never seen at all.
func (t *dataStore) touchFile(path string) error {
	if _, err := t.connect(); err != nil {
		return err
	}

	if !t.hasLines && !t.hasArcs {
		return dataErrorf("can't touch files in an empty coverage container '%s'", t.filename)
	}

	return t.addFile(path)
}

func (t *dataStore) addFileTracers(tracers map[string]string) error {
	return t.transact(func(tx *sql.Tx) error {
		for path, tracer := range tracers {
			fid, ok := t.fileIDs[path]
			if !ok {
				return dataErrorf("can't add file tracer data for unmeasured file '%s'", path)
			}

			var existing sql.NullString
			if err := tx.QueryRow("select tracer from file where id = ?", fid).Scan(&existing); err != nil {
				return err
			}

			if existing.Valid && existing.String != tracer {
				return dataErrorf("conflicting file tracer name for '%s': '%s' vs '%s'", path, existing.String, tracer)
			}

			if _, err := tx.Exec("update file set tracer = ? where id = ?", tracer, fid); err != nil {
				return err
			}
		}

		return nil
	})
}

// setFileTracer records the tracer unconditionally; merge callers reconcile
// conflicts beforehand.
func (t *dataStore) setFileTracer(path, tracer string) error {
	c, err := t.connect()
	if err != nil {
		return err
	}

	_, err = c.execute("update file set tracer = ? where path = ?", tracer, path)
	return err
}

// purgeFiles drops every fact and interning row for the named files; unknown
// files are ignored.
func (t *dataStore) purgeFiles(paths []string) error {
	purged := make([]string, 0, len(paths))
	err := t.transact(func(tx *sql.Tx) error {
		purged = purged[:0]

		for _, path := range paths {
			fid, ok := t.fileIDs[path]
			if !ok {
				continue
			}

			for _, stmt := range []string{
				"delete from line where file_id = ?",
				"delete from arc where file_id = ?",
				"delete from file where id = ?",
			} {
				if _, err := tx.Exec(stmt, fid); err != nil {
					return err
				}
			}

			purged = append(purged, path)
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, path := range purged {
		delete(t.fileIDs, path)
	}

	return nil
}

// erase closes the handle and removes the physical container.
func (t *dataStore) erase() error {
	t.close()

	t.fileIDs = map[string]int64{}
	t.contextIDs = map[string]int64{}
	t.hasLines, t.hasArcs = false, false

	if t.memory || !fsx.FileExists(t.filename) {
		return nil
	}

	debugx.Println("erasing data file", t.filename)

	return errorsx.Wrapf(os.Remove(t.filename), "couldn't erase data file '%s'", t.filename)
}

func (t *dataStore) close() {
	if t.c == nil {
		return
	}

	errorsx.Log(t.c.close())
	t.c = nil
}

func (t *dataStore) measuredFiles() []string {
	files := make([]string, 0, len(t.fileIDs))
	for path := range t.fileIDs {
		files = append(files, path)
	}

	sort.Strings(files)

	return files
}

func (t *dataStore) contexts() []string {
	labels := make([]string, 0, len(t.contextIDs))
	for label := range t.contextIDs {
		labels = append(labels, label)
	}

	sort.Strings(labels)

	return labels
}

// contextFilter builds the sql fragment restricting facts to the given
// context rows; nil means unrestricted.
func contextFilter(ctxIDs []int64) (string, []interface{}) {
	if ctxIDs == nil {
		return "", nil
	}

	placeholders := make([]string, 0, len(ctxIDs))
	args := make([]interface{}, 0, len(ctxIDs))
	for _, id := range ctxIDs {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}

	return fmt.Sprintf(" and context_id in (%s)", strings.Join(placeholders, ",")), args
}

// lines returns the sorted executed lines for path, nil when the file was
// never measured. for arc containers lines are derived from the positive arc
// endpoints.
func (t *dataStore) lines(path string, ctxIDs []int64) ([]int, error) {
	if t.hasArcs {
		arcs, err := t.arcs(path, ctxIDs)
		if arcs == nil || err != nil {
			return nil, err
		}

		seen := map[int]struct{}{}
		for _, arc := range arcs {
			if arc.From > 0 {
				seen[arc.From] = struct{}{}
			}
			if arc.To > 0 {
				seen[arc.To] = struct{}{}
			}
		}

		lines := make([]int, 0, len(seen))
		for lineno := range seen {
			lines = append(lines, lineno)
		}
		sort.Ints(lines)

		return lines, nil
	}

	fid, ok := t.fileIDs[path]
	if !ok {
		return nil, nil
	}

	if ctxIDs != nil && len(ctxIDs) == 0 {
		return []int{}, nil
	}

	c, err := t.connect()
	if err != nil {
		return nil, err
	}

	clause, extra := contextFilter(ctxIDs)
	rows, err := c.query("select distinct lineno from line where file_id = ?"+clause+" order by lineno", append([]interface{}{fid}, extra...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]int, 0, 16)
	for rows.Next() {
		var lineno int
		if err := rows.Scan(&lineno); err != nil {
			return nil, c.wrap(err)
		}

		lines = append(lines, lineno)
	}

	return lines, c.wrap(rows.Err())
}

// arcs returns the sorted executed transitions for path, nil when the file
// was never measured.
func (t *dataStore) arcs(path string, ctxIDs []int64) ([]Arc, error) {
	fid, ok := t.fileIDs[path]
	if !ok {
		return nil, nil
	}

	if ctxIDs != nil && len(ctxIDs) == 0 {
		return []Arc{}, nil
	}

	c, err := t.connect()
	if err != nil {
		return nil, err
	}

	clause, extra := contextFilter(ctxIDs)
	rows, err := c.query("select distinct fromno, tono from arc where file_id = ?"+clause+" order by fromno, tono", append([]interface{}{fid}, extra...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	arcs := make([]Arc, 0, 16)
	for rows.Next() {
		var arc Arc
		if err := rows.Scan(&arc.From, &arc.To); err != nil {
			return nil, c.wrap(err)
		}

		arcs = append(arcs, arc)
	}

	return arcs, c.wrap(rows.Err())
}

// contextsByLineno maps each executed line of path to the sorted context
// labels it executed under.
func (t *dataStore) contextsByLineno(path string, ctxIDs []int64) (map[int][]string, error) {
	byline := map[int]map[string]struct{}{}

	record := func(lineno int, label string) {
		if lineno <= 0 {
			return
		}

		if _, ok := byline[lineno]; !ok {
			byline[lineno] = map[string]struct{}{}
		}

		byline[lineno][label] = struct{}{}
	}

	fid, ok := t.fileIDs[path]
	if !ok || (ctxIDs != nil && len(ctxIDs) == 0) {
		return map[int][]string{}, nil
	}

	c, err := t.connect()
	if err != nil {
		return nil, err
	}

	clause, extra := contextFilter(ctxIDs)

	if t.hasArcs {
		rows, err := c.query(
			"select arc.fromno, arc.tono, context.context from arc inner join context on arc.context_id = context.id where arc.file_id = ?"+clause,
			append([]interface{}{fid}, extra...)...,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				fromno, tono int
				label        string
			)

			if err := rows.Scan(&fromno, &tono, &label); err != nil {
				return nil, c.wrap(err)
			}

			record(fromno, label)
			record(tono, label)
		}

		if err := rows.Err(); err != nil {
			return nil, c.wrap(err)
		}
	} else {
		rows, err := c.query(
			"select line.lineno, context.context from line inner join context on line.context_id = context.id where line.file_id = ?"+clause,
			append([]interface{}{fid}, extra...)...,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				lineno int
				label  string
			)

			if err := rows.Scan(&lineno, &label); err != nil {
				return nil, c.wrap(err)
			}

			record(lineno, label)
		}

		if err := rows.Err(); err != nil {
			return nil, c.wrap(err)
		}
	}

	result := make(map[int][]string, len(byline))
	for lineno, labels := range byline {
		sorted := make([]string, 0, len(labels))
		for label := range labels {
			sorted = append(sorted, label)
		}
		sort.Strings(sorted)
		result[lineno] = sorted
	}

	return result, nil
}

// fileTracer returns the tracer name for path and whether the file was
// measured at all. measured files without a tracer report the empty string.
func (t *dataStore) fileTracer(path string) (string, bool, error) {
	fid, ok := t.fileIDs[path]
	if !ok {
		return "", false, nil
	}

	c, err := t.connect()
	if err != nil {
		return "", false, err
	}

	var tracer sql.NullString
	if err := c.db.QueryRow("select tracer from file where id = ?", fid).Scan(&tracer); err != nil {
		return "", false, c.wrap(err)
	}

	return tracer.String, true, nil
}

// rawTracer returns the stored tracer for a file row, nil when it was never
// associated with one.
func (t *dataStore) rawTracer(fid int64) (*string, error) {
	c, err := t.connect()
	if err != nil {
		return nil, err
	}

	var tracer sql.NullString
	if err := c.db.QueryRow("select tracer from file where id = ?", fid).Scan(&tracer); err != nil {
		return nil, c.wrap(err)
	}

	if !tracer.Valid {
		return nil, nil
	}

	return &tracer.String, nil
}

// linesPerContext returns every line fact for path grouped by context label.
func (t *dataStore) linesPerContext(path string) (map[string][]int, error) {
	fid, ok := t.fileIDs[path]
	if !ok {
		return nil, nil
	}

	c, err := t.connect()
	if err != nil {
		return nil, err
	}

	rows, err := c.query("select context.context, line.lineno from line inner join context on line.context_id = context.id where line.file_id = ? order by line.lineno", fid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grouped := map[string][]int{}
	for rows.Next() {
		var (
			label  string
			lineno int
		)

		if err := rows.Scan(&label, &lineno); err != nil {
			return nil, c.wrap(err)
		}

		grouped[label] = append(grouped[label], lineno)
	}

	return grouped, c.wrap(rows.Err())
}

// arcsPerContext returns every arc fact for path grouped by context label.
func (t *dataStore) arcsPerContext(path string) (map[string][]Arc, error) {
	fid, ok := t.fileIDs[path]
	if !ok {
		return nil, nil
	}

	c, err := t.connect()
	if err != nil {
		return nil, err
	}

	rows, err := c.query("select context.context, arc.fromno, arc.tono from arc inner join context on arc.context_id = context.id where arc.file_id = ? order by arc.fromno, arc.tono", fid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grouped := map[string][]Arc{}
	for rows.Next() {
		var (
			label string
			arc   Arc
		)

		if err := rows.Scan(&label, &arc.From, &arc.To); err != nil {
			return nil, c.wrap(err)
		}

		grouped[label] = append(grouped[label], arc)
	}

	return grouped, c.wrap(rows.Err())
}

// isEmpty reports whether the container holds any facts at all.
func (t *dataStore) isEmpty() (bool, error) {
	if !t.hasLines && !t.hasArcs {
		return true, nil
	}

	c, err := t.connect()
	if err != nil {
		return false, err
	}

	table := "line"
	if t.hasArcs {
		table = "arc"
	}

	var ignored int64
	switch err := c.db.QueryRow("select file_id from " + table + " limit 1").Scan(&ignored); {
	case err == sql.ErrNoRows:
		return true, nil
	case err != nil:
		return false, c.wrap(err)
	default:
		return false, nil
	}
}
