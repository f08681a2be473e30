package covdata

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"

	"github.com/egdaemon/covdata/internal/errorsx"
)

// blobHeader self identifies serialized containers; the trailing version
// octet changes whenever the payload layout does.
var blobHeader = []byte("!covdata v2\n")

// blobPreview bounds how much of an unrecognized blob is echoed back in the
// resulting diagnostic.
const blobPreview = 40

type blobPayload struct {
	HasLines bool                `json:"has_lines"`
	HasArcs  bool                `json:"has_arcs"`
	Files    map[string]blobFile `json:"files"`
}

type blobFile struct {
	Tracer *string          `json:"tracer,omitempty"`
	Lines  map[string][]int `json:"lines,omitempty"`
	Arcs   map[string][]Arc `json:"arcs,omitempty"`
}

// Dumps serializes the full contents of the container into a
// self-identifying byte sequence usable over any transport.
func (t *CoverageData) Dumps() ([]byte, error) {
	t.m.Lock()
	defer t.m.Unlock()

	payload := blobPayload{
		HasLines: t.store.hasLines,
		HasArcs:  t.store.hasArcs,
		Files:    map[string]blobFile{},
	}

	for _, path := range t.store.measuredFiles() {
		bf := blobFile{}

		fid := t.store.fileIDs[path]
		tracer, err := t.store.rawTracer(fid)
		if err != nil {
			return nil, err
		}
		bf.Tracer = tracer

		if t.store.hasLines {
			if bf.Lines, err = t.store.linesPerContext(path); err != nil {
				return nil, err
			}
		}

		if t.store.hasArcs {
			if bf.Arcs, err = t.store.arcsPerContext(path); err != nil {
				return nil, err
			}
		}

		payload.Files[path] = bf
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, errorsx.Wrap(err, "couldn't serialize coverage data")
	}

	buf := bytes.NewBuffer(append([]byte(nil), blobHeader...))
	zw := gzip.NewWriter(buf)
	if _, err := zw.Write(encoded); err != nil {
		return nil, errorsx.Wrap(err, "couldn't serialize coverage data")
	}
	if err := zw.Close(); err != nil {
		return nil, errorsx.Wrap(err, "couldn't serialize coverage data")
	}

	return buf.Bytes(), nil
}

// Loads replaces the contents of the container with a previously dumped
// blob. malformed input fails cleanly without corrupting existing state.
func (t *CoverageData) Loads(blob []byte) error {
	if !bytes.HasPrefix(blob, blobHeader) {
		preview := blob
		if len(preview) > blobPreview {
			preview = preview[:blobPreview]
		}

		return dataErrorf("unrecognized serialization: %q (head of %d bytes)", preview, len(blob))
	}

	zr, err := gzip.NewReader(bytes.NewReader(blob[len(blobHeader):]))
	if err != nil {
		return dataError(errorsx.Wrap(err, "couldn't decode serialized coverage data"))
	}

	decoded, err := io.ReadAll(zr)
	if err = errorsx.Compact(err, zr.Close()); err != nil {
		return dataError(errorsx.Wrap(err, "couldn't decode serialized coverage data"))
	}

	var payload blobPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return dataError(errorsx.Wrap(err, "couldn't decode serialized coverage data"))
	}

	t.m.Lock()
	defer t.m.Unlock()

	if err := t.store.erase(); err != nil {
		return err
	}
	t.haveRead = true

	if payload.HasLines {
		if err := t.store.chooseKind(true); err != nil {
			return err
		}
	}

	if payload.HasArcs {
		if err := t.store.chooseKind(false); err != nil {
			return err
		}
	}

	for path, bf := range payload.Files {
		if err := t.store.addFile(path); err != nil {
			return err
		}

		for label, lines := range bf.Lines {
			if err := t.store.addLines(label, map[string][]int{path: lines}); err != nil {
				return err
			}
		}

		for label, arcs := range bf.Arcs {
			if err := t.store.addArcs(label, map[string][]Arc{path: arcs}); err != nil {
				return err
			}
		}

		if bf.Tracer != nil {
			if err := t.store.setFileTracer(path, *bf.Tracer); err != nil {
				return err
			}
		}
	}

	return nil
}
