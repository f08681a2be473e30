package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/davecgh/go-spew/spew"
	"github.com/egdaemon/covdata"
	"github.com/egdaemon/covdata/internal/errorsx"
	"github.com/egdaemon/covdata/internal/fsx"
	"github.com/egdaemon/covdata/internal/lcov"
	"github.com/egdaemon/covdata/internal/stringsx"
)

type dataFileOpt struct {
	DataFile string `name:"data-file" help:"base name of the coverage data file, defaults to COVDATA_FILE or .coverage"`
}

func (t dataFileOpt) open() *covdata.CoverageData {
	opts := []covdata.Option{}
	if stringsx.Present(t.DataFile) {
		opts = append(opts, covdata.Basename(t.DataFile))
	}

	return covdata.New(opts...)
}

type combineCmd struct {
	dataFileOpt
	Keep   bool     `help:"keep original data files after combining"`
	Strict bool     `help:"fail when no data files are found"`
	Paths  []string `arg:"" optional:"" help:"data files or directories to combine"`
}

func (t combineCmd) Run() (err error) {
	dst := t.open()
	defer func() { errorsx.Log(dst.Close()) }()

	if err = covdata.Combine(dst, t.Paths, covdata.CombineKeep(t.Keep), covdata.CombineStrict(t.Strict)); err != nil {
		return err
	}

	return dst.Write()
}

type eraseCmd struct {
	dataFileOpt
	Parallel bool `help:"also erase parallel data files created from the basename"`
}

func (t eraseCmd) Run() error {
	return t.open().Erase(t.Parallel)
}

type importCmd struct {
	dataFileOpt
	Context string   `help:"context label to record the imported facts under"`
	Paths   []string `arg:"" help:"lcov traces or directories to import"`
}

func (t importCmd) Run() (err error) {
	ctx := context.Background()

	data := t.open()
	defer func() { errorsx.Log(data.Close()) }()

	data.SetContext(t.Context)

	for _, path := range t.Paths {
		var seq func(func(lcov.Record, error) bool)

		switch {
		case fsx.DirExists(path):
			seq = lcov.Walk(ctx, path)
		default:
			src, err := os.Open(path)
			if err != nil {
				return errorsx.Wrapf(err, "unable to open %s", path)
			}
			defer src.Close()

			seq = lcov.Parse(ctx, src)
		}

		for rec, cause := range seq {
			if cause != nil {
				return cause
			}

			if err := data.AddLines(map[string][]int{rec.Path: rec.Lines}); err != nil {
				return err
			}
		}
	}

	return data.Write()
}

type debugCmd struct {
	dataFileOpt
	Contexts bool `help:"include per line context labels"`
}

func (t debugCmd) Run() (err error) {
	data := t.open()
	defer func() { errorsx.Log(data.Close()) }()

	if err = data.Read(); err != nil {
		return err
	}

	if err = data.EnsureData(); err != nil {
		return err
	}

	counts, err := data.LineCounts(true)
	if err != nil {
		return err
	}

	spew.Dump(struct {
		Filename string
		HasArcs  bool
		Contexts []string
		Lines    map[string]int
	}{
		Filename: data.Filename(),
		HasArcs:  data.HasArcs(),
		Contexts: data.Contexts(),
		Lines:    counts,
	})

	if !t.Contexts {
		return nil
	}

	for _, path := range data.MeasuredFiles() {
		byline, err := data.ContextsByLineno(path)
		if err != nil {
			return err
		}

		fmt.Println(path)
		spew.Dump(byline)
	}

	return nil
}

func main() {
	var shellcli struct {
		Combine combineCmd `cmd:"" help:"merge parallel coverage data files into one container"`
		Erase   eraseCmd   `cmd:"" help:"erase collected coverage data"`
		Import  importCmd  `cmd:"" help:"import lcov traces into a coverage data file"`
		Debug   debugCmd   `cmd:"" help:"dump the contents of a coverage data file"`
	}

	ctx := kong.Parse(
		&shellcli,
		kong.Name("covdata"),
		kong.Description("coverage measurement data tooling"),
	)

	if err := ctx.Run(); err != nil {
		errorsx.Log(err)
		os.Exit(1)
	}
}
