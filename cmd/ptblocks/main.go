// Command ptblocks lists the self image of a process and decodes raw Intel PT
// traces of it into basic blocks.
//
// Decoding needs a binary built with -tags libipt.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"hwtracer/internal/libipt"
	"hwtracer/internal/selfimage"
	"hwtracer/perfpt"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	image   bool
	trace   string
	vdso    string
	verbose bool
	metrics bool
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ptblocks", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var o options
	fs.BoolVar(&o.image, "image", false, "List the executable sections of this process")
	fs.StringVar(&o.trace, "trace", "", "Decode the raw trace in `file`")
	fs.StringVar(&o.vdso, "vdso", "", "Backing `file` for the vDSO copy (temporary file by default)")
	fs.BoolVar(&o.verbose, "v", false, "Debug logging")
	fs.BoolVar(&o.metrics, "metrics", false, "Print decoder metrics after decoding")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !o.image && o.trace == "" {
		fmt.Fprintln(stderr, "ptblocks: one of -image or -trace is required")
		fs.Usage()
		return 2
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(stderr))
	if o.verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	vdso, cleanup, err := openVDSO(o.vdso)
	if err != nil {
		level.Error(logger).Log("msg", "cannot open vdso backing file", "err", err)
		return 1
	}
	defer cleanup()

	if o.image {
		if err := listImage(stdout, vdso, logger); err != nil {
			level.Error(logger).Log("msg", "listing self image failed", "err", err)
			return 1
		}
	}
	if o.trace != "" {
		reg := prometheus.NewRegistry()
		err := decode(stdout, o.trace, vdso, perfpt.NewMetrics(reg), logger)
		if o.metrics {
			if merr := writeMetrics(stdout, reg); merr != nil {
				level.Warn(logger).Log("msg", "writing metrics failed", "err", merr)
			}
		}
		if err != nil {
			level.Error(logger).Log("msg", "decoding failed", "trace", o.trace, "err", err)
			return 1
		}
	}
	return 0
}

func openVDSO(path string) (*os.File, func(), error) {
	if path != "" {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	}
	f, err := os.CreateTemp("", "ptblocks-vdso-*")
	if err != nil {
		return nil, nil, err
	}
	return f, func() {
		f.Close()
		os.Remove(f.Name())
	}, nil
}

func listImage(w io.Writer, vdso *os.File, logger log.Logger) error {
	src, err := selfimage.Self(logger)
	if err != nil {
		return err
	}
	b := &selfimage.Builder{Source: src, VDSO: vdso, Logger: logger}
	secs, err := b.Build(selfimage.Discard)
	if err != nil {
		return err
	}
	for _, s := range secs {
		fmt.Fprintln(w, s)
	}
	return nil
}

func decode(w io.Writer, path string, vdso *os.File, m *perfpt.Metrics, logger log.Logger) error {
	eng, err := libipt.NewEngine()
	if err != nil {
		return err
	}
	trace, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read trace")
	}

	d, err := perfpt.NewDecoder(trace, vdso, perfpt.Options{
		Engine:  eng,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	n := 0
	for blk, err := range d.Blocks() {
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "0x%x 0x%x\n", blk.First, blk.Last)
		n++
	}
	level.Info(logger).Log("msg", "trace decoded", "blocks", n, "sections", len(d.Sections()))
	return nil
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
