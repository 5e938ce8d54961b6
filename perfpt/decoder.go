// Package perfpt decodes Intel PT traces of the current process into basic
// blocks.
//
// A Decoder is created over a raw trace buffer with NewDecoder, which
// synchronizes the engine and attaches an image of every executable segment
// mapped into the process. Next then returns one logical block per call
// until the end of the trace, reported as a zero Block.
package perfpt

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"hwtracer/internal/ipt"
	"hwtracer/internal/selfimage"
)

// Options configures NewDecoder. Only Engine is required.
type Options struct {
	Engine ipt.Engine
	// VDSOPath is the name under which the vDSO copy is registered.
	// Defaults to the backing file's Name.
	VDSOPath string
	// Source enumerates the traced process. Defaults to the current
	// process through procfs.
	Source selfimage.Source
	// CPU identifies the processor that recorded the trace. Defaults to
	// ipt.HostCPU.
	CPU     func() (ipt.CPU, error)
	Logger  log.Logger
	Metrics *Metrics
}

// Block is one logical basic block. First is zero at the end of the trace.
type Block struct {
	First uint64
	Last  uint64
}

// End reports whether b is the end of trace sentinel.
func (b Block) End() bool { return b.First == 0 }

// Decoder yields the basic blocks of one trace. It owns the engine decoder
// and the image attached to it. A Decoder is not safe for concurrent use.
type Decoder struct {
	dec      ipt.BlockDecoder
	img      ipt.Image
	status   ipt.Status
	sections selfimage.Sections

	// err is set by the first failing Next and returned from then on.
	err    *Error
	closed bool

	logger  log.Logger
	metrics *Metrics
}

// NewDecoder sets up decoding of trace, which is borrowed and must not be
// modified while the Decoder is in use. The vDSO code is copied to vdso,
// which must stay open until Close since the engine reads it lazily.
//
// A trace with no synchronization point yields a Decoder whose first Next
// reports the end of the trace.
func NewDecoder(trace []byte, vdso selfimage.BackingFile, opts Options) (*Decoder, error) {
	if opts.Engine == nil {
		return nil, &Error{Kind: KindUnknown, Detail: "no decoding engine"}
	}
	if vdso == nil {
		return nil, &Error{Kind: KindUnknown, Detail: "no vdso backing file"}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.CPU == nil {
		opts.CPU = ipt.HostCPU
	}
	logger := log.With(opts.Logger, "component", "perfpt")

	cfg, err := newConfig(trace, opts.CPU)
	if err != nil {
		return nil, fail(logger, opts.Metrics, toError(err, KindUnknown))
	}

	dec, err := opts.Engine.NewBlockDecoder(cfg)
	if err != nil {
		return nil, fail(logger, opts.Metrics, allocError("allocate block decoder", err))
	}
	d := &Decoder{dec: dec, logger: logger, metrics: opts.Metrics}

	d.status, err = dec.SyncForward()
	switch {
	case ipt.IsEOS(err):
		d.status = ipt.StatusEOS
		level.Debug(logger).Log("msg", "no synchronization point in trace", "size", len(trace))
		return d, nil
	case err != nil:
		dec.Free()
		return nil, fail(logger, opts.Metrics, toError(errors.Wrap(err, "sync decoder"), KindEngine))
	}

	if err := d.attachImage(vdso, &opts); err != nil {
		d.Close()
		return nil, fail(logger, opts.Metrics, err)
	}
	level.Debug(logger).Log("msg", "decoder synchronized", "status", d.status, "cpu", cfg.CPU, "errata", cfg.Errata)
	return d, nil
}

func newConfig(trace []byte, hostCPU func() (ipt.CPU, error)) (*ipt.Config, error) {
	cpu, err := hostCPU()
	if err != nil {
		return nil, errors.Wrap(err, "identify cpu")
	}
	cfg := &ipt.Config{
		Trace: trace,
		CPU:   cpu,
		Block: ipt.BlockFlags{EndOnCall: true, EndOnJump: true},
	}
	if cpu.Vendor != ipt.VendorUnknown {
		cfg.Errata, err = ipt.ErrataFor(cpu)
		if err != nil {
			return nil, errors.Wrap(err, "determine errata")
		}
	}
	return cfg, nil
}

func (d *Decoder) attachImage(vdso selfimage.BackingFile, opts *Options) *Error {
	img, err := opts.Engine.NewImage("self")
	if err != nil {
		return allocError("allocate image", err)
	}
	d.img = img

	src := opts.Source
	if src == nil {
		self, err := selfimage.Self(opts.Logger)
		if err != nil {
			return toError(err, KindOS)
		}
		src = self
	}
	b := &selfimage.Builder{
		Source:   src,
		VDSO:     vdso,
		VDSOPath: opts.VDSOPath,
		Logger:   opts.Logger,
	}
	d.sections, err = b.Build(img)
	if err != nil {
		return toError(errors.Wrap(err, "build self image"), KindOS)
	}
	d.metrics.ImageSections.Set(float64(len(d.sections)))

	if err := d.dec.SetImage(img); err != nil {
		return toError(errors.Wrap(err, "attach image"), KindEngine)
	}
	return nil
}

// allocError reports an allocation failure, which engines signal without a
// code.
func allocError(op string, err error) *Error {
	err = errors.Wrap(err, op)
	return &Error{Kind: KindUnknown, Detail: err.Error(), cause: err}
}

func fail(logger log.Logger, m *Metrics, err *Error) *Error {
	m.Failures.WithLabelValues(err.Kind.String()).Inc()
	level.Warn(logger).Log("msg", "decoder failure", "kind", err.Kind, "code", err.Code, "err", err)
	return err
}

// Status returns the engine status after the last call.
func (d *Decoder) Status() ipt.Status { return d.status }

// Sections returns the image attached to the decoder, in registration order.
// It is empty when the trace had no synchronization point.
func (d *Decoder) Sections() selfimage.Sections { return d.sections }

// Close releases the engine decoder and then its image. It may be called on
// a nil Decoder and more than once.
func (d *Decoder) Close() error {
	if d == nil || d.closed {
		return nil
	}
	d.closed = true
	d.dec.Free()
	if d.img != nil {
		d.img.Free()
	}
	return nil
}
