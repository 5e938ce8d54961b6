// Package ipttest provides a scripted decoding engine for tests.
package ipttest

import (
	"fmt"
	"os"

	"hwtracer/internal/ipt"
)

// Step is one entry of a scripted trace. Exactly one of Event, Block or Err
// is expected to be set.
type Step struct {
	Event *ipt.Event
	Block *ipt.Block
	// Err fails the call that consumes this step.
	Err ipt.Code
	// Status is ORed into the status reported by the call that consumes
	// this step.
	Status ipt.Status
}

// Ev scripts a pending event.
func Ev(typ ipt.EventType) Step {
	return Step{Event: &ipt.Event{Type: typ}}
}

// Blk scripts a block fragment of n instructions.
func Blk(ip, endIP uint64, n uint32, class ipt.InsnClass) Step {
	return Step{Block: &ipt.Block{IP: ip, EndIP: endIP, NInsn: n, Class: class}}
}

// Fail scripts a failing engine call.
func Fail(code ipt.Code) Step {
	return Step{Err: code}
}

// Engine is an ipt.Engine replaying Steps. Every decoder it allocates
// replays the same script from the start.
type Engine struct {
	Steps []Step

	// SyncErr fails SyncForward. An empty trace or an empty script always
	// synchronizes to the end of the stream.
	SyncErr ipt.Code
	// SyncStatus is ORed into the status reported by SyncForward.
	SyncStatus ipt.Status

	AllocErr    error
	NewImageErr error
	SetImageErr ipt.Code
	// AddFileErr fails Image.AddFile once AddFileAfter sections were added.
	AddFileErr   ipt.Code
	AddFileAfter int

	Config   *ipt.Config
	Decoders []*Decoder
	Images   []*Image
}

func (e *Engine) NewBlockDecoder(cfg *ipt.Config) (ipt.BlockDecoder, error) {
	if e.AllocErr != nil {
		return nil, e.AllocErr
	}
	e.Config = cfg
	d := &Decoder{eng: e, steps: e.Steps, empty: len(cfg.Trace) == 0}
	e.Decoders = append(e.Decoders, d)
	return d, nil
}

func (e *Engine) NewImage(name string) (ipt.Image, error) {
	if e.NewImageErr != nil {
		return nil, e.NewImageErr
	}
	img := &Image{Name: name, eng: e}
	e.Images = append(e.Images, img)
	return img, nil
}

// Decoder replays a script.
type Decoder struct {
	eng   *Engine
	steps []Step
	pos   int
	empty bool

	Image      *Image
	Freed      int
	NextCalls  int
	EventCalls int
	// UsedAfterFree is set when any method but Free runs on a freed decoder.
	UsedAfterFree bool
}

func (d *Decoder) status(extra ipt.Status) ipt.Status {
	st := extra
	if d.pos < len(d.steps) && d.steps[d.pos].Event != nil {
		st |= ipt.StatusEventPending
	}
	return st
}

func (d *Decoder) checkLive() {
	if d.Freed > 0 {
		d.UsedAfterFree = true
	}
}

func (d *Decoder) SyncForward() (ipt.Status, error) {
	d.checkLive()
	if d.eng.SyncErr != ipt.CodeOK {
		return 0, ipt.NewError("sync_forward", d.eng.SyncErr)
	}
	if d.empty || len(d.steps) == 0 {
		return 0, ipt.NewError("sync_forward", ipt.CodeEOS)
	}
	return d.status(d.eng.SyncStatus), nil
}

func (d *Decoder) Event() (ipt.Event, ipt.Status, error) {
	d.checkLive()
	d.EventCalls++
	if d.pos >= len(d.steps) {
		return ipt.Event{}, 0, ipt.NewError("event", ipt.CodeBadQuery)
	}
	s := d.steps[d.pos]
	if s.Err != ipt.CodeOK {
		d.pos++
		return ipt.Event{}, 0, ipt.NewError("event", s.Err)
	}
	if s.Event == nil {
		return ipt.Event{}, 0, ipt.NewError("event", ipt.CodeBadQuery)
	}
	d.pos++
	return *s.Event, d.status(s.Status), nil
}

func (d *Decoder) Next() (ipt.Block, ipt.Status, error) {
	d.checkLive()
	d.NextCalls++
	if d.pos >= len(d.steps) {
		return ipt.Block{}, 0, ipt.NewError("blk_next", ipt.CodeEOS)
	}
	s := d.steps[d.pos]
	if s.Err != ipt.CodeOK {
		d.pos++
		return ipt.Block{}, 0, ipt.NewError("blk_next", s.Err)
	}
	if s.Block == nil {
		return ipt.Block{}, 0, ipt.NewError("blk_next", ipt.CodeBadQuery)
	}
	d.pos++
	return *s.Block, d.status(s.Status), nil
}

func (d *Decoder) SetImage(img ipt.Image) error {
	d.checkLive()
	if d.eng.SetImageErr != ipt.CodeOK {
		return ipt.NewError("set_image", d.eng.SetImageErr)
	}
	fake, ok := img.(*Image)
	if !ok {
		return ipt.NewError("set_image", ipt.CodeInvalid)
	}
	d.Image = fake
	return nil
}

func (d *Decoder) Free() { d.Freed++ }

// Remaining reports how many script steps were not consumed.
func (d *Decoder) Remaining() int { return len(d.steps) - d.pos }

// Section is one AddFile call recorded by Image.
type Section struct {
	Path   string
	Offset uint64
	Size   uint64
	Vaddr  uint64
}

// Image records sections and can read them back from their files.
type Image struct {
	Name     string
	Sections []Section
	Freed    int

	eng *Engine
}

func (i *Image) AddFile(path string, offset, size, vaddr uint64) error {
	if i.eng.AddFileErr != ipt.CodeOK && len(i.Sections) >= i.eng.AddFileAfter {
		return ipt.NewError("image_add_file", i.eng.AddFileErr)
	}
	if size == 0 {
		return ipt.NewError("image_add_file", ipt.CodeInvalid)
	}
	i.Sections = append(i.Sections, Section{Path: path, Offset: offset, Size: size, Vaddr: vaddr})
	return nil
}

func (i *Image) Free() { i.Freed++ }

// Lookup returns the section mapping vaddr.
func (i *Image) Lookup(vaddr uint64) (Section, bool) {
	for _, s := range i.Sections {
		if vaddr >= s.Vaddr && vaddr-s.Vaddr < s.Size {
			return s, true
		}
	}
	return Section{}, false
}

// ReadAt reads len(p) bytes at vaddr from the file backing its section,
// the way the engine does when it needs instruction bytes.
func (i *Image) ReadAt(p []byte, vaddr uint64) (int, error) {
	s, ok := i.Lookup(vaddr)
	if !ok {
		return 0, ipt.NewError("image_read", ipt.CodeNoMap)
	}
	avail := s.Size - (vaddr - s.Vaddr)
	if uint64(len(p)) > avail {
		p = p[:avail]
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return 0, fmt.Errorf("open section file: %w", err)
	}
	defer f.Close()
	return f.ReadAt(p, int64(s.Offset+(vaddr-s.Vaddr)))
}
