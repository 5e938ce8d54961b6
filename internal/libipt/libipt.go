//go:build libipt && linux && amd64

package libipt

/*
#cgo LDFLAGS: -lipt
#include <stdlib.h>
#include <stdint.h>
#include <intel-pt.h>

enum {
	hw_errata_bdm70  = 1 << 0,
	hw_errata_bdm64  = 1 << 1,
	hw_errata_skd007 = 1 << 2,
	hw_errata_skd022 = 1 << 3,
	hw_errata_skd010 = 1 << 4,
	hw_errata_skl014 = 1 << 5,
	hw_errata_apl12  = 1 << 6,
	hw_errata_apl11  = 1 << 7,
	hw_errata_skl168 = 1 << 8,
};

static void hw_config(struct pt_config *c, uint8_t *begin, size_t len,
		int intel, uint16_t family, uint8_t model, uint8_t stepping,
		uint32_t errata, int end_on_call, int end_on_jump) {
	pt_config_init(c);
	c->begin = begin;
	c->end = begin + len;
	c->cpu.vendor = intel ? pcv_intel : pcv_unknown;
	c->cpu.family = family;
	c->cpu.model = model;
	c->cpu.stepping = stepping;
	c->errata.bdm70 = !!(errata & hw_errata_bdm70);
	c->errata.bdm64 = !!(errata & hw_errata_bdm64);
	c->errata.skd007 = !!(errata & hw_errata_skd007);
	c->errata.skd022 = !!(errata & hw_errata_skd022);
	c->errata.skd010 = !!(errata & hw_errata_skd010);
	c->errata.skl014 = !!(errata & hw_errata_skl014);
	c->errata.apl12 = !!(errata & hw_errata_apl12);
	c->errata.apl11 = !!(errata & hw_errata_apl11);
	c->errata.skl168 = !!(errata & hw_errata_skl168);
	c->flags.variant.block.end_on_call = end_on_call ? 1 : 0;
	c->flags.variant.block.end_on_jump = end_on_jump ? 1 : 0;
}

static uint32_t hw_block_class(const struct pt_block *b) {
	switch (b->iclass) {
	case ptic_other:       return 1;
	case ptic_call:        return 2;
	case ptic_return:      return 3;
	case ptic_jump:        return 4;
	case ptic_cond_jump:   return 5;
	case ptic_far_call:    return 6;
	case ptic_far_return:  return 7;
	case ptic_far_jump:    return 8;
	case ptic_ptwrite:     return 9;
	case ptic_indirect:    return 10;
	default:               return 0;
	}
}

static int hw_block_truncated(const struct pt_block *b) { return b->truncated; }

static uint32_t hw_event_type(const struct pt_event *ev) {
	switch (ev->type) {
	case ptev_enabled:        return 0;
	case ptev_disabled:       return 1;
	case ptev_async_disabled: return 2;
	case ptev_async_branch:   return 3;
	case ptev_paging:         return 4;
	case ptev_async_paging:   return 5;
	case ptev_overflow:       return 6;
	case ptev_exec_mode:      return 7;
	case ptev_tsx:            return 8;
	case ptev_stop:           return 9;
	case ptev_vmcs:           return 10;
	case ptev_async_vmcs:     return 11;
	case ptev_exstop:         return 12;
	case ptev_mwait:          return 13;
	case ptev_pwre:           return 14;
	case ptev_pwrx:           return 15;
	case ptev_ptwrite:        return 16;
	case ptev_tick:           return 17;
	case ptev_cbr:            return 18;
	case ptev_mnt:            return 19;
	default:                  return 0xffff;
	}
}

static uint64_t hw_event_ip(const struct pt_event *ev) {
	switch (ev->type) {
	case ptev_enabled:  return ev->variant.enabled.ip;
	case ptev_disabled: return ev->variant.disabled.ip;
	case ptev_overflow: return ev->variant.overflow.ip;
	default:            return 0;
	}
}

static int hw_event_ip_suppressed(const struct pt_event *ev) { return ev->ip_suppressed; }
*/
import "C"

import (
	"errors"
	"runtime"
	"unsafe"

	"hwtracer/internal/ipt"
)

// Available reports whether the binary was built with the libipt engine.
const Available = true

// Engine is the libipt decoding engine.
type Engine struct{}

var _ ipt.Engine = Engine{}

// NewEngine returns the libipt engine.
func NewEngine() (ipt.Engine, error) { return Engine{}, nil }

var (
	errAllocDecoder = errors.New("libipt: cannot allocate block decoder")
	errAllocImage   = errors.New("libipt: cannot allocate image")
)

// status passes every flag through, known or not, so callers can reject
// flags a newer libipt introduced. The ipt flag values match pts_*.
func status(rv C.int) ipt.Status { return ipt.Status(uint32(rv)) }

func check(op string, rv C.int) error {
	if rv < 0 {
		return ipt.NewError(op, ipt.Code(-rv))
	}
	return nil
}

func errataMask(e ipt.Errata) C.uint32_t {
	var m C.uint32_t
	set := func(on bool, bit C.uint32_t) {
		if on {
			m |= bit
		}
	}
	set(e.BDM70, C.hw_errata_bdm70)
	set(e.BDM64, C.hw_errata_bdm64)
	set(e.SKD007, C.hw_errata_skd007)
	set(e.SKD022, C.hw_errata_skd022)
	set(e.SKD010, C.hw_errata_skd010)
	set(e.SKL014, C.hw_errata_skl014)
	set(e.APL12, C.hw_errata_apl12)
	set(e.APL11, C.hw_errata_apl11)
	set(e.SKL168, C.hw_errata_skl168)
	return m
}

func cbool(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

func (Engine) NewBlockDecoder(cfg *ipt.Config) (ipt.BlockDecoder, error) {
	buf := cfg.Trace
	if len(buf) == 0 {
		// libipt rejects a nil buffer, an empty one just ends at once.
		buf = make([]byte, 1)[:0]
	}
	begin := unsafe.SliceData(buf)

	d := &decoder{}
	d.pin.Pin(begin)

	var c C.struct_pt_config
	C.hw_config(&c, (*C.uint8_t)(unsafe.Pointer(begin)), C.size_t(len(buf)),
		cbool(cfg.CPU.Vendor == ipt.VendorIntel), C.uint16_t(cfg.CPU.Family),
		C.uint8_t(cfg.CPU.Model), C.uint8_t(cfg.CPU.Stepping),
		errataMask(cfg.Errata), cbool(cfg.Block.EndOnCall), cbool(cfg.Block.EndOnJump))

	d.blk = C.pt_blk_alloc_decoder(&c)
	if d.blk == nil {
		d.pin.Unpin()
		return nil, errAllocDecoder
	}
	return d, nil
}

func (Engine) NewImage(name string) (ipt.Image, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	img := C.pt_image_alloc(cname)
	if img == nil {
		return nil, errAllocImage
	}
	return &image{img: img}, nil
}

// decoder keeps the trace pinned while libipt holds pointers into it.
type decoder struct {
	blk *C.struct_pt_block_decoder
	pin runtime.Pinner
}

func (d *decoder) SyncForward() (ipt.Status, error) {
	rv := C.pt_blk_sync_forward(d.blk)
	if err := check("sync_forward", rv); err != nil {
		return 0, err
	}
	return status(rv), nil
}

func (d *decoder) Event() (ipt.Event, ipt.Status, error) {
	var ev C.struct_pt_event
	rv := C.pt_blk_event(d.blk, &ev, C.sizeof_struct_pt_event)
	if err := check("event", rv); err != nil {
		return ipt.Event{}, 0, err
	}
	return ipt.Event{
		Type:         ipt.EventType(C.hw_event_type(&ev)),
		IP:           uint64(C.hw_event_ip(&ev)),
		IPSuppressed: C.hw_event_ip_suppressed(&ev) != 0,
	}, status(rv), nil
}

func (d *decoder) Next() (ipt.Block, ipt.Status, error) {
	var b C.struct_pt_block
	rv := C.pt_blk_next(d.blk, &b, C.sizeof_struct_pt_block)
	if err := check("blk_next", rv); err != nil {
		return ipt.Block{}, 0, err
	}
	return ipt.Block{
		IP:        uint64(b.ip),
		EndIP:     uint64(b.end_ip),
		NInsn:     uint32(b.ninsn),
		Class:     ipt.InsnClass(C.hw_block_class(&b)),
		Truncated: C.hw_block_truncated(&b) != 0,
	}, status(rv), nil
}

func (d *decoder) SetImage(img ipt.Image) error {
	i, ok := img.(*image)
	if !ok || i.img == nil {
		return ipt.NewError("set_image", ipt.CodeInvalid)
	}
	return check("set_image", C.pt_blk_set_image(d.blk, i.img))
}

func (d *decoder) Free() {
	if d.blk == nil {
		return
	}
	C.pt_blk_free_decoder(d.blk)
	d.blk = nil
	d.pin.Unpin()
}

type image struct {
	img *C.struct_pt_image
}

func (i *image) AddFile(path string, offset, size, vaddr uint64) error {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	rv := C.pt_image_add_file(i.img, cpath, C.uint64_t(offset), C.uint64_t(size), nil, C.uint64_t(vaddr))
	return check("image_add_file", rv)
}

func (i *image) Free() {
	if i.img == nil {
		return
	}
	C.pt_image_free(i.img)
	i.img = nil
}
