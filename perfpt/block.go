package perfpt

import (
	"iter"

	"github.com/pkg/errors"

	"hwtracer/internal/ipt"
)

// Next returns the next logical block, or a zero Block at the end of the
// trace. Once Next fails the Decoder is spent and every later call returns
// the same error.
func (d *Decoder) Next() (Block, error) {
	if d.closed {
		return Block{}, errClosed
	}
	if d.err != nil {
		return Block{}, d.err
	}
	blk, err := d.next()
	if err != nil {
		d.err = fail(d.logger, d.metrics, toError(err, KindEngine))
		return Block{}, d.err
	}
	if !blk.End() {
		d.metrics.Blocks.Inc()
	}
	return blk, nil
}

// Blocks iterates over the remaining blocks. Iteration stops at the end of
// the trace or after yielding the first error.
func (d *Decoder) Blocks() iter.Seq2[Block, error] {
	return func(yield func(Block, error) bool) {
		for {
			blk, err := d.Next()
			if err != nil {
				yield(Block{}, err)
				return
			}
			if blk.End() || !yield(blk, nil) {
				return
			}
		}
	}
}

// next stitches engine fragments into one logical block. Fragments that
// stop at an instruction which does not transfer control were interrupted
// and continue into the following fragment.
func (d *Decoder) next() (Block, error) {
	var blk Block
	for first := true; ; first = false {
		if err := d.drainEvents(); err != nil {
			return Block{}, err
		}
		// Past the drain the status is clean or ip-suppressed unless the
		// stream ended.
		if d.status.Has(ipt.StatusEOS) {
			return Block{}, nil
		}

		frag, st, err := d.dec.Next()
		if ipt.IsEOS(err) {
			d.status = ipt.StatusEOS
			return Block{}, nil
		}
		if err != nil {
			return Block{}, errors.Wrap(err, "next block")
		}
		d.status = st
		d.metrics.Fragments.Inc()

		if frag.Truncated {
			return Block{}, violation(0, "truncated block at 0x%x", frag.IP)
		}
		if frag.NInsn == 0 {
			return Block{}, violation(0, "block with no instructions at 0x%x", frag.IP)
		}
		done, ok := terminates(frag.Class)
		if !ok {
			return Block{}, violation(int(frag.Class), "unexpected instruction class %v", frag.Class)
		}
		if first {
			blk.First = frag.IP
		}
		if done {
			blk.Last = frag.EndIP
			return blk, nil
		}
	}
}

// terminates reports whether a fragment ending in class ends a logical
// block. ok is false for classes the engine is not documented to produce.
func terminates(class ipt.InsnClass) (done, ok bool) {
	switch class {
	case ipt.InsnCall, ipt.InsnReturn, ipt.InsnJump, ipt.InsnCondJump,
		ipt.InsnFarCall, ipt.InsnFarReturn, ipt.InsnFarJump, ipt.InsnIndirect:
		return true, true
	case ipt.InsnOther, ipt.InsnPtwrite:
		return false, true
	}
	return false, false
}
