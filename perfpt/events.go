package perfpt

import (
	"github.com/go-kit/log/level"

	"hwtracer/internal/ipt"
)

// drainEvents consumes pending events until the status has none left.
// Overflow fails the call at once. Status flags the engine is not known to
// report, and event types the decoder does not expect to be emitted, are
// contract violations.
func (d *Decoder) drainEvents() error {
	for {
		if !d.status.Valid() {
			return violation(int(d.status), "unknown decoder status flags %v", d.status)
		}
		if !d.status.Has(ipt.StatusEventPending) {
			return nil
		}
		ev, st, err := d.dec.Event()
		if err != nil {
			return err
		}
		d.status = st
		d.metrics.Events.WithLabelValues(ev.Type.String()).Inc()

		switch ev.Type {
		case ipt.EventEnabled, ipt.EventDisabled, ipt.EventAsyncDisabled:
		case ipt.EventExecMode, ipt.EventTSX:
		case ipt.EventExstop, ipt.EventMwait, ipt.EventPwre, ipt.EventPwrx:
		case ipt.EventCBR, ipt.EventMnt:
		case ipt.EventOverflow:
			return ipt.NewError("event", ipt.CodeOverflow)
		default:
			return violation(int(ev.Type), "unhandled event type %v", ev.Type)
		}
		level.Debug(d.logger).Log("msg", "ignoring event", "type", ev.Type, "status", d.status)
	}
}
