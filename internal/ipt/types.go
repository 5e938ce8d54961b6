package ipt

import (
	"fmt"
	"strings"
)

// Decoder Status

// Status is the non-negative status the engine reports after every decoder call.
type Status uint32

const (
	StatusClean        Status = 0
	StatusEventPending Status = 1 << 0
	StatusIPSuppressed Status = 1 << 1
	StatusEOS          Status = 1 << 2

	statusValidMask = StatusEventPending | StatusIPSuppressed | StatusEOS
)

// Has reports whether every flag in f is set in s.
func (s Status) Has(f Status) bool { return s&f == f && f != 0 }

// Valid reports whether s only carries known flags.
func (s Status) Valid() bool { return s&^statusValidMask == 0 }

func (s Status) String() string {
	if s == StatusClean {
		return "clean"
	}
	var parts []string
	if s&StatusEventPending != 0 {
		parts = append(parts, "event-pending")
	}
	if s&StatusIPSuppressed != 0 {
		parts = append(parts, "ip-suppressed")
	}
	if s&StatusEOS != 0 {
		parts = append(parts, "eos")
	}
	if rest := s &^ statusValidMask; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Events

// EventType identifies an event the engine queued while decoding.
type EventType uint32

const (
	EventEnabled       EventType = 0
	EventDisabled      EventType = 1
	EventAsyncDisabled EventType = 2
	EventAsyncBranch   EventType = 3
	EventPaging        EventType = 4
	EventAsyncPaging   EventType = 5
	EventOverflow      EventType = 6
	EventExecMode      EventType = 7
	EventTSX           EventType = 8
	EventStop          EventType = 9
	EventVMCS          EventType = 10
	EventAsyncVMCS     EventType = 11
	EventExstop        EventType = 12
	EventMwait         EventType = 13
	EventPwre          EventType = 14
	EventPwrx          EventType = 15
	EventPtwrite       EventType = 16
	EventTick          EventType = 17
	EventCBR           EventType = 18
	EventMnt           EventType = 19
	EventUnknown       EventType = 0xFFFF
)

var eventNames = map[EventType]string{
	EventEnabled:       "enabled",
	EventDisabled:      "disabled",
	EventAsyncDisabled: "async-disabled",
	EventAsyncBranch:   "async-branch",
	EventPaging:        "paging",
	EventAsyncPaging:   "async-paging",
	EventOverflow:      "overflow",
	EventExecMode:      "exec-mode",
	EventTSX:           "tsx",
	EventStop:          "stop",
	EventVMCS:          "vmcs",
	EventAsyncVMCS:     "async-vmcs",
	EventExstop:        "exstop",
	EventMwait:         "mwait",
	EventPwre:          "pwre",
	EventPwrx:          "pwrx",
	EventPtwrite:       "ptwrite",
	EventTick:          "tick",
	EventCBR:           "cbr",
	EventMnt:           "mnt",
}

func (e EventType) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", uint32(e))
}

// Event is a single entry of the engine's pending-event queue.
type Event struct {
	Type         EventType
	IP           uint64
	IPSuppressed bool
}

// Instruction Classes

// InsnClass is the class of the last instruction of a block fragment.
type InsnClass uint32

const (
	InsnUnknown   InsnClass = 0
	InsnOther     InsnClass = 1
	InsnCall      InsnClass = 2
	InsnReturn    InsnClass = 3
	InsnJump      InsnClass = 4
	InsnCondJump  InsnClass = 5
	InsnFarCall   InsnClass = 6
	InsnFarReturn InsnClass = 7
	InsnFarJump   InsnClass = 8
	InsnPtwrite   InsnClass = 9
	InsnIndirect  InsnClass = 10
)

var insnNames = []string{
	InsnUnknown:   "unknown",
	InsnOther:     "other",
	InsnCall:      "call",
	InsnReturn:    "return",
	InsnJump:      "jump",
	InsnCondJump:  "cond-jump",
	InsnFarCall:   "far-call",
	InsnFarReturn: "far-return",
	InsnFarJump:   "far-jump",
	InsnPtwrite:   "ptwrite",
	InsnIndirect:  "indirect",
}

func (c InsnClass) String() string {
	if int(c) < len(insnNames) {
		return insnNames[c]
	}
	return fmt.Sprintf("iclass(%d)", uint32(c))
}

// Block is one fragment returned by the engine's block decoder. Several
// fragments may make up a single basic block when decoding was interrupted.
type Block struct {
	IP        uint64 // first instruction
	EndIP     uint64 // last instruction
	NInsn     uint32
	Class     InsnClass // class of the instruction at EndIP
	Truncated bool      // the last instruction straddles an image section boundary
}

// Decoder Configuration

// BlockFlags selects where the block decoder splits blocks in addition to
// the control transfers it always stops at.
type BlockFlags struct {
	EndOnCall bool
	EndOnJump bool
}

// Config configures a block decoder over a borrowed trace buffer.
type Config struct {
	Trace  []byte // not copied; must outlive the decoder
	CPU    CPU
	Errata Errata
	Block  BlockFlags
}
