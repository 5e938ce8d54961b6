package ipt

import (
	"errors"
	"fmt"
)

// Code is an engine error number. Values match the engine's own
// enumeration; the engine reports them negated.
type Code uint32

const (
	CodeOK              Code = 0
	CodeInternal        Code = 1
	CodeInvalid         Code = 2
	CodeNoSync          Code = 3
	CodeBadOpc          Code = 4
	CodeBadPacket       Code = 5
	CodeBadContext      Code = 6
	CodeEOS             Code = 7
	CodeBadQuery        Code = 8
	CodeNoMem           Code = 9
	CodeBadConfig       Code = 10
	CodeNoIP            Code = 11
	CodeIPSuppressed    Code = 12
	CodeNoMap           Code = 13
	CodeBadInsn         Code = 14
	CodeNoTime          Code = 15
	CodeNoCBR           Code = 16
	CodeBadImage        Code = 17
	CodeBadLock         Code = 18
	CodeNotSupported    Code = 19
	CodeRetstackEmpty   Code = 20
	CodeBadRetcomp      Code = 21
	CodeBadStatusUpdate Code = 22
	CodeNoEnable        Code = 23
	CodeEventIgnored    Code = 24
	CodeOverflow        Code = 25
	CodeBadFile         Code = 26
	CodeBadCPU          Code = 27
	codeLast            Code = 28
)

type codeDesc struct {
	name string
	msg  string
}

var codeDescs = [codeLast]codeDesc{
	CodeOK:              {"pte_ok", "No error."},
	CodeInternal:        {"pte_internal", "Internal decoder error."},
	CodeInvalid:         {"pte_invalid", "Invalid argument."},
	CodeNoSync:          {"pte_nosync", "Decoder out of sync."},
	CodeBadOpc:          {"pte_bad_opc", "Unknown opcode."},
	CodeBadPacket:       {"pte_bad_packet", "Unknown payload."},
	CodeBadContext:      {"pte_bad_context", "Unexpected packet context."},
	CodeEOS:             {"pte_eos", "Reached end of trace stream."},
	CodeBadQuery:        {"pte_bad_query", "No packet matching the query to be found."},
	CodeNoMem:           {"pte_nomem", "Decoder out of memory."},
	CodeBadConfig:       {"pte_bad_config", "Bad configuration."},
	CodeNoIP:            {"pte_noip", "There is no IP."},
	CodeIPSuppressed:    {"pte_ip_suppressed", "The IP has been suppressed."},
	CodeNoMap:           {"pte_nomap", "There is no memory mapped at the requested address."},
	CodeBadInsn:         {"pte_bad_insn", "An instruction could not be decoded."},
	CodeNoTime:          {"pte_no_time", "No wall-clock time is available."},
	CodeNoCBR:           {"pte_no_cbr", "No core:bus ratio available."},
	CodeBadImage:        {"pte_bad_image", "Bad traced image."},
	CodeBadLock:         {"pte_bad_lock", "A locking error."},
	CodeNotSupported:    {"pte_not_supported", "The requested feature is not supported."},
	CodeRetstackEmpty:   {"pte_retstack_empty", "The return address stack is empty."},
	CodeBadRetcomp:      {"pte_bad_retcomp", "A compressed return is not indicated correctly by a taken branch."},
	CodeBadStatusUpdate: {"pte_bad_status_update", "The current decoder state does not match the state in the trace."},
	CodeNoEnable:        {"pte_no_enable", "The trace did not contain an expected enabled event."},
	CodeEventIgnored:    {"pte_event_ignored", "An event was ignored."},
	CodeOverflow:        {"pte_overflow", "Something overflowed."},
	CodeBadFile:         {"pte_bad_file", "A file handling error."},
	CodeBadCPU:          {"pte_bad_cpu", "Unknown cpu."},
}

// Name returns the engine's symbolic name for c.
func (c Code) Name() string {
	if c < codeLast {
		return codeDescs[c].name
	}
	return "unknown"
}

func (c Code) String() string {
	if c < codeLast {
		return fmt.Sprintf("%s [%s]", codeDescs[c].name, codeDescs[c].msg)
	}
	return fmt.Sprintf("unknown error code %d", uint32(c))
}

// Error is returned by every failing engine call.
type Error struct {
	Code Code
	Op   string
}

func NewError(op string, code Code) *Error {
	return &Error{Code: code, Op: op}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return "ipt: " + e.Code.String()
	}
	return fmt.Sprintf("ipt: %s: %s", e.Op, e.Code)
}

// Is matches any *Error carrying the same code, so callers can test
// errors.Is(err, ErrEOS).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Op == ""
}

var (
	ErrEOS      = &Error{Code: CodeEOS}
	ErrOverflow = &Error{Code: CodeOverflow}
)

// IsEOS reports whether err signals the end of the trace stream.
func IsEOS(err error) bool { return errors.Is(err, ErrEOS) }

// CodeOf extracts the engine code from err, if it carries one.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return CodeOK, false
}
