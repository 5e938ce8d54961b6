package ipt

import (
	"errors"
	"fmt"
	"testing"

	"github.com/klauspost/cpuid/v2"
)

func TestStatusString(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusClean, "clean"},
		{StatusEventPending, "event-pending"},
		{StatusIPSuppressed | StatusEOS, "ip-suppressed|eos"},
		{StatusEventPending | 0x40, "event-pending|0x40"},
	}

	for _, tc := range tests {
		if got := tc.status.String(); got != tc.expected {
			t.Errorf("Status(%d).String() = %q, want %q", tc.status, got, tc.expected)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	s := StatusEventPending | StatusIPSuppressed
	if !s.Has(StatusEventPending) || !s.Has(StatusIPSuppressed) {
		t.Errorf("%v should have both flags", s)
	}
	if s.Has(StatusEOS) {
		t.Errorf("%v should not have eos", s)
	}
	if s.Has(StatusClean) {
		t.Errorf("Has(StatusClean) must be false")
	}
	if !s.Valid() {
		t.Errorf("%v should be valid", s)
	}
	if Status(0x80 | 1).Valid() {
		t.Errorf("unknown flag reported valid")
	}
}

func TestCodeStrings(t *testing.T) {
	tests := []struct {
		code     Code
		name     string
		expected string
	}{
		{CodeEOS, "pte_eos", "pte_eos [Reached end of trace stream.]"},
		{CodeOverflow, "pte_overflow", "pte_overflow [Something overflowed.]"},
		{Code(999), "unknown", "unknown error code 999"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.code.Name(); got != tc.name {
				t.Errorf("Name() = %q, want %q", got, tc.name)
			}
			if got := tc.code.String(); got != tc.expected {
				t.Errorf("String() = %q, want %q", got, tc.expected)
			}
		})
	}
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("decode: %w", NewError("blk_next", CodeEOS))
	if !IsEOS(err) {
		t.Fatalf("IsEOS(%v) = false", err)
	}
	if errors.Is(err, ErrOverflow) {
		t.Errorf("eos matched overflow")
	}
	code, ok := CodeOf(err)
	if !ok || code != CodeEOS {
		t.Errorf("CodeOf = %v, %v", code, ok)
	}
	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Errorf("CodeOf matched a plain error")
	}
	if got, want := NewError("blk_next", CodeNoMap).Error(), "ipt: blk_next: pte_nomap [There is no memory mapped at the requested address.]"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestEventAndInsnNames(t *testing.T) {
	if got := EventOverflow.String(); got != "overflow" {
		t.Errorf("EventOverflow = %q", got)
	}
	if got := EventType(500).String(); got != "event(500)" {
		t.Errorf("unknown event = %q", got)
	}
	if got := InsnCondJump.String(); got != "cond-jump" {
		t.Errorf("InsnCondJump = %q", got)
	}
	if got := InsnClass(77).String(); got != "iclass(77)" {
		t.Errorf("unknown class = %q", got)
	}
}

func TestErrataFor(t *testing.T) {
	tests := []struct {
		name     string
		cpu      CPU
		expected Errata
		wantErr  bool
	}{
		{"Broadwell", CPU{Vendor: VendorIntel, Family: 6, Model: 0x3d}, Errata{BDM70: true, BDM64: true}, false},
		{"Skylake", CPU{Vendor: VendorIntel, Family: 6, Model: 0x5e},
			Errata{BDM70: true, SKD007: true, SKD022: true, SKD010: true, SKL014: true, SKL168: true}, false},
		{"Skylake server", CPU{Vendor: VendorIntel, Family: 6, Model: 0x55}, Errata{BDM70: true, SKL014: true, SKD022: true}, false},
		{"Apollo Lake", CPU{Vendor: VendorIntel, Family: 6, Model: 0x5c}, Errata{APL12: true, APL11: true}, false},
		{"Gemini Lake", CPU{Vendor: VendorIntel, Family: 6, Model: 0x7a}, Errata{APL11: true}, false},
		{"Unlisted model", CPU{Vendor: VendorIntel, Family: 6, Model: 0x01}, Errata{}, false},
		{"Other family", CPU{Vendor: VendorIntel, Family: 0xf, Model: 0x3d}, Errata{}, false},
		{"Unknown vendor", CPU{Family: 6, Model: 0x3d}, Errata{}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ErrataFor(tc.cpu)
			if tc.wantErr {
				if code, _ := CodeOf(err); code != CodeBadCPU {
					t.Fatalf("expected pte_bad_cpu, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.expected {
				t.Errorf("ErrataFor(%v) = %v, want %v", tc.cpu, got, tc.expected)
			}
		})
	}
}

func TestCPUFromInfo(t *testing.T) {
	info := cpuid.CPUInfo{VendorID: cpuid.Intel, Family: 6, Model: 0x8e, Stepping: 10}
	got, err := cpuFromInfo(&info)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := CPU{Vendor: VendorIntel, Family: 6, Model: 0x8e, Stepping: 10}
	if got != want {
		t.Errorf("cpuFromInfo = %v, want %v", got, want)
	}

	info = cpuid.CPUInfo{VendorID: cpuid.AMD, Family: 0x19, Model: 1}
	got, err = cpuFromInfo(&info)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Vendor != VendorUnknown {
		t.Errorf("AMD should map to an unknown vendor, got %v", got.Vendor)
	}
}
