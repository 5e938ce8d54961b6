// Package selfimage builds the decoder's memory image from the objects
// loaded into the current process.
package selfimage

import (
	"debug/elf"
	"fmt"
	"io"
)

// VDSOName is the name the dynamic loader reports for the kernel-provided
// virtual shared object.
const VDSOName = "linux-vdso.so.1"

// Object is one loaded executable object, as reported by the dynamic loader.
type Object struct {
	// Name is the path of the backing file. The main executable is
	// reported with an empty name and the vDSO as VDSOName.
	Name string
	// Base is the load bias added to every segment's virtual address.
	Base  uint64
	Progs []elf.ProgHeader
}

// IsVDSO reports whether o is the kernel-provided pseudo-library.
func (o *Object) IsVDSO() bool { return o.Name == VDSOName }

// Source enumerates the objects loaded in a process. Objects returns a fresh
// snapshot on every call. ReadAt reads live memory, with off interpreted as
// a virtual address.
type Source interface {
	Objects() ([]Object, error)
	io.ReaderAt
}

// IsExecutableLoad reports whether p is a loadable, executable segment.
func IsExecutableLoad(p *elf.ProgHeader) bool {
	return p.Type == elf.PT_LOAD && p.Flags&elf.PF_X != 0
}

// Registrar receives image sections. ipt.Image satisfies it.
type Registrar interface {
	AddFile(path string, offset, size, vaddr uint64) error
}

// Section is one registered image entry.
type Section struct {
	Path   string
	Offset uint64
	Size   uint64
	Vaddr  uint64
	VDSO   bool
}

func (s Section) String() string {
	return fmt.Sprintf("0x%x-0x%x %s@0x%x", s.Vaddr, s.Vaddr+s.Size, s.Path, s.Offset)
}

// Sections is an ordered image manifest.
type Sections []Section

// Discard accepts every section. Building into it yields the manifest
// without an engine.
var Discard Registrar = discard{}

type discard struct{}

func (discard) AddFile(string, uint64, uint64, uint64) error { return nil }

// Lookup returns the section containing vaddr.
func (s Sections) Lookup(vaddr uint64) (Section, bool) {
	for _, sec := range s {
		if vaddr >= sec.Vaddr && vaddr-sec.Vaddr < sec.Size {
			return sec, true
		}
	}
	return Section{}, false
}
