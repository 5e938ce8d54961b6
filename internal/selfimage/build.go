package selfimage

import (
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// BackingFile receives the vDSO bytes. *os.File satisfies it.
type BackingFile interface {
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Name() string
}

// Builder registers every loadable, executable segment of every loaded
// object with an image. A Builder holds no state between Build calls.
type Builder struct {
	Source Source
	// VDSO receives a copy of the vDSO code, which has no file on disk.
	// The engine reads it lazily, so it must stay open and unmodified for
	// as long as the image is in use.
	VDSO BackingFile
	// VDSOPath is the name registered for the vDSO sections. Defaults to
	// VDSO.Name().
	VDSOPath string
	// Executable resolves the main program's empty name. Defaults to
	// os.Executable.
	Executable func() (string, error)
	Logger     log.Logger
}

// Build registers the segments with dst and returns them in registration
// order. The first failure aborts the build.
func (b *Builder) Build(dst Registrar) (Sections, error) {
	if b.Source == nil {
		return nil, errors.New("selfimage: no object source")
	}
	if b.VDSO == nil {
		return nil, errors.New("selfimage: no vdso backing file")
	}
	objs, err := b.Source.Objects()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate loaded objects")
	}

	var secs Sections
	for i := range objs {
		if err := b.addObject(dst, &objs[i], &secs); err != nil {
			return secs, err
		}
	}

	if err := b.VDSO.Sync(); err != nil {
		return secs, errors.Wrapf(err, "sync %s", b.vdsoPath())
	}
	level.Debug(b.logger()).Log("msg", "self image built", "objects", len(objs), "sections", len(secs))
	return secs, nil
}

func (b *Builder) addObject(dst Registrar, obj *Object, secs *Sections) error {
	name := obj.Name
	if name == "" {
		exe, err := b.executable()
		if err != nil {
			return errors.Wrap(err, "resolve main executable")
		}
		name = exe
	}
	vdso := obj.IsVDSO()

	for i := range obj.Progs {
		p := &obj.Progs[i]
		if !IsExecutableLoad(p) {
			continue
		}
		vaddr := obj.Base + p.Vaddr
		path, off := name, p.Off

		if vdso {
			if err := b.dumpVDSO(vaddr, p.Filesz); err != nil {
				return err
			}
			path, off = b.vdsoPath(), 0
		}

		if err := dst.AddFile(path, off, p.Filesz, vaddr); err != nil {
			return errors.Wrapf(err, "add %s segment at 0x%x", path, vaddr)
		}
		*secs = append(*secs, Section{Path: path, Offset: off, Size: p.Filesz, Vaddr: vaddr, VDSO: vdso})
		level.Debug(b.logger()).Log("msg", "image section", "path", path, "vaddr", fmt.Sprintf("0x%x", vaddr), "size", p.Filesz, "offset", off)
	}
	return nil
}

// dumpVDSO replaces the backing file's contents with the size live bytes at
// vaddr and flushes it, so the file is complete before the engine can see it.
func (b *Builder) dumpVDSO(vaddr, size uint64) error {
	buf := make([]byte, size)
	if _, err := b.Source.ReadAt(buf, int64(vaddr)); err != nil {
		return errors.Wrapf(err, "read vdso at 0x%x", vaddr)
	}
	if _, err := b.VDSO.WriteAt(buf, 0); err != nil {
		return errors.Wrapf(err, "write %s", b.vdsoPath())
	}
	if err := b.VDSO.Truncate(int64(size)); err != nil {
		return errors.Wrapf(err, "truncate %s", b.vdsoPath())
	}
	if err := b.VDSO.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", b.vdsoPath())
	}
	return nil
}

func (b *Builder) vdsoPath() string {
	if b.VDSOPath != "" {
		return b.VDSOPath
	}
	return b.VDSO.Name()
}

func (b *Builder) executable() (string, error) {
	if b.Executable != nil {
		return b.Executable()
	}
	return os.Executable()
}

func (b *Builder) logger() log.Logger {
	if b.Logger == nil {
		return log.NewNopLogger()
	}
	return b.Logger
}
