//go:build linux

package selfimage

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

const (
	vdsoMapName   = "[vdso]"
	deletedSuffix = " (deleted)"
)

var _ Source = (*ProcSource)(nil)

// ProcSource enumerates the objects of the current process from
// /proc/self/maps and reads live memory through /proc/self/mem.
type ProcSource struct {
	fs       procfs.FS
	mem      string
	mapFiles string
	logger   log.Logger
}

// Self returns a Source over the current process using the default /proc
// mount point.
func Self(logger log.Logger) (*ProcSource, error) {
	return NewProcSource(procfs.DefaultMountPoint, logger)
}

func NewProcSource(mountPoint string, logger log.Logger) (*ProcSource, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, errors.Wrapf(err, "open procfs at %s", mountPoint)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ProcSource{
		fs:       fs,
		mem:      filepath.Join(mountPoint, "self", "mem"),
		mapFiles: filepath.Join(mountPoint, "self", "map_files"),
		logger:   logger,
	}, nil
}

type mappedFile struct {
	path    string
	maps    []*procfs.ProcMap
	exec    bool
	deleted bool
}

func executable(m *procfs.ProcMap) bool { return m.Perms != nil && m.Perms.Execute }

// Objects returns every object with at least one executable mapping. The
// main executable comes first and is reported with an empty name. Files
// deleted since they were mapped, including a main executable rebuilt in
// place, are named by their /proc/self/map_files entry, which still opens
// the mapped file.
func (s *ProcSource) Objects() ([]Object, error) {
	proc, err := s.fs.Self()
	if err != nil {
		return nil, errors.Wrap(err, "open /proc/self")
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, errors.Wrap(err, "read /proc/self/maps")
	}
	exe, err := proc.Executable()
	if err != nil {
		level.Debug(s.logger).Log("msg", "main executable unknown", "err", err)
	}

	var files []*mappedFile
	byPath := map[string]*mappedFile{}
	for _, m := range maps {
		path := m.Pathname
		switch {
		case path == "":
			continue
		case path == vdsoMapName:
		case strings.HasPrefix(path, "["):
			continue
		}
		f, ok := byPath[path]
		if !ok {
			f = &mappedFile{path: path, deleted: strings.HasSuffix(path, deletedSuffix)}
			byPath[path] = f
			files = append(files, f)
		}
		f.maps = append(f.maps, m)
		if executable(m) {
			f.exec = true
		}
	}

	var objs []Object
	for _, f := range files {
		if !f.exec {
			continue
		}
		isMain := exe != "" && f.path == exe
		obj, ok, err := s.object(f, isMain)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if isMain {
			objs = append([]Object{obj}, objs...)
		} else {
			objs = append(objs, obj)
		}
	}
	return objs, nil
}

func (s *ProcSource) object(f *mappedFile, isMain bool) (Object, bool, error) {
	var (
		obj   Object
		progs []elf.ProgHeader
		err   error
	)
	switch {
	case f.path == vdsoMapName:
		obj.Name = VDSOName
		progs, err = s.vdsoProgs(f.maps[0])
	case f.deleted:
		obj.Name = s.mapFile(f)
		progs, err = fileProgs(obj.Name)
		if err != nil {
			level.Warn(s.logger).Log("msg", "code of deleted file left out of the image", "path", f.path, "via", obj.Name, "err", err)
			return Object{}, false, nil
		}
		level.Warn(s.logger).Log("msg", "mapped file was deleted", "path", f.path, "via", obj.Name)
	default:
		if !isMain {
			obj.Name = f.path
		}
		progs, err = fileProgs(f.path)
	}
	if err != nil {
		var ferr *elf.FormatError
		if errors.As(err, &ferr) {
			level.Debug(s.logger).Log("msg", "skipping non-elf mapping", "path", f.path, "err", err)
			return Object{}, false, nil
		}
		return Object{}, false, err
	}

	base, ok := loadBias(f.maps, progs)
	if !ok {
		level.Warn(s.logger).Log("msg", "no executable mapping covers an executable segment", "path", f.path)
		return Object{}, false, nil
	}
	obj.Base = base
	obj.Progs = progs
	return obj, true, nil
}

// ReadAt reads live memory of the current process at virtual address off.
func (s *ProcSource) ReadAt(p []byte, off int64) (int, error) {
	mem, err := os.Open(s.mem)
	if err != nil {
		return 0, err
	}
	defer mem.Close()
	return mem.ReadAt(p, off)
}

// mapFile names the map_files entry of the file's first executable mapping.
func (s *ProcSource) mapFile(f *mappedFile) string {
	m := f.maps[0]
	for _, fm := range f.maps {
		if executable(fm) {
			m = fm
			break
		}
	}
	return filepath.Join(s.mapFiles, fmt.Sprintf("%x-%x", uint64(m.StartAddr), uint64(m.EndAddr)))
}

func (s *ProcSource) vdsoProgs(m *procfs.ProcMap) ([]elf.ProgHeader, error) {
	buf := make([]byte, m.EndAddr-m.StartAddr)
	if _, err := s.ReadAt(buf, int64(m.StartAddr)); err != nil {
		return nil, errors.Wrap(err, "read vdso")
	}
	ef, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, errors.Wrap(err, "parse vdso")
	}
	return progHeaders(ef), nil
}

func fileProgs(path string) ([]elf.ProgHeader, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer ef.Close()
	return progHeaders(ef), nil
}

func progHeaders(ef *elf.File) []elf.ProgHeader {
	progs := make([]elf.ProgHeader, 0, len(ef.Progs))
	for _, p := range ef.Progs {
		progs = append(progs, p.ProgHeader)
	}
	return progs
}

// loadBias derives the bias between link-time and run-time addresses from an
// executable mapping that covers the file offset of an executable loadable
// segment. Other mappings of the same file, such as a read-only alias
// mapped by a symbolizer, say nothing about where the loader placed it.
func loadBias(maps []*procfs.ProcMap, progs []elf.ProgHeader) (uint64, bool) {
	for i := range progs {
		p := &progs[i]
		if !IsExecutableLoad(p) {
			continue
		}
		for _, m := range maps {
			if !executable(m) {
				continue
			}
			off := uint64(m.Offset)
			size := uint64(m.EndAddr - m.StartAddr)
			if p.Off >= off && p.Off-off < size {
				return uint64(m.StartAddr) + (p.Off - off) - p.Vaddr, true
			}
		}
	}
	return 0, false
}
