package selfimage_test

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwtracer/internal/ipt"
	"hwtracer/internal/ipt/ipttest"
	"hwtracer/internal/selfimage"
)

type fakeSource struct {
	objs    []selfimage.Object
	err     error
	mem     map[uint64][]byte
	readErr error
}

func (s *fakeSource) Objects() ([]selfimage.Object, error) { return s.objs, s.err }

func (s *fakeSource) ReadAt(p []byte, off int64) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	b, ok := s.mem[uint64(off)]
	if !ok || len(b) < len(p) {
		return 0, errors.New("unmapped")
	}
	return copy(p, b), nil
}

// recordingFile logs writes, truncations and syncs in call order.
type recordingFile struct {
	*os.File
	ops         []string
	syncErr     error
	truncateErr error
}

func (f *recordingFile) WriteAt(p []byte, off int64) (int, error) {
	f.ops = append(f.ops, "write")
	return f.File.WriteAt(p, off)
}

func (f *recordingFile) Truncate(size int64) error {
	f.ops = append(f.ops, "truncate")
	if f.truncateErr != nil {
		return f.truncateErr
	}
	return f.File.Truncate(size)
}

func (f *recordingFile) Sync() error {
	f.ops = append(f.ops, "sync")
	if f.syncErr != nil {
		return f.syncErr
	}
	return f.File.Sync()
}

func newBacking(t *testing.T) *recordingFile {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "vdso.so"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return &recordingFile{File: f}
}

func newImage(t *testing.T, eng *ipttest.Engine) *ipttest.Image {
	t.Helper()
	img, err := eng.NewImage("self")
	require.NoError(t, err)
	return img.(*ipttest.Image)
}

func load(vaddr, off, size uint64, flags elf.ProgFlag) elf.ProgHeader {
	return elf.ProgHeader{Type: elf.PT_LOAD, Flags: flags, Vaddr: vaddr, Off: off, Filesz: size, Memsz: size}
}

var vdsoCode = []byte{0x55, 0x48, 0x89, 0xe5, 0x0f, 0x05, 0x5d, 0xc3}

func testSource() *fakeSource {
	return &fakeSource{
		objs: []selfimage.Object{
			{
				Name: "",
				Base: 0x400000,
				Progs: []elf.ProgHeader{
					load(0, 0, 0x800, elf.PF_R),
					load(0x1000, 0x1000, 0x2345, elf.PF_R|elf.PF_X),
					load(0x4000, 0x4000, 0x100, elf.PF_R|elf.PF_W),
				},
			},
			{
				Name: "/usr/lib/libc.so.6",
				Base: 0x7f0000000000,
				Progs: []elf.ProgHeader{
					{Type: elf.PT_DYNAMIC, Flags: elf.PF_R | elf.PF_X, Vaddr: 0x10, Filesz: 0x10},
					load(0x28000, 0x28000, 0x17000, elf.PF_R|elf.PF_X),
				},
			},
			{
				Name:  selfimage.VDSOName,
				Base:  0x7fff00000000,
				Progs: []elf.ProgHeader{load(0x700, 0x700, uint64(len(vdsoCode)), elf.PF_R|elf.PF_X)},
			},
		},
		mem: map[uint64][]byte{0x7fff00000700: vdsoCode},
	}
}

func TestBuildRegistersExecutableSegments(t *testing.T) {
	vdso := newBacking(t)
	img := newImage(t, &ipttest.Engine{})
	b := &selfimage.Builder{
		Source:     testSource(),
		VDSO:       vdso,
		Executable: func() (string, error) { return "/opt/app/bin/app", nil },
	}

	secs, err := b.Build(img)
	require.NoError(t, err)

	want := selfimage.Sections{
		{Path: "/opt/app/bin/app", Offset: 0x1000, Size: 0x2345, Vaddr: 0x401000},
		{Path: "/usr/lib/libc.so.6", Offset: 0x28000, Size: 0x17000, Vaddr: 0x7f0000028000},
		{Path: vdso.Name(), Offset: 0, Size: uint64(len(vdsoCode)), Vaddr: 0x7fff00000700, VDSO: true},
	}
	if diff := cmp.Diff(want, secs); diff != "" {
		t.Errorf("sections mismatch (-want +got):\n%s", diff)
	}

	var registered []ipttest.Section
	for _, s := range want {
		registered = append(registered, ipttest.Section{Path: s.Path, Offset: s.Offset, Size: s.Size, Vaddr: s.Vaddr})
	}
	if diff := cmp.Diff(registered, img.Sections); diff != "" {
		t.Errorf("registered sections mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDumpsVDSO(t *testing.T) {
	vdso := newBacking(t)
	img := newImage(t, &ipttest.Engine{})
	b := &selfimage.Builder{
		Source:     testSource(),
		VDSO:       vdso,
		Executable: func() (string, error) { return "/opt/app/bin/app", nil },
	}

	_, err := b.Build(img)
	require.NoError(t, err)

	assert.Equal(t, []string{"write", "truncate", "sync", "sync"}, vdso.ops, "vdso must be flushed before registration and after the build")

	got, err := os.ReadFile(vdso.Name())
	require.NoError(t, err)
	assert.Equal(t, vdsoCode, got)

	buf := make([]byte, 4)
	n, err := img.ReadAt(buf, 0x7fff00000704)
	require.NoError(t, err)
	assert.Equal(t, vdsoCode[4:8], buf[:n])
}

func TestBuildReplacesStaleVDSOCopy(t *testing.T) {
	vdso := newBacking(t)
	stale := make([]byte, 4096)
	for i := range stale {
		stale[i] = 0xcc
	}
	_, err := vdso.File.WriteAt(stale, 0)
	require.NoError(t, err)

	b := &selfimage.Builder{
		Source:     testSource(),
		VDSO:       vdso,
		Executable: func() (string, error) { return "/opt/app/bin/app", nil },
	}
	_, err = b.Build(selfimage.Discard)
	require.NoError(t, err)

	got, err := os.ReadFile(vdso.Name())
	require.NoError(t, err)
	assert.Equal(t, vdsoCode, got, "a reused backing file holds exactly the live bytes")
}

func TestBuildVDSOPathOverride(t *testing.T) {
	vdso := newBacking(t)
	b := &selfimage.Builder{
		Source:     testSource(),
		VDSO:       vdso,
		VDSOPath:   "/run/ptblocks/vdso",
		Executable: func() (string, error) { return "/opt/app/bin/app", nil },
	}

	secs, err := b.Build(selfimage.Discard)
	require.NoError(t, err)

	sec, ok := secs.Lookup(0x7fff00000702)
	require.True(t, ok)
	assert.Equal(t, "/run/ptblocks/vdso", sec.Path)
	assert.True(t, sec.VDSO)

	_, ok = secs.Lookup(0x400000)
	assert.False(t, ok, "non-executable segment must not be registered")
}

func TestBuildErrors(t *testing.T) {
	noExe := errors.New("no exe")

	tests := []struct {
		name        string
		source      *fakeSource
		eng         *ipttest.Engine
		exe         func() (string, error)
		syncErr     error
		truncateErr error
		added       int
		engine      bool
	}{
		{
			name:   "enumeration",
			source: &fakeSource{err: errors.New("maps gone")},
			eng:    &ipttest.Engine{},
		},
		{
			name:   "main executable",
			source: testSource(),
			eng:    &ipttest.Engine{},
			exe:    func() (string, error) { return "", noExe },
		},
		{
			name:   "add file",
			source: testSource(),
			eng:    &ipttest.Engine{AddFileErr: ipt.CodeBadImage, AddFileAfter: 1},
			added:  1,
			engine: true,
		},
		{
			name: "vdso read",
			source: func() *fakeSource {
				s := testSource()
				s.readErr = errors.New("EFAULT")
				return s
			}(),
			eng:   &ipttest.Engine{},
			added: 2,
		},
		{
			name:        "vdso truncate",
			source:      testSource(),
			eng:         &ipttest.Engine{},
			truncateErr: errors.New("EROFS"),
			added:       2,
		},
		{
			name:    "vdso sync",
			source:  testSource(),
			eng:     &ipttest.Engine{},
			syncErr: errors.New("EIO"),
			added:   2,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			vdso := newBacking(t)
			vdso.syncErr = tc.syncErr
			vdso.truncateErr = tc.truncateErr
			exe := tc.exe
			if exe == nil {
				exe = func() (string, error) { return "/opt/app/bin/app", nil }
			}
			img := newImage(t, tc.eng)
			b := &selfimage.Builder{Source: tc.source, VDSO: vdso, Executable: exe}

			secs, err := b.Build(img)
			require.Error(t, err)
			assert.Len(t, secs, tc.added)
			assert.Len(t, img.Sections, tc.added)
			if tc.engine {
				code, ok := ipt.CodeOf(err)
				assert.True(t, ok)
				assert.Equal(t, ipt.CodeBadImage, code)
			}
			if tc.exe != nil {
				assert.ErrorIs(t, err, noExe)
			}
		})
	}
}

func TestBuildRequiresSourceAndBacking(t *testing.T) {
	_, err := (&selfimage.Builder{VDSO: &recordingFile{}}).Build(selfimage.Discard)
	assert.Error(t, err)
	_, err = (&selfimage.Builder{Source: &fakeSource{}}).Build(selfimage.Discard)
	assert.Error(t, err)
}

func TestSectionString(t *testing.T) {
	s := selfimage.Section{Path: "/lib/x.so", Offset: 0x1000, Size: 0x20, Vaddr: 0x7000}
	assert.Equal(t, "0x7000-0x7020 /lib/x.so@0x1000", s.String())
}
