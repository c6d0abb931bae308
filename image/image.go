package image

import (
	"os"
	"sync"

	"intelpt/pt"
)

// ReadMemoryFunc is the fallback read callback for addresses that are not
// found in any file section.
//
// It reads up to len(buffer) bytes from address space asid starting at ip
// and returns the number of bytes read.
type ReadMemoryFunc func(buffer []byte, asid ASID, ip uint64) (int, error)

// NewCR3Func is called when a decoder sees a new unknown CR3 value. It is
// useful for loading binaries lazily, only when they are encountered in the
// trace; the callback may add new sections to the image.
type NewCR3Func func(img *Image, cr3, ip uint64) error

// section is a contiguous chunk of a file loaded at a virtual address in a
// particular address space.
type section struct {
	filename string
	offset   uint64
	data     []byte
	asid     ASID
	vaddr    uint64
}

func (s *section) end() uint64 {
	return s.vaddr + uint64(len(s.data))
}

func (s *section) overlaps(o *section) bool {
	if !s.asid.Matches(o.asid) {
		return false
	}
	return s.vaddr < o.end() && o.vaddr < s.end()
}

// Image is the traced memory image. It provides the instruction-flow decoder
// with the code bytes of the traced program.
//
// An image may be shared across decoders; it serializes access internally.
type Image struct {
	name string

	mu       sync.Mutex
	sections []*section
	readMem  ReadMemoryFunc
	newCR3   NewCR3Func
}

// NewImage allocates a traced memory image with an optional name.
func NewImage(name string) *Image {
	return &Image{name: name}
}

// Name returns the image name.
func (i *Image) Name() string {
	return i.name
}

// AddFile adds size bytes starting at offset in filename as a new section.
// The section is loaded at the virtual address vaddr in the address space
// asid and is silently truncated to match the size of the file.
//
// Adding a section that overlaps an existing section in the same address
// space fails with pt.ErrBadImage.
func (i *Image) AddFile(filename string, offset, size uint64, asid ASID, vaddr uint64) error {
	if filename == "" {
		return pt.ErrInvalid
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return pt.ErrInvalid
	}
	if offset > uint64(len(data)) {
		return pt.ErrInvalid
	}

	data = data[offset:]
	if size < uint64(len(data)) {
		data = data[:size]
	}

	sec := &section{
		filename: filename,
		offset:   offset,
		data:     data,
		asid:     asid,
		vaddr:    vaddr,
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	for _, existing := range i.sections {
		if sec.overlaps(existing) {
			return pt.ErrBadImage
		}
	}

	i.sections = append(i.sections, sec)
	return nil
}

// AddBuffer adds an in-memory section at the virtual address vaddr in the
// address space asid. The name takes the place of a filename for removal.
//
// Adding a section that overlaps an existing section in the same address
// space fails with pt.ErrBadImage.
func (i *Image) AddBuffer(name string, data []byte, asid ASID, vaddr uint64) error {
	if name == "" || len(data) == 0 {
		return pt.ErrInvalid
	}

	sec := &section{
		filename: name,
		data:     data,
		asid:     asid,
		vaddr:    vaddr,
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	for _, existing := range i.sections {
		if sec.overlaps(existing) {
			return pt.ErrBadImage
		}
	}

	i.sections = append(i.sections, sec)
	return nil
}

// RemoveByFilename removes all sections loaded from filename into the
// address space asid and returns the number of sections removed.
func (i *Image) RemoveByFilename(filename string, asid ASID) (int, error) {
	if filename == "" {
		return 0, pt.ErrInvalid
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	return i.removeIf(func(s *section) bool {
		return s.filename == filename && s.asid.Matches(asid)
	}), nil
}

// RemoveByASID removes all sections loaded into the address space asid and
// returns the number of sections removed.
func (i *Image) RemoveByASID(asid ASID) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.removeIf(func(s *section) bool {
		return s.asid.Matches(asid)
	}), nil
}

func (i *Image) removeIf(match func(*section) bool) int {
	kept := i.sections[:0]
	removed := 0
	for _, s := range i.sections {
		if match(s) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	i.sections = kept
	return removed
}

// Copy adds all sections from src. Sections that would overlap with existing
// sections are ignored; their count is returned.
func (i *Image) Copy(src *Image) (int, error) {
	if src == nil {
		return 0, pt.ErrInvalid
	}
	if src == i {
		return 0, nil
	}

	src.mu.Lock()
	sections := make([]*section, len(src.sections))
	copy(sections, src.sections)
	src.mu.Unlock()

	i.mu.Lock()
	defer i.mu.Unlock()

	ignored := 0
next:
	for _, sec := range sections {
		for _, existing := range i.sections {
			if sec.overlaps(existing) {
				ignored++
				continue next
			}
		}
		i.sections = append(i.sections, sec)
	}

	return ignored, nil
}

// SetCallback installs the fallback callback for reading memory that is not
// covered by any section. A nil callback removes the previous one.
func (i *Image) SetCallback(cb ReadMemoryFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.readMem = cb
}

// SetNewCR3Callback installs the callback for handling unknown CR3 values.
// A nil callback removes the previous one.
func (i *Image) SetNewCR3Callback(cb NewCR3Func) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.newCR3 = cb
}

// CallNewCR3 invokes the new-CR3 callback, if any. It fails with pt.ErrNoMap
// if no callback is installed.
func (i *Image) CallNewCR3(cr3, ip uint64) error {
	i.mu.Lock()
	cb := i.newCR3
	i.mu.Unlock()

	if cb == nil {
		return pt.ErrNoMap
	}
	return cb(i, cr3, ip)
}

// Read reads up to len(buffer) bytes from address space asid starting at the
// virtual address ip. Reads crossing a section end are truncated at the
// section end.
//
// It fails with pt.ErrNoMap if no section covers ip and the fallback
// callback, if any, cannot provide the memory either.
func (i *Image) Read(buffer []byte, asid ASID, ip uint64) (int, error) {
	if len(buffer) == 0 {
		return 0, pt.ErrInvalid
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	for _, s := range i.sections {
		if !s.asid.Matches(asid) {
			continue
		}
		if ip < s.vaddr || ip >= s.end() {
			continue
		}

		n := copy(buffer, s.data[ip-s.vaddr:])
		return n, nil
	}

	if i.readMem != nil {
		return i.readMem(buffer, asid, ip)
	}

	return 0, pt.ErrNoMap
}
