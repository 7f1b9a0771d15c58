package qcf

import (
	"bufio"
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
)

var (
	errWriterClosed = errors.New("qcf: writer already finalised")
	errSectionOpen  = errors.New("qcf: section write in progress")
	errDuplicate    = errors.New("qcf: duplicate section type")
	errSectionEnded = errors.New("qcf: section writer ended")
)

var zeros [64]byte

// Writer appends sections to a QCF file. The header is reserved on creation
// and written by Finalise once the directory is known.
type Writer struct {
	mu sync.Mutex

	f   *os.File
	buf *bufio.Writer
	// pos is the file offset of the next buffered byte.
	pos int64

	dir    []Section
	flags  uint64
	stream *SectionWriter
	done   bool
}

// SectionWriter streams one section payload. Only one section can be open
// at a time and it must be ended before the writer continues.
type SectionWriter struct {
	w     *Writer
	sec   Section
	ended bool
}

// NewWriter truncates f and reserves the header.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("qcf: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	w := &Writer{f: f, buf: bufio.NewWriterSize(f, 1<<16)}
	if err := w.pad(headerSize); err != nil {
		return nil, err
	}
	if err := w.alignTo(align); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) write(p []byte) error {
	n, err := w.buf.Write(p)
	w.pos += int64(n)
	return err
}

func (w *Writer) pad(n int64) error {
	for n > 0 {
		k := min(n, int64(len(zeros)))
		if err := w.write(zeros[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

func (w *Writer) alignTo(n int64) error {
	if n <= 1 || w.pos%n == 0 {
		return nil
	}
	return w.pad(n - w.pos%n)
}

// reserve checks that typ can start now and aligns the file for it.
func (w *Writer) reserve(typ SectionType) error {
	switch {
	case w.done:
		return errWriterClosed
	case w.stream != nil:
		return errSectionOpen
	case slices.ContainsFunc(w.dir, func(s Section) bool { return SectionType(s.Type) == typ }):
		return fmt.Errorf("%w: %s", errDuplicate, typ)
	}
	return w.alignTo(align)
}

// WriteSection appends a complete section payload.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.reserve(typ); err != nil {
		return err
	}
	sec := Section{Type: uint32(typ), Version: version, Offset: uint64(w.pos), Size: uint64(len(data))}
	if err := w.write(data); err != nil {
		return err
	}
	w.dir = append(w.dir, sec)
	return nil
}

// AddFlags ORs flags into the header flags.
func (w *Writer) AddFlags(flags uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return errWriterClosed
	}
	w.flags |= flags
	return nil
}

// BeginSection opens a section whose payload is streamed through the
// returned writer. The section type counts as written from this point on.
func (w *Writer) BeginSection(typ SectionType, version uint32) (*SectionWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.reserve(typ); err != nil {
		return nil, err
	}
	sw := &SectionWriter{w: w, sec: Section{Type: uint32(typ), Version: version, Offset: uint64(w.pos)}}
	w.stream = sw
	w.dir = append(w.dir, sw.sec)
	return sw, nil
}

func (sw *SectionWriter) lock() error {
	sw.w.mu.Lock()
	if sw.ended || sw.w.stream != sw {
		sw.w.mu.Unlock()
		return errSectionEnded
	}
	return nil
}

// CurrentAbsOffset is the absolute file offset of the next payload byte.
func (sw *SectionWriter) CurrentAbsOffset() (uint64, error) {
	if err := sw.lock(); err != nil {
		return 0, err
	}
	defer sw.w.mu.Unlock()
	return uint64(sw.w.pos), nil
}

// Align pads the payload with zeros up to an n-byte file offset. Padding
// counts towards the section size.
func (sw *SectionWriter) Align(n int) error {
	if err := sw.lock(); err != nil {
		return err
	}
	defer sw.w.mu.Unlock()
	return sw.w.alignTo(int64(n))
}

func (sw *SectionWriter) Write(p []byte) (int, error) {
	if err := sw.lock(); err != nil {
		return 0, err
	}
	defer sw.w.mu.Unlock()
	if err := sw.w.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// End closes the section and records its size.
func (sw *SectionWriter) End() error {
	if err := sw.lock(); err != nil {
		return err
	}
	defer sw.w.mu.Unlock()

	w := sw.w
	sw.sec.Size = uint64(w.pos) - sw.sec.Offset
	for i := range w.dir {
		if w.dir[i].Type == sw.sec.Type {
			w.dir[i] = sw.sec
		}
	}
	w.stream = nil
	sw.ended = true
	return nil
}

// Close ends the section.
func (sw *SectionWriter) Close() error { return sw.End() }

// Finalise appends the section directory, writes the header and syncs the
// file. The writer is unusable afterwards.
func (w *Writer) Finalise() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return errWriterClosed
	}
	if w.stream != nil {
		return errSectionOpen
	}
	w.done = true

	slices.SortFunc(w.dir, func(a, b Section) int { return cmp.Compare(a.Type, b.Type) })
	if err := w.alignTo(align); err != nil {
		return err
	}
	dirOffset := w.pos
	var raw [sectionSize]byte
	for _, s := range w.dir {
		encodeSection(raw[:], s)
		if err := w.write(raw[:]); err != nil {
			return err
		}
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}

	h := Header{
		Major:            CurrentMajor,
		Minor:            CurrentMinor,
		HeaderSize:       headerSize,
		SectionCount:     uint32(len(w.dir)),
		SectionDirOffset: uint64(dirOffset),
		FileSize:         uint64(w.pos),
		Flags:            w.flags,
	}
	copy(h.Magic[:], MagicQCF)
	var hdr [headerSize]byte
	encodeHeader(hdr[:], h)
	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	return w.f.Sync()
}
