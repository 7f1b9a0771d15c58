package qcf

import (
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// File is an opened QCF container. Data is either a read-only mapping of the
// file or a heap copy; slices handed out by File are only valid until Close.
type File struct {
	Data     []byte
	Header   *Header
	Sections []Section
	mmapped  bool
}

// Open maps path read-only and validates the header and section directory.
// When the mapping fails the file is read into memory instead.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < headerSize || size > math.MaxInt {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptFile, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return OpenReaderAt(f, size)
	}
	qf, err := parseFileData(data, true)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	return qf, nil
}

// OpenReaderAt copies size bytes from r and validates them.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < 0 || size > math.MaxInt {
		return nil, ErrCorruptFile
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(r, 0, size), data); err != nil {
		return nil, fmt.Errorf("qcf: read: %w", err)
	}
	return parseFileData(data, false)
}

func parseFileData(data []byte, mmapped bool) (*File, error) {
	hdr, ok := decodeHeader(data)
	switch {
	case !ok:
		return nil, ErrCorruptFile
	case !hdr.Valid():
		return nil, ErrInvalidMagic
	case !hdr.Compatible():
		return nil, fmt.Errorf("%w: %d.%d", ErrUnsupportedMajor, hdr.Major, hdr.Minor)
	case hdr.FileSize != uint64(len(data)):
		return nil, fmt.Errorf("%w: header says %d bytes, file has %d", ErrCorruptFile, hdr.FileSize, len(data))
	}

	sections, err := readDirectory(data, &hdr)
	if err != nil {
		return nil, err
	}
	return &File{Data: data, Header: &hdr, Sections: sections, mmapped: mmapped}, nil
}

// readDirectory decodes the section directory and checks that every section
// lies between the header and the end of the file, is aligned and does not
// overlap the directory itself.
func readDirectory(data []byte, hdr *Header) ([]Section, error) {
	size := uint64(len(data))
	dirLen, ok := mulUint64(uint64(hdr.SectionCount), sectionSize)
	if !ok {
		return nil, ErrCorruptFile
	}
	dirStart := hdr.SectionDirOffset
	dirEnd, ok := addUint64(dirStart, dirLen)
	if !ok || dirStart < uint64(hdr.HeaderSize) || dirEnd > size {
		return nil, fmt.Errorf("%w: section directory out of bounds", ErrCorruptFile)
	}

	sections := make([]Section, 0, hdr.SectionCount)
	for off := dirStart; off < dirEnd; off += sectionSize {
		s, _ := decodeSection(data[off : off+sectionSize])
		end, ok := addUint64(s.Offset, s.Size)
		switch {
		case !ok || end > size:
			return nil, fmt.Errorf("%w: %s section out of bounds", ErrCorruptFile, SectionType(s.Type))
		case s.Offset < uint64(hdr.HeaderSize):
			return nil, fmt.Errorf("%w: %s section overlaps header", ErrCorruptFile, SectionType(s.Type))
		case s.Offset%align != 0:
			return nil, fmt.Errorf("%w: %s section at unaligned offset %d", ErrCorruptFile, SectionType(s.Type), s.Offset)
		case rangesOverlap(s.Offset, end, dirStart, dirEnd):
			return nil, fmt.Errorf("%w: %s section overlaps directory", ErrCorruptFile, SectionType(s.Type))
		}
		sections = append(sections, s)
	}
	return sections, nil
}

// Close releases the mapping. It is safe to call more than once.
func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.Data)
	}
	*f = File{}
	return err
}

// Section returns the directory entry for t, or nil.
func (f *File) Section(t SectionType) *Section {
	for i := range f.Sections {
		if SectionType(f.Sections[i].Type) == t {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionData returns the payload of s without copying.
func (f *File) SectionData(s *Section) []byte {
	if f == nil || s == nil || f.Data == nil || s.End() > uint64(len(f.Data)) {
		return nil
	}
	return f.Data[s.Offset:s.End()]
}

// Payload returns the data of the section of type t, or ErrNotFound.
func (f *File) Payload(t SectionType) ([]byte, error) {
	s := f.Section(t)
	if s == nil {
		return nil, fmt.Errorf("%w: %s section", ErrNotFound, t)
	}
	return f.SectionData(s), nil
}
