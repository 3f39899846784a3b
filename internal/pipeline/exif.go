package pipeline

import (
	"encoding/binary"
	"fmt"
	"io"
)

// readOrientation scans a JPEG stream for the EXIF orientation tag without
// decoding pixels. It returns 0 with a nil error when no orientation is
// recorded (non-JPEG input, no APP1 segment, truncated stream, or a tag-less
// IFD), and 0 with an error when the metadata is present but structurally
// broken. Either way the caller falls back to the identity transform; the
// error exists only so the degradation can be logged.
func readOrientation(r io.Reader) (int, error) {
	const (
		markerSOI      = 0xffd8
		markerAPP1     = 0xffe1
		exifHeader     = 0x45786966 // "Exif"
		byteOrderBE    = 0x4d4d
		byteOrderLE    = 0x4949
		orientationTag = 0x0112
	)

	var soi uint16
	if err := binary.Read(r, binary.BigEndian, &soi); err != nil {
		return 0, nil
	}
	if soi != markerSOI {
		return 0, nil
	}

	// Walk segment markers until APP1.
	for {
		var marker, size uint16
		if err := binary.Read(r, binary.BigEndian, &marker); err != nil {
			return 0, nil
		}
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return 0, nil
		}
		if marker>>8 != 0xff {
			return 0, fmt.Errorf("invalid segment marker 0x%04x", marker)
		}
		if marker == markerAPP1 {
			break
		}
		if size < 2 {
			return 0, fmt.Errorf("segment 0x%04x declares size %d", marker, size)
		}
		if _, err := io.CopyN(io.Discard, r, int64(size-2)); err != nil {
			return 0, nil
		}
	}

	var header uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return 0, nil
	}
	if header != exifHeader {
		return 0, nil
	}
	if _, err := io.CopyN(io.Discard, r, 2); err != nil {
		return 0, nil
	}

	var (
		byteOrderTag uint16
		byteOrder    binary.ByteOrder
	)
	if err := binary.Read(r, binary.BigEndian, &byteOrderTag); err != nil {
		return 0, nil
	}
	switch byteOrderTag {
	case byteOrderBE:
		byteOrder = binary.BigEndian
	case byteOrderLE:
		byteOrder = binary.LittleEndian
	default:
		return 0, fmt.Errorf("invalid tiff byte order 0x%04x", byteOrderTag)
	}
	if _, err := io.CopyN(io.Discard, r, 2); err != nil {
		return 0, nil
	}

	var offset uint32
	if err := binary.Read(r, byteOrder, &offset); err != nil {
		return 0, nil
	}
	if offset < 8 {
		return 0, fmt.Errorf("invalid ifd offset %d", offset)
	}
	if _, err := io.CopyN(io.Discard, r, int64(offset-8)); err != nil {
		return 0, nil
	}

	var numTags uint16
	if err := binary.Read(r, byteOrder, &numTags); err != nil {
		return 0, nil
	}

	for i := 0; i < int(numTags); i++ {
		var tag uint16
		if err := binary.Read(r, byteOrder, &tag); err != nil {
			return 0, nil
		}
		if tag != orientationTag {
			if _, err := io.CopyN(io.Discard, r, 10); err != nil {
				return 0, nil
			}
			continue
		}
		if _, err := io.CopyN(io.Discard, r, 6); err != nil {
			return 0, nil
		}
		var val uint16
		if err := binary.Read(r, byteOrder, &val); err != nil {
			return 0, nil
		}
		if val < 1 || val > 8 {
			return 0, fmt.Errorf("orientation value %d out of range", val)
		}
		return int(val), nil
	}
	return 0, nil
}
