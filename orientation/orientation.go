// Package orientation reads the EXIF orientation tag of an encoded image and
// turns it into a rotation/mirror transform.
package orientation

import "encoding/binary"

// Orientation is an EXIF orientation tag value (1-8).
type Orientation int

const (
	Normal      Orientation = 1
	FlipH       Orientation = 2
	Rotate180   Orientation = 3
	FlipV       Orientation = 4
	Transpose   Orientation = 5 // rotate 90 CW, then flip horizontally
	Rotate90CW  Orientation = 6
	Transverse  Orientation = 7 // rotate 270 CW, then flip horizontally
	Rotate270CW Orientation = 8
)

const tagOrientation = 0x0112

// Transform describes how to display a decoded bitmap upright: rotate
// clockwise by Rotation degrees, then multiply each axis by its mirror sign.
type Transform struct {
	Rotation int // 0, 90, 180 or 270
	MirrorX  int // 1 or -1
	MirrorY  int // 1 or -1
	Swapped  bool
}

// Identity is the transform of an upright, unmirrored image.
var Identity = Transform{Rotation: 0, MirrorX: 1, MirrorY: 1}

// IsIdentity reports whether t leaves pixels where they are.
func (t Transform) IsIdentity() bool {
	return t.Rotation == 0 && t.MirrorX >= 0 && t.MirrorY >= 0
}

// OrientedSize returns the displayed size of a w×h bitmap after t.
func (t Transform) OrientedSize(w, h int) (int, int) {
	if t.Swapped {
		return h, w
	}
	return w, h
}

// ForOrientation maps an EXIF orientation value to its transform.  Unknown
// values map to Identity.
func ForOrientation(o Orientation) Transform {
	switch o {
	case FlipH:
		return Transform{Rotation: 0, MirrorX: -1, MirrorY: 1}
	case Rotate180:
		return Transform{Rotation: 180, MirrorX: 1, MirrorY: 1}
	case FlipV:
		return Transform{Rotation: 0, MirrorX: 1, MirrorY: -1}
	case Transpose:
		return Transform{Rotation: 90, MirrorX: -1, MirrorY: 1, Swapped: true}
	case Rotate90CW:
		return Transform{Rotation: 90, MirrorX: 1, MirrorY: 1, Swapped: true}
	case Transverse:
		return Transform{Rotation: 270, MirrorX: -1, MirrorY: 1, Swapped: true}
	case Rotate270CW:
		return Transform{Rotation: 270, MirrorX: 1, MirrorY: 1, Swapped: true}
	default:
		return Identity
	}
}

// Resolve reads the orientation tag of data and returns its transform.
func Resolve(data []byte) Transform { return ForOrientation(Read(data)) }

// Read returns the EXIF orientation of a JPEG stream or a bare TIFF file.
// Missing or unreadable metadata yields Normal; it is never an error.
func Read(data []byte) Orientation {
	if len(data) >= 4 && (string(data[:2]) == "II" || string(data[:2]) == "MM") {
		return parseTIFF(data)
	}
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return Normal
	}

	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return Normal
		}
		marker := data[i+1]
		// Fill bytes.
		if marker == 0xFF {
			i++
			continue
		}
		i += 2
		// Standalone markers carry no length.
		if marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			continue
		}
		// No metadata after start-of-scan.
		if marker == 0xDA || marker == 0xD9 {
			return Normal
		}
		segLen := int(binary.BigEndian.Uint16(data[i : i+2]))
		if segLen < 2 || i+segLen > len(data) {
			return Normal
		}
		seg := data[i+2 : i+segLen]
		if marker == 0xE1 && len(seg) >= 6 && string(seg[:6]) == "Exif\x00\x00" {
			return parseTIFF(seg[6:])
		}
		i += segLen
	}
	return Normal
}

// parseTIFF scans IFD0 of a TIFF structure for the orientation tag.
func parseTIFF(tiff []byte) Orientation {
	if len(tiff) < 8 {
		return Normal
	}
	var bo binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return Normal
	}
	if bo.Uint16(tiff[2:4]) != 42 {
		return Normal
	}

	ifd := int(bo.Uint32(tiff[4:8]))
	if ifd < 8 || ifd+2 > len(tiff) {
		return Normal
	}
	count := int(bo.Uint16(tiff[ifd : ifd+2]))
	for n := 0; n < count; n++ {
		off := ifd + 2 + n*12
		if off+12 > len(tiff) {
			break
		}
		if bo.Uint16(tiff[off:off+2]) != tagOrientation {
			continue
		}
		// SHORT is the only valid type for this tag.
		if bo.Uint16(tiff[off+2:off+4]) != 3 {
			return Normal
		}
		v := Orientation(bo.Uint16(tiff[off+8 : off+10]))
		if v < Normal || v > Rotate270CW {
			return Normal
		}
		return v
	}
	return Normal
}
