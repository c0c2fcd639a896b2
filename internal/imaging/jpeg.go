package imaging

import (
	"bytes"
	"fmt"
)

// stripJPEGMetadata drops metadata segments (EXIF, XMP, IPTC, COM). APP2
// (ICC profile) and APP14 (Adobe color transform) change how pixels decode
// and are kept. The entropy-coded data is copied untouched.
func stripJPEGMetadata(data []byte) ([]byte, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, fmt.Errorf("not a jpeg stream")
	}
	var out bytes.Buffer
	out.Grow(len(data))
	out.Write(data[:2])

	i := 2
	for i < len(data) {
		if data[i] != 0xFF {
			return nil, fmt.Errorf("corrupt jpeg marker at offset %d", i)
		}
		// fill bytes
		for i+1 < len(data) && data[i+1] == 0xFF {
			i++
		}
		if i+1 >= len(data) {
			return nil, fmt.Errorf("truncated jpeg marker")
		}
		marker := data[i+1]

		// Start of scan: the rest is image data plus trailer.
		if marker == 0xDA {
			out.Write(data[i:])
			return out.Bytes(), nil
		}
		if marker == 0xD9 || marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			out.Write(data[i : i+2])
			i += 2
			continue
		}
		if i+4 > len(data) {
			return nil, fmt.Errorf("truncated jpeg segment")
		}
		length := int(data[i+2])<<8 | int(data[i+3])
		end := i + 2 + length
		if length < 2 || end > len(data) {
			return nil, fmt.Errorf("invalid jpeg segment length")
		}
		if !strippable(marker) {
			out.Write(data[i:end])
		}
		i = end
	}
	return out.Bytes(), nil
}

func strippable(marker byte) bool {
	switch marker {
	case 0xE2, 0xEE:
		return false
	case 0xFE:
		return true
	}
	return marker >= 0xE1 && marker <= 0xEF
}
