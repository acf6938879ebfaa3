// internal/drivers/mjpeg.go
package drivers

import (
	"bytes"
	"fmt"
	"io"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

const maxJPEGSize = 8 << 20

// mjpegSplitter separa um stream MJPEG (saída image2pipe do ffmpeg) em
// quadros JPEG usando os marcadores SOI/EOI.
type mjpegSplitter struct {
	r     io.Reader
	buf   []byte
	chunk []byte
}

func newMJPEGSplitter(r io.Reader) *mjpegSplitter {
	return &mjpegSplitter{r: r, chunk: make([]byte, 64<<10)}
}

func (s *mjpegSplitter) Next() ([]byte, error) {
	for {
		if start := bytes.Index(s.buf, jpegSOI); start >= 0 {
			if end := bytes.Index(s.buf[start+2:], jpegEOI); end >= 0 {
				stop := start + 2 + end + 2
				frame := append([]byte(nil), s.buf[start:stop]...)
				s.buf = append(s.buf[:0], s.buf[stop:]...)
				return frame, nil
			}
			if start > 0 {
				s.buf = append(s.buf[:0], s.buf[start:]...)
			}
		} else if len(s.buf) > 1 {
			// lixo antes do SOI; guarda só o último byte (pode ser 0xFF)
			s.buf = append(s.buf[:0], s.buf[len(s.buf)-1])
		}

		if len(s.buf) > maxJPEGSize {
			s.buf = s.buf[:0]
			return nil, fmt.Errorf("mjpeg frame larger than %d bytes", maxJPEGSize)
		}

		n, err := s.r.Read(s.chunk)
		s.buf = append(s.buf, s.chunk[:n]...)
		if err != nil && n == 0 {
			return nil, err
		}
	}
}
