// Package frame holds read-out CCD images and writes them as FITS files.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

const blockSize = 2880

type Frame struct {
	Rows, Cols int
	// Pixels is row-major.
	Pixels []uint16
	// ExposureTime is the time charge was actually integrated, which is
	// shorter than requested for an aborted exposure.
	ExposureTime time.Duration
	Start        time.Time
	// Partial is set for frames recovered from an aborted exposure.
	Partial bool
	// Header holds extra FITS keywords.
	Header map[string]string
}

func New(rows, cols int) *Frame {
	return &Frame{Rows: rows, Cols: cols, Pixels: make([]uint16, rows*cols)}
}

func (f *Frame) At(row, col int) uint16 {
	return f.Pixels[row*f.Cols+col]
}

func (f *Frame) Set(row, col int, v uint16) {
	f.Pixels[row*f.Cols+col] = v
}

// ErrCardTooLong is returned for header keys or values that do not fit in
// one card.
var ErrCardTooLong = errors.New("frame: header card too long")

// card truncates the comment to fit the 80 column card.
func card(key, value, comment string) string {
	c := fmt.Sprintf("%-8s= %20s", key, value)
	if comment != "" {
		c += " / " + comment
	}
	if len(c) > 80 {
		c = c[:80]
	}
	return fmt.Sprintf("%-80s", c)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// MarshalFITS encodes f as a single 16-bit primary HDU. Pixels are stored
// signed with BZERO 32768 as FITS requires.
func (f *Frame) MarshalFITS() ([]byte, error) {
	if len(f.Pixels) != f.Rows*f.Cols {
		return nil, fmt.Errorf("frame has %d pixels, want %dx%d", len(f.Pixels), f.Rows, f.Cols)
	}
	var hdr strings.Builder
	hdr.WriteString(card("SIMPLE", "T", "conforms to FITS standard"))
	hdr.WriteString(card("BITPIX", "16", ""))
	hdr.WriteString(card("NAXIS", "2", ""))
	hdr.WriteString(card("NAXIS1", fmt.Sprint(f.Cols), "columns"))
	hdr.WriteString(card("NAXIS2", fmt.Sprint(f.Rows), "rows"))
	hdr.WriteString(card("BZERO", "32768", ""))
	hdr.WriteString(card("BSCALE", "1", ""))
	hdr.WriteString(card("EXPTIME", fmt.Sprintf("%.3f", f.ExposureTime.Seconds()), "[s] integrated time"))
	if !f.Start.IsZero() {
		hdr.WriteString(card("DATE-OBS", quote(f.Start.UTC().Format("2006-01-02T15:04:05.000")), ""))
	}
	if f.Partial {
		hdr.WriteString(card("PARTIAL", "T", "recovered from aborted exposure"))
	}
	keys := make([]string, 0, len(f.Header))
	for k := range f.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key, value := strings.ToUpper(k), quote(f.Header[k])
		if len(key) > 8 || 10+len(value) > 80 {
			return nil, fmt.Errorf("%w: %s", ErrCardTooLong, key)
		}
		hdr.WriteString(card(key, value, ""))
	}
	hdr.WriteString(fmt.Sprintf("%-80s", "END"))

	var buf bytes.Buffer
	buf.WriteString(hdr.String())
	pad(&buf, ' ')
	for _, p := range f.Pixels {
		if err := binary.Write(&buf, binary.BigEndian, int16(int32(p)-32768)); err != nil {
			return nil, err
		}
	}
	pad(&buf, 0)
	return buf.Bytes(), nil
}

func pad(buf *bytes.Buffer, b byte) {
	if n := buf.Len() % blockSize; n != 0 {
		buf.Write(bytes.Repeat([]byte{b}, blockSize-n))
	}
}

// Write atomically replaces path with the FITS encoding of f.
func Write(path string, f *Frame) error {
	data, err := f.MarshalFITS()
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %q: %w", path, err)
	}
	return nil
}
