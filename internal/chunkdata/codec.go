package chunkdata

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"pixelcanvas.ai/internal/canvas"
)

type Format string

const (
	FormatBinary Format = "binary"
	FormatJSON   Format = "json"
)

// ParseFormat defaults to JSON when s is empty.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatBinary:
		return FormatBinary, nil
	}
	return "", fmt.Errorf("%w: unknown format %q", canvas.ErrInvalidRequest, s)
}

func (f Format) ContentType() string {
	if f == FormatBinary {
		return "application/octet-stream"
	}
	return "application/json"
}

func Encode(w io.Writer, f Format, cells []canvas.Cell) error {
	if f == FormatBinary {
		_, err := w.Write(EncodeBinary(cells))
		return err
	}
	return EncodeJSON(w, cells)
}

const maxLabel = 255

// truncate cuts s to at most 255 bytes without splitting a rune.
func truncate(s string) string {
	if len(s) <= maxLabel {
		return s
	}
	cut := maxLabel
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// EncodeBinary lays out each cell as
// u16 x | u16 y | u8 r | u8 g | u8 b | u8 len | group | u8 len | owner,
// little endian. Alpha is not carried.
func EncodeBinary(cells []canvas.Cell) []byte {
	size := 0
	for _, c := range cells {
		size += 9 + len(truncate(c.Group)) + len(truncate(c.Owner))
	}
	out := make([]byte, 0, size)
	for _, c := range cells {
		col := c.Color.NRGBA()
		out = binary.LittleEndian.AppendUint16(out, uint16(c.X))
		out = binary.LittleEndian.AppendUint16(out, uint16(c.Y))
		out = append(out, col.R, col.G, col.B)
		g := truncate(c.Group)
		out = append(out, byte(len(g)))
		out = append(out, g...)
		o := truncate(c.Owner)
		out = append(out, byte(len(o)))
		out = append(out, o...)
	}
	return out
}

var ErrTruncated = errors.New("chunkdata: truncated record")

func DecodeBinary(b []byte) ([]canvas.Cell, error) {
	var out []canvas.Cell
	pos := 0
	for pos < len(b) {
		if len(b)-pos < 8 {
			return out, ErrTruncated
		}
		c := canvas.Cell{
			X: int(binary.LittleEndian.Uint16(b[pos:])),
			Y: int(binary.LittleEndian.Uint16(b[pos+2:])),
		}
		c.Color = canvas.Color(fmt.Sprintf("#%02x%02x%02x", b[pos+4], b[pos+5], b[pos+6]))
		pos += 7

		var err error
		if c.Group, pos, err = readLabel(b, pos); err != nil {
			return out, err
		}
		if c.Owner, pos, err = readLabel(b, pos); err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

func readLabel(b []byte, pos int) (string, int, error) {
	if pos >= len(b) {
		return "", pos, ErrTruncated
	}
	n := int(b[pos])
	pos++
	if len(b)-pos < n {
		return "", pos, ErrTruncated
	}
	return string(b[pos : pos+n]), pos + n, nil
}

func EncodeJSON(w io.Writer, cells []canvas.Cell) error {
	if cells == nil {
		cells = []canvas.Cell{}
	}
	return json.NewEncoder(w).Encode(cells)
}

func DecodeJSON(r io.Reader) ([]canvas.Cell, error) {
	var cells []canvas.Cell
	if err := json.NewDecoder(r).Decode(&cells); err != nil {
		return nil, err
	}
	return cells, nil
}

func Decode(r io.Reader, f Format) ([]canvas.Cell, error) {
	if f == FormatBinary {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return DecodeBinary(b)
	}
	return DecodeJSON(r)
}
