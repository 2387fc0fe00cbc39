package canvas

import (
	"encoding/hex"
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"golang.org/x/image/colornames"
)

// Color is a canonical display colour, "#rrggbb" or "#rrggbbaa".
type Color string

// ParseColor accepts hex, rgb()/rgba() and CSS names and returns the canonical form.
func ParseColor(s string) (Color, error) {
	c, err := parseNRGBA(s)
	if err != nil {
		return "", err
	}
	return FromNRGBA(c), nil
}

func FromNRGBA(c color.NRGBA) Color {
	if c.A == 0xff {
		return Color(fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B))
	}
	return Color(fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A))
}

// NRGBA never fails; unparsable colours render as transparent.
func (c Color) NRGBA() color.NRGBA {
	v, err := parseNRGBA(string(c))
	if err != nil {
		return color.NRGBA{}
	}
	return v
}

func (c Color) Valid() bool {
	_, err := parseNRGBA(string(c))
	return err == nil
}

func parseNRGBA(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return color.NRGBA{}, fmt.Errorf("empty color")
	}
	if strings.HasPrefix(s, "#") {
		return parseHex(s[1:])
	}
	if strings.HasPrefix(s, "rgb") {
		return parseFunc(s)
	}
	if named, ok := colornames.Map[s]; ok {
		return color.NRGBA{R: named.R, G: named.G, B: named.B, A: named.A}, nil
	}
	return color.NRGBA{}, fmt.Errorf("unknown color %q", s)
}

func parseHex(h string) (color.NRGBA, error) {
	if len(h) == 3 || len(h) == 4 {
		var b strings.Builder
		for _, r := range h {
			b.WriteRune(r)
			b.WriteRune(r)
		}
		h = b.String()
	}
	if len(h) != 6 && len(h) != 8 {
		return color.NRGBA{}, fmt.Errorf("bad hex color length %d", len(h))
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("bad hex color: %w", err)
	}
	out := color.NRGBA{R: raw[0], G: raw[1], B: raw[2], A: 0xff}
	if len(raw) == 4 {
		out.A = raw[3]
	}
	return out, nil
}

func parseFunc(s string) (color.NRGBA, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return color.NRGBA{}, fmt.Errorf("bad color function %q", s)
	}
	name := strings.TrimSpace(s[:open])
	parts := strings.Split(s[open+1:len(s)-1], ",")
	want := 3
	if name == "rgba" {
		want = 4
	} else if name != "rgb" {
		return color.NRGBA{}, fmt.Errorf("bad color function %q", name)
	}
	if len(parts) != want {
		return color.NRGBA{}, fmt.Errorf("%s expects %d components", name, want)
	}
	var ch [3]uint8
	for i := 0; i < 3; i++ {
		v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil || v < 0 || v > 255 {
			return color.NRGBA{}, fmt.Errorf("bad %s component %q", name, parts[i])
		}
		ch[i] = uint8(v)
	}
	out := color.NRGBA{R: ch[0], G: ch[1], B: ch[2], A: 0xff}
	if want == 4 {
		a, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err != nil || a < 0 || a > 1 {
			return color.NRGBA{}, fmt.Errorf("bad alpha %q", parts[3])
		}
		out.A = uint8(a*255 + 0.5)
	}
	return out, nil
}
