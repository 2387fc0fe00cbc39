// Package seed generates sparse demo ownership: small clouds of same-owner
// cells scattered over the world.
package seed

import (
	"math"
	"math/rand"
	"time"

	"pixelcanvas.ai/internal/canvas"
)

type Group struct {
	Name   string
	Colors []canvas.Color
}

var DefaultGroups = []Group{
	{Name: "PLAVE", Colors: []canvas.Color{"#5E5DFA", "#9F9EFF", "#121280"}},
	{Name: "SEVENTEEN", Colors: []canvas.Color{"#F7CAC9", "#92A8D1", "#FFFFFF"}},
	{Name: "BTS", Colors: []canvas.Color{"#8A2BE2", "#9370DB", "#4B0082"}},
	{Name: "NEWJEANS", Colors: []canvas.Color{"#0055FF", "#F8C8DC", "#FFFFFF"}},
	{Name: "IVE", Colors: []canvas.Color{"#FF0050", "#000000", "#FFFFFF"}},
	{Name: "RIIZE", Colors: []canvas.Color{"#F47920", "#FFFFFF", "#000000"}},
	{Name: "AESPA", Colors: []canvas.Color{"#AE98D3", "#7A5BC7", "#000000"}},
	{Name: "NCT", Colors: []canvas.Color{"#C4F704", "#000000", "#556B2F"}},
	{Name: "DAY6", Colors: []canvas.Color{"#000000", "#FFFFFF", "#FFD700"}},
	{Name: "TXT", Colors: []canvas.Color{"#7CC3D6", "#FFFFFF"}},
	{Name: "STRAYKIDS", Colors: []canvas.Color{"#DC143C", "#000000"}},
	{Name: "ZEROBASEONE", Colors: []canvas.Color{"#0065D1", "#FFFFFF"}},
}

var (
	nickPrefixes = []string{"Anonymous", "Happy", "Lovely", "Super", "Hyper", "Shiny", "Blue", "Red",
		"Tiny", "Giant", "Baby", "Master", "Doctor", "Prof", "Fan", "Stan", "My", "Our", "Best", "Top"}
	nickRoots = []string{"Fan", "Stan", "Lover", "Pixel", "Artist", "Clicker", "Gamer", "Star",
		"Moon", "Sun", "Rabbit", "Tiger", "Cat", "Dog", "Bear", "Panda"}
	nickSuffixes = []string{"123", "99", "00", "77", "Pro", "God", "King", "Queen", "X", "Z"}
)

type Options struct {
	// Fill is the fraction of world cells to occupy.
	Fill float64
	// Radius and Count bound each cloud, in cells.
	MinRadius, MaxRadius int
	MinCount, MaxCount   int
	TTL                  time.Duration
	Groups               []Group
}

func DefaultOptions() Options {
	return Options{
		Fill:      0.08,
		MinRadius: 30,
		MaxRadius: 80,
		MinCount:  10,
		MaxCount:  40,
		TTL:       30 * 24 * time.Hour,
		Groups:    DefaultGroups,
	}
}

func pick[T any](rng *rand.Rand, s []T) T { return s[rng.Intn(len(s))] }

func between(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo+1)
}

// Nickname returns a generated owner name.
func Nickname(rng *rand.Rand) string {
	switch r := rng.Float64(); {
	case r < 0.3:
		return pick(rng, nickPrefixes) + pick(rng, nickRoots)
	case r < 0.6:
		return pick(rng, nickRoots) + pick(rng, nickSuffixes)
	default:
		return pick(rng, nickPrefixes) + pick(rng, nickRoots) + pick(rng, nickSuffixes)
	}
}

// Generate returns unique, aligned, in-bounds cells until Fill of the world is
// covered. Every cloud shares one owner, group and colour.
func Generate(rng *rand.Rand, g canvas.Grid, opts Options, now time.Time) []canvas.Cell {
	if len(opts.Groups) == 0 {
		opts.Groups = DefaultGroups
	}
	side := g.WorldSize / g.CellSize
	target := int(float64(side*side) * opts.Fill)
	taken := make(map[canvas.Coord]struct{}, target)
	out := make([]canvas.Cell, 0, target)

	var expires *time.Time
	if opts.TTL > 0 {
		t := now.Add(opts.TTL)
		expires = &t
	}

	for len(out) < target {
		group := pick(rng, opts.Groups)
		color := pick(rng, group.Colors)
		owner := Nickname(rng)
		cx, cy := rng.Intn(side), rng.Intn(side)
		radius := float64(between(rng, opts.MinRadius, opts.MaxRadius))
		count := between(rng, opts.MinCount, opts.MaxCount)

		for i := 0; i < count && len(out) < target; i++ {
			angle := rng.Float64() * 2 * math.Pi
			dist := math.Sqrt(rng.Float64()) * radius
			px := int(math.Floor(float64(cx) + math.Cos(angle)*dist))
			py := int(math.Floor(float64(cy) + math.Sin(angle)*dist))
			if px < 0 || py < 0 || px >= side || py >= side {
				continue
			}
			k := canvas.Coord{X: px * g.CellSize, Y: py * g.CellSize}
			if _, dup := taken[k]; dup {
				continue
			}
			taken[k] = struct{}{}
			out = append(out, canvas.Cell{
				X:          k.X,
				Y:          k.Y,
				Color:      color,
				Group:      group.Name,
				Owner:      owner,
				AcquiredAt: now,
				ExpiresAt:  expires,
			})
		}
	}
	return out
}
