package metrics

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWritePrometheus(t *testing.T) {
	TileRenders.Inc()
	var buf bytes.Buffer
	WritePrometheus(&buf)
	assert.Contains(t, buf.String(), "canvas_tile_renders_total")
	assert.Contains(t, buf.String(), "go_goroutines")
}
