package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesRotatedFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "canvasd.log")
	l := New(Options{Level: "debug", File: p, JSON: true})
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	l.WithField("component", "test").Info("hello")

	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"component":"test"`)
	assert.Contains(t, string(raw), `"msg":"hello"`)
}

func TestNewBadLevelFallsBackToInfo(t *testing.T) {
	l := New(Options{Level: "loud"})
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.NotNil(t, OrDiscard(nil))
}
