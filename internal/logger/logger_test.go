package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDebugOutputGated(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(false, &buf)
	l.Printf("hidden %d", 1)
	assert.Empty(t, buf.String())

	l.Warnf("shown %d", 2)
	assert.Contains(t, buf.String(), "WARN shown 2")
}

func TestWithPrefixesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(true, &buf).With("orchestrator").With("submit")
	l.Printf("step=%s", "approving")
	assert.Contains(t, buf.String(), "DEBUG [orchestrator.submit] step=approving")
}
