package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetOutputRedirects(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	Infof("hello %s", "world")
	assert.Contains(t, buf.String(), "hello world")
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer func() {
		SetOutput(nil)
		SetLevel("info")
	}()

	SetLevel("info")
	Debugf("hidden")
	assert.Empty(t, buf.String())

	SetLevel("debug")
	Debugf("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestSetLevelUnknownFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer func() {
		SetOutput(nil)
		SetLevel("info")
	}()

	SetLevel("verbose")
	Infof("still here")
	Debugf("still hidden")

	out := buf.String()
	assert.Contains(t, out, "still here")
	assert.False(t, strings.Contains(out, "still hidden"))
}
