package log

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelWarn)
	t.Cleanup(func() { SetLevel(LevelInfo) })

	Info("hidden message")
	Error("store write failed", errors.New("disk full"), "group_id", "g1")

	out := buf.String()
	assert.NotContains(t, out, "hidden message")
	assert.Contains(t, out, "store write failed")
	assert.Contains(t, out, "disk full")
	assert.Contains(t, out, "group_id=g1")
}

func TestSetOutputWhileLogging(t *testing.T) {
	t.Cleanup(func() { SetOutput(io.Discard) })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Info("concurrent message", "n", j)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		SetOutput(io.Discard)
	}
	wg.Wait()

	var buf bytes.Buffer
	SetOutput(&buf)
	Info("after swap")
	assert.Contains(t, buf.String(), "after swap")
}
