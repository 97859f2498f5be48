// Package testutil holds fixtures and a scripted bus for tests.
package testutil

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/d21d3q/gombus/internal/frame"
)

// FrameDir is the testdata subdirectory holding captured frames.
const FrameDir = "frames"

// LoadHex returns the hex digits of a fixture under testdata, whitespace
// removed. Lines starting with # are comments.
func LoadHex(t *testing.T, rel string) string {
	t.Helper()
	var b strings.Builder
	for _, line := range strings.Split(string(readTestdata(t, rel)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, field := range strings.Fields(line) {
			b.WriteString(field)
		}
	}
	return b.String()
}

// LoadBytes decodes a hex fixture.
func LoadBytes(t *testing.T, rel string) []byte {
	t.Helper()
	return MustHex(t, LoadHex(t, rel))
}

// LoadFrame decodes testdata/frames/<name>.hex into a frame.
func LoadFrame(t *testing.T, name string) *frame.Frame {
	t.Helper()
	rel := filepath.Join(FrameDir, name+".hex")
	f, err := frame.Decode(LoadBytes(t, rel))
	if err != nil {
		t.Fatalf("frame %s: %v", rel, err)
	}
	return f
}

// MustHex decodes s; spaces are ignored.
func MustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatalf("hex decode %q: %v", s, err)
	}
	return b
}

// readTestdata looks for rel in testdata directories up to the module
// root, so fixtures resolve from any package depth.
func readTestdata(t *testing.T, rel string) []byte {
	t.Helper()
	dir := "testdata"
	for i := 0; i < 4; i++ {
		if data, err := os.ReadFile(filepath.Join(dir, rel)); err == nil {
			return data
		}
		dir = filepath.Join("..", dir)
	}
	t.Fatalf("testdata file %s not found", rel)
	return nil
}
