package main

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"rsc.io/script"
	"rsc.io/script/scripttest"
)

func TestScripts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping script tests in short mode")
	}

	// Build the offsync binary
	exe := filepath.Join(t.TempDir(), "offsync")
	if out, err := exec.Command("go", "build", "-o", exe, ".").CombinedOutput(); err != nil {
		t.Fatalf("go build failed: %v\n%s", err, out)
	}

	engine := script.NewEngine()
	engine.Cmds["offsync"] = script.Program(exe, nil, 100*time.Millisecond)

	env := []string{
		"HOME=" + t.TempDir(),
		"NO_COLOR=1",
		// Nothing listens on port 1: every command sees the remote as offline.
		"OFFSYNC_REMOTE_BASE_URL=http://127.0.0.1:1",
	}
	scripttest.Test(t, context.Background(), engine, env, "testdata/*.txt")
}
