// Package testutil provides shared test doubles: fake child processes, a
// recording spawner, and on-disk HLS fixtures.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openhaus/nvrd/internal/proc"
)

// FakeProcess implements proc.Process without an OS child. Tests drive its
// lifecycle through Exit and the spec callbacks captured by FakeSpawner.
type FakeProcess struct {
	Spec proc.Spec

	mu       sync.Mutex
	pid      int
	alive    bool
	exitCode int
	killed   []os.Signal
	stdin    []string
	done     chan struct{}
}

// NewFakeProcess returns a live fake process.
func NewFakeProcess(spec proc.Spec, pid int) *FakeProcess {
	return &FakeProcess{Spec: spec, pid: pid, alive: true, done: make(chan struct{})}
}

// Name implements proc.Process.
func (f *FakeProcess) Name() string { return f.Spec.Name }

// PID implements proc.Process.
func (f *FakeProcess) PID() int { return f.pid }

// Alive implements proc.Process.
func (f *FakeProcess) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

// ExitCode implements proc.Process.
func (f *FakeProcess) ExitCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alive {
		return -1
	}
	return f.exitCode
}

// Done implements proc.Process.
func (f *FakeProcess) Done() <-chan struct{} { return f.done }

// WriteStdin implements proc.Process, recording the written lines.
func (f *FakeProcess) WriteStdin(line string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return false
	}
	f.stdin = append(f.stdin, line)
	return true
}

// StdinLines returns everything written to stdin so far.
func (f *FakeProcess) StdinLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stdin...)
}

// Kill implements proc.Process, recording the signal and exiting the fake
// with the conventional signal exit.
func (f *FakeProcess) Kill(sig os.Signal) {
	f.mu.Lock()
	f.killed = append(f.killed, sig)
	alive := f.alive
	f.mu.Unlock()
	if alive {
		f.Exit(-1, "terminated")
	}
}

// Terminate implements proc.Process.
func (f *FakeProcess) Terminate(grace time.Duration) {
	f.Kill(nil)
}

// Killed returns the signals delivered so far.
func (f *FakeProcess) Killed() []os.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]os.Signal(nil), f.killed...)
}

// EmitStdout delivers one stdout line through the spec callback.
func (f *FakeProcess) EmitStdout(line string) {
	if f.Spec.OnStdout != nil {
		f.Spec.OnStdout(line)
	}
}

// EmitStderr delivers one stderr line through the spec callback.
func (f *FakeProcess) EmitStderr(line string) {
	if f.Spec.OnStderr != nil {
		f.Spec.OnStderr(line)
	}
}

// Exit transitions the fake to exited and fires OnClose synchronously.
func (f *FakeProcess) Exit(code int, signal string) {
	f.mu.Lock()
	if !f.alive {
		f.mu.Unlock()
		return
	}
	f.alive = false
	f.exitCode = code
	close(f.done)
	f.mu.Unlock()
	if f.Spec.OnClose != nil {
		f.Spec.OnClose(code, signal)
	}
}

// FakeSpawner hands out FakeProcesses and records every spawn.
type FakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	Procs   []*FakeProcess
	// OnSpawn, when set, runs for each spawn before the process is
	// returned (e.g. to create the output artifact VerifyStartup polls).
	OnSpawn func(p *FakeProcess)
	// Err, when set, makes the next spawn fail.
	Err error
}

// NewFakeSpawner returns an empty spawner.
func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{nextPID: 1000}
}

// Spawn implements proc.SpawnFunc.
func (s *FakeSpawner) Spawn(spec proc.Spec) (proc.Process, error) {
	s.mu.Lock()
	if s.Err != nil {
		err := s.Err
		s.mu.Unlock()
		return nil, err
	}
	s.nextPID++
	p := NewFakeProcess(spec, s.nextPID)
	s.Procs = append(s.Procs, p)
	onSpawn := s.OnSpawn
	s.mu.Unlock()
	if onSpawn != nil {
		onSpawn(p)
	}
	return p, nil
}

// LiveCount returns how many spawned processes are still alive.
func (s *FakeSpawner) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.Procs {
		if p.Alive() {
			n++
		}
	}
	return n
}

// Last returns the most recently spawned process.
func (s *FakeSpawner) Last() *FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Procs) == 0 {
		return nil
	}
	return s.Procs[len(s.Procs)-1]
}

// WriteLiveManifest writes a sliding-window live manifest plus its segment
// files under mediaDir, covering segments [first, last].
func WriteLiveManifest(t *testing.T, mediaDir string, first, last int) string {
	t.Helper()
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		t.Fatalf("creating media dir: %v", err)
	}
	manifest := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n"
	manifest += fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for i := first; i <= last; i++ {
		manifest += fmt.Sprintf("#EXTINF:2.0,\nstream%d.ts\n", i)
		seg := filepath.Join(mediaDir, fmt.Sprintf("stream%d.ts", i))
		if err := os.WriteFile(seg, []byte("ts"), 0o644); err != nil {
			t.Fatalf("writing segment: %v", err)
		}
	}
	path := filepath.Join(mediaDir, "stream.m3u8")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return path
}
