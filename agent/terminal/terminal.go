package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
)

// Controls is the part of an agent the terminal drives.
type Controls interface {
	Pause()
	Resume()
	Stop()
	Paused() bool
}

// Terminal maps keyboard input and interrupts onto agent controls.
type Terminal struct {
	agent Controls
	in    io.Reader
	out   io.Writer
	mu    sync.Mutex
}

// New creates a Terminal reading from stdin and writing to stdout.
func New(a Controls) *Terminal {
	return &Terminal{agent: a, in: os.Stdin, out: os.Stdout}
}

// WithIO replaces stdin and stdout.
func (t *Terminal) WithIO(in io.Reader, out io.Writer) *Terminal {
	t.in = in
	t.out = out
	return t
}

// Attach starts watching the keyboard and SIGINT. cancel is called on the
// second interrupt. The returned function stops watching signals; the
// keyboard reader ends with stdin.
func (t *Terminal) Attach(ctx context.Context, cancel context.CancelFunc) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	go t.HandleSignals(ctx, sigs, cancel)
	go t.HandleInput(ctx)
	return func() { signal.Stop(sigs) }
}

// HandleSignals pauses the agent on the first interrupt and cancels the run
// on an interrupt received while paused.
func (t *Terminal) HandleSignals(ctx context.Context, sigs <-chan os.Signal, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sigs:
			if !ok {
				return
			}
			if t.agent.Paused() {
				t.println("Exiting...")
				t.agent.Stop()
				cancel()
				return
			}
			t.agent.Pause()
			t.println("Agent paused. Press Enter to resume, q to quit, or Ctrl+C again to exit.")
		}
	}
}

// HandleInput reads commands until input ends or ctx is done. An empty
// line toggles pause, "q", "/quit" and "/exit" stop the agent.
func (t *Terminal) HandleInput(ctx context.Context) {
	scanner := bufio.NewScanner(t.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.TrimSpace(scanner.Text()) {
		case "":
			if t.agent.Paused() {
				t.agent.Resume()
				t.println("Resuming agent...")
			} else {
				t.agent.Pause()
				t.println("Agent paused. Press Enter to resume.")
			}
		case "q", "/quit", "/exit":
			t.agent.Stop()
			t.println("Stopping agent...")
			return
		default:
			t.println("Press Enter to pause or resume, q to quit.")
		}
	}
}

func (t *Terminal) println(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, msg)
}
