package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Prompter asks on a terminal. Prompts are serialized so two connections
// arriving together are asked one after the other.
type Prompter struct {
	mu   sync.Mutex
	open func() (io.ReadWriteCloser, error)
}

// NewTTYPrompter prompts on the controlling terminal.
func NewTTYPrompter() *Prompter {
	return &Prompter{open: func() (io.ReadWriteCloser, error) {
		f, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("open /dev/tty: %w", err)
		}
		return f, nil
	}}
}

// NewPrompter prompts over rw; used for tests and non-tty hosts.
func NewPrompter(rw io.ReadWriteCloser) *Prompter {
	return &Prompter{open: func() (io.ReadWriteCloser, error) { return rw, nil }}
}

// RequestApproval prints the question and waits for a line. Only "y" or
// "yes" (any case) approve.
func (p *Prompter) RequestApproval(ctx context.Context, peer Peer) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.open()
	if err != nil {
		return false, err
	}

	fmt.Fprintf(f, "\n=== LIVEBRIDGE CONNECTION REQUEST ===\n")
	fmt.Fprintf(f, "Allow connection from %s? [y/N] ", peer)

	type answer struct {
		line string
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(f).ReadString('\n')
		done <- answer{line: line, err: err}
	}()

	select {
	case a := <-done:
		f.Close()
		if a.err != nil && a.line == "" {
			return false, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	case <-ctx.Done():
		// closing unblocks the pending read
		f.Close()
		return false, ctx.Err()
	}
}
