package federation

import (
	"context"
	"fmt"
)

// pipeConn is an in-memory FrameConn used by tests to exercise handshake
// and room wiring without a real network socket.
type pipeConn struct {
	out chan Frame
	in  chan Frame
}

// newPipePair returns two FrameConns wired to each other: writes on one
// arrive as reads on the other.
func newPipePair() (FrameConn, FrameConn) {
	a := make(chan Frame, 8)
	b := make(chan Frame, 8)
	return &pipeConn{out: a, in: b}, &pipeConn{out: b, in: a}
}

func (p *pipeConn) Write(ctx context.Context, f Frame) error {
	select {
	case p.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Read(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-p.in:
		if !ok {
			return Frame{}, fmt.Errorf("connection closed")
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (p *pipeConn) Close(string) error {
	return nil
}
