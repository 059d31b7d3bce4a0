package tun

import (
	"errors"
	"io"
	"sync"
)

// Pipe is an in-memory Device. Packets written with Inject are returned by
// Read; packets written by the daemon show up on Delivered.
type Pipe struct {
	name      string
	in        chan []byte
	delivered chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewPipe(name string, depth int) *Pipe {
	return &Pipe{
		name:      name,
		in:        make(chan []byte, depth),
		delivered: make(chan []byte, depth),
		done:      make(chan struct{}),
	}
}

func (p *Pipe) Name() string { return p.name }

// Inject queues pkt as if the kernel had routed it into the tunnel.
func (p *Pipe) Inject(pkt []byte) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	case p.in <- append([]byte(nil), pkt...):
		return nil
	}
}

func (p *Pipe) Delivered() <-chan []byte { return p.delivered }

func (p *Pipe) Read(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.EOF
	case pkt := <-p.in:
		if len(pkt) > len(b) {
			return 0, errors.New("tun: short read buffer")
		}
		return copy(b, pkt), nil
	}
}

func (p *Pipe) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	case p.delivered <- append([]byte(nil), b...):
		return len(b), nil
	}
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
