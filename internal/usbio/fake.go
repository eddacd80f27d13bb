package usbio

import (
	"context"
	"sync"
)

// FakeEngine is a transferEngine that records writes instead of talking to
// real hardware, usable from other packages' tests via NewFake.
type FakeEngine struct {
	mu              sync.Mutex
	Writes          [][]byte
	InterruptWrites [][]byte
	ShutdownCount   int
}

func (f *FakeEngine) bulkWrite(_ context.Context, data []byte) error {
	cp := append([]byte(nil), data...)
	f.mu.Lock()
	f.Writes = append(f.Writes, cp)
	f.mu.Unlock()
	return nil
}

func (f *FakeEngine) interruptWrite(_ context.Context, data []byte) error {
	cp := append([]byte(nil), data...)
	f.mu.Lock()
	f.InterruptWrites = append(f.InterruptWrites, cp)
	f.mu.Unlock()
	return nil
}

func (f *FakeEngine) shutdown() error {
	f.mu.Lock()
	f.ShutdownCount++
	f.mu.Unlock()
	return nil
}

// NewFake builds an EndpointIO backed by a FakeEngine, for driving
// higher-level components (session.Session, supervisor.Supervisor) in tests
// without real hardware.
func NewFake(busPath string) (*EndpointIO, *FakeEngine) {
	eng := &FakeEngine{}
	e := &EndpointIO{
		busPath:      busPath,
		closed:       make(chan struct{}),
		events:       make(chan Frame, 32),
		callbackDone: make(chan struct{}),
		engine:       eng,
	}
	go e.dispatch()
	return e, eng
}

// Feed delivers a synthetic interrupt-in frame to whatever callback OnFrame
// has registered, as if it had just been reaped from the device.
func (e *EndpointIO) Feed(data []byte) {
	e.enqueue(Frame{Data: append([]byte(nil), data...)})
}
