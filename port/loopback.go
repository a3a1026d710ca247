package port

import (
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
)

// Loopback implements Port over a creack/pty master/slave pair,
// letting the embedded stack and its tests exercise a real
// io.ReadWriteCloser without physical hardware. The slave device path
// is handed to a second rtu.Transport (built in RoleClient) or to
// channel.ClientBinding for an end-to-end test; this type drives the
// master side.
type Loopback struct {
	master     *os.File
	slavePath  string
	mu         sync.Mutex
	onRxData   func([]byte)
	onTxDone   func()
	clock      Clock
	closed     chan struct{}
}

// NewLoopback opens a pty pair and starts the background reader that
// stands in for the UART rx interrupt.
func NewLoopback(clock Clock) (*Loopback, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("port: opening pty pair: %w", err)
	}
	slave.Close()
	l := &Loopback{
		master:    master,
		slavePath: slave.Name(),
		clock:     clock,
		closed:    make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// SlavePath returns the pty slave device path a client should connect
// to in order to exchange frames with this loopback's owner.
func (l *Loopback) SlavePath() string {
	return l.slavePath
}

func (l *Loopback) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := l.master.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		l.mu.Lock()
		cb := l.onRxData
		l.mu.Unlock()
		if cb != nil {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			cb(frame)
		}
	}
}

func (l *Loopback) Write(data []byte) error {
	if _, err := l.master.Write(data); err != nil {
		return fmt.Errorf("port: loopback write: %w", err)
	}
	l.mu.Lock()
	cb := l.onTxDone
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (l *Loopback) SetCallbacks(onRxData func(data []byte), onTxDone func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRxData = onRxData
	l.onTxDone = onTxDone
}

func (l *Loopback) Clock() Clock {
	return l.clock
}

func (l *Loopback) Close() error {
	close(l.closed)
	return l.master.Close()
}
