package transport

import (
	"errors"
	"strings"
	"sync"
)

type acceptResult struct {
	conn Conn
	err  error
}

// multiListener fans several listeners into one accept stream.
type multiListener struct {
	listeners []Listener
	results   chan acceptResult
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Merge returns a Listener accepting from every ls. Closing it closes all of
// them. A single listener is returned unchanged.
func Merge(ls ...Listener) Listener {
	if len(ls) == 1 {
		return ls[0]
	}

	m := &multiListener{
		listeners: ls,
		results:   make(chan acceptResult),
		done:      make(chan struct{}),
	}
	for _, l := range ls {
		m.wg.Add(1)
		go m.forward(l)
	}
	return m
}

func (m *multiListener) forward(l Listener) {
	defer m.wg.Done()
	for {
		c, err := l.Accept()
		if errors.Is(err, ErrListenerClosed) {
			return
		}
		select {
		case m.results <- acceptResult{conn: c, err: err}:
		case <-m.done:
			if c != nil {
				_ = c.Close()
			}
			return
		}
	}
}

func (m *multiListener) Accept() (Conn, error) {
	select {
	case r := <-m.results:
		return r.conn, r.err
	case <-m.done:
		return nil, ErrListenerClosed
	}
}

func (m *multiListener) Close() error {
	var errs []error
	m.closeOnce.Do(func() {
		close(m.done)
		for _, l := range m.listeners {
			if err := l.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		m.wg.Wait()
	})
	return errors.Join(errs...)
}

func (m *multiListener) Addr() string {
	addrs := make([]string, 0, len(m.listeners))
	for _, l := range m.listeners {
		addrs = append(addrs, l.Addr())
	}
	return strings.Join(addrs, ",")
}
