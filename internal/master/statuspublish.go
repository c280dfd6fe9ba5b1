package master

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

func deadlineSoon() time.Time { return time.Now().Add(time.Second) }

// statusPublisher fans every received status record out to every
// currently-connected subscriber on a Unix domain socket. Writes are
// best-effort per subscriber: a slow subscriber delays publication by at
// most the one-second write deadline, and one whose write fails is dropped.
type statusPublisher struct {
	mu   sync.Mutex
	subs map[net.Conn]struct{}
}

func newStatusPublisher() *statusPublisher {
	return &statusPublisher{subs: make(map[net.Conn]struct{})}
}

func (p *statusPublisher) serve(ctx context.Context, socketPath string) error {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return xerrors.Errorf("binding status socket %s: %w", socketPath, err)
	}
	defer ln.Close()
	defer os.Remove(socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return xerrors.Errorf("accepting status subscriber: %w", err)
		}
		p.mu.Lock()
		p.subs[conn] = struct{}{}
		p.mu.Unlock()
		go func() {
			<-ctx.Done()
			p.mu.Lock()
			delete(p.subs, conn)
			p.mu.Unlock()
			conn.Close()
		}()
	}
}

func (p *statusPublisher) publish(msg statusMsg) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	b = append(b, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.subs {
		conn.SetWriteDeadline(deadlineSoon())
		if _, err := conn.Write(b); err != nil {
			delete(p.subs, conn)
			conn.Close()
		}
	}
}
