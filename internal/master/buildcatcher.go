package master

import (
	"context"
	"log"
	"net"
	"strconv"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

type transferEnvelope struct {
	connID uint64
	frame  transferFrame
	resp   chan []transferFrame
}

type connClosed struct {
	connID uint64
}

// buildCatcher owns the credit-based file-transfer protocol and is the sole
// owner of the connection→transferState map.
type buildCatcher struct {
	log        *log.Logger
	outputPath string

	listenAddr string
	toSlaveDriver chan<- transferOutcome
	fromSlaveDriver <-chan beginTransfer

	inbound chan transferEnvelope
	closed  chan connClosed

	// pendingBySlaveID holds transfers that have been announced via
	// beginTransfer but whose worker has not yet reconnected with HELLO
	// on the file socket.
	pendingBySlaveID map[int]*transferState
	// byConn maps a connection id to the transferState that HELLO
	// associated with it, so CHUNK/HELLO traffic on that connection maps
	// back to the right transferState.
	byConn map[uint64]*transferState
}

func newBuildCatcher(logger *log.Logger, outputPath, listenAddr string,
	toSlaveDriver chan<- transferOutcome, fromSlaveDriver <-chan beginTransfer) *buildCatcher {
	return &buildCatcher{
		log:              logger,
		outputPath:       outputPath,
		listenAddr:       listenAddr,
		toSlaveDriver:    toSlaveDriver,
		fromSlaveDriver:  fromSlaveDriver,
		inbound:          make(chan transferEnvelope, 64),
		closed:           make(chan connClosed, 64),
		pendingBySlaveID: make(map[int]*transferState),
		byConn:           make(map[uint64]*transferState),
	}
}

func (b *buildCatcher) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return xerrors.Errorf("binding file socket %s: %w", b.listenAddr, err)
	}
	defer ln.Close()

	var g errgroup.Group
	g.Go(func() error { return b.acceptLoop(ctx, ln) })
	g.Go(func() error { return b.mainLoop(ctx) })
	return g.Wait()
}

func (b *buildCatcher) acceptLoop(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	var nextConnID uint64
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return xerrors.Errorf("accepting transfer connection: %w", err)
		}
		nextConnID++
		go b.handleConn(ctx, nextConnID, conn)
	}
}

func (b *buildCatcher) handleConn(ctx context.Context, connID uint64, conn net.Conn) {
	defer conn.Close()
	defer func() {
		select {
		case b.closed <- connClosed{connID: connID}:
		case <-ctx.Done():
		}
	}()
	for {
		frame, err := readTransferFrame(conn)
		if err != nil {
			return
		}
		resp := make(chan []transferFrame, 1)
		select {
		case b.inbound <- transferEnvelope{connID: connID, frame: frame, resp: resp}:
		case <-ctx.Done():
			return
		}
		select {
		case frames := <-resp:
			for _, f := range frames {
				if err := writeTransferFrame(conn, f); err != nil {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *buildCatcher) mainLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case bt := <-b.fromSlaveDriver:
			b.beginOrResume(bt)
		case env := <-b.inbound:
			env.resp <- b.handleFrame(env.connID, env.frame)
		case c := <-b.closed:
			delete(b.byConn, c.connID)
		}
	}
}

func (b *buildCatcher) beginOrResume(bt beginTransfer) {
	if bt.resume != nil {
		b.pendingBySlaveID[bt.slaveID] = bt.resume
		return
	}
	t, err := newTransferState(bt.slaveID, b.outputPath, bt.pkg, bt.filename, bt.filehash, bt.filesize)
	if err != nil {
		b.log.Printf("creating transfer for worker %d: %v", bt.slaveID, err)
		return
	}
	b.pendingBySlaveID[bt.slaveID] = t
}

func (b *buildCatcher) handleFrame(connID uint64, frame transferFrame) []transferFrame {
	t, known := b.byConn[connID]
	switch frame.Tag {
	case "HELLO":
		if len(frame.Parts) != 1 {
			b.log.Printf("malformed HELLO on connection %d", connID)
			return nil
		}
		slaveID, err := strconv.Atoi(string(frame.Parts[0]))
		if err != nil {
			b.log.Printf("invalid slave_id in HELLO on connection %d: %v", connID, err)
			return nil
		}
		if known {
			// Heavy loss recovery: the peer's FETCHes were lost and it
			// re-announced; restore full pipeline depth.
			t.resetCredit()
		} else {
			pending, ok := b.pendingBySlaveID[slaveID]
			if !ok {
				b.log.Printf("protocol violation: HELLO for unknown slave_id %d on connection %d", slaveID, connID)
				return nil
			}
			delete(b.pendingBySlaveID, slaveID)
			b.byConn[connID] = pending
			t = pending
		}

	case "CHUNK":
		if !known {
			b.log.Printf("ignoring redundant CHUNK from prior transfer on connection %d", connID)
			return nil
		}
		if len(frame.Parts) != 2 {
			b.log.Printf("malformed CHUNK on connection %d", connID)
			return nil
		}
		offset, err := strconv.ParseInt(string(frame.Parts[0]), 10, 64)
		if err != nil {
			b.log.Printf("invalid offset in CHUNK on connection %d: %v", connID, err)
			return nil
		}
		if err := t.chunk(offset, frame.Parts[1]); err != nil {
			b.log.Printf("applying CHUNK on connection %d: %v", connID, err)
			return nil
		}
		if t.done() {
			delete(b.byConn, connID)
			b.toSlaveDriver <- transferOutcome{slaveID: t.slaveID, state: t}
			return []transferFrame{{Tag: "DONE"}}
		}

	default:
		b.log.Printf("invalid tag %q on connection %d", frame.Tag, connID)
		return nil
	}

	var frames []transferFrame
	for {
		r, ok := t.fetch()
		if !ok {
			break
		}
		frames = append(frames, transferFrame{
			Tag: "FETCH",
			Parts: [][]byte{
				[]byte(strconv.FormatInt(r.Start, 10)),
				[]byte(strconv.FormatInt(r.Len(), 10)),
			},
		})
	}
	return frames
}
