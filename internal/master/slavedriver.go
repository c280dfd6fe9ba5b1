package master

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// beginTransfer is sent from slaveDriver to buildCatcher the moment a
// worker's BUILT reports success: it carries everything buildCatcher needs
// to create (or restart) the matching transferState, keyed by slave_id
// rather than by transport address, since the worker has not yet connected
// to the file socket.
type beginTransfer struct {
	slaveID  int
	pkg      string
	filename string
	filehash string
	filesize int64
	resume   *transferState // non-nil on a hash-mismatch retry
}

// transferOutcome is sent back from buildCatcher once a transfer's missing
// ranges become empty: ownership of the transferState passes to
// slaveDriver, which performs verification synchronously.
type transferOutcome struct {
	slaveID int
	state   *transferState
}

type replyResult struct {
	msg workerMsg
	ok  bool
}

type workerEnvelope struct {
	addr  string
	msg   workerMsg
	reply chan replyResult
}

// slaveDriver owns the worker protocol state machine and is the sole owner
// of the address→slaveState map.
type slaveDriver struct {
	log    *log.Logger
	store  store
	paused *atomic.Bool

	listenAddr string
	builds     <-chan packageVersion
	indexes    chan<- string
	status     chan<- statusMsg

	toBuildCatcher   chan<- beginTransfer
	fromBuildCatcher <-chan transferOutcome
	kill             <-chan int        // slave_id to kill, or 0 to kill every tracked worker
	countReq         <-chan chan<- int // request for the current worker-map size

	inbound chan workerEnvelope

	slaves     map[string]*slaveState
	nextSlaveID int
}

func newSlaveDriver(logger *log.Logger, st store, paused *atomic.Bool, listenAddr string,
	builds <-chan packageVersion, indexes chan<- string, status chan<- statusMsg,
	toBuildCatcher chan<- beginTransfer, fromBuildCatcher <-chan transferOutcome,
	kill <-chan int, countReq <-chan chan<- int) *slaveDriver {
	return &slaveDriver{
		log:              logger,
		store:            st,
		paused:           paused,
		listenAddr:       listenAddr,
		builds:           builds,
		indexes:          indexes,
		status:           status,
		toBuildCatcher:   toBuildCatcher,
		fromBuildCatcher: fromBuildCatcher,
		kill:             kill,
		countReq:         countReq,
		inbound:          make(chan workerEnvelope, 64),
		slaves:           make(map[string]*slaveState),
	}
}

func (d *slaveDriver) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.listenAddr)
	if err != nil {
		return xerrors.Errorf("binding worker socket %s: %w", d.listenAddr, err)
	}
	defer ln.Close()

	var g errgroup.Group
	g.Go(func() error { return d.acceptLoop(ctx, ln) })
	g.Go(func() error { return d.mainLoop(ctx) })
	return g.Wait()
}

func (d *slaveDriver) acceptLoop(ctx context.Context, ln net.Listener) error {
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
			return xerrors.Errorf("accepting worker connection: %w", err)
		}
		go d.handleConn(ctx, conn)
	}
}

func (d *slaveDriver) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var m workerMsg
		if err := dec.Decode(&m); err != nil {
			return
		}
		reply := make(chan replyResult, 1)
		select {
		case d.inbound <- workerEnvelope{addr: addr, msg: m, reply: reply}:
		case <-ctx.Done():
			return
		}
		select {
		case result := <-reply:
			if !result.ok {
				continue
			}
			if err := enc.Encode(result.msg); err != nil {
				return
			}
			if result.msg.Tag == "BYE" {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *slaveDriver) mainLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-d.inbound:
			reply, ok := d.handle(env.addr, env.msg)
			env.reply <- replyResult{msg: reply, ok: ok}
		case outcome := <-d.fromBuildCatcher:
			d.handleTransferOutcome(outcome)
		case id := <-d.kill:
			if id == 0 {
				for _, s := range d.slaves {
					s.kill()
				}
			} else {
				for _, s := range d.slaves {
					if s.id == id {
						s.kill()
					}
				}
			}
		case reply := <-d.countReq:
			// Report the map's raw size, not a filtered subset: a killed
			// worker stays in the map (and counts as still draining) until
			// its next IDLE actually yields BYE and removes its entry.
			reply <- len(d.slaves)
		}
	}
}

func (d *slaveDriver) handle(addr string, msg workerMsg) (workerMsg, bool) {
	slave, known := d.slaves[addr]
	if !known {
		if msg.Tag != "HELLO" {
			d.log.Printf("dropping message %q from unknown worker %s: must HELLO first", msg.Tag, addr)
			return workerMsg{}, false
		}
		d.nextSlaveID++
		slave = newSlaveState(d.nextSlaveID, addr)
		d.slaves[addr] = slave
	}
	slave.lastSeen = time.Now().UTC()

	var reply workerMsg
	switch msg.Tag {
	case "HELLO":
		if known {
			d.log.Printf("ignoring HELLO from already-known worker %d", slave.id)
			return workerMsg{}, false
		}
		d.log.Printf("new worker: %d", slave.id)
		slave.state = stateIdle
		reply = workerMsg{Tag: "HELLO", Args: []json.RawMessage{arg(slave.id)}}

	case "BYE":
		d.log.Printf("worker shutdown: %d", slave.id)
		if slave.transfer != nil {
			slave.transfer.abandon()
		}
		delete(d.slaves, addr)
		return workerMsg{}, false

	case "IDLE":
		if slave.state != stateIdle && slave.state != stateUnknown {
			d.log.Printf("protocol violation: IDLE from worker %d in state %s", slave.id, slave.state)
			return workerMsg{}, false
		}
		switch {
		case slave.terminated:
			reply = workerMsg{Tag: "BYE"}
			slave.state = stateDead
			if slave.transfer != nil {
				slave.transfer.abandon()
			}
			defer delete(d.slaves, addr)
		case d.paused.Load():
			reply = workerMsg{Tag: "SLEEP"}
		default:
			select {
			case pv := <-d.builds:
				reply = workerMsg{Tag: "BUILD", Args: []json.RawMessage{arg(pv.Package), arg(pv.Version)}}
				slave.state = stateBuilding
				slave.currentPV = pv
			default:
				reply = workerMsg{Tag: "SLEEP"}
			}
		}

	case "BUILT":
		if slave.state != stateBuilding {
			d.log.Printf("protocol violation: BUILT from worker %d in state %s", slave.id, slave.state)
			return workerMsg{}, false
		}
		b, err := decodeBuilt(slave.id, slave.currentPV, msg.Args)
		if err != nil {
			d.log.Printf("malformed BUILT from worker %d: %v", slave.id, err)
			return workerMsg{}, false
		}
		slave.build = &b
		if err := d.store.LogBuild(context.Background(), b); err != nil {
			d.log.Printf("logging build %s %s: %v", b.Package, b.Version, err)
		}
		if b.Status {
			d.toBuildCatcher <- beginTransfer{
				slaveID:  slave.id,
				pkg:      b.Package,
				filename: b.Filename,
				filehash: b.Filehash,
				filesize: b.Filesize,
			}
			reply = workerMsg{Tag: "SEND"}
			slave.state = stateSending
		} else {
			reply = workerMsg{Tag: "DONE"}
			slave.state = stateIdle
			slave.build = nil
		}

	case "SENT":
		if slave.state != stateSending {
			d.log.Printf("protocol violation: SENT from worker %d in state %s", slave.id, slave.state)
			return workerMsg{}, false
		}
		if slave.transfer == nil {
			d.log.Printf("no transfer to verify from worker %d", slave.id)
			return workerMsg{}, false
		}
		ok, err := slave.transfer.verify()
		if err != nil {
			d.log.Printf("verifying transfer for worker %d: %v", slave.id, err)
			return workerMsg{}, false
		}
		if ok {
			reply = workerMsg{Tag: "DONE"}
			slave.state = stateIdle
			d.indexes <- slave.build.Package
			slave.build = nil
			slave.transfer = nil
		} else {
			d.log.Printf("hash mismatch for worker %d, requesting resend", slave.id)
			if err := slave.transfer.restart(); err != nil {
				d.log.Printf("restarting transfer for worker %d: %v", slave.id, err)
				return workerMsg{}, false
			}
			d.toBuildCatcher <- beginTransfer{
				slaveID:  slave.id,
				pkg:      slave.build.Package,
				filename: slave.build.Filename,
				filehash: slave.build.Filehash,
				filesize: slave.build.Filesize,
				resume:   slave.transfer,
			}
			reply = workerMsg{Tag: "SEND"}
			slave.state = stateSending
		}

	default:
		d.log.Printf("invalid message from worker %d: %q", slave.id, msg.Tag)
		return workerMsg{}, false
	}

	slave.lastReply = []interface{}{reply.Tag}
	sendStatus(d.status, statusMsg{SlaveID: slave.id, At: slave.lastSeen, Tag: reply.Tag})
	return reply, true
}

func (d *slaveDriver) handleTransferOutcome(outcome transferOutcome) {
	for _, slave := range d.slaves {
		if slave.id == outcome.slaveID {
			slave.transfer = outcome.state
			return
		}
	}
}

func decodeBuilt(slaveID int, pv packageVersion, args []json.RawMessage) (buildState, error) {
	if len(args) != 10 {
		return buildState{}, xerrors.Errorf("expected 10 BUILT arguments, got %d", len(args))
	}
	var (
		status                                          bool
		output, filename, filehash                      string
		filesize                                        int64
		duration                                        float64
		pkgVersionTag, pyVersionTag, abiTag, platformTag string
	)
	fields := []interface{}{&status, &output, &filename, &filesize, &filehash, &duration,
		&pkgVersionTag, &pyVersionTag, &abiTag, &platformTag}
	for i, f := range fields {
		if err := decodeArg(args[i], f); err != nil {
			return buildState{}, xerrors.Errorf("decoding BUILT argument %d: %w", i, err)
		}
	}
	return buildState{
		SlaveID:           slaveID,
		Package:           pv.Package,
		Version:           pv.Version,
		Status:            status,
		Output:            output,
		Filename:          filename,
		Filesize:          filesize,
		Filehash:          filehash,
		Duration:          time.Duration(duration * float64(time.Second)),
		PackageVersionTag: pkgVersionTag,
		PyVersionTag:      pyVersionTag,
		ABITag:            abiTag,
		PlatformTag:       platformTag,
	}, nil
}
