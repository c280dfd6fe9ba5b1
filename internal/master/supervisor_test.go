package master

import (
	"context"
	"io"
	"log"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestSuperviseLoopForwardsStatusToPublisher(t *testing.T) {
	publisher := newStatusPublisher()
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()
	publisher.subs[serverConn] = struct{}{}

	control := make(chan controlCmd)
	internalStatus := make(chan statusMsg, 1)
	kill := make(chan int, 1)
	countReq := make(chan chan<- int, 1)
	var paused atomic.Bool

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go superviseLoop(ctx, log.New(io.Discard, "", 0), control, internalStatus, publisher, &paused, kill, countReq)

	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := clientConn.Read(buf)
		read <- buf[:n]
	}()

	internalStatus <- statusMsg{SlaveID: -1, At: time.Now(), Tag: "STATUS"}

	select {
	case b := <-read:
		if len(b) == 0 {
			t.Fatalf("expected a non-empty forwarded status line")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("status message was not forwarded to the subscriber")
	}
}

func TestSuperviseLoopPauseAndResume(t *testing.T) {
	control := make(chan controlCmd)
	internalStatus := make(chan statusMsg, 1)
	kill := make(chan int, 1)
	countReq := make(chan chan<- int, 1)
	var paused atomic.Bool

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go superviseLoop(ctx, log.New(io.Discard, "", 0), control, internalStatus, newStatusPublisher(), &paused, kill, countReq)

	control <- controlCmd{Name: "PAUSE"}
	deadline := time.Now().Add(time.Second)
	for !paused.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !paused.Load() {
		t.Fatalf("PAUSE command did not set paused")
	}

	control <- controlCmd{Name: "RESUME"}
	deadline = time.Now().Add(time.Second)
	for paused.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if paused.Load() {
		t.Fatalf("RESUME command did not clear paused")
	}
}

func TestSuperviseLoopKillForwardsSlaveID(t *testing.T) {
	control := make(chan controlCmd)
	internalStatus := make(chan statusMsg, 1)
	kill := make(chan int, 1)
	countReq := make(chan chan<- int, 1)
	var paused atomic.Bool

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go superviseLoop(ctx, log.New(io.Discard, "", 0), control, internalStatus, newStatusPublisher(), &paused, kill, countReq)

	control <- controlCmd{Name: "KILL", SlaveID: 42}
	select {
	case id := <-kill:
		if id != 42 {
			t.Fatalf("forwarded kill id = %d, want 42", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("KILL command was not forwarded onto the kill channel")
	}
}

func TestSuperviseLoopQuitReturns(t *testing.T) {
	control := make(chan controlCmd)
	internalStatus := make(chan statusMsg, 1)
	kill := make(chan int, 1)
	countReq := make(chan chan<- int, 1)
	var paused atomic.Bool

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- superviseLoop(ctx, log.New(io.Discard, "", 0), control, internalStatus, newStatusPublisher(), &paused, kill, countReq)
	}()

	control <- controlCmd{Name: "QUIT"}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("superviseLoop returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("superviseLoop did not return on QUIT")
	}
}

// TestShutdownWaitsForDrain is a regression test for the shutdown sequence
// relying on countReq's raw worker-map-size semantics: shutdown must keep
// polling until the simulated worker map actually empties, not bail out
// the instant kill<-0 is sent.
func TestShutdownWaitsForDrain(t *testing.T) {
	killCh := make(chan int, 1)
	countReq := make(chan chan<- int)
	ctx, cancel := context.WithCancel(context.Background())

	var remaining atomic.Int32
	remaining.Store(2)
	driverDone := make(chan struct{})
	go func() {
		defer close(driverDone)
		for {
			select {
			case <-killCh:
			case reply := <-countReq:
				n := remaining.Load()
				reply <- int(n)
				if n > 0 {
					remaining.Add(-1)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	start := time.Now()
	shutdown(ctx, log.New(io.Discard, "", 0), cancel, killCh, countReq)
	elapsed := time.Since(start)

	select {
	case <-ctx.Done():
	default:
		t.Fatalf("shutdown must cancel the task context once the drain completes")
	}
	if elapsed >= shutdownDrainWindow {
		t.Fatalf("shutdown took %s, expected to return once the worker map drained, well under the %s grace window", elapsed, shutdownDrainWindow)
	}
	<-driverDone
}

// TestShutdownCancelsAfterDrainWindowExpires covers the case where workers
// never finish draining: shutdown must still cancel once the grace window
// elapses rather than blocking forever.
func TestShutdownCancelsAfterDrainWindowExpires(t *testing.T) {
	killCh := make(chan int, 1)
	countReq := make(chan chan<- int)
	ctx, cancel := context.WithCancel(context.Background())
	driverDone := make(chan struct{})
	go func() {
		defer close(driverDone)
		for {
			select {
			case <-killCh:
			case reply := <-countReq:
				reply <- 1 // never drains
			case <-ctx.Done():
				return
			}
		}
	}()

	start := time.Now()
	shutdown(ctx, log.New(io.Discard, "", 0), cancel, killCh, countReq)
	elapsed := time.Since(start)

	select {
	case <-ctx.Done():
	default:
		t.Fatalf("shutdown must cancel the task context once the grace window expires")
	}
	if elapsed < shutdownDrainWindow {
		t.Fatalf("shutdown returned after %s, before the %s grace window elapsed", elapsed, shutdownDrainWindow)
	}
	cancel()
	<-driverDone
}
