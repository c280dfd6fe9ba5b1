package master

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"strconv"
	"testing"
)

func newTestBuildCatcher() (*buildCatcher, chan transferOutcome, chan beginTransfer) {
	toSD := make(chan transferOutcome, 4)
	fromSD := make(chan beginTransfer, 4)
	b := newBuildCatcher(log.New(io.Discard, "", 0), "", ":0", toSD, fromSD)
	return b, toSD, fromSD
}

func TestBuildCatcherHelloAssociatesPendingTransfer(t *testing.T) {
	b, _, _ := newTestBuildCatcher()
	dir := t.TempDir()
	b.outputPath = dir

	content := []byte("hello world")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	b.beginOrResume(beginTransfer{slaveID: 7, pkg: "pkg", filename: "pkg-1.0.whl", filehash: hash, filesize: int64(len(content))})
	if _, pending := b.pendingBySlaveID[7]; !pending {
		t.Fatalf("beginOrResume must stage the transfer under pendingBySlaveID")
	}

	frames := b.handleFrame(100, transferFrame{Tag: "HELLO", Parts: [][]byte{[]byte("7")}})
	if _, stillPending := b.pendingBySlaveID[7]; stillPending {
		t.Fatalf("HELLO must remove the transfer from pendingBySlaveID once associated")
	}
	tr, known := b.byConn[100]
	if !known {
		t.Fatalf("HELLO must associate connection 100 with slave_id 7's transfer")
	}
	if len(frames) == 0 || frames[0].Tag != "FETCH" {
		t.Fatalf("HELLO reply frames = %+v, want at least one FETCH", frames)
	}
	if want := initialCredit(int64(len(content))) - len(frames); tr.credit != want {
		t.Fatalf("credit = %d after issuing %d FETCHes, want %d", tr.credit, len(frames), want)
	}
}

func TestBuildCatcherHelloForUnknownSlaveIDIsRejected(t *testing.T) {
	b, _, _ := newTestBuildCatcher()
	frames := b.handleFrame(1, transferFrame{Tag: "HELLO", Parts: [][]byte{[]byte("99")}})
	if frames != nil {
		t.Fatalf("HELLO for an unannounced slave_id should be dropped, got %+v", frames)
	}
	if len(b.byConn) != 0 {
		t.Fatalf("no association should be made for an unknown slave_id")
	}
}

func TestBuildCatcherChunkCompletesTransfer(t *testing.T) {
	b, toSD, _ := newTestBuildCatcher()
	dir := t.TempDir()
	b.outputPath = dir

	content := make([]byte, 40)
	for i := range content {
		content[i] = byte(i)
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	b.beginOrResume(beginTransfer{slaveID: 3, pkg: "pkg", filename: "pkg-1.0.whl", filehash: hash, filesize: int64(len(content))})
	b.handleFrame(1, transferFrame{Tag: "HELLO", Parts: [][]byte{[]byte("3")}})

	frames := b.handleFrame(1, transferFrame{Tag: "CHUNK", Parts: [][]byte{
		[]byte(strconv.Itoa(0)), content,
	}})
	if len(frames) != 1 || frames[0].Tag != "DONE" {
		t.Fatalf("CHUNK covering the whole file should reply DONE, got %+v", frames)
	}
	if _, stillTracked := b.byConn[1]; stillTracked {
		t.Fatalf("a completed transfer must be removed from byConn")
	}
	select {
	case outcome := <-toSD:
		if outcome.slaveID != 3 || !outcome.state.done() {
			t.Fatalf("transferOutcome = %+v, want a completed transfer for slave 3", outcome)
		}
	default:
		t.Fatalf("expected a transferOutcome to be sent to slaveDriver")
	}
}

func TestBuildCatcherChunkWithoutAssociationIsIgnored(t *testing.T) {
	b, _, _ := newTestBuildCatcher()
	frames := b.handleFrame(42, transferFrame{Tag: "CHUNK", Parts: [][]byte{[]byte("0"), []byte("x")}})
	if frames != nil {
		t.Fatalf("CHUNK on an unassociated connection should be ignored, got %+v", frames)
	}
}

func TestBuildCatcherHelloRecoversLostCredit(t *testing.T) {
	b, _, _ := newTestBuildCatcher()
	dir := t.TempDir()
	b.outputPath = dir

	content := make([]byte, chunkSize*3)
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	b.beginOrResume(beginTransfer{slaveID: 9, pkg: "pkg", filename: "pkg-1.0.whl", filehash: hash, filesize: int64(len(content))})
	b.handleFrame(5, transferFrame{Tag: "HELLO", Parts: [][]byte{[]byte("9")}})

	tr := b.byConn[5]
	tr.credit = 0

	frames := b.handleFrame(5, transferFrame{Tag: "HELLO", Parts: [][]byte{[]byte("9")}})
	if len(frames) == 0 {
		t.Fatalf("re-HELLO with exhausted credit should resume issuing FETCHes")
	}
}
