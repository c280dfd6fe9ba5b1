package master

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestTransferStateFullCycle(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, chunkSize*3+123)
	for i := range content {
		content[i] = byte(i)
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	tr, err := newTransferState(1, dir, "foopkg", "foo-1.0.whl", hash, int64(len(content)))
	if err != nil {
		t.Fatalf("newTransferState: %v", err)
	}

	if got, want := tr.credit, 3; got != want {
		t.Fatalf("initial credit = %d, want %d (file covers 3 whole chunks, fewer than pipelineSize %d)", got, want, pipelineSize)
	}

	for !tr.done() {
		r, ok := tr.fetch()
		if !ok {
			t.Fatalf("fetch() returned ok=false before transfer was done; missing=%v", tr.missing)
		}
		if r.Len() <= 0 {
			t.Fatalf("fetch() returned empty range %v", r)
		}
		if err := tr.chunk(r.Start, content[r.Start:r.End]); err != nil {
			t.Fatalf("chunk(%d): %v", r.Start, err)
		}
		// Re-applying the same chunk must be a no-op (idempotency property).
		if err := tr.chunk(r.Start, content[r.Start:r.End]); err != nil {
			t.Fatalf("re-applying chunk(%d): %v", r.Start, err)
		}
		if !sortedAndDisjoint(tr.missing) {
			t.Fatalf("missing ranges %v are not sorted and disjoint", tr.missing)
		}
	}

	ok, err := tr.verify()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("verify() = false, want true for matching hash")
	}

	committed := filepath.Join(dir, "foopkg", "foo-1.0.whl")
	got, err := os.ReadFile(committed)
	if err != nil {
		t.Fatalf("reading committed file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("committed file content mismatch")
	}
}

func TestTransferStateHashMismatchThenRestart(t *testing.T) {
	dir := t.TempDir()
	content := []byte("not enough to matter")

	tr, err := newTransferState(2, dir, "barpkg", "bar-2.0.tar.gz", "deadbeef", int64(len(content)))
	if err != nil {
		t.Fatalf("newTransferState: %v", err)
	}
	r, ok := tr.fetch()
	if !ok {
		t.Fatalf("fetch() returned ok=false")
	}
	if err := tr.chunk(r.Start, content[r.Start:r.End]); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if !tr.done() {
		t.Fatalf("transfer not done after covering the whole range")
	}
	ok, err = tr.verify()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("verify() = true, want false for mismatched hash")
	}
	if _, err := os.Stat(tr.tempPath); err != nil {
		t.Fatalf("temp file %s should survive a hash mismatch for restart() to reuse: %v", tr.tempPath, err)
	}

	if err := tr.restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !bytesCoveredEqual(tr.missing, int64(len(content))) {
		t.Fatalf("restart() did not reset missing ranges: %v", tr.missing)
	}
}

func bytesCoveredEqual(ranges []byteRange, want int64) bool {
	return bytesCovered(ranges) == want
}

func TestInitialCredit(t *testing.T) {
	cases := []struct {
		filesize int64
		want     int
	}{
		{filesize: 10, want: 1},
		{filesize: chunkSize, want: 1},
		{filesize: chunkSize * 5, want: 5},
		{filesize: chunkSize * 50, want: pipelineSize},
	}
	for _, c := range cases {
		if got := initialCredit(c.filesize); got != c.want {
			t.Errorf("initialCredit(%d) = %d, want %d", c.filesize, got, c.want)
		}
	}
}
