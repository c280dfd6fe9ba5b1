package master

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

const (
	// chunkSize is the window width used both for initial credit
	// calculation and for each FETCH range.
	chunkSize = 65536
	// pipelineSize bounds outstanding credit per transfer.
	pipelineSize = 10
)

// transferState is the per-file receive context for one worker's upload.
// It owns a temporary file co-located with the final output tree and the
// bookkeeping needed to drive the credit-based FETCH/CHUNK exchange.
//
// Not safe for concurrent use. It is handed between buildCatcher, which
// applies CHUNKs to it, and slaveDriver, which verifies, restarts or
// abandons it, via beginTransfer and transferOutcome.
type transferState struct {
	slaveID    int
	outputPath string
	pkg        string
	filename   string
	filehash   string // expected, lowercase hex sha256
	filesize   int64

	file     *os.File
	tempPath string

	credit     int
	nextOffset int64
	missing    []byteRange
}

// newTransferState truncates a fresh temporary file to filesize and seeds
// the missing-range list with the whole file.
func newTransferState(slaveID int, outputPath, pkg, filename, filehash string, filesize int64) (*transferState, error) {
	f, err := os.CreateTemp(outputPath, ".piw-transfer-")
	if err != nil {
		return nil, xerrors.Errorf("creating transfer tempfile: %w", err)
	}
	if err := f.Truncate(filesize); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, xerrors.Errorf("truncating transfer tempfile: %w", err)
	}
	t := &transferState{
		slaveID:    slaveID,
		outputPath: outputPath,
		pkg:        pkg,
		filename:   filename,
		filehash:   filehash,
		filesize:   filesize,
		file:       f,
		tempPath:   f.Name(),
		missing:    []byteRange{{Start: 0, End: filesize}},
	}
	t.credit = initialCredit(filesize)
	return t, nil
}

func initialCredit(filesize int64) int {
	c := filesize / chunkSize
	if c > pipelineSize {
		c = pipelineSize
	}
	if c < 1 {
		c = 1
	}
	return int(c)
}

// restart re-seeds the range bookkeeping for a second attempt at the same
// transfer after a failed verification, reusing the backing file rather
// than discarding it and allocating a new one. verify() closes the file
// handle on every call, so restart reopens it before the next CHUNK can
// land.
func (t *transferState) restart() error {
	f, err := os.OpenFile(t.tempPath, os.O_RDWR, 0644)
	if err != nil {
		return xerrors.Errorf("reopening transfer tempfile: %w", err)
	}
	t.file = f
	t.missing = []byteRange{{Start: 0, End: t.filesize}}
	t.nextOffset = 0
	t.credit = initialCredit(t.filesize)
	return nil
}

// done reports whether every byte of the file has been received.
func (t *transferState) done() bool {
	return len(t.missing) == 0
}

// fetch returns the next range to request from the peer, decrementing
// credit, or ok=false if no credit remains.
func (t *transferState) fetch() (r byteRange, ok bool) {
	if t.credit <= 0 {
		return byteRange{}, false
	}
	if len(t.missing) == 0 {
		t.credit = 0
		return byteRange{}, false
	}
	t.credit--

	window := byteRange{Start: t.nextOffset, End: t.nextOffset + chunkSize}
	for {
		for _, m := range t.missing {
			if overlap, ok := intersect(m, window); ok {
				t.nextOffset = overlap.End
				return overlap, true
			}
			if m.Start > window.Start {
				window = byteRange{Start: m.Start, End: m.Start + chunkSize}
			}
		}
		// next_offset has overshot every missing range; wrap to the first.
		if len(t.missing) == 0 {
			return byteRange{}, false
		}
		window = byteRange{Start: t.missing[0].Start, End: t.missing[0].Start + chunkSize}
	}
}

// chunk records a contiguous run of received bytes at offset, writing them
// to the backing file and updating credit/missing. Applying the same chunk
// twice is idempotent: the write rewrites identical bytes and subtract() of
// an already-excluded range is a no-op.
func (t *transferState) chunk(offset int64, data []byte) error {
	if _, err := t.file.WriteAt(data, offset); err != nil {
		return xerrors.Errorf("writing chunk at offset %d: %w", offset, err)
	}
	t.missing = subtract(t.missing, byteRange{Start: offset, End: offset + int64(len(data))})
	if t.done() {
		t.credit = 0
	} else if t.credit < pipelineSize {
		t.credit++
	}
	return nil
}

// resetCredit is the HELLO-on-transfer-socket recovery path: when a peer's
// FETCHes have all been lost, re-announcing via HELLO restores full
// pipeline depth.
func (t *transferState) resetCredit() {
	if t.credit == 0 {
		t.credit = pipelineSize
	}
}

// verify streams the backing file through SHA-256, compares it against the
// expected hash and, on success, commits the file into place atomically.
// On a hash mismatch the temp file is left in place for restart() to reuse.
func (t *transferState) verify() (bool, error) {
	if _, err := t.file.Seek(0, io.SeekStart); err != nil {
		return false, xerrors.Errorf("seeking transfer file: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, t.file); err != nil {
		return false, xerrors.Errorf("hashing transfer file: %w", err)
	}
	if err := t.file.Close(); err != nil {
		return false, xerrors.Errorf("closing transfer file: %w", err)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	if digest != t.filehash {
		// Leave the temp file in place: restart() reopens and reuses it
		// rather than allocating a new one.
		return false, nil
	}

	if err := os.Chmod(t.tempPath, 0644); err != nil {
		return false, xerrors.Errorf("chmod committed file: %w", err)
	}
	pkgDir := filepath.Join(t.outputPath, t.pkg)
	if err := os.Mkdir(pkgDir, 0755); err != nil && !os.IsExist(err) {
		return false, xerrors.Errorf("creating package directory %s: %w", pkgDir, err)
	}
	dest := filepath.Join(pkgDir, t.filename)
	if err := os.Rename(t.tempPath, dest); err != nil {
		return false, xerrors.Errorf("committing %s: %w", dest, err)
	}
	return true, nil
}

// abandon discards the backing file without committing it; used when a
// slaveState is torn down with a transfer still in flight.
func (t *transferState) abandon() {
	t.file.Close()
	os.Remove(t.tempPath)
}
