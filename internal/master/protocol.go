package master

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"golang.org/x/xerrors"
)

// The worker protocol exchanges JSON-tagged arrays, one per line-oriented
// JSON value, streamed over a TCP connection. The connection itself
// supplies the transport address a routed socket would otherwise prefix
// onto the frame, since each worker holds its own connection open for the
// life of its session.

// workerMsg is the generic inbound/outbound shape: a tag followed by
// tag-specific arguments (`["BUILT", status, output, filename, ...]`).
type workerMsg struct {
	Tag  string
	Args []json.RawMessage
}

func (m workerMsg) MarshalJSON() ([]byte, error) {
	parts := make([]json.RawMessage, 0, len(m.Args)+1)
	tag, err := json.Marshal(m.Tag)
	if err != nil {
		return nil, err
	}
	parts = append(parts, tag)
	parts = append(parts, m.Args...)
	return json.Marshal(parts)
}

func (m *workerMsg) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return xerrors.New("empty worker message")
	}
	var tag string
	if err := json.Unmarshal(raw[0], &tag); err != nil {
		return xerrors.Errorf("decoding worker message tag: %w", err)
	}
	m.Tag = tag
	m.Args = raw[1:]
	return nil
}

func arg(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// every argument we construct ourselves is trivially marshalable.
		panic(err)
	}
	return json.RawMessage(b)
}

func decodeArg(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// The transfer protocol exchanges binary multi-part frames over a plain
// TCP connection: each frame is the message for one connection, written as
// a part count followed by length-prefixed parts. The first part is always
// the tag; remaining parts are tag-specific, with integers sent as ASCII
// decimal.
type transferFrame struct {
	Tag   string
	Parts [][]byte
}

func writeTransferFrame(w io.Writer, f transferFrame) error {
	total := uint32(1 + len(f.Parts))
	if err := binary.Write(w, binary.BigEndian, total); err != nil {
		return err
	}
	if err := writeFramePart(w, []byte(f.Tag)); err != nil {
		return err
	}
	for _, p := range f.Parts {
		if err := writeFramePart(w, p); err != nil {
			return err
		}
	}
	return nil
}

func writeFramePart(w io.Writer, p []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(p))); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	_, err := w.Write(p)
	return err
}

func readTransferFrame(r io.Reader) (transferFrame, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return transferFrame{}, err
	}
	if n == 0 {
		return transferFrame{}, xerrors.New("empty transfer frame")
	}
	parts := make([][]byte, n)
	for i := range parts {
		var plen uint32
		if err := binary.Read(r, binary.BigEndian, &plen); err != nil {
			return transferFrame{}, err
		}
		buf := make([]byte, plen)
		if plen > 0 {
			if _, err := io.ReadFull(r, buf); err != nil {
				return transferFrame{}, err
			}
		}
		parts[i] = buf
	}
	return transferFrame{Tag: string(parts[0]), Parts: parts[1:]}, nil
}
