package master

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"os"

	"golang.org/x/xerrors"
)

// controlCmd is a decoded admin command: `["QUIT"]`, `["KILL", slave_id]`,
// `["PAUSE"]`, `["RESUME"]`.
type controlCmd struct {
	Name    string
	SlaveID int
}

func (c *controlCmd) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return xerrors.New("empty control command")
	}
	if err := json.Unmarshal(raw[0], &c.Name); err != nil {
		return err
	}
	if c.Name == "KILL" && len(raw) > 1 {
		return json.Unmarshal(raw[1], &c.SlaveID)
	}
	return nil
}

// serveControl accepts local admin connections on a Unix domain socket and
// forwards decoded commands onto out.
func serveControl(ctx context.Context, logger *log.Logger, socketPath string, out chan<- controlCmd) error {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return xerrors.Errorf("binding control socket %s: %w", socketPath, err)
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
			return xerrors.Errorf("accepting control connection: %w", err)
		}
		go func() {
			defer conn.Close()
			dec := json.NewDecoder(conn)
			for {
				var cmd controlCmd
				if err := dec.Decode(&cmd); err != nil {
					return
				}
				select {
				case out <- cmd:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}
