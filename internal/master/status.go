package master

import (
	"encoding/json"
	"time"
)

// statusMsg is the structured record carried on the internal and external
// status queues: `[slave_id_or_-1, unix_seconds, tag, ...]`. The internal
// queue is best-effort: a record sent while the queue is full is dropped
// (see sendStatus).
type statusMsg struct {
	SlaveID int // -1 for master-originated status (bigBrother's STATUS)
	At      time.Time
	Tag     string
	Args    []interface{}
}

func (s statusMsg) MarshalJSON() ([]byte, error) {
	parts := make([]interface{}, 0, len(s.Args)+3)
	parts = append(parts, s.SlaveID, float64(s.At.Unix()), s.Tag)
	parts = append(parts, s.Args...)
	return json.Marshal(parts)
}

// sendStatus is a non-blocking, best-effort publish onto ch: if the
// internal status queue is at its high-water mark the message is dropped
// rather than stalling the producing task.
func sendStatus(ch chan<- statusMsg, msg statusMsg) {
	select {
	case ch <- msg:
	default:
	}
}
