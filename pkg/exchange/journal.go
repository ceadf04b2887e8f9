package exchange

import (
	"encoding/json"
	"fmt"

	"github.com/vadiminshakov/gowal"
)

// Journal is the durable append-only record of committed events, kept in a
// write-ahead log on disk. It exists for audit and external reconstruction;
// the engine never replays it to rebuild state (the pebble store owns state).
type Journal struct {
	wal *gowal.Wal
}

// OpenJournal opens (or creates) the event journal in dir.
func OpenJournal(dir string) (*Journal, error) {
	w, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "evt_",
		SegmentThreshold: 10000,
		MaxSegments:      100,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open event journal: %w", err)
	}
	return &Journal{wal: w}, nil
}

// Append writes one committed event. The WAL index is the event's sequence
// number, so the journal's order is the engine's commit order.
func (j *Journal) Append(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.Seq, err)
	}
	if err := j.wal.Write(ev.Seq, string(ev.Type), data); err != nil {
		return fmt.Errorf("journal event %d: %w", ev.Seq, err)
	}
	return nil
}

// LastSeq returns the sequence number of the newest journaled event, zero if
// the journal is empty.
func (j *Journal) LastSeq() uint64 {
	return j.wal.CurrentIndex()
}

// Replay streams every journaled event, oldest first. Used by audit tooling,
// never by the engine itself.
func (j *Journal) Replay(fn func(typ EventType, raw json.RawMessage) error) error {
	for m := range j.wal.Iterator() {
		if err := fn(EventType(m.Key), json.RawMessage(m.Value)); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) Close() error {
	return j.wal.Close()
}
