// Package store is the durable, append-only queue of pending observations.
//
// Observations are recorded as a JSON-lines event log: one record per
// appended observation, one per delivery-state transition. The log is
// replayed on open, so the queue survives process restarts and reboots; an
// observation is only purged once the collector has acknowledged it.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

const logName = "observations.log"

// ErrCorrupt means the persisted state is unreadable. This is fatal at
// startup and requires operator intervention: fabricating empty state would
// silently drop recorded observations.
var ErrCorrupt = errors.New("store: persisted state unreadable")

// logRecord is one line of the event log.
type logRecord struct {
	Op     string        `json:"op"` // "head", "obs" or "state"
	NextID uint64        `json:"next_id,omitempty"`
	Obs    *Observation  `json:"obs,omitempty"`
	ID     uint64        `json:"id,omitempty"`
	State  DeliveryState `json:"state,omitempty"`
}

// Store owns every observation from creation until delivery. All mutations
// are mutex-guarded: the scan scheduler appends while the upload scheduler
// selects and transitions concurrently.
type Store struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	byID   map[uint64]*Observation
	order  []uint64 // append order, ids strictly increasing
	nextID uint64
}

// Open replays the log under dir, resets any observation left in_flight by
// a crash during a prior upload back to pending, and compacts delivered
// records away. It fails with ErrCorrupt if the log cannot be replayed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	s := &Store{
		path: filepath.Join(dir, logName),
		byID: make(map[uint64]*Observation),
	}

	if err := s.replay(); err != nil {
		return nil, err
	}

	recovered := s.recoverInFlight()
	if err := s.compact(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open log: %w", err)
	}
	s.file = file

	if recovered > 0 {
		log.Printf("store: reset %d in-flight observation(s) to pending after restart", recovered)
	}
	return s, nil
}

// replay loads the existing log into memory. A torn final line (crash in
// the middle of an append) is dropped with a warning; anything else
// unreadable fails with ErrCorrupt.
func (s *Store) replay() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read log: %w", err)
	}

	offset := 0
	lineNum := 0
	for offset < len(data) {
		lineNum++
		end := bytes.IndexByte(data[offset:], '\n')
		last := end < 0
		var line []byte
		if last {
			line = data[offset:]
		} else {
			line = data[offset : offset+end]
		}

		if err := s.apply(line); err != nil {
			if last {
				log.Printf("store: dropping torn final log line: %v", err)
				if terr := os.Truncate(s.path, int64(offset)); terr != nil {
					return fmt.Errorf("store: truncate torn line: %w", terr)
				}
				return nil
			}
			return fmt.Errorf("%w: line %d: %v", ErrCorrupt, lineNum, err)
		}

		if last {
			break
		}
		offset += end + 1
	}
	return nil
}

func (s *Store) apply(line []byte) error {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}

	var rec logRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return err
	}

	switch rec.Op {
	case "head":
		if rec.NextID > s.nextID {
			s.nextID = rec.NextID
		}
	case "obs":
		if rec.Obs == nil || rec.Obs.ID == 0 {
			return fmt.Errorf("obs record without observation")
		}
		if _, dup := s.byID[rec.Obs.ID]; dup {
			return fmt.Errorf("duplicate observation id %d", rec.Obs.ID)
		}
		obs := *rec.Obs
		if obs.State == "" {
			obs.State = StatePending
		}
		s.byID[obs.ID] = &obs
		s.order = append(s.order, obs.ID)
		if obs.ID > s.nextID {
			s.nextID = obs.ID
		}
	case "state":
		obs, ok := s.byID[rec.ID]
		if !ok {
			return fmt.Errorf("state record for unknown observation %d", rec.ID)
		}
		switch rec.State {
		case StatePending, StateInFlight, StateDelivered:
			obs.State = rec.State
		default:
			return fmt.Errorf("unknown delivery state %q", rec.State)
		}
	default:
		return fmt.Errorf("unknown log op %q", rec.Op)
	}
	return nil
}

// recoverInFlight resets observations stuck in_flight by a crash. No
// observation is ever permanently stuck: anything not acknowledged goes
// back to pending and will be retried.
func (s *Store) recoverInFlight() int {
	n := 0
	for _, id := range s.order {
		if obs := s.byID[id]; obs.State == StateInFlight {
			obs.State = StatePending
			n++
		}
	}
	return n
}

// compact rewrites the log without delivered observations, preserving the
// id high-water mark so ids stay strictly increasing across restarts.
func (s *Store) compact() error {
	kept := make([]uint64, 0, len(s.order))
	purged := 0
	for _, id := range s.order {
		if s.byID[id].State == StateDelivered {
			delete(s.byID, id)
			purged++
		} else {
			kept = append(kept, id)
		}
	}
	s.order = kept

	tmp := s.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: compact: %w", err)
	}

	write := func(rec logRecord) error {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = file.Write(append(line, '\n'))
		return err
	}

	if err := write(logRecord{Op: "head", NextID: s.nextID}); err != nil {
		file.Close()
		return fmt.Errorf("store: compact: %w", err)
	}
	for _, id := range s.order {
		if err := write(logRecord{Op: "obs", Obs: s.byID[id]}); err != nil {
			file.Close()
			return fmt.Errorf("store: compact: %w", err)
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("store: compact: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("store: compact: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store: compact: %w", err)
	}

	if purged > 0 {
		log.Printf("store: purged %d delivered observation(s)", purged)
	}
	return nil
}

// Close releases the log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// appendLocked writes records to the log and flushes them to disk.
func (s *Store) appendLocked(recs ...logRecord) error {
	var buf bytes.Buffer
	for _, rec := range recs {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("store: marshal record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if _, err := s.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("store: sync: %w", err)
	}
	return nil
}

// Append assigns the next observation id and durably records obs as
// pending. Ids are strictly increasing, including across restarts.
func (s *Store) Append(obs Observation) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	obs.ID = s.nextID
	obs.State = StatePending

	if err := s.appendLocked(logRecord{Op: "obs", Obs: &obs}); err != nil {
		s.nextID--
		return 0, err
	}

	stored := obs
	s.byID[obs.ID] = &stored
	s.order = append(s.order, obs.ID)
	return obs.ID, nil
}

// SelectBatch picks up to max of the oldest pending observations, durably
// marks them in_flight, and returns them as a fixed batch. Observations
// already in_flight are never selected.
func (s *Store) SelectBatch(max int) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch Batch
	var recs []logRecord
	var members []*Observation

	for _, id := range s.order {
		if len(members) == max {
			break
		}
		obs := s.byID[id]
		if obs.State != StatePending {
			continue
		}
		members = append(members, obs)
		recs = append(recs, logRecord{Op: "state", ID: id, State: StateInFlight})
	}

	if len(members) == 0 {
		return batch, nil
	}
	if err := s.appendLocked(recs...); err != nil {
		return Batch{}, err
	}

	for _, obs := range members {
		obs.State = StateInFlight
		batch.Observations = append(batch.Observations, *obs)
	}
	return batch, nil
}

// MarkDelivered moves every member of batch from in_flight to delivered.
// Delivered is terminal; the records are purged at the next compaction.
func (s *Store) MarkDelivered(batch Batch) error {
	return s.transition(batch, StateInFlight, StateDelivered)
}

// MarkFailed returns every member of batch from in_flight to pending so the
// next upload attempt retries them.
func (s *Store) MarkFailed(batch Batch) error {
	return s.transition(batch, StateInFlight, StatePending)
}

func (s *Store) transition(batch Batch, from, to DeliveryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []logRecord
	var members []*Observation
	for _, id := range batch.IDs() {
		obs, ok := s.byID[id]
		if !ok {
			return fmt.Errorf("store: unknown observation %d", id)
		}
		if obs.State != from {
			return fmt.Errorf("store: observation %d is %s, cannot move %s -> %s",
				id, obs.State, from, to)
		}
		members = append(members, obs)
		recs = append(recs, logRecord{Op: "state", ID: id, State: to})
	}

	if len(recs) == 0 {
		return nil
	}
	if err := s.appendLocked(recs...); err != nil {
		return err
	}
	for _, obs := range members {
		obs.State = to
	}
	return nil
}

// Counts reports how many observations are in each delivery state.
func (s *Store) Counts() (pending, inFlight, delivered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		switch s.byID[id].State {
		case StatePending:
			pending++
		case StateInFlight:
			inFlight++
		case StateDelivered:
			delivered++
		}
	}
	return
}
