// Package file provides an EventStore backed by an append-only JSON-lines log.
//
// Every Append or AppendBatch call writes exactly one line (a frame) and
// fsyncs before returning, so a batch is either fully on disk or absent. A torn
// trailing frame left by a crash is discarded when the log is opened.
package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/clinicsales/eventlog"
)

var _ eventlog.EventStore = (*FileStore)(nil)

// LogFileName is the name of the log inside the store directory.
const LogFileName = "events.jsonl"

type frame struct {
	Records []storedRecord `json:"records"`
}

type storedRecord struct {
	Sequence     uint64          `json:"seq"`
	AggregateID  string          `json:"aggregate_id"`
	AggregateIDs []string        `json:"aggregate_ids"`
	Event        json.RawMessage `json:"event"`
}

// FileStore keeps an in-memory index of the log for queries. Appends are
// serialised by a mutex.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	size    int64
	records []*eventlog.Record
	ids     map[string]struct{}
	seq     uint64
	closed  bool
}

// NewFileStore opens or creates the log in dir and loads it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, LogFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	s := &FileStore{path: path, file: f, ids: make(map[string]struct{})}
	if err := s.load(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) load() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(s.file)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// A frame without its newline was never acknowledged.
			if len(line) > 0 {
				if err := s.file.Truncate(offset); err != nil {
					return err
				}
			}
			break
		}
		if err != nil {
			return err
		}
		records, err := decodeFrame(line)
		if err != nil {
			return fmt.Errorf("frame at offset %d: %w", offset, err)
		}
		for _, rec := range records {
			s.index(rec)
		}
		offset += int64(len(line))
	}
	s.size = offset
	_, err := s.file.Seek(offset, io.SeekStart)
	return err
}

func decodeFrame(line []byte) ([]*eventlog.Record, error) {
	var f frame
	if err := json.Unmarshal(bytes.TrimSpace(line), &f); err != nil {
		return nil, err
	}
	out := make([]*eventlog.Record, len(f.Records))
	for i, sr := range f.Records {
		var ev eventlog.Event
		if err := json.Unmarshal(sr.Event, &ev); err != nil {
			return nil, err
		}
		out[i] = &eventlog.Record{Sequence: sr.Sequence, AggregateID: sr.AggregateID, Event: ev}
	}
	return out, nil
}

func (s *FileStore) index(rec *eventlog.Record) {
	s.records = append(s.records, rec)
	s.ids[rec.Event.ID] = struct{}{}
	if rec.Sequence > s.seq {
		s.seq = rec.Sequence
	}
}

func (s *FileStore) Append(ctx context.Context, event eventlog.Event) (eventlog.Record, error) {
	records, err := s.append(ctx, "append", []eventlog.Event{event})
	if err != nil {
		return eventlog.Record{}, err
	}
	return records[0], nil
}

func (s *FileStore) AppendBatch(ctx context.Context, events []eventlog.Event) ([]eventlog.Record, error) {
	if len(events) == 0 {
		return nil, nil
	}
	return s.append(ctx, "append batch", events)
}

func (s *FileStore) append(ctx context.Context, op string, events []eventlog.Event) ([]eventlog.Record, error) {
	if err := eventlog.ValidateBatch(events); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &eventlog.StoreWriteError{Op: op, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &eventlog.StoreWriteError{Op: op, Err: eventlog.ErrStoreClosed}
	}
	for _, e := range events {
		if _, exists := s.ids[e.ID]; exists {
			return nil, &eventlog.StoreWriteError{Op: op, Err: fmt.Errorf("event %s: %w", e.ID, eventlog.ErrDuplicateEvent)}
		}
	}

	f := frame{Records: make([]storedRecord, len(events))}
	records := make([]*eventlog.Record, len(events))
	for i, e := range events {
		raw, err := eventlog.MarshalEvent(e)
		if err != nil {
			return nil, &eventlog.StoreWriteError{Op: op, Err: err}
		}
		seq := s.seq + uint64(i) + 1
		f.Records[i] = storedRecord{
			Sequence:     seq,
			AggregateID:  e.AggregateID(),
			AggregateIDs: e.AggregateIDs(),
			Event:        raw,
		}
		records[i] = &eventlog.Record{Sequence: seq, AggregateID: e.AggregateID(), Event: e}
	}

	line, err := json.Marshal(f)
	if err != nil {
		return nil, &eventlog.StoreWriteError{Op: op, Err: err}
	}
	line = append(line, '\n')

	if err := s.write(line); err != nil {
		return nil, &eventlog.StoreWriteError{Op: op, Err: err}
	}

	out := make([]eventlog.Record, len(records))
	for i, rec := range records {
		s.index(rec)
		out[i] = *rec
	}
	return out, nil
}

// write appends line and fsyncs. On failure the file is cut back to its
// previous size so no partial frame survives.
func (s *FileStore) write(line []byte) error {
	if _, err := s.file.Write(line); err != nil {
		return errors.Join(err, s.rollback())
	}
	if err := s.file.Sync(); err != nil {
		return errors.Join(err, s.rollback())
	}
	s.size += int64(len(line))
	return nil
}

func (s *FileStore) rollback() error {
	if err := s.file.Truncate(s.size); err != nil {
		return err
	}
	_, err := s.file.Seek(s.size, io.SeekStart)
	return err
}

func (s *FileStore) Query(ctx context.Context, filter eventlog.Filter) (*eventlog.Iterator[*eventlog.Record], error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, &eventlog.QueryError{Err: eventlog.ErrStoreClosed}
	}
	var matched []*eventlog.Record
	for _, rec := range s.records {
		if filter.Matches(rec.Event) {
			matched = append(matched, rec)
		}
	}
	s.mu.RUnlock()

	eventlog.SortRecords(matched)
	return eventlog.NewSliceIterator(matched), nil
}

// Path returns the location of the log file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
