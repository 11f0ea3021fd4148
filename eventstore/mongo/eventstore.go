// Package mongo provides an EventStore backed by a MongoDB collection.
//
// Batches run in a multi-document transaction, so the server must be a
// replica set or a sharded cluster.
package mongo

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/clinicsales/eventlog"
)

var _ eventlog.EventStore = (*Store)(nil)

const (
	DefaultCollection = "sales_events"
	countersName      = "counters"

	idxSeq       = "sales_events_seq"
	idxAggregate = "sales_events_aggregate_ids"
	idxOrder     = "sales_events_ts_seq"
)

// document is the stored shape of one event. BSON dates only hold
// milliseconds, so ordering and filtering use ts_micros.
type document struct {
	ID            string    `bson:"_id"`
	Seq           int64     `bson:"seq"`
	Type          string    `bson:"type"`
	TSMicros      int64     `bson:"ts_micros"`
	OccurredAt    time.Time `bson:"occurred_at"`
	Source        string    `bson:"source"`
	Version       string    `bson:"version"`
	CorrelationID string    `bson:"correlation_id,omitempty"`
	UserID        string    `bson:"user_id,omitempty"`
	ClinicID      string    `bson:"clinic_id,omitempty"`
	AggregateID   string    `bson:"aggregate_id"`
	AggregateIDs  []string  `bson:"aggregate_ids"`
	Data          bson.Raw  `bson:"data"`
}

// Store persists events in one collection. Sequences come from a counter
// document in the counters collection.
type Store struct {
	client   *mongodriver.Client
	events   *mongodriver.Collection
	counters *mongodriver.Collection
	closed   atomic.Bool
}

type config struct {
	collection string
}

// Option configures a Store.
type Option func(*config)

// WithCollection overrides the events collection name.
func WithCollection(name string) Option {
	return func(c *config) {
		if name != "" {
			c.collection = name
		}
	}
}

// New creates the indexes and the sequence counter if they are missing.
// The database's client stays owned by the caller.
func New(ctx context.Context, db *mongodriver.Database, opts ...Option) (*Store, error) {
	cfg := config{collection: DefaultCollection}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Store{
		client:   db.Client(),
		events:   db.Collection(cfg.collection),
		counters: db.Collection(countersName),
	}
	if err := s.ensureSchema(ctx, cfg.collection); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context, counter string) error {
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "seq", Value: 1}},
			Options: options.Index().SetName(idxSeq).SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "aggregate_ids", Value: 1}},
			Options: options.Index().SetName(idxAggregate),
		},
		{
			Keys:    bson.D{{Key: "ts_micros", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetName(idxOrder),
		},
	}
	if _, err := s.events.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	_, err := s.counters.UpdateOne(ctx,
		bson.M{"_id": counter},
		bson.M{"$setOnInsert": bson.M{"seq": int64(0)}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && !mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("seed sequence counter: %w", err)
	}
	return nil
}

// reserve allocates n sequences and returns the first one.
func (s *Store) reserve(ctx context.Context, n int) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": s.events.Name()},
		bson.M{"$inc": bson.M{"seq": int64(n)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("reserve sequence: %w", err)
	}
	return counter.Seq - int64(n) + 1, nil
}

func toDocument(e eventlog.Event, seq int64) (document, error) {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return document{}, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	var payload bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &payload); err != nil {
		return document{}, fmt.Errorf("convert %s payload: %w", e.Type, err)
	}
	data, err := bson.Marshal(payload)
	if err != nil {
		return document{}, err
	}
	return document{
		ID:            e.ID,
		Seq:           seq,
		Type:          e.Type.String(),
		TSMicros:      e.Timestamp.UnixMicro(),
		OccurredAt:    e.Timestamp,
		Source:        e.Source,
		Version:       e.Version,
		CorrelationID: e.CorrelationID,
		UserID:        e.UserID,
		ClinicID:      e.ClinicID,
		AggregateID:   e.AggregateID(),
		AggregateIDs:  e.AggregateIDs(),
		Data:          bson.Raw(data),
	}, nil
}

func (d document) record() (*eventlog.Record, error) {
	raw, err := bson.MarshalExtJSON(d.Data, false, false)
	if err != nil {
		return nil, fmt.Errorf("convert payload of %s: %w", d.ID, err)
	}
	t := eventlog.EventType(d.Type)
	payload, err := eventlog.DecodePayload(t, raw)
	if err != nil {
		return nil, fmt.Errorf("decode event %s: %w", d.ID, err)
	}
	return &eventlog.Record{
		Sequence:    uint64(d.Seq),
		AggregateID: d.AggregateID,
		Event: eventlog.Event{
			ID:            d.ID,
			Type:          t,
			Timestamp:     time.UnixMicro(d.TSMicros).UTC(),
			Source:        d.Source,
			Version:       d.Version,
			CorrelationID: d.CorrelationID,
			UserID:        d.UserID,
			ClinicID:      d.ClinicID,
			Data:          payload,
		},
	}, nil
}

func writeError(op string, err error) error {
	if mongodriver.IsDuplicateKeyError(err) {
		return &eventlog.StoreWriteError{Op: op, Err: fmt.Errorf("%w: %v", eventlog.ErrDuplicateEvent, err)}
	}
	return eventlog.WrapStoreWriteError(op, err)
}

func (s *Store) Append(ctx context.Context, event eventlog.Event) (eventlog.Record, error) {
	if err := event.Validate(); err != nil {
		return eventlog.Record{}, err
	}
	if s.closed.Load() {
		return eventlog.Record{}, &eventlog.StoreWriteError{Op: "append", Err: eventlog.ErrStoreClosed}
	}

	seq, err := s.reserve(ctx, 1)
	if err != nil {
		return eventlog.Record{}, writeError("append", err)
	}
	doc, err := toDocument(event, seq)
	if err != nil {
		return eventlog.Record{}, writeError("append", err)
	}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		return eventlog.Record{}, writeError("append", err)
	}
	return eventlog.Record{Sequence: uint64(seq), AggregateID: doc.AggregateID, Event: event}, nil
}

func (s *Store) AppendBatch(ctx context.Context, events []eventlog.Event) ([]eventlog.Record, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := eventlog.ValidateBatch(events); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, &eventlog.StoreWriteError{Op: "append batch", Err: eventlog.ErrStoreClosed}
	}

	session, err := s.client.StartSession()
	if err != nil {
		return nil, writeError("append batch", err)
	}
	defer session.EndSession(context.WithoutCancel(ctx))

	// The callback may run more than once on transient errors.
	result, err := session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		first, err := s.reserve(ctx, len(events))
		if err != nil {
			return nil, err
		}
		docs := make([]any, len(events))
		records := make([]eventlog.Record, len(events))
		for i, e := range events {
			doc, err := toDocument(e, first+int64(i))
			if err != nil {
				return nil, err
			}
			docs[i] = doc
			records[i] = eventlog.Record{Sequence: uint64(doc.Seq), AggregateID: doc.AggregateID, Event: e}
		}
		if _, err := s.events.InsertMany(ctx, docs); err != nil {
			return nil, err
		}
		return records, nil
	})
	if err != nil {
		return nil, writeError("append batch", err)
	}
	return result.([]eventlog.Record), nil
}

// fromMicros rounds t up to a whole microsecond.
func fromMicros(t time.Time) int64 {
	us := t.UnixMicro()
	if t.After(time.UnixMicro(us)) {
		us++
	}
	return us
}

// Query streams matching documents from a server cursor sorted by (ts_micros, seq).
func (s *Store) Query(ctx context.Context, filter eventlog.Filter) (*eventlog.Iterator[*eventlog.Record], error) {
	if s.closed.Load() {
		return nil, &eventlog.QueryError{Err: eventlog.ErrStoreClosed}
	}

	q := bson.M{}
	if filter.AggregateID != "" {
		q["aggregate_ids"] = filter.AggregateID
	}
	if !filter.From.IsZero() {
		q["ts_micros"] = bson.M{"$gte": fromMicros(filter.From)}
	}

	cursor, err := s.events.Find(ctx, q,
		options.Find().SetSort(bson.D{{Key: "ts_micros", Value: 1}, {Key: "seq", Value: 1}}))
	if err != nil {
		return nil, eventlog.WrapQueryError(err)
	}

	return eventlog.NewIteratorFunc(func(ctx context.Context) (*eventlog.Record, error) {
		if !cursor.Next(ctx) {
			if err := cursor.Err(); err != nil {
				return nil, eventlog.WrapQueryError(err)
			}
			return nil, io.EOF
		}
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, eventlog.WrapQueryError(err)
		}
		rec, err := doc.record()
		if err != nil {
			return nil, eventlog.WrapQueryError(err)
		}
		return rec, nil
	}).OnClose(func() error {
		return cursor.Close(context.Background())
	}), nil
}

// Close marks the store closed. The client belongs to the caller.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
