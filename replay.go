package eventlog

import "context"

// Replay feeds every stored event matching filter to h, in log order. Events h
// cannot handle are skipped. Replay stops at the first handler error and
// returns the last record visited so callers can resume from its timestamp.
func Replay(ctx context.Context, store EventStore, filter Filter, h EventHandler) (*Record, error) {
	iter, err := store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var last *Record
	for iter.Next(ctx) {
		rec := iter.Value()
		if h.CanHandle(rec.Event) {
			if err := h.Handle(WithRecord(ctx, rec), rec.Event); err != nil {
				return last, err
			}
		}
		last = rec
	}
	if err := iter.Err(); err != nil {
		return last, WrapQueryError(err)
	}
	return last, nil
}
