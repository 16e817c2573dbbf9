package ingestion

import (
	"github.com/xtxerr/cistern/internal/storage/types"
	"github.com/xtxerr/cistern/internal/storage/window"
)

// Binding couples one topic's window store with the decoder for its rows.
// It is created with Bind and erases the sample type so the Ingestor can
// manage every topic uniformly.
type Binding interface {
	Topic() string
	Capacity() int

	// load decodes rows (newest first) and replaces the store contents
	// with the valid ones. Returns the ids of the loaded samples and the
	// malformed rows.
	load(rows []types.Row) (ids map[string]struct{}, malformed []error)

	// apply decodes row and ingests it. skip, when non-nil, suppresses
	// rows whose id it contains. Returns whether the row was ingested.
	apply(row types.Row, skip map[string]struct{}) (bool, error)
}

type binding[T types.Sample] struct {
	store  *window.Store[T]
	decode types.Decoder[T]
}

// Bind creates a Binding for store using decode.
func Bind[T types.Sample](store *window.Store[T], decode types.Decoder[T]) Binding {
	return &binding[T]{store: store, decode: decode}
}

func (b *binding[T]) Topic() string { return b.store.Topic() }
func (b *binding[T]) Capacity() int { return b.store.Cap() }

func (b *binding[T]) load(rows []types.Row) (map[string]struct{}, []error) {
	var malformed []error

	samples := make([]T, 0, len(rows))
	ids := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		s, err := b.decode(b.store.Topic(), row)
		if err != nil {
			malformed = append(malformed, err)
			continue
		}
		samples = append(samples, s)
		ids[s.SampleID()] = struct{}{}
	}

	b.store.Load(samples)
	return ids, malformed
}

func (b *binding[T]) apply(row types.Row, skip map[string]struct{}) (bool, error) {
	s, err := b.decode(b.store.Topic(), row)
	if err != nil {
		return false, err
	}
	if _, dup := skip[s.SampleID()]; dup {
		return false, nil
	}
	b.store.Ingest(s)
	return true, nil
}
