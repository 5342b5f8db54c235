package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/poiesic/streamvisit/storage"
	"github.com/poiesic/streamvisit/tracing"
)

// TraceRepository implements storage.TraceRepository for BadgerDB.
// Stored descriptions are zstd compressed; trace text is highly repetitive.
type TraceRepository struct {
	backend *Backend
	seq     *badger.Sequence
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ storage.TraceRepository = (*TraceRepository)(nil)

// NewTraceRepository creates a new TraceRepository.
func NewTraceRepository(backend *Backend) (*TraceRepository, error) {
	seq, err := backend.GetSequence(traceSeq)
	if err != nil {
		return nil, err
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		seq.Release()
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		seq.Release()
		return nil, err
	}
	return &TraceRepository{
		backend: backend,
		seq:     seq,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Close releases the sequence and the codecs.
func (r *TraceRepository) Close() error {
	r.decoder.Close()
	err := r.encoder.Close()
	if seqErr := r.seq.Release(); seqErr != nil && err == nil {
		err = seqErr
	}
	return err
}

// WithTransaction delegates to the backend.
func (r *TraceRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.backend.WithTransaction(ctx, fn)
}

// SaveTrace stores a trace description. Saving an id twice replaces the
// earlier description in place.
func (r *TraceRepository) SaveTrace(ctx context.Context, desc tracing.Description) error {
	if desc.TraceID == "" {
		return fmt.Errorf("%w: empty trace id", storage.ErrSerializationFailed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	value := r.encoder.EncodeAll(storage.MarshalTrace(&desc), nil)

	return r.backend.update(func(tx *badger.Txn) error {
		idKey := makeTraceIDKey(desc.TraceID)
		seq, err := readSequence(tx, idKey)
		if err != nil {
			return err
		}
		if seq == 0 {
			seq, err = r.seq.Next()
			if err != nil {
				return err
			}
			// BadgerDB sequences can return 0 on first call, so we skip it
			if seq == 0 {
				seq, err = r.seq.Next()
				if err != nil {
					return err
				}
			}
			if err := tx.Set(idKey, binary.BigEndian.AppendUint64(nil, seq)); err != nil {
				return err
			}
		}
		return tx.Set(makeTraceKey(seq), value)
	})
}

// GetTrace retrieves a trace by id.
func (r *TraceRepository) GetTrace(ctx context.Context, id string) (*tracing.Description, error) {
	var result *tracing.Description
	err := r.backend.view(func(tx *badger.Txn) error {
		seq, err := readSequence(tx, makeTraceIDKey(id))
		if err != nil {
			return err
		}
		if seq == 0 {
			return fmt.Errorf("%w: trace %s", storage.ErrNotFound, id)
		}
		item, err := tx.Get(makeTraceKey(seq))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: trace %s", storage.ErrNotFound, id)
			}
			return err
		}
		result, err = r.decodeItem(item)
		return err
	})
	return result, err
}

// ListTraces returns up to limit traces, most recently saved first.
func (r *TraceRepository) ListTraces(ctx context.Context, limit int) ([]*tracing.Description, error) {
	var results []*tracing.Description
	err := r.backend.view(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(tracePrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Seek(makeTraceKey(math.MaxUint64)); iter.Valid(); iter.Next() {
			if limit > 0 && len(results) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			desc, err := r.decodeItem(iter.Item())
			if err != nil {
				return err
			}
			results = append(results, desc)
		}
		return nil
	})
	return results, err
}

func (r *TraceRepository) decodeItem(item *badger.Item) (*tracing.Description, error) {
	var desc *tracing.Description
	err := item.Value(func(val []byte) error {
		raw, err := r.decoder.DecodeAll(val, nil)
		if err != nil {
			return fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
		}
		desc, err = storage.UnmarshalTrace(raw)
		return err
	})
	return desc, err
}

// readSequence returns the sequence stored under key, or 0 if absent.
func readSequence(tx *badger.Txn, key []byte) (uint64, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		if len(val) != sequenceKeySize {
			return storage.ErrTruncatedData
		}
		seq = binary.BigEndian.Uint64(val)
		return nil
	})
	return seq, err
}
