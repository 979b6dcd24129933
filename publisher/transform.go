package publisher

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vigildb/vigil/encoding"
	"github.com/vigildb/vigil/event"
)

// Transformer encodes change events into sink payloads: msgpack,
// optionally zstd-compressed. Safe for concurrent use.
type Transformer struct {
	compress    bool
	encoderPool sync.Pool
}

// NewTransformer builds a transformer. With compress set, payloads are
// zstd-compressed with pooled encoders.
func NewTransformer(compress bool) *Transformer {
	return &Transformer{
		compress: compress,
		encoderPool: sync.Pool{
			New: func() any {
				enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
				if err != nil {
					return nil
				}
				return enc
			},
		},
	}
}

// Transform encodes one event of a batch into a payload.
func (t *Transformer) Transform(b *event.Batch, e *event.ChangeEvent) ([]byte, error) {
	record := Record{
		Seq:        b.Seq,
		TxnID:      b.TxnID,
		Relation:   e.Relation,
		Action:     e.Action.String(),
		KeyColumns: e.Key.Columns,
		KeyValues:  e.Key.Values,
		Values:     e.Values,
		CommitTS:   b.CommitTS.WallTime,
		Origin:     b.Origin,
	}

	payload, err := encoding.Marshal(&record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}

	if !t.compress {
		return payload, nil
	}

	enc, _ := t.encoderPool.Get().(*zstd.Encoder)
	if enc == nil {
		return nil, fmt.Errorf("zstd encoder unavailable")
	}
	defer t.encoderPool.Put(enc)

	return enc.EncodeAll(payload, nil), nil
}
