package syncq

import (
	"context"

	"github.com/UniQw/syncq/internal/hctx"
)

// SetResult encodes the provided value using the default JSON encoder and
// stores it as the item's result once the executor succeeds. Last call wins.
// It is a no-op outside a flush pass.
func SetResult(ctx context.Context, v any) error {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return nil
	}
	var enc Encoder = &JSONEncoder{}
	b, err := enc.Encode(v)
	if err != nil {
		return err
	}
	st.Result = b
	return nil
}

// SetResultBytes attaches raw bytes as the item's result without encoding.
// It is a no-op outside a flush pass.
func SetResultBytes(ctx context.Context, b []byte) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	st.Result = b
}
