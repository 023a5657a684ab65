// Package tracefile reads and writes the on-disk trace format: a single
// JSON document inside an lz4 frame. The daemon stores every recording
// this way; anything JSON-serializable round-trips.
package tracefile

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"
)

// Write encodes v as JSON and writes it lz4-compressed to w.
func Write(w io.Writer, v any) error {
	zw := lz4.NewWriter(w)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
		return fmt.Errorf("tracefile: configuring compression: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		return fmt.Errorf("tracefile: encoding: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("tracefile: flushing compressed frame: %w", err)
	}
	return nil
}

// Read decodes an lz4-compressed JSON document from r into v.
func Read(r io.Reader, v any) error {
	if err := json.NewDecoder(lz4.NewReader(r)).Decode(v); err != nil {
		return fmt.Errorf("tracefile: decoding: %w", err)
	}
	return nil
}
