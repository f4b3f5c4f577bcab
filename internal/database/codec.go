package database

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/odvcencio/forgesim/internal/store"
)

// The encoder and decoder are safe for concurrent EncodeAll/DecodeAll use.
var (
	snapshotEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	snapshotDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// EncodeSnapshot serializes snap to JSON and compresses it with zstd. The
// uncompressed size is returned alongside for bookkeeping.
func EncodeSnapshot(snap *store.Snapshot) ([]byte, int64, error) {
	if snap == nil {
		return nil, 0, fmt.Errorf("snapshot is nil")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	return snapshotEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/4)), int64(len(raw)), nil
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) (*store.Snapshot, error) {
	raw, err := snapshotDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// NewRecord captures st into a record ready for SaveSnapshot.
func NewRecord(st *store.Store) (*SnapshotRecord, error) {
	version := st.Version()
	data, rawSize, err := EncodeSnapshot(st.Snapshot())
	if err != nil {
		return nil, err
	}
	return &SnapshotRecord{StoreVersion: version, RawSize: rawSize, Data: data}, nil
}
