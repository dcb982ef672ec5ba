// Package postgres provides PostgreSQL infrastructure components.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"stockledger/internal/core/id"
	"stockledger/internal/domain/posting"
)

// CompressionAlgo specifies the compression algorithm used for a payload.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// SnapshotStore persists allocation snapshots as JSON, zstd-compressed
// above a size threshold. One row per document; a re-save replaces it.
type SnapshotStore struct {
	txManager         *TxManager
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

// NewSnapshotStore creates a snapshot store.
func NewSnapshotStore(txManager *TxManager) (*SnapshotStore, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &SnapshotStore{
		txManager:         txManager,
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: 10 * 1024, // 10KB
	}, nil
}

// Save stores the snapshot, replacing any prior one for the document.
func (s *SnapshotStore) Save(ctx context.Context, snap *posting.AllocationSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	algo := CompressionNone
	var compressed []byte
	if len(payload) > s.compressThreshold {
		compressed = s.encoder.EncodeAll(payload, nil)
		payload = nil
		algo = CompressionZstd
	}

	sql := `
		INSERT INTO reg_allocation_snapshots (
			document_id, trx_no, payload, payload_compressed, compression_algo, saved_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_id) DO UPDATE SET
			trx_no = EXCLUDED.trx_no,
			payload = EXCLUDED.payload,
			payload_compressed = EXCLUDED.payload_compressed,
			compression_algo = EXCLUDED.compression_algo,
			saved_at = EXCLUDED.saved_at
	`

	querier := s.txManager.GetQuerier(ctx)
	_, err = querier.Exec(ctx, sql,
		snap.DocumentID, snap.TrxNo, payload, compressed, algo, snap.SavedAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Get returns the snapshot for a document, or nil when none exists.
func (s *SnapshotStore) Get(ctx context.Context, documentID id.ID) (*posting.AllocationSnapshot, error) {
	sql := `
		SELECT payload, payload_compressed, compression_algo
		FROM reg_allocation_snapshots
		WHERE document_id = $1
	`

	var payload, compressed []byte
	var algo CompressionAlgo
	querier := s.txManager.GetQuerier(ctx)
	err := querier.QueryRow(ctx, sql, documentID).Scan(&payload, &compressed, &algo)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	if algo == CompressionZstd && len(compressed) > 0 {
		payload, err = s.decoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot: %w", err)
		}
	}

	var snap posting.AllocationSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the snapshot for a document.
func (s *SnapshotStore) Delete(ctx context.Context, documentID id.ID) error {
	querier := s.txManager.GetQuerier(ctx)
	_, err := querier.Exec(ctx, `DELETE FROM reg_allocation_snapshots WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var _ posting.SnapshotStore = (*SnapshotStore)(nil)
