package knowledge

import (
	"errors"
	"fmt"
)

var ErrIndexNotReady = errors.New("knowledge: vector index is not ready")

// EmbeddingError reports a chunk that was skipped because it could not be embedded.
type EmbeddingError struct {
	ChunkID string
	Err     error
}

func (e EmbeddingError) Error() string {
	return fmt.Sprintf("knowledge: embed chunk %s: %v", e.ChunkID, e.Err)
}

func (e EmbeddingError) Unwrap() error { return e.Err }

// VectorStoreError wraps a failed upsert, query or delete against the backing store.
type VectorStoreError struct {
	Op  string
	Err error
}

func (e *VectorStoreError) Error() string {
	return fmt.Sprintf("knowledge: vector store %s: %v", e.Op, e.Err)
}

func (e *VectorStoreError) Unwrap() error { return e.Err }

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *VectorStoreError
	if errors.As(err, &existing) {
		return err
	}
	return &VectorStoreError{Op: op, Err: err}
}
