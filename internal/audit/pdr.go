// Package audit writes Process Decision Records: one row per admission,
// dispatch, cancellation and terminal transition.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/runbox/internal/models"
	"github.com/fentz26/runbox/internal/store"
)

// Actions recorded by runbox.
const (
	ActionAdmit    = "task.admit"
	ActionDispatch = "task.dispatch"
	ActionFinish   = "task.finish"
	ActionCancel   = "task.cancel"
	ActionAccount  = "usage.record"
)

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	store *store.Store
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s *store.Store) *PDRWriter {
	return &PDRWriter{store: s}
}

// Record writes a PDR entry for a state-mutating action. Inputs are stored
// only as a hash.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs any, outcome, taskID, details string) (*models.PDREntry, error) {
	return w.store.WritePDR(ctx, action, HashInputs(inputs), outcome, taskID, details)
}

// List returns the records of a task, oldest first.
func (w *PDRWriter) List(ctx context.Context, taskID string) ([]models.PDREntry, error) {
	return w.store.ListPDR(ctx, taskID)
}

// HashInputs returns the hex SHA-256 of the JSON encoding of inputs.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
