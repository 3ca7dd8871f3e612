package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/txcore/engine"
	"github.com/maxpert/txcore/lock"
	"github.com/maxpert/txcore/store"
	"github.com/maxpert/txcore/txn"
	"github.com/rs/zerolog/log"
)

// Backend is the engine surface the admin API reads and drives.
// *engine.Engine implements it.
type Backend interface {
	LockStats() lock.Stats
	LockHolders(name lock.Name) map[uint64]lock.Mode
	Summary() txn.Summary
	Transactions() []engine.TxnStatus
	GetVisibility(stmt uint64) txn.Visibility
	ReleaseReadLevels() int
	MergePass() int
	Checkpoint() (txn.Addr, error)
	StoreStats() store.Stats
	BufferLen() int
}

var _ Backend = (*engine.Engine)(nil)

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	backend Backend
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(backend Backend) *AdminHandlers {
	return &AdminHandlers{backend: backend}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

func parseUint(name, value string) (uint64, error) {
	if value == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
