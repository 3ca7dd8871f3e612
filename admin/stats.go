package admin

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/txcore/lock"
)

func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	s := h.backend.Summary()
	response := map[string]interface{}{
		"healthy":        true,
		"active":         s.Active,
		"max_commit_seq": s.MaxCommitSeq,
		"buffer_entries": h.backend.BufferLen(),
	}
	writeJSONResponse(w, response)
}

func (h *AdminHandlers) handleLockStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.backend.LockStats())
}

// handleTableHolders lists the holders of a table lock
func (h *AdminHandlers) handleTableHolders(w http.ResponseWriter, r *http.Request) {
	table, err := strconv.ParseUint(chi.URLParam(r, "table"), 10, 32)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid table")
		return
	}
	h.writeHolders(w, lock.TableName(uint32(table)))
}

// handleRowHolders lists the holders of a row lock
func (h *AdminHandlers) handleRowHolders(w http.ResponseWriter, r *http.Request) {
	table, err := strconv.ParseUint(chi.URLParam(r, "table"), 10, 32)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid table")
		return
	}
	row, err := parseUint("row", chi.URLParam(r, "row"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeHolders(w, lock.RowName(uint32(table), row))
}

func (h *AdminHandlers) writeHolders(w http.ResponseWriter, name lock.Name) {
	holders := h.backend.LockHolders(name)
	if len(holders) == 0 {
		writeErrorResponse(w, http.StatusNotFound, "lock not held")
		return
	}

	out := make(map[string]string, len(holders))
	for id, mode := range holders {
		out[strconv.FormatUint(id, 10)] = mode.String()
	}
	writeJSONResponse(w, map[string]interface{}{
		"name":    name.String(),
		"holders": out,
	})
}

func (h *AdminHandlers) handleStoreStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.backend.StoreStats())
}

func (h *AdminHandlers) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	addr, err := h.backend.Checkpoint()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, map[string]interface{}{"addr": uint64(addr)})
}

func (h *AdminHandlers) handleMerge(w http.ResponseWriter, r *http.Request) {
	cleaned := h.backend.MergePass()
	writeJSONResponse(w, map[string]interface{}{
		"cleaned":        cleaned,
		"buffer_entries": h.backend.BufferLen(),
	})
}
