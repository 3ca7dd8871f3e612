package admin

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/txcore/engine"
)

func (h *AdminHandlers) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.backend.Summary())
}

// handleLiveTransactions returns live transactions oldest first, capped by
// the limit parameter
func (h *AdminHandlers) handleLiveTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	live := h.backend.Transactions()
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	if len(live) > limit {
		live = live[:limit]
	}
	if live == nil {
		live = []engine.TxnStatus{}
	}
	writeJSONResponse(w, live)
}

// handleTransaction returns one live transaction
func (h *AdminHandlers) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, err := parseUint("transaction ID", chi.URLParam(r, "txnID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, st := range h.backend.Transactions() {
		if st.ID == txnID {
			writeJSONResponse(w, st)
			return
		}
	}
	writeErrorResponse(w, http.StatusNotFound, "transaction not found")
}

func (h *AdminHandlers) handleReleaseReadLevels(w http.ResponseWriter, r *http.Request) {
	released := h.backend.ReleaseReadLevels()
	writeJSONResponse(w, map[string]interface{}{
		"released":  released,
		"merge_seq": h.backend.Summary().MergeSeq,
	})
}

// handleVisibility resolves a statement id to its transaction state
func (h *AdminHandlers) handleVisibility(w http.ResponseWriter, r *http.Request) {
	stmt, err := parseUint("statement ID", chi.URLParam(r, "stmt"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	v := h.backend.GetVisibility(stmt)
	response := map[string]interface{}{
		"stmt":  stmt,
		"state": v.State.String(),
		"known": v.Known,
	}
	if v.Seq > 0 {
		response["seq"] = v.Seq
	}
	if v.Owner > 0 {
		response["owner"] = v.Owner
	}
	writeJSONResponse(w, response)
}
