package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/common"
	"github.com/zoravur/livequery/internal/logutil"
	"github.com/zoravur/livequery/internal/protocol"
	"github.com/zoravur/livequery/internal/store"
)

const maxBody = 1 << 20

type handlers struct {
	b Backend
}

// handleQuery runs the SQL in the request body once and returns its rows,
// each with an edit handle when the row maps to a single table row.
func (h *handlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	log := L(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	stmt := strings.TrimSpace(string(body))
	if stmt == "" {
		http.Error(w, "empty query", http.StatusBadRequest)
		return
	}

	rq, err := h.b.Prepare(r.Context(), stmt)
	if err != nil {
		if errors.Is(err, store.ErrCatalog) {
			log.Error("catalog load failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rows, err := h.b.Execute(r.Context(), rq.Def)
	if err != nil {
		if store.IsClientError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Error("query failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]protocol.Row, len(rows))
	for i, row := range rows {
		out[i] = protocol.Row{Handle: rq.EditHandle(row), Values: rq.Visible(row)}
	}
	log.Debug("query served", logutil.Values(
		zap.Strings("tables", rq.Shape.Tables),
		zap.Int("keys", len(rq.Keys)),
		zap.Int("rows", len(out)),
	))
	writeJSON(w, http.StatusOK, out)
}

type EditRequest struct {
	EditHandle string `json:"editHandle"`
	Column     string `json:"column"`
	Value      any    `json:"value"`
}

// handleEdit sets one cell of the row an edit handle points at.
func (h *handlers) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Column) == "" {
		http.Error(w, "missing column", http.StatusBadRequest)
		return
	}

	table, pk, err := common.DecodeHandle(req.EditHandle)
	if err != nil {
		http.Error(w, "invalid handle: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(pk) == 0 {
		http.Error(w, "no primary key info in handle", http.StatusBadRequest)
		return
	}

	n, err := h.b.Update(r.Context(), table, pk, map[string]any{req.Column: req.Value})
	if err != nil {
		if store.IsClientError(err) {
			http.Error(w, "update failed: "+err.Error(), http.StatusBadRequest)
			return
		}
		L(r.Context()).Error("update failed", zap.String("table", table), zap.Error(err))
		http.Error(w, "update failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if n == 0 {
		http.Error(w, "row not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
