package api

import (
	"net/http"

	"go.uber.org/zap"

	"MailPacer/internal/models"
)

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	list := h.Accounts.All()
	writeJSON(w, http.StatusOK, map[string]any{"accounts": list, "count": len(list)})
}

func (h *Handler) AddAccount(w http.ResponseWriter, r *http.Request) {
	var a models.Account
	if !h.decode(w, r, &a) {
		return
	}
	added, err := h.Accounts.Add(a)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, added.Redacted())
}

func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	var a models.Account
	if !h.decode(w, r, &a) {
		return
	}
	updated, err := h.Accounts.Update(r.PathValue("id"), a)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Redacted())
}

func (h *Handler) RemoveAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.Accounts.Remove(r.PathValue("id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReloadAccounts re-reads the configured source. The current set is kept
// when the source cannot be read.
func (h *Handler) ReloadAccounts(w http.ResponseWriter, r *http.Request) {
	if err := h.Accounts.Reload(r.Context()); err != nil {
		h.Log.Error("account reload failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": h.Accounts.Len()})
}
