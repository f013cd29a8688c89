package httpapi

import (
	"net/http"
	"strconv"

	"github.com/nutriflow/zapgate/internal/buffer"
)

func (s *Server) handleListBuffers(w http.ResponseWriter, r *http.Request) {
	buffers, err := s.manager.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buffers": buffers})
}

func (s *Server) handleUnlockBuffer(w http.ResponseWriter, r *http.Request) {
	phone := buffer.NormalizePhone(r.PathValue("phone"))
	if phone == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid phone"})
		return
	}
	if err := s.manager.ForceUnlock(r.Context(), phone); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) handleFlushBuffer(w http.ResponseWriter, r *http.Request) {
	phone := buffer.NormalizePhone(r.PathValue("phone"))
	if phone == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid phone"})
		return
	}
	if err := s.manager.ForceFlush(r.Context(), phone); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	alerts, err := s.stores.Alerts.List(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stores.Contacts.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	if phone := buffer.NormalizePhone(r.URL.Query().Get("phone")); phone != "" {
		interactions, err := s.stores.Interactions.Recent(r.Context(), phone, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"interactions": interactions})
		return
	}

	interactions, err := s.stores.Interactions.RecentAll(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"interactions": interactions})
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.stores.Contacts.List(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contacts": contacts})
}

func (s *Server) handleConvertContact(w http.ResponseWriter, r *http.Request) {
	phone := buffer.NormalizePhone(r.PathValue("phone"))
	if phone == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid phone"})
		return
	}
	contact, err := s.stores.Contacts.Get(r.Context(), phone)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if contact == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "contact not found"})
		return
	}
	if err := s.stores.Contacts.ConvertToClient(r.Context(), phone); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) handleEscalateContact(w http.ResponseWriter, r *http.Request) {
	phone := buffer.NormalizePhone(r.PathValue("phone"))
	if phone == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid phone"})
		return
	}
	escalated := r.URL.Query().Get("release") == ""
	if err := s.stores.Contacts.SetEscalated(r.Context(), phone, escalated); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": "true", "escalated": escalated})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
