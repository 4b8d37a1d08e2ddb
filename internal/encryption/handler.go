package encryption

import (
	"net/http"

	"github.com/frahmantamala/fieldguard/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	Service *Service
}

func NewHandler(service *Service, base *transport.BaseHandler) *Handler {
	return &Handler{BaseHandler: base, Service: service}
}

type StatusResponse struct {
	Info
	Healthy bool `json:"healthy"`
}

type DetectResponse struct {
	Fields []string `json:"fields"`
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Info: h.Service.Info()}
	if resp.Enabled {
		resp.Healthy = h.Service.HealthCheck(r.Context())
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

// Detect suggests fields of a sample record that look sensitive.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	var record Record
	if err := h.DecodeJSON(r, &record); err != nil {
		h.WriteAppError(w, err)
		return
	}
	fields := DetectSensitiveFields(record)
	if fields == nil {
		fields = []string{}
	}
	h.WriteJSON(w, http.StatusOK, DetectResponse{Fields: fields})
}
