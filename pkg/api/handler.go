package api

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/barberdesk/whatsapp-connect/internal/controller"
	"github.com/barberdesk/whatsapp-connect/internal/health"
	"github.com/barberdesk/whatsapp-connect/internal/manager"
	"github.com/barberdesk/whatsapp-connect/internal/status"
)

const qrImageSize = 256

// Handler serves the connection endpoints consumed by the admin console.
type Handler struct {
	manager *manager.Manager
	health  *health.Monitor
	log     *slog.Logger
}

// NewHandler creates a handler backed by the tenant manager.
func NewHandler(m *manager.Manager, monitor *health.Monitor, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		manager: m,
		health:  monitor,
		log:     log.With("component", "api"),
	}
}

// Router builds the HTTP routing table.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(recoverer(h.log))
	r.Use(requestLogger(h.log))

	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)

	wa := r.PathPrefix("/api/v1/tenants/{tenantID}/whatsapp").Subrouter()
	wa.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	wa.HandleFunc("/connect", h.handleConnect).Methods(http.MethodPost)
	wa.HandleFunc("/disconnect", h.handleDisconnect).Methods(http.MethodPost)
	wa.HandleFunc("/reconnect", h.handleReconnect).Methods(http.MethodPost)
	wa.HandleFunc("/qr.png", h.handleQRImage).Methods(http.MethodGet)
	wa.HandleFunc("/transitions", h.handleTransitions).Methods(http.MethodGet)

	return r
}

// statusResponse is the console-facing view of one tenant's connection.
type statusResponse struct {
	status.ConnectionStatus
	IsChannelConnected bool `json:"isChannelConnected"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeTenantRequired, "tenant id is required")
		return
	}

	ctrl, err := h.manager.GetOrOpen(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	writeData(w, statusResponse{
		ConnectionStatus:   ctrl.Status(),
		IsChannelConnected: ctrl.IsChannelConnected(),
	})
}

// handleConnect asks the gateway to start pairing, opening the tenant's
// channel on first use. A live controller keeps its transport: replacing it
// here would throw away an open connection and put the pairing command into
// the fresh channel's dial window.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeTenantRequired, "tenant id is required")
		return
	}

	ctrl, err := h.manager.GetOrOpen(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ctrl.RequestConnection()

	writeData(w, statusResponse{
		ConnectionStatus:   ctrl.Status(),
		IsChannelConnected: ctrl.IsChannelConnected(),
	})
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.requireOpenTenant(w, r)
	if !ok {
		return
	}
	ctrl.Disconnect()

	writeData(w, statusResponse{
		ConnectionStatus:   ctrl.Status(),
		IsChannelConnected: ctrl.IsChannelConnected(),
	})
}

func (h *Handler) handleReconnect(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.requireOpenTenant(w, r)
	if !ok {
		return
	}
	ctrl.Reconnect()

	writeData(w, statusResponse{
		ConnectionStatus:   ctrl.Status(),
		IsChannelConnected: ctrl.IsChannelConnected(),
	})
}

// handleQRImage renders the current pairing payload as a PNG the console can
// drop into an <img> tag. Gateways that pre-render the QR send a data URI;
// those bytes are served as-is.
func (h *Handler) handleQRImage(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.requireOpenTenant(w, r)
	if !ok {
		return
	}

	st := ctrl.Status()
	if !st.HasQRCode() {
		writeError(w, http.StatusNotFound, ErrCodeNoQRCode, "no QR code available, request a connection first")
		return
	}

	var png []byte
	if data, found := strings.CutPrefix(st.QRCode, "data:image/png;base64,"); found {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrCodeBadQRCode, "gateway sent an unreadable QR image")
			return
		}
		png = decoded
	} else {
		encoded, err := qrcode.Encode(st.QRCode, qrcode.Medium, qrImageSize)
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrCodeBadQRCode, "failed to render QR code")
			return
		}
		png = encoded
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *Handler) handleTransitions(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.requireOpenTenant(w, r)
	if !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	transitions, err := ctrl.Transitions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeData(w, transitions)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, h.health.GetStatus(h.manager))
}

// requireOpenTenant resolves the tenant's controller and writes the error
// reply itself when the tenant is missing or not open.
func (h *Handler) requireOpenTenant(w http.ResponseWriter, r *http.Request) (*controller.Controller, bool) {
	tenantID := mux.Vars(r)["tenantID"]
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeTenantRequired, "tenant id is required")
		return nil, false
	}
	c := h.manager.Get(tenantID)
	if c == nil {
		writeError(w, http.StatusNotFound, ErrCodeTenantNotOpen, "tenant has no open connection, connect first")
		return nil, false
	}
	return c, true
}
