package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"oclean-bridge/internal/poll"
	"oclean-bridge/internal/store"
	"oclean-bridge/internal/utils"
)

const (
	defaultSessionLimit = 20
	maxSessionLimit     = 500
)

type healthcheckerImpl struct {
	db *sql.DB
}

func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var ok int
	if err := h.db.QueryRow(`SELECT 1`).Scan(&ok); err != nil {
		slog.Error("failed to check database connectivity", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to check database connectivity")
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func registerHealthcheck(mux *http.ServeMux, db *sql.DB) {
	h := &healthcheckerImpl{db: db}
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}

type deviceAPIImpl struct {
	repo     store.Repository
	resetter WearResetter
}

type deviceView struct {
	MAC           string `json:"mac"`
	LastSessionTS int64  `json:"last_session_ts"`
	WearCount     int    `json:"wear_count"`
	WearHW        bool   `json:"wear_count_is_hardware_sourced"`
	Model         string `json:"model,omitempty"`
	HWRevision    string `json:"hw_revision,omitempty"`
	SWVersion     string `json:"sw_version,omitempty"`
}

func (a *deviceAPIImpl) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.repo.Devices()
	if err != nil {
		slog.Error("list devices failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{
			MAC:           d.MAC,
			LastSessionTS: d.LastSessionTS,
			WearCount:     d.WearCount,
			WearHW:        d.WearHW,
			Model:         d.Model,
			HWRevision:    d.HWRevision,
			SWVersion:     d.SWVersion,
		})
	}
	utils.WriteJSON(w, http.StatusOK, views)
}

func (a *deviceAPIImpl) handleSessions(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	if mac == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing device mac")
		return
	}

	limit := defaultSessionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSessionLimit {
			utils.WriteError(w, http.StatusBadRequest, "limit must be 1-"+strconv.Itoa(maxSessionLimit))
			return
		}
		limit = n
	}

	sessions, err := a.repo.RecentSessions(mac, limit)
	if err != nil {
		slog.Error("list sessions failed", "mac", mac, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	utils.WriteJSON(w, http.StatusOK, sessions)
}

// WearResetter triggers the wear-counter reset command on a polled device.
// The poller registry implements it; nil means polling is disabled.
type WearResetter interface {
	ResetWearCounter(ctx context.Context, mac string) error
}

func (a *deviceAPIImpl) handleWearReset(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	if mac == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing device mac")
		return
	}
	if a.resetter == nil {
		utils.WriteError(w, http.StatusServiceUnavailable, "polling is disabled")
		return
	}

	err := a.resetter.ResetWearCounter(r.Context(), mac)
	switch {
	case err == nil:
		utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, poll.ErrCycleInFlight):
		utils.WriteError(w, http.StatusConflict, "a poll cycle is in flight, retry later")
	default:
		slog.Error("wear reset failed", "mac", mac, "error", err)
		utils.WriteError(w, http.StatusBadGateway, "wear counter reset failed")
	}
}

func registerDeviceAPI(mux *http.ServeMux, repo store.Repository, resetter WearResetter) {
	a := &deviceAPIImpl{repo: repo, resetter: resetter}
	mux.HandleFunc("GET /api/devices", a.handleDevices)
	mux.HandleFunc("GET /api/devices/{mac}/sessions", a.handleSessions)
	mux.HandleFunc("POST /api/devices/{mac}/wear-reset", a.handleWearReset)
}
