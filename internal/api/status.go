package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/ams-agent/internal/history"
	"github.com/nerrad567/ams-agent/internal/reporter"
	"github.com/nerrad567/ams-agent/internal/signals"
)

// statusResponse is the body of GET /api/v1/status.
type statusResponse struct {
	Connection connectionView `json:"connection"`
	Network    *networkView   `json:"network,omitempty"`
	Signals    *signalsView   `json:"signals,omitempty"`
	SignalsErr string         `json:"signals_error,omitempty"`
	Version    string         `json:"version"`
}

type connectionView struct {
	State                string     `json:"state"`
	Reason               string     `json:"reason,omitempty"`
	Attempt              int        `json:"attempt"`
	LastError            string     `json:"last_error,omitempty"`
	Since                time.Time  `json:"since"`
	NextRetry            *time.Time `json:"next_retry,omitempty"`
	MissingSubscriptions []string   `json:"missing_subscriptions,omitempty"`
}

type networkView struct {
	Reachable bool `json:"reachable"`
}

type signalsView struct {
	WifiEnabled      bool   `json:"wifi_enabled"`
	SSID             string `json:"ssid"`
	BluetoothEnabled bool   `json:"bluetooth_enabled"`
	PairedDevices    int    `json:"paired_devices"`
	Brightness       int    `json:"brightness"`
}

// handleStatus reports connection, network and signal state.
// A signal read failure is reported in the body, not as an HTTP error.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.connection.Status()
	resp := statusResponse{
		Connection: connectionView{
			State:                string(st.State),
			Reason:               st.Reason,
			Attempt:              st.Attempt,
			Since:                st.Since,
			MissingSubscriptions: st.MissingSubscriptions,
		},
		Version: s.version,
	}
	if st.LastError != nil {
		resp.Connection.LastError = st.LastError.Error()
	}
	if !st.NextRetry.IsZero() {
		next := st.NextRetry
		resp.Connection.NextRetry = &next
	}
	if s.network != nil {
		resp.Network = &networkView{Reachable: s.network.Reachable()}
	}

	snap, err := signals.Collect(r.Context(), s.signals, time.Now())
	if err != nil {
		resp.SignalsErr = err.Error()
	} else {
		resp.Signals = &signalsView{
			WifiEnabled:      snap.Wifi.Enabled,
			SSID:             snap.Wifi.SSID,
			BluetoothEnabled: snap.Bluetooth.Enabled,
			PairedDevices:    snap.Bluetooth.PairedDevices,
			Brightness:       snap.Brightness,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleSetBrightness accepts the same body as the MQTT control topic:
// {"screenBrightness": 0..100}.
func (s *Server) handleSetBrightness(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		writeUnavailable(w, "brightness control is not available")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body: "+err.Error())
		return
	}
	if err := s.control.HandleControl(r.Context(), body); err != nil {
		if errors.Is(err, reporter.ErrInvalidControl) {
			writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
			return
		}
		s.logger.Warn("applying brightness from API", "error", err)
		writeInternalError(w, "applying brightness failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHistory lists journaled connection events.
// Query parameters: kind, since (RFC 3339), limit.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "connection history is disabled")
		return
	}
	q := r.URL.Query()
	f := history.Filter{Kind: q.Get("kind")}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = since
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	f.Limit = limit

	entries, err := s.history.Recent(r.Context(), f)
	if err != nil {
		s.logger.Error("reading connection history", "error", err)
		writeInternalError(w, "reading connection history failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries, "count": len(entries)})
}

// handleReportHistory lists journaled report outcomes.
func (s *Server) handleReportHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "connection history is disabled")
		return
	}
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	outcomes, err := s.history.RecentOutcomes(r.Context(), limit)
	if err != nil {
		s.logger.Error("reading report history", "error", err)
		writeInternalError(w, "reading report history failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": outcomes, "count": len(outcomes)})
}

func parseLimit(w http.ResponseWriter, v string) (int, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeBadRequest(w, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
