package portal

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"k8s.io/klog/v2"

	"github.com/bubao/CanMV-K230-Demo/internal/models"
	"github.com/bubao/CanMV-K230-Demo/internal/store"
)

//go:embed static/index.html
var defaultPage []byte

// maxBodyBytes bounds request bodies; credentials are tiny
const maxBodyBytes = 4 << 10

// networkRequest is the body of add_update and delete
type networkRequest struct {
	SSID     string  `json:"ssid"`
	Password *string `json:"password"`
	Enabled  *bool   `json:"enabled"`
}

func (p *Portal) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(p.serialize)

	r.HandleFunc("/api/scanned_networks", p.handleScannedNetworks).Methods(http.MethodGet)
	r.HandleFunc("/api/config_file_networks", p.handleConfigNetworks).Methods(http.MethodGet)
	r.HandleFunc("/api/add_update", p.handleAddUpdate).Methods(http.MethodPost)
	r.HandleFunc("/api/delete", p.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/reset", p.handleReset).Methods(http.MethodPost)
	r.PathPrefix("/").HandlerFunc(p.handlePage)

	return r
}

// serialize handles one request at a time and logs it
func (p *Portal) serialize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.httpMu.Lock()
		defer p.httpMu.Unlock()

		start := time.Now()
		next.ServeHTTP(w, r)
		klog.V(2).Infof("CaptivePortal HTTP: %s %s from %s (%v)", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

func (p *Portal) handleScannedNetworks(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	scanned := p.scanned
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, scanned)
}

func (p *Portal) handleConfigNetworks(w http.ResponseWriter, r *http.Request) {
	networks, err := p.store.Networks()
	if err != nil {
		klog.Errorf("CaptivePortal HTTP: failed to read networks: %v", err)
		writeText(w, http.StatusInternalServerError, "Failed to read configuration!")
		return
	}
	if networks == nil {
		networks = []models.NetworkCredential{}
	}
	writeJSON(w, http.StatusOK, networks)
}

func (p *Portal) handleAddUpdate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeNetworkRequest(w, r)
	if !ok {
		return
	}

	created, err := p.store.UpdateNetwork(req.SSID, models.NetworkPatch{
		Password: req.Password,
		Enabled:  req.Enabled,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if created {
		klog.Infof("CaptivePortal HTTP: added network %q", req.SSID)
	} else {
		klog.Infof("CaptivePortal HTTP: updated network %q", req.SSID)
	}
	writeText(w, http.StatusOK, "WiFi configuration added or updated!")
}

func (p *Portal) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeNetworkRequest(w, r)
	if !ok {
		return
	}

	removed, err := p.store.RemoveNetwork(req.SSID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	klog.Infof("CaptivePortal HTTP: delete network %q (removed=%v)", req.SSID, removed)
	writeText(w, http.StatusOK, "WiFi configuration deleted!")
}

func (p *Portal) handleReset(w http.ResponseWriter, r *http.Request) {
	klog.Info("CaptivePortal HTTP: reset requested")
	writeText(w, http.StatusOK, "System will reset!")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	p.requestReset()
}

func (p *Portal) handlePage(w http.ResponseWriter, r *http.Request) {
	page := defaultPage
	if p.config.PagePath != "" {
		data, err := os.ReadFile(p.config.PagePath)
		if err != nil {
			klog.Errorf("CaptivePortal HTTP: failed to read page: %v", err)
			writeText(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read HTML file: %v", err))
			return
		}
		page = data
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}

func decodeNetworkRequest(w http.ResponseWriter, r *http.Request) (networkRequest, bool) {
	var req networkRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeText(w, http.StatusBadRequest, "Invalid JSON format!")
		return req, false
	}
	if req.SSID == "" {
		writeText(w, http.StatusBadRequest, "SSID is required!")
		return req, false
	}
	return req, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrMalformed) {
		writeText(w, http.StatusBadRequest, fmt.Sprintf("Rejected: %v", err))
		return
	}
	klog.Errorf("CaptivePortal HTTP: failed to save configuration: %v", err)
	writeText(w, http.StatusInternalServerError, "Failed to save configuration!")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.V(2).Infof("CaptivePortal HTTP: write failed: %v", err)
	}
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
