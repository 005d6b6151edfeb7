// Package monitoring exposes the health and metrics HTTP surface of a
// running inference host.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-infill/internal/engine"
	"github.com/23skdu/longbow-infill/internal/logger"
)

// HealthStatus is the JSON document served on /health.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Model     ModelInfo     `json:"model"`
}

// SystemInfo carries process-level facts.
type SystemInfo struct {
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	NumCPU    int    `json:"num_cpu"`
	HeapMB    int    `json:"heap_mb"`
}

// ModelInfo carries facts about the loaded model and its arena.
type ModelInfo struct {
	Loaded        bool  `json:"loaded"`
	VocabSize     int   `json:"vocab_size"`
	EncoderLayers int   `json:"encoder_layers"`
	DecoderLayers int   `json:"decoder_layers"`
	ArenaSlots    int   `json:"arena_slots"`
	SlotsOccupied int   `json:"slots_occupied"`
	SlotBytes     int   `json:"slot_bytes"`
	MemoryLimit   int64 `json:"memory_limit_bytes"`
}

// HealthMonitor serves /health, /healthz, /status and /metrics for one
// engine.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	log       *logger.Logger

	mu     sync.RWMutex
	engine *engine.Engine
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		log:       logger.Log.Component("monitoring"),
	}
}

// SetEngine attaches the loaded engine; before this the monitor reports
// the model as not loaded (useful while a checkpoint is still
// streaming in).
func (hm *HealthMonitor) SetEngine(e *engine.Engine) {
	hm.mu.Lock()
	hm.engine = e
	hm.mu.Unlock()
}

// Start serves the monitoring endpoints on addr until Stop.
func (hm *HealthMonitor) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.HandleFunc("/status", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	hm.server = &http.Server{Addr: addr, Handler: mux}
	hm.log.Info("monitoring started", "addr", addr)

	go func() {
		if err := hm.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hm.log.Error("monitoring server failed", "err", err)
		}
	}()
	return nil
}

// Stop shuts the endpoint down, letting in-flight scrapes finish.
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server == nil {
		return nil
	}
	return hm.server.Shutdown(ctx)
}

// Snapshot builds the current health document.
func (hm *HealthMonitor) Snapshot() HealthStatus {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	st := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		System: SystemInfo{
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			NumCPU:    runtime.NumCPU(),
			HeapMB:    int(ms.HeapAlloc / (1 << 20)),
		},
	}

	hm.mu.RLock()
	e := hm.engine
	hm.mu.RUnlock()
	if e == nil {
		st.Status = "loading"
		return st
	}

	a := e.Arena()
	st.Model = ModelInfo{
		Loaded:        true,
		VocabSize:     e.Model.VocabSize,
		EncoderLayers: e.Model.EncoderLayers,
		DecoderLayers: e.Model.DecoderLayers,
		ArenaSlots:    a.SlotCount(),
		SlotsOccupied: a.Occupied(),
		SlotBytes:     a.SlotBytes(),
		MemoryLimit:   e.Runtime.MemoryLimitBytes,
	}
	return st
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := hm.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if st.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(st); err != nil {
		hm.log.Error("health encode failed", "err", err)
	}
}
