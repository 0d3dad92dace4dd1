package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/cook"
	"assetcook.dev/internal/cook/ddc"
)

// cookAdmin is what the admin endpoints drive. *cook.Server implements it.
type cookAdmin interface {
	Stats() cook.Stats
	RequestPackage(file assets.Filename, platformNames []string, forceFront bool) bool
	MarkPackageDirty(name string)
	ClearAll(ctx context.Context) error
	GetPrecookedList(platformName string) (map[string]time.Time, error)
}

type cacheStats interface {
	Stats() ddc.Stats
}

type sessionStats interface {
	Sessions() int64
	FilesServed() uint64
}

func metricsHandler(c cookAdmin, cache cacheStats, files sessionStats) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		st := c.Stats()

		gauge := func(name, help string, v any) {
			fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
			fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
			fmt.Fprintf(rw, "%s %v\n", name, v)
		}
		counter := func(name, help string, v uint64) {
			fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
			fmt.Fprintf(rw, "# TYPE %s counter\n", name)
			fmt.Fprintf(rw, "%s %d\n", name, v)
		}

		gauge("assetcook_queue_depth", "Requests waiting in the cook queue.", st.Queued)
		gauge("assetcook_cooked_files", "Files with a recorded cook result.", st.CookedFiles)
		gauge("assetcook_pending_save", "Loaded packages waiting to be saved.", st.PendingSave)
		gauge("assetcook_loaded_packages", "Packages currently loaded.", st.Loaded)
		gauge("assetcook_unsolicited_files", "Cooked files not yet reported to a client.", st.Unsolicited)
		gauge("assetcook_pending_shader_jobs", "Outstanding shader compile jobs.", st.PendingShaders)
		gauge("assetcook_session_platforms", "Platforms in the current cook session.", len(st.SessionPlatforms))
		gauge("assetcook_heap_alloc_bytes", "Go heap in use.", st.HeapAlloc)

		counter("assetcook_cooked_total", "Package saves that succeeded.", st.CookedTotal)
		counter("assetcook_failed_total", "Package saves that failed.", st.FailedTotal)
		counter("assetcook_requeued_total", "Packages requeued because their platform data was not ready.", st.RequeuedTotal)
		counter("assetcook_discarded_total", "Duplicate requests discarded.", st.DiscardedTotal)
		counter("assetcook_load_failed_total", "Package loads that failed.", st.LoadFailedTotal)
		counter("assetcook_gc_total", "Garbage collections run by the cooker.", st.GCTotal)

		if cache != nil {
			ds := cache.Stats()
			gauge("assetcook_ddc_queue_depth", "Derived-data build queue depth.", ds.QueueDepth)
			gauge("assetcook_ddc_queue_capacity", "Derived-data build queue capacity.", ds.QueueCapacity)
			gauge("assetcook_ddc_in_flight", "Derived-data builds not yet finished.", ds.InFlight)
			counter("assetcook_ddc_built_total", "Derived-data objects built.", ds.BuiltTotal)
			counter("assetcook_ddc_cache_hit_total", "Derived-data objects served from disk.", ds.CacheHitTotal)
			counter("assetcook_ddc_build_fail_total", "Derived-data builds that failed.", ds.BuildFailTotal)
			counter("assetcook_ddc_queue_saturated_total", "Build requests refused because the queue was full.", ds.QueueSaturatedTotal)
		}
		if files != nil {
			gauge("assetcook_file_sessions", "Connected file-serving clients.", files.Sessions())
			counter("assetcook_files_served_total", "FILE_REPLY messages with found=true.", files.FilesServed())
		}
	}
}

type adminCookRequest struct {
	Filename   string   `json:"filename"`
	Platforms  []string `json:"platforms,omitempty"`
	ForceFront bool     `json:"force_front,omitempty"`
}

type adminDirtyRequest struct {
	Package string `json:"package"`
}

// registerAdmin mounts the local-only admin endpoints.
func registerAdmin(mux *http.ServeMux, c cookAdmin) {
	mux.HandleFunc("/admin/v1/stats", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, c.Stats())
	}))
	mux.HandleFunc("/admin/v1/cook", loopbackOnly(postOnly(func(rw http.ResponseWriter, r *http.Request) {
		var req adminCookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Filename) == "" {
			writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "filename is required"})
			return
		}
		names := req.Platforms
		if len(names) == 0 {
			names = c.Stats().SessionPlatforms
		}
		ok := c.RequestPackage(assets.NewFilename(req.Filename), names, req.ForceFront)
		status := http.StatusOK
		if !ok {
			status = http.StatusConflict
		}
		writeJSON(rw, status, map[string]any{"ok": ok})
	})))
	mux.HandleFunc("/admin/v1/dirty", loopbackOnly(postOnly(func(rw http.ResponseWriter, r *http.Request) {
		var req adminDirtyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Package) == "" {
			writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "package is required"})
			return
		}
		c.MarkPackageDirty(req.Package)
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
	})))
	mux.HandleFunc("/admin/v1/clearall", loopbackOnly(postOnly(func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := c.ClearAll(ctx); err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
	})))
	mux.HandleFunc("/admin/v1/precooked", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		platform := strings.TrimSpace(r.URL.Query().Get("platform"))
		list, err := c.GetPrecookedList(platform)
		if err != nil {
			writeJSON(rw, http.StatusNotFound, map[string]any{"error": err.Error()})
			return
		}
		files := make(map[string]int64, len(list))
		for f, ts := range list {
			files[f] = ts.Unix()
		}
		writeJSON(rw, http.StatusOK, map[string]any{"platform": platform, "files": files})
	}))
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
