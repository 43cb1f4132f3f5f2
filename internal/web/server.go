// Package web exposes a small HTTP dashboard over the coalescing
// pipeline's live health: queue depth, drain cadence, batch shape,
// retries, and pool occupancy, backed by internal/state.
package web

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"rpipe/internal/config"
	"rpipe/internal/logger"
	"rpipe/internal/state"
)

// DashboardServer exposes a read-only view of rpipe's pipeline health.
type DashboardServer struct {
	addr       string
	cfg        *config.Config
	store      *state.Store
	history    *state.HistoryStore
	tmpl       *template.Template
	snapshotMu sync.RWMutex
	snapshot   state.Snapshot

	// Dedicated logger for dashboard events, independent of the
	// package-level logger so dashboard request noise doesn't crowd
	// the pipeline's own log.
	logger *log.Logger
}

// Options configure the dashboard server.
type Options struct {
	Addr    string
	Cfg     *config.Config
	Store   *state.Store
	History *state.HistoryStore
}

// New creates a dashboard server.
func New(opts Options) (*DashboardServer, error) {
	tmpl, err := loadTemplates()
	if err != nil {
		return nil, err
	}

	logDir := opts.Cfg.LogDir
	if logDir == "" {
		logDir = "logs"
	}
	dashLogger, err := logger.NewStandaloneLogger(
		filepath.Join(logDir, "dashboard.log"),
		"[dashboard] ",
	)
	if err != nil {
		dashLogger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
		fmt.Printf("failed to create dashboard log file: %v\n", err)
	}

	return &DashboardServer{
		addr:    opts.Addr,
		cfg:     opts.Cfg,
		store:   opts.Store,
		history: opts.History,
		tmpl:    tmpl,
		logger:  dashLogger,
	}, nil
}

// allocateSmartPort attempts to find an available port:
// 1. Try preferredAddr first, if it names a concrete port.
// 2. Otherwise pick randomly from 20000-30000, retrying on conflict.
func allocateSmartPort(preferredAddr string, maxRetries int) (net.Listener, string, error) {
	const (
		portRangeMin = 20000
		portRangeMax = 30000
	)

	tryPort := func(addr string) (net.Listener, string, error) {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, "", err
		}
		return ln, ln.Addr().String(), nil
	}

	if preferredAddr != "" && preferredAddr != ":0" {
		if ln, addr, err := tryPort(preferredAddr); err == nil {
			return ln, addr, nil
		}
		log.Printf("preferred dashboard addr %s unavailable, trying random allocation", preferredAddr)
	}

	for i := 0; i < maxRetries; i++ {
		randomPort := portRangeMin + rand.Intn(portRangeMax-portRangeMin+1)
		addr := fmt.Sprintf(":%d", randomPort)
		if ln, actualAddr, err := tryPort(addr); err == nil {
			log.Printf("dashboard: selected %s (attempt %d/%d)", actualAddr, i+1, maxRetries)
			return ln, actualAddr, nil
		}
	}

	return nil, "", fmt.Errorf("failed to allocate dashboard port after %d attempts", maxRetries)
}

// Start runs the HTTP server; it blocks until the server stops. When
// ready is non-nil it receives the actual listen address once bound.
func (s *DashboardServer) Start(ready chan<- string) error {
	if s.addr == "" {
		s.addr = ":8080"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/logs", s.handleLogs)

	fileServer := http.FileServer(http.Dir(staticDir()))
	mux.HandleFunc("/static/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		r.URL.Path = strings.TrimPrefix(r.URL.Path, "/static")
		fileServer.ServeHTTP(w, r)
	})

	go s.refreshLoop()

	ln, actualAddr, err := allocateSmartPort(s.addr, 10)
	if err != nil {
		return fmt.Errorf("allocate dashboard port: %w", err)
	}

	s.addr = actualAddr
	if ready != nil {
		ready <- actualAddr
	}
	s.logger.Printf("dashboard listening at http://%s", actualAddr)
	log.Printf("dashboard listening at http://%s", actualAddr)

	server := &http.Server{Handler: mux, ErrorLog: s.logger}
	return server.Serve(ln)
}

func (s *DashboardServer) refreshLoop() {
	for {
		snap, err := s.store.Load()
		if err == nil {
			s.snapshotMu.Lock()
			s.snapshot = snap
			s.snapshotMu.Unlock()
		}
		time.Sleep(2 * time.Second)
	}
}

func (s *DashboardServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	logFile := logger.GetLogFilePath()
	ctx := map[string]interface{}{
		"Addr":        s.cfg.Addr(),
		"LogFile":     logFile,
		"GeneratedAt": time.Now().Format(time.RFC3339),
		"Snapshot":    s.currentSnapshot(),
	}
	if err := s.tmpl.ExecuteTemplate(w, "layout.html", ctx); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *DashboardServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.currentSnapshot())
}

func (s *DashboardServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, map[string]interface{}{})
		return
	}
	writeJSON(w, map[string]interface{}{
		"queueDepth":    s.history.QueueDepth.Snapshot(),
		"batchesPerSec": s.history.BatchesPerSec.Snapshot(),
		"avgBatchSize":  s.history.AvgBatchSize.Snapshot(),
		"poolOccupancy": s.history.PoolOccupancy.Snapshot(),
	})
}

func (s *DashboardServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"events": s.currentSnapshot().Events,
	})
}

func (s *DashboardServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	linesParam := r.URL.Query().Get("lines")
	offsetParam := r.URL.Query().Get("offset")

	lines := 100
	if linesParam != "" {
		if parsed, err := strconv.Atoi(linesParam); err == nil && parsed > 0 {
			lines = parsed
		}
	}

	mode := r.URL.Query().Get("mode")
	offset := 0
	if mode == "tail" {
		offset = -1
	} else if offsetParam != "" {
		if parsed, err := strconv.Atoi(offsetParam); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	logPath := logger.GetLogFilePath()
	if logPath == "" {
		logPath = filepath.Join(s.cfg.LogDir, "rpipe.log")
	}

	content, err := readLogFile(logPath, offset, lines)
	if err != nil {
		s.logger.Printf("failed to read log file %s: %v", logPath, err)
		writeJSON(w, map[string]interface{}{
			"error":  fmt.Sprintf("failed to read log file: %v", err),
			"lines":  []string{},
			"total":  0,
			"offset": offset,
		})
		return
	}

	writeJSON(w, map[string]interface{}{
		"lines":  content.Lines,
		"total":  content.TotalLines,
		"offset": offset,
		"count":  len(content.Lines),
	})
}

func (s *DashboardServer) currentSnapshot() state.Snapshot {
	s.snapshotMu.RLock()
	snap := s.snapshot
	s.snapshotMu.RUnlock()
	if snap.UpdatedAt.IsZero() {
		if loaded, err := s.store.Load(); err == nil {
			snap = loaded
		}
	}
	return snap
}

//go:embed templates/layout.html templates/index.html
var templateFS embed.FS

func loadTemplates() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/layout.html", "templates/index.html")
}

func staticDir() string {
	return "internal/web/static"
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type logContent struct {
	Lines      []string
	TotalLines int
}

func readLogFile(path string, offset, count int) (*logContent, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &logContent{Lines: []string{}, TotalLines: 0}, nil
		}
		return nil, err
	}

	content := string(data)
	allLines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(allLines) == 1 && allLines[0] == "" {
		allLines = []string{}
	}
	totalLines := len(allLines)

	start := offset
	if offset == -1 {
		start = totalLines - count
		if start < 0 {
			start = 0
		}
	} else if start > totalLines {
		start = totalLines
	}

	end := start + count
	if end > totalLines {
		end = totalLines
	}

	lines := []string{}
	if start < end {
		lines = allLines[start:end]
	}

	return &logContent{Lines: lines, TotalLines: totalLines}, nil
}
