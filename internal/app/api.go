package app

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vk/cellpilot/internal/ctxlog"
)

// NotebookStatus is one entry of GET /api/notebooks.
type NotebookStatus struct {
	Path     string   `json:"path"`
	KernelID string   `json:"kernel_id"`
	Cells    int      `json:"cells"`
	Queue    []string `json:"queue"`
}

func (a *App) notebooks() []NotebookStatus {
	paths := a.workspace.Paths()
	out := make([]NotebookStatus, 0, len(paths))
	for _, path := range paths {
		nb, ok := a.workspace.Get(path)
		if !ok {
			continue
		}
		pending := a.tracker.Pending(path)
		if pending == nil {
			pending = []string{}
		}
		out = append(out, NotebookStatus{
			Path:     path,
			KernelID: nb.KernelID(),
			Cells:    nb.Len(),
			Queue:    pending,
		})
	}
	return out
}

// healthHandler reports 503 until every configured notebook has its kernel,
// then 200.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctxlog.FromContext(a.ctx).Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	select {
	case <-a.ready:
	default:
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (a *App) notebooksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.notebooks()); err != nil {
		ctxlog.FromContext(a.ctx).Warn("Failed to write notebooks response.", "error", err)
	}
}

// mux routes the control listener: the socket.io channel, /health and the
// notebook listing.
func (a *App) mux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(a.config.SocketPath, a.channel.Handler())
	mux.HandleFunc("/health", a.healthHandler)
	mux.HandleFunc("/api/notebooks", a.notebooksHandler)
	return mux
}
