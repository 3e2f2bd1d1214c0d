package storagenode

import (
	"encoding/json"
	"net/http"
)

// HTTPHandler serves /health and /files
func (sn *StorageNode) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", sn.healthHandler)
	mux.HandleFunc("GET /files", sn.listFilesHandler)
	return mux
}

// healthHandler handles GET /health
func (sn *StorageNode) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Server is running"})
}

// listFilesHandler handles GET /files
func (sn *StorageNode) listFilesHandler(w http.ResponseWriter, r *http.Request) {
	files, err := sn.storage.List()
	if err != nil {
		sn.logger.Error().Err(err).Msg("list files failed")
		http.Error(w, "Failed to list files", http.StatusInternalServerError)
		return
	}
	capacity, used := sn.storage.GetStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"node":     sn.config.Address,
		"files":    files,
		"capacity": capacity,
		"used":     used,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
