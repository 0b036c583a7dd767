package workflow

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/westcon-mx/facturador/internal/merchant"
	"github.com/westcon-mx/facturador/internal/scanning"
)

const (
	maxUploadSize = int64(50 << 20) // 50MB
	learnedLimit  = 5
)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON encodes v with the given status
func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// jsonError writes {"error": message}
func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// stateError maps controller errors onto a status code
func stateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrStaleCycle):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidPortalURL):
		jsonError(w, "La dirección del portal no es válida.", http.StatusBadRequest)
	default:
		slog.Error("Request failed", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetSession returns the current cycle
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Session())
}

// handleUploadReceipt starts a new cycle with the uploaded ticket. Recognition
// runs in the background; clients poll the session.
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		if err.Error() == "http: request body too large" {
			errorMsg = "El archivo es demasiado grande. El máximo es 50MB."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		jsonError(w, "No se seleccionó ningún archivo.", http.StatusBadRequest)
		return
	}
	defer f.Close()

	if header.Size > maxUploadSize {
		jsonError(w, "El archivo es demasiado grande. El máximo es 50MB.", http.StatusBadRequest)
		return
	}

	contentType := scanning.DetectContentType(header.Filename, header.Header.Get("Content-Type"))
	if !scanning.IsSupported(contentType) {
		jsonError(w, "Tipo de archivo no soportado. Usa una foto o un PDF.", http.StatusUnsupportedMediaType)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error al leer el archivo. Intenta de nuevo.", http.StatusInternalServerError)
		return
	}
	if len(data) == 0 {
		jsonError(w, "El archivo está vacío.", http.StatusBadRequest)
		return
	}

	id := s.controller.CaptureAsync(s.captureCtx, Image{
		Filename:    header.Filename,
		ContentType: contentType,
		Data:        data,
	})
	writeJSON(w, http.StatusAccepted, map[string]uint64{"cycle": id})
}

type portalRequest struct {
	URL string `json:"url"`
}

// handleSubmitPortal takes the portal typed for an unknown merchant
func (s *Server) handleSubmitPortal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	session, err := s.controller.SubmitManualPortal(req.URL)
	if err != nil {
		if errors.Is(err, merchant.ErrPersistenceWriteFailed) && !errors.Is(err, ErrStaleCycle) {
			// the portal is usable for this cycle; the warning is on the session
			slog.Warn("Learned merchant not saved", "error", err)
			writeJSON(w, http.StatusOK, session)
			return
		}
		stateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type openResponse struct {
	URL     string `json:"url"`
	Summary string `json:"summary"`
}

// handleOpenPortal returns the prefilled portal URL and the summary the
// client copies before navigating
func (s *Server) handleOpenPortal(w http.ResponseWriter, r *http.Request) {
	req, err := s.controller.Open()
	if err != nil {
		stateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, openResponse{URL: req.URL, Summary: req.Summary})
}

// handleGetSummary returns the copy-paste summary as plain text
func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.controller.Summary()
	if err != nil {
		stateError(w, err)
		return
	}
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(summary))
}

// handleGetImage serves the ticket image of the current cycle
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.controller.Image()
	if err != nil {
		if !errors.Is(err, ErrInvalidState) {
			slog.Error("Error getting ticket image", "error", err)
		}
		corsError(w, "Image not found", http.StatusNotFound)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// handleResetSession abandons the current cycle
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Reset())
}

// handleListLearned returns the most recent learned merchants
func (s *Server) handleListLearned(w http.ResponseWriter, r *http.Request) {
	limit := learnedLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	learned := s.controller.Learned(limit)
	if learned == nil {
		learned = []merchant.LearnedMerchant{}
	}
	writeJSON(w, http.StatusOK, learned)
}

type knownMerchant struct {
	Name      string `json:"name"`
	PortalURL string `json:"portal_url"`
}

// handleListKnown returns the built-in merchants
func (s *Server) handleListKnown(w http.ResponseWriter, r *http.Request) {
	registry := merchant.Registry()
	known := make([]knownMerchant, 0, len(registry))
	for _, m := range registry {
		known = append(known, knownMerchant{Name: m.Name, PortalURL: m.PortalURL})
	}
	writeJSON(w, http.StatusOK, known)
}
