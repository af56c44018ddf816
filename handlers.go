package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/spinevision/vertebrae-segmentation-service/detections"
	"github.com/spinevision/vertebrae-segmentation-service/postprocess"
	"github.com/spinevision/vertebrae-segmentation-service/storage"
)

const maxUploadBytes = 20 << 20

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status       string          `json:"status"`
	ModelsLoaded map[string]bool `json:"models_loaded"`
	DefaultModel string          `json:"default_model"`
}

func handlePredict(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		imgBytes, err := readImageBytes(r)
		if err != nil {
			sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		result, err := svc.Predict(r.Context(), imgBytes, r.URL.Query().Get("model"))
		if err != nil {
			sendServiceError(w, err)
			return
		}

		if r.URL.Query().Get("order") == "anatomical" {
			postprocess.SortAnatomical(result.Detections)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

func handlePredictVisualize(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		imgBytes, err := readImageBytes(r)
		if err != nil {
			sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		pngBytes, meta, err := svc.PredictVisualize(r.Context(), imgBytes, r.URL.Query().Get("model"))
		if err != nil {
			sendServiceError(w, err)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Num-Detections", fmt.Sprintf("%d", meta.NumDetections))
		w.Header().Set("X-Processing-Time-Ms", fmt.Sprintf("%.2f", meta.ProcessingTimeMs))
		w.Header().Set("X-Model-Used", meta.ModelUsed)
		w.Write(pngBytes)
	}
}

func handleListModels(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response := map[string]interface{}{
			"models":        svc.DescribeAll(),
			"default_model": svc.DefaultModelID(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func handleDescribeModel(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := svc.Describe(mux.Vars(r)["id"])
		if err != nil {
			sendServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	}
}

func handleHealth(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		loaded := make(map[string]bool)
		for id, info := range svc.DescribeAll() {
			loaded[id] = info.Loaded
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(HealthResponse{
			Status:       "healthy",
			ModelsLoaded: loaded,
			DefaultModel: svc.DefaultModelID(),
		})
	}
}

// readImageBytes accepts multipart form uploads (file field), JSON base64
// payloads, and raw bodies.
func readImageBytes(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, err
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(file)

	case strings.HasPrefix(contentType, "application/json"):
		var req struct {
			Image string `json:"image"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(req.Image)

	default:
		return io.ReadAll(r.Body)
	}
}

// sendServiceError maps the error taxonomy onto HTTP status codes.
func sendServiceError(w http.ResponseWriter, err error) {
	var loadErr *detections.LoadError

	switch {
	case errors.Is(err, ErrInvalidImage):
		sendErrorResponse(w, "invalid_image", err.Error(), http.StatusBadRequest)
	case errors.Is(err, detections.ErrUnknownModel):
		sendErrorResponse(w, "unknown_model", err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrCacheUnavailable):
		sendErrorResponse(w, "cache_unavailable", err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &loadErr):
		sendErrorResponse(w, "load_error", err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, postprocess.ErrModelOutputDefect):
		sendErrorResponse(w, "model_output_defect", err.Error(), http.StatusInternalServerError)
	default:
		sendErrorResponse(w, "processing_error", err.Error(), http.StatusInternalServerError)
	}
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
