package api

import (
	"net/http"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

// respondWithError sends the standard {"detail": ...} error body.
func respondWithError(w http.ResponseWriter, logger *zap.Logger, statusCode int, message string) {
	respondWithJSON(w, logger, statusCode, schemas.ErrorResponse{Detail: message})
}

// respondWithJSON serializes data and writes it with the given status.
func respondWithJSON(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"failed to encode response"}`))
		return
	}
	respondWithRaw(w, logger, statusCode, "application/json", body)
}

// respondWithRaw writes an already serialized body, such as a cached document.
func respondWithRaw(w http.ResponseWriter, logger *zap.Logger, statusCode int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		logger.Debug("Failed to write response body", zap.Error(err))
	}
}
