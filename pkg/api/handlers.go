package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/threatguard/pkg/classifier"
	"github.com/hed1ad/threatguard/pkg/engine"
	"github.com/hed1ad/threatguard/pkg/event"
	"github.com/hed1ad/threatguard/pkg/threat"
)

type DetectRequest struct {
	Data      event.RawEvent `json:"data"`
	RequestID string         `json:"request_id"`
}

type DetectResponse struct {
	Threats   []threat.Finding `json:"threats"`
	RequestID string           `json:"request_id"`
	Timestamp string           `json:"timestamp"`
}

// TrainRequest carries either dataset; an absent one skips its model.
type TrainRequest struct {
	Anomaly    []event.RawEvent           `json:"anomaly"`
	Classifier []classifier.LabeledRecord `json:"classifier"`
}

type TrainResponse struct {
	Message string             `json:"message"`
	Report  engine.TrainReport `json:"report"`
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// GET /
func (s *Server) getRoot(w http.ResponseWriter, _ *http.Request) {
	endpoints := map[string]string{
		"/detect":     "POST - Detect threats in provided data",
		"/health":     "GET - System health check",
		"/train":      "POST - Train the anomaly model and threat classifier",
		"/signatures": "GET - List signatures, POST - Add signatures",
	}
	if s.gatherer != nil {
		endpoints[s.metricsPath] = "GET - Prometheus metrics"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "threatguard threat detection API",
		"version":   Version,
		"endpoints": endpoints,
	})
}

// GET /health
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	components := map[string]string{
		"detection_engine":  "healthy",
		"anomaly_model":     trainedState(st.AnomalyTrained),
		"threat_classifier": trainedState(st.ClassifierTrained),
	}
	if s.alerts != nil {
		components["alert_manager"] = "healthy"
	}

	status, code := "healthy", http.StatusOK
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.checks[name](r.Context()); err != nil {
			components[name] = "unhealthy: " + err.Error()
			status, code = "unhealthy", http.StatusServiceUnavailable
			continue
		}
		components[name] = "healthy"
	}

	writeJSON(w, code, HealthResponse{Status: status, Components: components})
}

func trainedState(trained bool) string {
	if trained {
		return "trained"
	}
	return "untrained"
}

// POST /detect  body: {"data": {...}, "request_id": "..."}
func (s *Server) postDetect(w http.ResponseWriter, r *http.Request) {
	var req DetectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Data == nil {
		writeError(w, http.StatusBadRequest, "data must be a JSON object")
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	threats := s.engine.Detect(req.Data)
	if threats == nil {
		threats = []threat.Finding{}
	}
	if s.alerts != nil && len(threats) > 0 {
		s.alerts.Process(r.Context(), "api", threats)
	}

	s.logger.Info().Str("request_id", req.RequestID).Int("threats", len(threats)).Msg("detection completed")
	writeJSON(w, http.StatusOK, DetectResponse{
		Threats:   threats,
		RequestID: req.RequestID,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

// POST /train  body: {"anomaly": [...], "classifier": [...]}
func (s *Server) postTrain(w http.ResponseWriter, r *http.Request) {
	var req TrainRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Anomaly == nil && req.Classifier == nil {
		writeError(w, http.StatusBadRequest, "anomaly or classifier dataset required")
		return
	}

	report, err := s.engine.Train(req.Anomaly, req.Classifier)
	if s.afterTrain != nil && (report.Anomaly.Trained || report.Classifier.Trained) {
		s.afterTrain(report)
	}
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, threat.ErrTraining) {
			code = http.StatusUnprocessableEntity
		}
		writeJSON(w, code, TrainResponse{Message: err.Error(), Report: report})
		return
	}
	writeJSON(w, http.StatusOK, TrainResponse{Message: "Models trained successfully", Report: report})
}

// POST /signatures  body: [{"type": "...", "pattern": "...", "risk_score": 0}]
func (s *Server) postSignatures(w http.ResponseWriter, r *http.Request) {
	var sigs []threat.Signature
	if !s.decode(w, r, &sigs) {
		return
	}
	if err := s.engine.UpdateSignatures(sigs); err != nil {
		if errors.Is(err, threat.ErrInvalidSignature) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("signature update failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Signatures updated successfully",
		"signatures": s.engine.Status().Signatures,
	})
}

// GET /signatures
func (s *Server) getSignatures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Signatures())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, errorResponse{Detail: detail})
}
