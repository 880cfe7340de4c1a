package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"cipherlink/internal/domain"
)

type storeCiphertextsResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

func (s *Server) storeCiphertexts(w http.ResponseWriter, r *http.Request) {
	username, deviceID, ok := caller(w, r)
	if !ok {
		return
	}
	var req domain.StoreCiphertextsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	s.mu.Lock()
	for _, ct := range req.Ciphertexts {
		ct.SenderUsername = username
		if ct.SenderDeviceID == 0 {
			ct.SenderDeviceID = deviceID
		}
		s.ciphertexts[req.MessageID] = append(s.ciphertexts[req.MessageID], ct)
	}
	s.mu.Unlock()

	s.log.Debug("ciphertexts stored",
		zap.String("message_id", req.MessageID),
		zap.Int("count", len(req.Ciphertexts)))
	writeJSON(w, http.StatusOK, storeCiphertextsResponse{Success: true, MessageID: req.MessageID})
}

func (s *Server) getCiphertext(w http.ResponseWriter, r *http.Request) {
	username, deviceID, ok := caller(w, r)
	if !ok {
		return
	}
	if v := r.URL.Query().Get("deviceId"); v != "" {
		id, ok := parseDeviceID(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid deviceId")
			return
		}
		deviceID = id
	}
	messageID := mux.Vars(r)["messageId"]

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ct := range s.ciphertexts[messageID] {
		if ct.TargetUsername == username && ct.TargetDeviceID == deviceID {
			writeJSON(w, http.StatusOK, ct)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no ciphertext for this device")
}
