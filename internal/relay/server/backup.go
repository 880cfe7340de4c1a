package server

import (
	"net/http"

	"cipherlink/internal/domain"
	"cipherlink/internal/relay"
)

func (s *Server) uploadBackup(w http.ResponseWriter, r *http.Request) {
	username, _, ok := caller(w, r)
	if !ok {
		return
	}
	var blob domain.BackupBlob
	if !decode(w, r, &blob) {
		return
	}
	if blob.EncryptedBackup == "" || blob.Salt == "" || blob.Iterations <= 0 {
		writeError(w, http.StatusBadRequest, "encryptedBackup, salt and iterations are required")
		return
	}

	s.mu.Lock()
	u := s.userLocked(username, true)
	u.backup = &blob
	u.backupUpdated = s.now()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, relay.SuccessResponse{Success: true})
}

func (s *Server) backupInfo(w http.ResponseWriter, r *http.Request) {
	username, _, ok := caller(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var info domain.BackupInfo
	if u := s.userLocked(username, false); u != nil && u.backup != nil {
		info = domain.BackupInfo{HasBackup: true, UpdatedAt: u.backupUpdated}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) restoreBackup(w http.ResponseWriter, r *http.Request) {
	username, _, ok := caller(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userLocked(username, false)
	if u == nil || u.backup == nil {
		writeError(w, http.StatusNotFound, "no backup")
		return
	}
	writeJSON(w, http.StatusOK, *u.backup)
}

func (s *Server) hasKeys(w http.ResponseWriter, r *http.Request) {
	username, _, ok := caller(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var st domain.KeyStatus
	if u := s.userLocked(username, false); u != nil {
		st = domain.KeyStatus{HasKeys: len(u.devices) > 0, HasBackup: u.backup != nil}
	}
	writeJSON(w, http.StatusOK, st)
}
