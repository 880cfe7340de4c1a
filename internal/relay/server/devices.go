package server

import (
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"cipherlink/internal/domain"
	"cipherlink/internal/protocol/x3dh"
	"cipherlink/internal/relay"
)

func (s *Server) registerDevice(w http.ResponseWriter, r *http.Request) {
	username, _, ok := caller(w, r)
	if !ok {
		return
	}
	var up domain.DeviceUpload
	if !decode(w, r, &up) {
		return
	}
	if up.IdentityKey.IsZero() || up.SignedPreKey.PublicKey.IsZero() {
		writeError(w, http.StatusBadRequest, "identity key and signed prekey are required")
		return
	}
	if !x3dh.VerifySPK(up.SigningKey, up.SignedPreKey.PublicKey, up.SignedPreKey.Signature) {
		writeError(w, http.StatusBadRequest, "invalid signed prekey signature")
		return
	}

	s.mu.Lock()
	u := s.userLocked(username, true)
	id := u.nextDeviceID
	u.nextDeviceID++
	now := s.now()
	u.devices[id] = &device{
		info: domain.DeviceInfo{
			DeviceID:       id,
			DeviceName:     up.DeviceName,
			RegistrationID: up.RegistrationID,
			CreatedAt:      now,
			LastSeenAt:     now,
		},
		identityKey:  up.IdentityKey,
		signingKey:   up.SigningKey,
		signedPreKey: up.SignedPreKey,
		preKeys:      append([]domain.PreKeyPublic(nil), up.PreKeys...),
		kyberPreKey:  up.KyberPreKey,
	}
	s.mu.Unlock()

	s.log.Info("device registered",
		zap.String("user", string(username)),
		zap.Uint32("device_id", uint32(id)),
		zap.Int("prekeys", len(up.PreKeys)))
	writeJSON(w, http.StatusOK, relay.RegisterDeviceResponse{Success: true, DeviceID: id})
}

// ownDeviceLocked resolves a device of the caller, answering 404 when it is unknown.
func (s *Server) ownDeviceLocked(w http.ResponseWriter, username domain.Username, id domain.DeviceID) *device {
	u := s.userLocked(username, false)
	if u == nil {
		writeError(w, http.StatusNotFound, "unknown user")
		return nil
	}
	d, ok := u.devices[id]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return nil
	}
	d.info.LastSeenAt = s.now()
	return d
}

func (s *Server) updateSignedPreKey(w http.ResponseWriter, r *http.Request) {
	username, _, ok := caller(w, r)
	if !ok {
		return
	}
	var req relay.UpdateSignedPreKeyRequest
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.ownDeviceLocked(w, username, req.DeviceID)
	if d == nil {
		return
	}
	if !x3dh.VerifySPK(d.signingKey, req.SignedPreKey.PublicKey, req.SignedPreKey.Signature) {
		writeError(w, http.StatusBadRequest, "invalid signed prekey signature")
		return
	}
	d.signedPreKey = req.SignedPreKey
	writeJSON(w, http.StatusOK, relay.SuccessResponse{Success: true})
}

func (s *Server) uploadPreKeys(w http.ResponseWriter, r *http.Request) {
	username, _, ok := caller(w, r)
	if !ok {
		return
	}
	var req relay.UploadPreKeysRequest
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.ownDeviceLocked(w, username, req.DeviceID)
	if d == nil {
		return
	}
	d.preKeys = append(d.preKeys, req.PreKeys...)
	writeJSON(w, http.StatusOK, relay.SuccessResponse{Success: true})
}

func (s *Server) preKeyCount(w http.ResponseWriter, r *http.Request) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.ownDeviceLocked(w, username, deviceID)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, relay.PreKeyCountResponse{Count: len(d.preKeys)})
}

func (s *Server) listDevices(username domain.Username) []domain.DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.DeviceInfo{}
	u := s.userLocked(username, false)
	if u == nil {
		return out
	}
	for _, d := range u.devices {
		out = append(out, d.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (s *Server) devices(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := caller(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.listDevices(domain.Username(mux.Vars(r)["username"])))
}

func (s *Server) myDevices(w http.ResponseWriter, r *http.Request) {
	username, _, ok := caller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.listDevices(username))
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	username, _, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := parseDeviceID(mux.Vars(r)["deviceId"])
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid deviceId")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.ownDeviceLocked(w, username, id); d == nil {
		return
	}
	delete(s.users[username].devices, id)
	s.log.Info("device removed", zap.String("user", string(username)), zap.Uint32("device_id", uint32(id)))
	writeJSON(w, http.StatusOK, relay.SuccessResponse{Success: true})
}

func (s *Server) preKeyBundle(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := caller(w, r); !ok {
		return
	}
	vars := mux.Vars(r)
	username := domain.Username(vars["username"])
	id, ok := parseDeviceID(vars["deviceId"])
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid deviceId")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userLocked(username, false)
	if u == nil {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	d, ok := u.devices[id]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, d.bundle(username, true))
}

func (s *Server) preKeyBundles(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := caller(w, r); !ok {
		return
	}
	username := domain.Username(mux.Vars(r)["username"])

	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.PreKeyBundle{}
	if u := s.userLocked(username, false); u != nil {
		for _, d := range u.devices {
			out = append(out, d.bundle(username, true))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	writeJSON(w, http.StatusOK, out)
}
