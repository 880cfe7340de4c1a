// Package server is an in-memory implementation of the key directory and
// message server contract spoken by the relay client. It backs cmd/relay
// and the client and service tests.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"cipherlink/internal/domain"
	"cipherlink/internal/relay"
)

type device struct {
	info         domain.DeviceInfo
	identityKey  domain.X25519Public
	signingKey   domain.Ed25519Public
	signedPreKey domain.SignedPreKeyPublic
	preKeys      []domain.PreKeyPublic
	kyberPreKey  *domain.KyberPreKeyPublic
}

func (d *device) bundle(username domain.Username, consume bool) domain.PreKeyBundle {
	b := domain.PreKeyBundle{
		Username:       username,
		DeviceID:       d.info.DeviceID,
		RegistrationID: d.info.RegistrationID,
		IdentityKey:    d.identityKey,
		SigningKey:     d.signingKey,
		SignedPreKey:   d.signedPreKey,
		KyberPreKey:    d.kyberPreKey,
	}
	if consume && len(d.preKeys) > 0 {
		pk := d.preKeys[0]
		d.preKeys = d.preKeys[1:]
		b.PreKey = &pk
	}
	return b
}

type user struct {
	devices       map[domain.DeviceID]*device
	nextDeviceID  domain.DeviceID
	backup        *domain.BackupBlob
	backupUpdated time.Time
}

// fault makes the next count requests whose path starts with prefix fail
// with status.
type fault struct {
	prefix string
	status int
	count  int
}

// Server holds all state in memory.
type Server struct {
	mu          sync.Mutex
	users       map[domain.Username]*user
	ciphertexts map[string][]domain.DeviceCiphertext
	faults      []*fault
	log         *zap.Logger
	now         func() time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New returns an empty Server.
func New(opts ...Option) *Server {
	s := &Server{
		users:       make(map[domain.Username]*user),
		ciphertexts: make(map[string][]domain.DeviceCiphertext),
		log:         zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next count requests under prefix answer with status.
func (s *Server) FailNext(prefix string, status, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{prefix: prefix, status: status, count: count})
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests, s.injectFaults)

	r.HandleFunc("/register-device", s.registerDevice).Methods(http.MethodPost)
	r.HandleFunc("/update-signed-prekey", s.updateSignedPreKey).Methods(http.MethodPost)
	r.HandleFunc("/upload-prekeys", s.uploadPreKeys).Methods(http.MethodPost)
	r.HandleFunc("/prekey-count", s.preKeyCount).Methods(http.MethodGet)
	r.HandleFunc("/devices/{username}", s.devices).Methods(http.MethodGet)
	r.HandleFunc("/my-devices", s.myDevices).Methods(http.MethodGet)
	r.HandleFunc("/device/{deviceId:[0-9]+}", s.deleteDevice).Methods(http.MethodDelete)
	r.HandleFunc("/prekey-bundle/{username}/{deviceId:[0-9]+}", s.preKeyBundle).Methods(http.MethodGet)
	r.HandleFunc("/prekey-bundles/{username}", s.preKeyBundles).Methods(http.MethodGet)

	r.HandleFunc("/store-ciphertexts", s.storeCiphertexts).Methods(http.MethodPost)
	r.HandleFunc("/get-ciphertext/{messageId}", s.getCiphertext).Methods(http.MethodGet)

	r.HandleFunc("/encryption/backup", s.uploadBackup).Methods(http.MethodPost)
	r.HandleFunc("/encryption/backup", s.backupInfo).Methods(http.MethodGet)
	r.HandleFunc("/encryption/restore", s.restoreBackup).Methods(http.MethodGet)
	r.HandleFunc("/encryption/has-keys", s.hasKeys).Methods(http.MethodGet)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, relay.SuccessResponse{Success: true})
	}).Methods(http.MethodGet)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("user", r.Header.Get(relay.HeaderUsername)),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := 0
		for i, f := range s.faults {
			if strings.HasPrefix(r.URL.Path, f.prefix) {
				status = f.status
				f.count--
				if f.count <= 0 {
					s.faults = append(s.faults[:i], s.faults[i+1:]...)
				}
				break
			}
		}
		s.mu.Unlock()
		if status != 0 {
			writeError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// caller returns the identity headers. A missing username is a 401.
func caller(w http.ResponseWriter, r *http.Request) (domain.Username, domain.DeviceID, bool) {
	username := domain.Username(r.Header.Get(relay.HeaderUsername))
	if username == "" {
		writeError(w, http.StatusUnauthorized, "missing "+relay.HeaderUsername)
		return "", 0, false
	}
	var deviceID domain.DeviceID
	if v := r.Header.Get(relay.HeaderDeviceID); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+relay.HeaderDeviceID)
			return "", 0, false
		}
		deviceID = domain.DeviceID(n)
	}
	return username, deviceID, true
}

func parseDeviceID(s string) (domain.DeviceID, bool) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return domain.DeviceID(n), true
}

// userLocked returns the record for username, creating it when create is set.
func (s *Server) userLocked(username domain.Username, create bool) *user {
	u, ok := s.users[username]
	if !ok && create {
		u = &user{devices: make(map[domain.DeviceID]*device), nextDeviceID: 1}
		s.users[username] = u
	}
	return u
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, relay.ErrorResponse{Error: msg})
}
