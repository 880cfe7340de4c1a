package message

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"cipherlink/internal/domain"
	"cipherlink/internal/services/decrypt"
)

// ErrUndeliverable is returned by Send when no device got a ciphertext.
var ErrUndeliverable = errors.New("message could not be encrypted for any device")

// Service sends and receives messages through the session service and the
// decryption pipeline.
//
// High-level flow:
//   - Send: fan the plaintext out to every device of the recipient and the
//     sender's other devices, upload the ciphertexts, then remember the
//     plaintext locally since this device cannot decrypt its own output.
//   - Receive: resolve each message through the pipeline, which fetches the
//     envelope addressed to this device and decrypts it.
type Service struct {
	sessions domain.SessionService
	pipeline *decrypt.Pipeline
	log      *zap.Logger
}

// New constructs a message service.
func New(sessions domain.SessionService, pipeline *decrypt.Pipeline, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{sessions: sessions, pipeline: pipeline, log: log.Named("message")}
}

// Send encrypts plaintext for recipient and uploads the result. Devices that
// could not be reached are listed in the returned result; the error is
// non-nil only when nothing was uploaded.
func (s *Service) Send(ctx context.Context, recipient domain.Username, plaintext []byte) (domain.EncryptionResult, error) {
	result, err := s.sessions.EncryptForMultipleDevices(ctx, recipient, plaintext)
	if err != nil {
		return domain.EncryptionResult{}, err
	}
	if len(result.Ciphertexts) == 0 {
		return result, fmt.Errorf("send to %s: %w", recipient, ErrUndeliverable)
	}
	if err := s.sessions.StoreCiphertexts(ctx, result); err != nil {
		return result, fmt.Errorf("upload ciphertexts: %w", err)
	}

	// Uploaded; a cache failure only costs this device its own copy.
	if err := s.pipeline.CacheSentPlaintext(ctx, result.MessageID, string(plaintext)); err != nil {
		s.log.Warn("sent plaintext not cached", zap.String("message_id", result.MessageID), zap.Error(err))
	}
	s.log.Info("message sent",
		zap.String("message_id", result.MessageID),
		zap.String("recipient", string(recipient)),
		zap.Int("devices", len(result.Ciphertexts)),
		zap.Int("failed", len(result.FailedDevices)))
	return result, nil
}

// Receive resolves msgs in order. It stops at the first context error.
func (s *Service) Receive(ctx context.Context, msgs []decrypt.Message) ([]decrypt.Result, error) {
	out := make([]decrypt.Result, 0, len(msgs))
	for _, m := range msgs {
		res, err := s.pipeline.Decrypt(ctx, m)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Retry re-attempts the messages whose transient failures have aged out.
func (s *Service) Retry(ctx context.Context, msgs []decrypt.Message) ([]decrypt.Result, error) {
	return s.pipeline.RetryFailedDecrypts(ctx, msgs)
}
