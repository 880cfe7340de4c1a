package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"cipherlink/internal/domain"
)

// wireVersion prefixes every serialized message.
const wireVersion byte = 0x33

// ErrInvalidCiphertext is returned for bodies that do not parse.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

type whisperMessage struct {
	Header domain.RatchetHeader `json:"h"`
	Body   []byte               `json:"c"`
}

type preKeyWhisperMessage struct {
	PreKey  domain.PreKeyMessage `json:"pk"`
	Message whisperMessage       `json:"m"`
}

func marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{wireVersion}, b...), nil
}

func unmarshal(b []byte, v any) error {
	if len(b) < 2 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidCiphertext, len(b))
	}
	if b[0] != wireVersion {
		return fmt.Errorf("%w: unknown version 0x%02x", ErrInvalidCiphertext, b[0])
	}
	if err := json.Unmarshal(b[1:], v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return nil
}
