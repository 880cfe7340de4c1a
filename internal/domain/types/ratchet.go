package types

// RatchetHeader travels with every ratchet message.
type RatchetHeader struct {
	DHPub []byte `json:"dh"`
	PN    uint32 `json:"pn"`
	N     uint32 `json:"n"`
}

// RatchetState is the Double Ratchet state for one session.
type RatchetState struct {
	RootKey   []byte            `json:"root_key"`
	DHPriv    X25519Private     `json:"dh_priv"`
	DHPub     X25519Public      `json:"dh_pub"`
	PeerDHPub X25519Public      `json:"peer_dh_pub"`
	SendCK    []byte            `json:"send_ck,omitempty"`
	RecvCK    []byte            `json:"recv_ck,omitempty"`
	Ns        uint32            `json:"ns"`
	Nr        uint32            `json:"nr"`
	PN        uint32            `json:"pn"`
	Skipped   map[string][]byte `json:"skipped,omitempty"`
}

// Clone returns a deep copy so a failed decrypt can be discarded.
func (s RatchetState) Clone() RatchetState {
	out := s
	out.RootKey = append([]byte(nil), s.RootKey...)
	out.SendCK = append([]byte(nil), s.SendCK...)
	out.RecvCK = append([]byte(nil), s.RecvCK...)
	out.Skipped = make(map[string][]byte, len(s.Skipped))
	for k, v := range s.Skipped {
		out.Skipped[k] = append([]byte(nil), v...)
	}
	return out
}
