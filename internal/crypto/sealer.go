package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownKey = errors.New("unknown key id")

// sealedToken is the at-rest form of a bot token. The instance id is used as
// additional data, so a sealed value copied onto another record fails to open.
type sealedToken struct {
	KeyID      string `json:"kid"`
	Nonce      string `json:"n"`
	Ciphertext string `json:"ct"`
}

type Sealer struct {
	currentKeyID string
	keys         map[string]cipher.AEAD
}

func NewSealer(currentKeyID string, keys map[string][]byte) (*Sealer, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Sealer{currentKeyID: currentKeyID, keys: aeads}, nil
}

func (s *Sealer) Seal(instanceID, token string) (string, error) {
	aead := s.keys[s.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(token), []byte(instanceID))
	b, err := json.Marshal(sealedToken{
		KeyID:      s.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return "", fmt.Errorf("marshal sealed token: %w", err)
	}
	return string(b), nil
}

func (s *Sealer) Open(instanceID, sealed string) (string, error) {
	var st sealedToken
	if err := json.Unmarshal([]byte(sealed), &st); err != nil {
		return "", fmt.Errorf("unmarshal sealed token: %w", err)
	}
	aead, ok := s.keys[st.KeyID]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, st.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(st.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(st.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("nonce has %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	pt, err := aead.Open(nil, nonce, ct, []byte(instanceID))
	if err != nil {
		return "", fmt.Errorf("open sealed token: %w", err)
	}
	return string(pt), nil
}

// Stale reports whether the value was sealed with a key other than the
// current one and should be resealed.
func (s *Sealer) Stale(sealed string) bool {
	var st sealedToken
	if err := json.Unmarshal([]byte(sealed), &st); err != nil {
		return true
	}
	return st.KeyID != s.currentKeyID
}
