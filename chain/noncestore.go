package chain

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
)

// Header names used when signing outbound requests to a private relay
// endpoint (an operator may front a self-hosted Solana RPC with an
// API-key-gated proxy rather than a public node), adapted from the
// teacher's gateway/auth header constants.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// ComputeSignature builds the HMAC-SHA256 signature over the request
// metadata, identical in shape to the teacher's gatewayauth.ComputeSignature
// so a relay operator can reuse the same verification code on both sides.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(nonce))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return mac.Sum(nil)
}

// RandomNonce returns a random hex-encoded nonce.
func RandomNonce() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// NonceStore persists outbound request nonces so a crashed/retried process
// never reuses one, preventing the relay from rejecting (or worse, replaying)
// a submission. Grounded on the teacher's
// gateway/auth.LevelDBNoncePersistence, adapted from inbound replay
// protection to outbound nonce issuance.
type NonceStore struct {
	db *leveldb.DB
}

// OpenNonceStore opens (or creates) a LevelDB nonce store at path.
func OpenNonceStore(path string) (*NonceStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: resolve nonce store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: open nonce store: %w", err)
	}
	return &NonceStore{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *NonceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Issue returns a fresh nonce guaranteed unused by this store, recording it
// before returning so a concurrent caller cannot race to reuse it.
func (s *NonceStore) Issue() (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		nonce, err := RandomNonce()
		if err != nil {
			return "", err
		}
		key := []byte("nonce:" + nonce)
		_, err = s.db.Get(key, nil)
		if err == leveldb.ErrNotFound {
			if err := s.db.Put(key, []byte{1}, nil); err != nil {
				return "", err
			}
			return nonce, nil
		}
		if err != nil {
			return "", err
		}
		// Collision against a stored nonce: retry with a new random value.
	}
	return "", fmt.Errorf("chain: failed to issue unique nonce")
}
