package subscription

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

// Signature errors.
var (
	ErrSignatureMissing  = errors.New("payment signature missing")
	ErrSignatureMismatch = errors.New("payment signature mismatch")
)

// Signer verifies payment confirmations signed by the provider with a shared secret.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer using the provided secret key.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of payload.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares signature with the expected signature of payload.
func (s *Signer) Verify(payload []byte, signature string) error {
	if s == nil || len(s.secret) == 0 {
		return errors.New("payment signer not configured")
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrSignatureMissing
	}
	if !hmac.Equal([]byte(s.Sign(payload)), []byte(strings.ToLower(signature))) {
		return ErrSignatureMismatch
	}
	return nil
}

// ConfirmationPayload is the canonical string a client-side confirmation signs.
func ConfirmationPayload(providerTxnID string, userID, planID int64) []byte {
	return []byte(providerTxnID + "|" + strconv.FormatInt(userID, 10) + "|" + strconv.FormatInt(planID, 10))
}
