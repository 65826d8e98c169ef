package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// NewOpaqueToken generates a random bearer token in the teacher's
// "<prefix>_<64 hex chars>" shape (internal/server/api_tokens.go), reused
// here for access tokens.
func NewOpaqueToken(prefix string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(raw), nil
}

// AttachmentReadToken derives the deterministic, recomputable HMAC-SHA256
// read token for an attachment, per spec.md §4.5: HMAC over
// (attachmentId, accessId, accessToken, serverSecret). It is never
// persisted; any verifier holding serverSecret can recompute and compare it.
func AttachmentReadToken(attachmentID, accessID, accessToken string, serverSecret []byte) string {
	mac := hmac.New(sha256.New, serverSecret)
	mac.Write([]byte(attachmentID))
	mac.Write([]byte{0})
	mac.Write([]byte(accessID))
	mac.Write([]byte{0})
	mac.Write([]byte(accessToken))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyAttachmentReadToken recomputes and compares a read token in
// constant time.
func VerifyAttachmentReadToken(token, attachmentID, accessID, accessToken string, serverSecret []byte) bool {
	expected := AttachmentReadToken(attachmentID, accessID, accessToken, serverSecret)
	return hmac.Equal([]byte(expected), []byte(token))
}

// PasswordResetToken builds a stateless, expiring reset token for userID:
// "<expiresAt>.<userId>.<hmac>". Encoding the payload in the token itself
// means any server process can verify a reset request without a shared
// token store, matching the account-recovery flow of spec.md §4.8.
func PasswordResetToken(userID string, expiresAt int64, serverSecret []byte) string {
	payload := strconv.FormatInt(expiresAt, 10) + "." + userID
	mac := hmac.New(sha256.New, serverSecret)
	mac.Write([]byte(payload))
	return payload + "." + hex.EncodeToString(mac.Sum(nil))
}

// VerifyPasswordResetToken recomputes and checks token's signature and
// expiry, returning the embedded userID on success.
func VerifyPasswordResetToken(token string, now int64, serverSecret []byte) (string, bool) {
	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		return "", false
	}
	expiresAt, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return "", false
	}
	if now > expiresAt {
		return "", false
	}

	payload := parts[0] + "." + parts[1]
	mac := hmac.New(sha256.New, serverSecret)
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return "", false
	}
	return parts[1], true
}
