package twitch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const signaturePrefix = "sha256="

// Signature computes the EventSub webhook signature over id+timestamp+body.
func Signature(secret []byte, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares signature against the expected value in
// constant time. A length mismatch is a mismatch.
func VerifySignature(secret []byte, messageID, timestamp string, body []byte, signature string) bool {
	expected := Signature(secret, messageID, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
