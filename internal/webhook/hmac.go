package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is deliberately uninformative.
var errVerification = errors.New("webhook verification failed")

// verifyHMACSignature checks signature against the HMAC-SHA256 of body in
// constant time.
func verifyHMACSignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}
	actual, err := parseSignature(signature)
	if err != nil {
		return errVerification
	}
	if !hmac.Equal(sign(body, secret), actual) {
		return errVerification
	}
	return nil
}

// parseSignature decodes "sha256=<hex>" or plain hex.
func parseSignature(signature string) ([]byte, error) {
	hexSig, _ := strings.CutPrefix(strings.TrimSpace(signature), "sha256=")
	return hex.DecodeString(hexSig)
}

func sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Signature returns the X-Hub-Signature-256 value for body.
func Signature(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(sign(body, secret))
}
