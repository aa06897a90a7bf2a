/*
signature.go - Webhook payload authentication

The processor signs every webhook body with HMAC-SHA256 over a shared
secret and sends the hex digest in the X-Processor-Signature header.
Verification happens before the payload is even decoded; a bad
signature changes no state anywhere.
*/
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/meridian/credit-engine/credit"
)

// SignatureHeader is where the processor puts the digest.
const SignatureHeader = "X-Processor-Signature"

// Verifier checks webhook signatures against the shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Sign computes the hex HMAC-SHA256 digest of payload. Exposed so
// tests (and the dev-mode fake processor) can produce valid webhooks.
func (v *Verifier) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify returns ErrInvalidSignature unless signature is the correct
// digest for payload. Constant-time comparison.
func (v *Verifier) Verify(payload []byte, signature string) error {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return credit.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return credit.ErrInvalidSignature
	}
	return nil
}
