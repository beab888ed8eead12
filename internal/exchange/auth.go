package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"l3bookd/internal/bookerr"
)

// Credentials is the opaque API key triplet used to sign the WS subscribe
// frame. Storage and rotation of these values are out of scope here; they
// are consumed as-is from config.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// subscribeSignaturePath and subscribeSignatureMethod are the fixed
// request-line components the exchange expects in the WS subscribe
// signature, regardless of which channel is actually being subscribed to.
const (
	subscribeSignatureMethod = "GET"
	subscribeSignaturePath   = "/users/self/verify"
)

// BuildSubscribeSignature computes the base64 HMAC-SHA256 signature the WS
// subscribe frame carries: base64(HMAC-SHA256(base64-decoded-secret,
// ts || "GET" || "/users/self/verify" || "")).
func BuildSubscribeSignature(secret, timestamp string) (string, error) {
	secretBytes, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", bookerr.Wrap(bookerr.InvalidInput, err, "decode base64 secret")
	}

	message := timestamp + subscribeSignatureMethod + subscribeSignaturePath

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
