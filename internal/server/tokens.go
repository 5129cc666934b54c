package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// tokenSigner issues upload tokens bound to a ref and its ticket expiry.
type tokenSigner struct {
	secret []byte
}

func newTokenSigner(secret []byte) (*tokenSigner, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
	}
	return &tokenSigner{secret: secret}, nil
}

func (t *tokenSigner) Sign(ref string, expiresAt time.Time) string {
	return base64.RawURLEncoding.EncodeToString(t.mac(ref, expiresAt))
}

func (t *tokenSigner) Verify(ref string, expiresAt time.Time, token string) bool {
	got, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return false
	}
	return hmac.Equal(got, t.mac(ref, expiresAt))
}

func (t *tokenSigner) mac(ref string, expiresAt time.Time) []byte {
	mac := hmac.New(sha256.New, t.secret)
	_, _ = mac.Write([]byte(ref))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write([]byte(strconv.FormatInt(expiresAt.Unix(), 10)))
	return mac.Sum(nil)
}
