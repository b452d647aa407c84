package handlers

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// CursorCodec signs pagination cursors so they are opaque to clients and
// bound to the tenant that received them. A cursor minted for tenant A fails
// verification when presented with tenant B's session.
type CursorCodec struct {
	secret []byte
}

// NewCursorCodec creates a codec with the given signing secret. An empty
// secret is replaced with a random per-boot value, which invalidates open
// cursors across restarts; deployments that care set an explicit secret.
func NewCursorCodec(secret string) *CursorCodec {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	return &CursorCodec{secret: key}
}

// Encode wraps a store-native continuation token for the tenant.
func (c *CursorCodec) Encode(tenantID, native string) string {
	if native == "" {
		return ""
	}
	payload := tenantID + "\x00" + native
	return base64.RawURLEncoding.EncodeToString(append(c.sign(payload), payload...))
}

// Decode verifies the cursor signature and tenant binding and returns the
// store-native continuation token.
func (c *CursorCodec) Decode(tenantID, cursor string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("malformed cursor")
	}
	if len(raw) <= sha256.Size/2 {
		return "", fmt.Errorf("malformed cursor")
	}
	sig, payload := raw[:sha256.Size/2], string(raw[sha256.Size/2:])
	if !hmac.Equal(sig, c.sign(payload)) {
		return "", fmt.Errorf("cursor signature mismatch")
	}
	tenant, native, ok := strings.Cut(payload, "\x00")
	if !ok || tenant != tenantID {
		return "", fmt.Errorf("cursor tenant mismatch")
	}
	return native, nil
}

func (c *CursorCodec) sign(payload string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)[:sha256.Size/2]
}
