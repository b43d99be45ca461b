/**
 * @description
 * Package signature canonicalizes provider payloads and signs or verifies them with
 * keyed HMAC digests. Each payment provider describes its own Scheme; the codec never
 * tries to reconcile their differences.
 */
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"sort"
	"strings"
)

// Encoder transforms a field value before it enters the canonical string.
type Encoder func(string) string

// Scheme describes how a provider builds and signs its canonical payloads.
type Scheme struct {
	// Hash constructs the digest used inside the HMAC.
	Hash func() hash.Hash
	// Encode is applied to every value. A nil Encoder leaves values untouched.
	Encode Encoder
	// IncludeEmpty keeps canonicalized fields whose value is the empty string.
	IncludeEmpty bool
	// Separator joins ordered values for API MACs. Defaults to "|".
	Separator string
}

// SHA512 returns a scheme signing with HMAC-SHA-512.
func SHA512(encode Encoder, includeEmpty bool) Scheme {
	return Scheme{Hash: sha512.New, Encode: encode, IncludeEmpty: includeEmpty}
}

// SHA256 returns a scheme signing with HMAC-SHA-256.
func SHA256(encode Encoder, includeEmpty bool) Scheme {
	return Scheme{Hash: sha256.New, Encode: encode, IncludeEmpty: includeEmpty}
}

// Canonicalize sorts the field keys lexicographically, encodes each value and joins the
// pairs as key=value separated by "&". Keys listed in exclude are skipped.
func (s Scheme) Canonicalize(fields map[string]string, exclude ...string) string {
	skip := make(map[string]struct{}, len(exclude))
	for _, key := range exclude {
		skip[key] = struct{}{}
	}

	keys := make([]string, 0, len(fields))
	for key, value := range fields {
		if _, excluded := skip[key]; excluded {
			continue
		}
		if value == "" && !s.IncludeEmpty {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(s.encode(fields[key]))
	}
	return b.String()
}

// Join concatenates values in the given order with the scheme separator. Values are not
// encoded. Empty values keep their position because the verifier joins the same slots.
func (s Scheme) Join(values ...string) string {
	return strings.Join(values, s.separator())
}

// Sign returns the lowercase hex HMAC of data under secret.
func (s Scheme) Sign(secret, data string) string {
	mac := hmac.New(s.hashFunc(), []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignFields canonicalizes fields and signs the result.
func (s Scheme) SignFields(secret string, fields map[string]string, exclude ...string) string {
	return s.Sign(secret, s.Canonicalize(fields, exclude...))
}

// Verify recomputes the MAC over the canonical form of fields and compares it to mac in
// constant time. Hex case is ignored.
func (s Scheme) Verify(secret string, fields map[string]string, mac string, exclude ...string) bool {
	return s.VerifyRaw(secret, s.Canonicalize(fields, exclude...), mac)
}

// VerifyRaw compares mac against the HMAC of an already-canonical payload.
func (s Scheme) VerifyRaw(secret, payload, mac string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(mac))
	if err != nil || len(provided) == 0 {
		return false
	}
	h := hmac.New(s.hashFunc(), []byte(secret))
	h.Write([]byte(payload))
	return hmac.Equal(h.Sum(nil), provided)
}

func (s Scheme) encode(value string) string {
	if s.Encode == nil {
		return value
	}
	return s.Encode(value)
}

func (s Scheme) separator() string {
	if s.Separator == "" {
		return "|"
	}
	return s.Separator
}

func (s Scheme) hashFunc() func() hash.Hash {
	if s.Hash == nil {
		return sha256.New
	}
	return s.Hash
}
