// Package snapshot encodes the whole local ledger as one portable token.
//
// A token is plain ASCII safe to copy and paste:
//
//	LSK1.<base64url(gzip(json payload))>.<hex sha256 checksum>
//
// The checksum covers the compressed bytes with domain separation. It detects
// truncation and corruption; it is not a signature.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// Prefix identifies tokens of this format.
	Prefix = "LSK1."
	// Version is the payload schema version.
	Version = 1

	checksumDomain = "ledgersync/snapshot/v1"
	// maxPayload caps the decompressed size of an imported token.
	maxPayload = 64 << 20
)

// ErrMalformed is returned for any token that cannot be decoded.
var ErrMalformed = errors.New("malformed snapshot token")

// Payload is the decoded content of a token.
type Payload struct {
	Version    int        `json:"version"`
	ExportedAt time.Time  `json:"exportedAt"`
	LastSync   *time.Time `json:"lastSync,omitempty"`
	// Collections maps collection names to their JSON arrays.
	Collections map[string]json.RawMessage `json:"collections"`
}

// Encode serializes p into a token. A zero Version is set to the current one.
func Encode(p Payload) (string, error) {
	if p.Version == 0 {
		p.Version = Version
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("encode snapshot: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("encode snapshot: compress: %w", err)
	}

	body := buf.Bytes()
	return Prefix + base64.RawURLEncoding.EncodeToString(body) + "." + checksum(body), nil
}

// Decode parses a token. Every failure wraps ErrMalformed.
//
// known, when non-nil, lists the accepted collection names; a payload naming
// any other collection is rejected.
func Decode(token string, known func(name string) bool) (Payload, error) {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, Prefix) {
		return Payload{}, malformed("missing %s prefix", Prefix)
	}
	rest := strings.TrimPrefix(token, Prefix)

	dot := strings.LastIndexByte(rest, '.')
	if dot < 0 {
		return Payload{}, malformed("missing checksum")
	}
	encoded, sum := rest[:dot], rest[dot+1:]

	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Payload{}, malformed("base64: %v", err)
	}
	if sum != checksum(body) {
		return Payload{}, malformed("checksum mismatch")
	}

	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return Payload{}, malformed("gzip: %v", err)
	}
	data, err := io.ReadAll(io.LimitReader(zr, maxPayload+1))
	if err != nil {
		return Payload{}, malformed("gzip: %v", err)
	}
	if len(data) > maxPayload {
		return Payload{}, malformed("payload exceeds %d bytes", maxPayload)
	}

	var p Payload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Payload{}, malformed("json: %v", err)
	}
	if p.Version != Version {
		return Payload{}, malformed("unsupported version %d", p.Version)
	}
	if p.Collections == nil {
		return Payload{}, malformed("no collections")
	}
	for name, raw := range p.Collections {
		if known != nil && !known(name) {
			return Payload{}, malformed("unknown collection %q", name)
		}
		if t := bytes.TrimSpace(raw); len(t) == 0 || t[0] != '[' {
			return Payload{}, malformed("collection %q is not a list", name)
		}
	}
	return p, nil
}

func checksum(body []byte) string {
	h := sha256.New()
	h.Write([]byte(checksumDomain))
	h.Write([]byte{0x00})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
