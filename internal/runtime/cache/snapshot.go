package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is a fully buffered response as it was received from the network.
type Snapshot struct {
	Status   int         `msgpack:"status"`
	Header   http.Header `msgpack:"header"`
	Body     []byte      `msgpack:"body"`
	StoredAt time.Time   `msgpack:"storedAt"`
}

// Clone returns a deep copy so callers never share header maps or body bytes
// with a store.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Status: s.Status, StoredAt: s.StoredAt}
	if s.Header != nil {
		out.Header = s.Header.Clone()
	}
	if s.Body != nil {
		out.Body = append([]byte(nil), s.Body...)
	}
	return out
}

// RequestKey builds the identity a response is stored under: the upper-cased
// method and the request URI (path plus raw query).
func RequestKey(method, requestURI string) string {
	if requestURI == "" {
		requestURI = "/"
	}
	return strings.ToUpper(method) + " " + requestURI
}

// KeyForRequest derives the store key for an inbound request.
func KeyForRequest(r *http.Request) string {
	return RequestKey(r.Method, r.URL.RequestURI())
}

// KeyForPath derives the key a request for the origin-relative target would
// be stored under, escaping it the way inbound request URIs are.
func KeyForPath(method, target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("cache: parse %q: %w", target, err)
	}
	return RequestKey(method, parsed.RequestURI()), nil
}

// record is the persisted form used by backends that cannot keep the key
// alongside the value natively.
type record struct {
	Key      string   `msgpack:"key"`
	Snapshot Snapshot `msgpack:"snapshot"`
}

func encodeRecord(key string, snapshot Snapshot) ([]byte, error) {
	payload, err := msgpack.Marshal(record{Key: key, Snapshot: snapshot})
	if err != nil {
		return nil, fmt.Errorf("cache: encode %q: %w", key, err)
	}
	return payload, nil
}

func decodeRecord(payload []byte) (record, error) {
	var rec record
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return record{}, fmt.Errorf("cache: decode record: %w", err)
	}
	return rec, nil
}

// hashKey maps a request key onto a fixed-length object name.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// encodeName keeps arbitrary store names safe for file and object paths.
func encodeName(name string) string {
	return hex.EncodeToString([]byte(name))
}

func decodeName(encoded string) (string, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("cache: decode store name %q: %w", encoded, err)
	}
	return string(raw), nil
}
