// Package fingerprint computes stable cache keys for requests.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

// Compute returns a deterministic fingerprint for (chain, method,
// params). Params are canonicalized by a marshal/unmarshal round trip
// so that JSON object key order never affects the result; the gateway
// never interprets their content.
// Formula: base58(SHA256(chain|method|canonical_params)).
func Compute(chain, method string, params any) (string, error) {
	canonical, err := canonicalize(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}

	data := fmt.Sprintf("%s|%s|%s", chain, method, canonical)
	hash := sha256.Sum256([]byte(data))
	return base58.Encode(hash[:]), nil
}

// canonicalize produces a byte-stable JSON encoding. encoding/json
// sorts map keys, so decoding into interface{} and re-encoding yields a
// canonical form for any JSON-compatible value.
func canonicalize(params any) (string, error) {
	if params == nil {
		return "null", nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return "", err
	}

	// UseNumber keeps integer params above 2^53 byte-exact; a float64
	// round trip would fold distinct values onto one fingerprint.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return "", err
	}

	canonical, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}
