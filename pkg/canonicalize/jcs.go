// Package canonicalize implements RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing across the gate kernel: plan
// envelopes, audit entries, intent artifacts, and attestation bundles are
// all hashed and signed over their JCS form, never over whatever
// key-ordering encoding/json happened to produce.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	extjcs "github.com/gowebpki/jcs"
)

// JCS serializes v into its canonical form: stdlib-marshal to intermediate
// JSON, decode with UseNumber to preserve number literals, then
// recursively re-encode with sorted object keys and HTML-escaping off.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: decode: %w", err)
	}
	return marshalRecursive(generic)
}

// CanonicalHash returns the lowercase hex SHA-256 digest of v's JCS form.
func CanonicalHash(v interface{}) (string, error) {
	canon, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canon), nil
}

// HashBytes returns the lowercase hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// JCSString is JCS with a string result for embedding in envelopes/logs.
func JCSString(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalRecursive(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(val.String()), nil
	case string:
		return encodeString(val)
	case []interface{}:
		return marshalArray(val)
	case map[string]interface{}:
		return marshalObject(val)
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(val); err != nil {
			return nil, fmt.Errorf("canonicalize: fallback encode: %w", err)
		}
		return bytes.TrimRight(buf.Bytes(), "\n"), nil
	}
}

func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func marshalArray(arr []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		enc, err := marshalRecursive(item)
		if err != nil {
			return nil, err
		}
		buf.Write(enc)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalObject(obj map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyEnc, err := encodeString(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyEnc)
		buf.WriteByte(':')
		valEnc, err := marshalRecursive(obj[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valEnc)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// VerifyJCS cross-checks the hand-rolled canonicalizer against
// github.com/gowebpki/jcs's transform of the same stdlib-marshaled input.
// The tests call it so a canonicalization regression fails loud rather
// than silently producing divergent hashes between runs; no production
// code path calls it.
func VerifyJCS(v interface{}) error {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("canonicalize: verify marshal: %w", err)
	}
	want, err := extjcs.Transform(intermediate)
	if err != nil {
		return fmt.Errorf("canonicalize: gowebpki/jcs transform: %w", err)
	}
	got, err := JCS(v)
	if err != nil {
		return fmt.Errorf("canonicalize: hand-rolled JCS: %w", err)
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("canonicalize: divergence between implementations: gowebpki=%s internal=%s", want, got)
	}
	return nil
}
