package encryption

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/frahmantamala/fieldguard/internal/crypto/aesgcm"
)

// parseEnvelope accepts the in-memory form produced by EncryptRecord as well as
// the generic maps a JSON decoder produces for stored or transmitted records.
func parseEnvelope(raw any) (map[string]aesgcm.EncryptedData, error) {
	switch v := raw.(type) {
	case map[string]aesgcm.EncryptedData:
		return v, nil
	case map[string]any:
		out := make(map[string]aesgcm.EncryptedData, len(v))
		for field, entry := range v {
			switch e := entry.(type) {
			case aesgcm.EncryptedData:
				out[field] = e
			case map[string]any:
				ct, ok1 := e["ciphertext"].(string)
				iv, ok2 := e["iv"].(string)
				tag, ok3 := e["tag"].(string)
				if !ok1 || !ok2 || !ok3 {
					return nil, fmt.Errorf("%w: entry %q is incomplete", ErrCorruptEnvelope, field)
				}
				out[field] = aesgcm.EncryptedData{Ciphertext: ct, IV: iv, Tag: tag}
			default:
				return nil, fmt.Errorf("%w: entry %q has type %T", ErrCorruptEnvelope, field, entry)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s has type %T", ErrCorruptEnvelope, EncryptedKey, raw)
	}
}

// parseWrappedKey accepts raw bytes, base64 text, or a serialized Node.js Buffer.
func parseWrappedKey(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case []byte:
		return v, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not base64", ErrCorruptEnvelope, EncryptedDEKKey)
		}
		return b, nil
	case map[string]any:
		data, ok := v["data"].([]any)
		if !ok {
			break
		}
		b := make([]byte, len(data))
		for i, n := range data {
			octet, ok := bufferOctet(n)
			if !ok {
				return nil, fmt.Errorf("%w: %s buffer is invalid", ErrCorruptEnvelope, EncryptedDEKKey)
			}
			b[i] = octet
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %s has type %T", ErrCorruptEnvelope, EncryptedDEKKey, raw)
}

func bufferOctet(n any) (byte, bool) {
	var f float64
	switch v := n.(type) {
	case float64:
		f = v
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		f = float64(i)
	default:
		return 0, false
	}
	if f < 0 || f > 255 || f != float64(int(f)) {
		return 0, false
	}
	return byte(f), true
}

func wellFormed(data aesgcm.EncryptedData) bool {
	if _, err := base64.StdEncoding.DecodeString(data.Ciphertext); err != nil || data.Ciphertext == "" {
		return false
	}
	iv, err := base64.StdEncoding.DecodeString(data.IV)
	if err != nil || len(iv) != aesgcm.NonceSize {
		return false
	}
	tag, err := base64.StdEncoding.DecodeString(data.Tag)
	return err == nil && len(tag) == aesgcm.TagSize
}
