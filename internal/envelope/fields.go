package envelope

import (
	"encoding/json"

	"secure-storage-service/internal/domain"
)

// toFields はオブジェクトとみなせる値をフィールドのマップに正規化する。
// 構造体のゼロ値のフィールドは欠落として扱う。
func toFields(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case domain.EncryptedEnvelope:
		return envelopeFields(&x), true
	case *domain.EncryptedEnvelope:
		if x == nil {
			return nil, false
		}
		return envelopeFields(x), true
	case domain.LegacyEncryptedData:
		return legacyFields(&x), true
	case *domain.LegacyEncryptedData:
		if x == nil {
			return nil, false
		}
		return legacyFields(x), true
	default:
		return nil, false
	}
}

func envelopeFields(e *domain.EncryptedEnvelope) map[string]any {
	m := map[string]any{"version": e.Version}
	setIfNotEmpty(m, "encryptedDEK", e.EncryptedDEK)
	setIfNotEmpty(m, "KEKVersion", e.KEKVersion)
	setIfNotEmpty(m, "timestamp", e.Timestamp)
	setIfNotEmpty(m, "algorithm", string(e.Algorithm))
	return m
}

func legacyFields(l *domain.LegacyEncryptedData) map[string]any {
	m := map[string]any{"value": l.Value}
	setIfNotEmpty(m, "timestamp", l.Timestamp)
	return m
}

func setIfNotEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// present はフィールドが存在し、nil・空文字列・ゼロでないことを返す。
func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	default:
		return true
	}
}

func isVersion2(v any) bool {
	switch x := v.(type) {
	case float64:
		return x == domain.EnvelopeVersion
	case int:
		return x == domain.EnvelopeVersion
	case int64:
		return x == domain.EnvelopeVersion
	case json.Number:
		n, err := x.Int64()
		return err == nil && n == domain.EnvelopeVersion
	default:
		return false
	}
}
