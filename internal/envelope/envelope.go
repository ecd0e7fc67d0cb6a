// Package envelope はバージョン付き暗号化エンベロープの分類・検証・生成・シリアライズを提供する。
//
// コーデックは状態を持たない純粋な関数群で、任意のゴルーチンから同時に呼び出してよい。
// DEKのラップ/アンラップ自体は行わず、メタデータの管理のみを担う。
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"secure-storage-service/internal/domain"
)

// requiredFields は分類に使うエンベロープの必須フィールド。
var requiredFields = []string{"version", "encryptedDEK", "KEKVersion", "algorithm"}

var now = time.Now

// StoredValue は保存値の解析結果。Envelope と Legacy のどちらか一方のみが設定される。
type StoredValue struct {
	Envelope *domain.EncryptedEnvelope
	Legacy   *domain.LegacyEncryptedData
}

// IsLegacy はレガシー形式かどうかを返す。
func (v *StoredValue) IsLegacy() bool {
	return v != nil && v.Legacy != nil
}

// IsLegacyEncryptedData はデコード済みの値がレガシー形式（移行対象）かどうかを判定する。
// 文字列は常にレガシー、nil は「値なし」としてレガシーではない。
// オブジェクトは必須フィールドが欠けているか version が 2 でない場合にレガシーとなる。
func IsLegacyEncryptedData(v any) bool {
	switch v.(type) {
	case nil:
		return false
	case string:
		return true
	}
	fields, ok := toFields(v)
	if !ok {
		return false
	}
	for _, name := range requiredFields {
		if !present(fields[name]) {
			return true
		}
	}
	return !isVersion2(fields["version"])
}

// IsValidEnvelope はオブジェクトが有効なエンベロープかどうかを検証する。
// 文字列・数値・nil などオブジェクト以外は常に false。
func IsValidEnvelope(v any) bool {
	fields, ok := toFields(v)
	if !ok {
		return false
	}
	if !isVersion2(fields["version"]) {
		return false
	}
	for _, name := range []string{"encryptedDEK", "KEKVersion", "timestamp", "algorithm"} {
		if !present(fields[name]) {
			return false
		}
	}
	alg, ok := fields["algorithm"].(string)
	return ok && domain.Algorithm(alg).Supported()
}

// Create は新しいエンベロープを生成する。alg が空の場合は AES-256-CBC を使う。
func Create(encryptedDEK string, keyVersion domain.KeyVersion, alg domain.Algorithm) (*domain.EncryptedEnvelope, error) {
	if alg == "" {
		alg = domain.DefaultAlgorithm
	}
	if !alg.Supported() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedAlgorithm, alg)
	}
	if encryptedDEK == "" {
		return nil, domain.ErrInvalidDEK
	}
	return &domain.EncryptedEnvelope{
		Version:      domain.EnvelopeVersion,
		EncryptedDEK: encryptedDEK,
		KEKVersion:   keyVersion.ID,
		Timestamp:    domain.FormatTimestamp(now()),
		Algorithm:    alg,
	}, nil
}

// Parse は保存値を解析する。
//
//   - nil・空文字列・空のバイト列は (nil, nil)
//   - 文字列は失敗しない。エンベロープとして読めなければ {value: 元の文字列} のレガシー値になる
//   - オブジェクトはエンベロープならそのまま、{value} 形式ならレガシー、それ以外は ErrMalformedEnvelope
func Parse(input any) (*StoredValue, error) {
	switch x := input.(type) {
	case nil:
		return nil, nil
	case string:
		return parseString(x), nil
	case []byte:
		return parseString(string(x)), nil
	case json.RawMessage:
		return parseString(string(x)), nil
	case *domain.EncryptedEnvelope:
		if x == nil {
			return nil, nil
		}
		if !IsValidEnvelope(x) {
			return nil, fmt.Errorf("%w: envelope fails validation", domain.ErrMalformedEnvelope)
		}
		return &StoredValue{Envelope: x}, nil
	case domain.EncryptedEnvelope:
		return Parse(&x)
	case *domain.LegacyEncryptedData:
		if x == nil {
			return nil, nil
		}
		return &StoredValue{Legacy: x}, nil
	case domain.LegacyEncryptedData:
		return &StoredValue{Legacy: &x}, nil
	case map[string]any:
		return parseObject(x)
	default:
		return nil, fmt.Errorf("%w: unexpected type %T", domain.ErrMalformedEnvelope, input)
	}
}

func parseString(s string) *StoredValue {
	if s == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return &StoredValue{Legacy: &domain.LegacyEncryptedData{Value: s}}
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return &StoredValue{Legacy: &domain.LegacyEncryptedData{Value: s}}
	}
	if IsValidEnvelope(obj) {
		var env domain.EncryptedEnvelope
		if err := json.Unmarshal([]byte(s), &env); err == nil {
			return &StoredValue{Envelope: &env}
		}
	}
	// {"value": ...} 形式のJSON文字列も中身を取り出さず、元の文字列のまま扱う
	return &StoredValue{Legacy: &domain.LegacyEncryptedData{Value: s}}
}

func parseObject(obj map[string]any) (*StoredValue, error) {
	if IsValidEnvelope(obj) {
		env := &domain.EncryptedEnvelope{Version: domain.EnvelopeVersion}
		env.EncryptedDEK, _ = obj["encryptedDEK"].(string)
		env.KEKVersion, _ = obj["KEKVersion"].(string)
		env.Timestamp, _ = obj["timestamp"].(string)
		alg, _ := obj["algorithm"].(string)
		env.Algorithm = domain.Algorithm(alg)
		return &StoredValue{Envelope: env}, nil
	}
	if legacy, ok := legacyObject(obj); ok {
		return &StoredValue{Legacy: legacy}, nil
	}
	return nil, fmt.Errorf("%w: object is neither an envelope nor legacy data", domain.ErrMalformedEnvelope)
}

// legacyObject は {value, timestamp?} 形式のオブジェクトをレガシー値に変換する。
// エンベロープのフィールドを1つでも持つものはレガシーとして扱わない。
func legacyObject(obj map[string]any) (*domain.LegacyEncryptedData, bool) {
	value, ok := obj["value"].(string)
	if !ok {
		return nil, false
	}
	for _, name := range requiredFields {
		if _, exists := obj[name]; exists {
			return nil, false
		}
	}
	ts, _ := obj["timestamp"].(string)
	return &domain.LegacyEncryptedData{Value: value, Timestamp: ts}, true
}

// Serialize はエンベロープを決定的なJSONに変換する。
func Serialize(env *domain.EncryptedEnvelope) (string, error) {
	if env == nil {
		return "", fmt.Errorf("%w: nil envelope", domain.ErrMalformedEnvelope)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshaling envelope: %w", err)
	}
	return string(b), nil
}

// Metadata はDEKを含まないメタデータを返す。
func Metadata(env *domain.EncryptedEnvelope) domain.EnvelopeMetadata {
	return domain.EnvelopeMetadata{
		EnvelopeVersion: env.Version,
		Algorithm:       env.Algorithm,
		KEKVersion:      env.KEKVersion,
		Timestamp:       env.Timestamp,
	}
}

// KEKVersion は復号に使う鍵世代のIDを返す。
func KEKVersion(env *domain.EncryptedEnvelope) string {
	return env.KEKVersion
}

// Size はシリアライズ後の長さ（バイト数）を返す。
func Size(env *domain.EncryptedEnvelope) (int, error) {
	s, err := Serialize(env)
	if err != nil {
		return 0, err
	}
	return len(s), nil
}

// NeedsReEncryption はエンベロープが現在の鍵世代以外で暗号化されているかを返す。
func NeedsReEncryption(env *domain.EncryptedEnvelope, current domain.KeyVersion) bool {
	return env.KEKVersion != current.ID
}

// MigrateLegacy はレガシーの暗号文をバージョン付きヘッダで包み直す。
// DEKの再ラップは呼び出し側の責務。
func MigrateLegacy(value string, keyVersion domain.KeyVersion, alg domain.Algorithm) (*domain.EncryptedEnvelope, error) {
	return Create(value, keyVersion, alg)
}

// LegacyValue はレガシー値の暗号文を返す。
func LegacyValue(legacy domain.LegacyEncryptedData) string {
	return legacy.Value
}

// Equal はDEK・鍵世代・アルゴリズムが一致するかを返す。version と timestamp は比較しない。
func Equal(a, b *domain.EncryptedEnvelope) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.EncryptedDEK == b.EncryptedDEK &&
		a.KEKVersion == b.KEKVersion &&
		a.Algorithm == b.Algorithm
}
