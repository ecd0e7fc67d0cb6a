package domain

// EnvelopeVersion は現在有効なエンベロープのスキーマバージョン。
const EnvelopeVersion = 2

// Algorithm はデータ暗号化アルゴリズムの識別子。
type Algorithm string

const (
	AlgorithmAES256CBC Algorithm = "AES-256-CBC"
	AlgorithmAES256GCM Algorithm = "AES-256-GCM"
)

// DefaultAlgorithm はエンベロープ生成時のデフォルトアルゴリズム。
const DefaultAlgorithm = AlgorithmAES256CBC

// DefaultDataAlgorithm はシークレットの暗号化に使うデフォルトアルゴリズム。
// CBCは改ざんを検出できないため、データの暗号化にはGCMを使う。
const DefaultDataAlgorithm = AlgorithmAES256GCM

// Supported はアルゴリズムが受け付け可能かどうかを返す。
func (a Algorithm) Supported() bool {
	return a == AlgorithmAES256CBC || a == AlgorithmAES256GCM
}

// EncryptedEnvelope はバージョン付きの自己記述型エンベロープ。永続化後は不変。
// JSONのフィールド名は永続化フォーマットそのもの。
type EncryptedEnvelope struct {
	Version      int       `json:"version"`
	EncryptedDEK string    `json:"encryptedDEK"`
	KEKVersion   string    `json:"KEKVersion"`
	Timestamp    string    `json:"timestamp"`
	Algorithm    Algorithm `json:"algorithm"`
}

// LegacyEncryptedData はバージョン導入前の暗号化値。
type LegacyEncryptedData struct {
	Value     string `json:"value"`
	Timestamp string `json:"timestamp,omitempty"`
}

// EnvelopeMetadata はDEKを含まないエンベロープのメタデータ。
type EnvelopeMetadata struct {
	EnvelopeVersion int
	Algorithm       Algorithm
	KEKVersion      string
	Timestamp       string
}
