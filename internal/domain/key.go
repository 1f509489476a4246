package domain

// ExtractedKeysFormatVersion は抽出ツールが出力するファイル形式のバージョン。
const ExtractedKeysFormatVersion = 1

// ExtractedKey は旧ストアから抽出されたMegolmセッション鍵を表す。
type ExtractedKey struct {
	RoomID                       string            `json:"room_id" validate:"required"`
	SessionID                    string            `json:"session_id" validate:"required"`
	Algorithm                    string            `json:"algorithm" validate:"required"`
	SessionKey                   string            `json:"session_key" validate:"required"`
	SenderKey                    string            `json:"sender_key" validate:"required"`
	SenderClaimedKeys            map[string]string `json:"sender_claimed_keys"`
	ForwardingCurve25519KeyChain []string          `json:"forwarding_curve25519_key_chain"`
}

// ExtractedKeys は抽出ツールの出力ファイル全体を表す。
type ExtractedKeys struct {
	Version    int                       `json:"version"`
	TotalKeys  int                       `json:"total_keys"`
	KeysByRoom map[string][]ExtractedKey `json:"keys_by_room"`
	AllKeys    []ExtractedKey            `json:"all_keys" validate:"dive"`
}
