// Package base58check は固定長バイナリをバージョンプレフィックスとパリティ付きのBase58文字列に変換する。
package base58check

import (
	"crypto/subtle"
	"errors"
	"strings"
	"unicode"

	"github.com/btcsuite/btcutil/base58"
)

var (
	ErrLength = errors.New("base58check: unexpected decoded length")
	ErrParity = errors.New("base58check: parity mismatch")
	ErrPrefix = errors.New("base58check: unexpected version prefix")
)

// Parity は全バイトのXORを返す。
func Parity(b []byte) byte {
	var p byte
	for _, c := range b {
		p ^= c
	}
	return p
}

// Encode は prefix ++ payload ++ parity をBase58でエンコードする。
func Encode(prefix, payload []byte) string {
	buf := make([]byte, 0, len(prefix)+len(payload)+1)
	buf = append(buf, prefix...)
	buf = append(buf, payload...)
	buf = append(buf, Parity(buf))
	return base58.Encode(buf)
}

// Decode はEncodeの逆変換を行い、payloadを返す。
// 空白は無視する。検査は長さ、パリティ、プレフィックスの順に行う。
func Decode(s string, prefix []byte, payloadLen int) ([]byte, error) {
	raw := base58.Decode(StripSpace(s))
	if len(raw) != len(prefix)+payloadLen+1 {
		return nil, ErrLength
	}

	body, parity := raw[:len(raw)-1], raw[len(raw)-1]
	if subtle.ConstantTimeByteEq(Parity(body), parity) != 1 {
		return nil, ErrParity
	}
	if subtle.ConstantTimeCompare(body[:len(prefix)], prefix) != 1 {
		return nil, ErrPrefix
	}

	payload := make([]byte, payloadLen)
	copy(payload, body[len(prefix):])
	return payload, nil
}

// Group は s を size 文字ごとに空白で区切る。
func Group(s string, size int) string {
	if size <= 0 || len(s) <= size {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i += size {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := min(i+size, len(s))
		b.WriteString(s[i:end])
	}
	return b.String()
}

// StripSpace は全ての空白文字を取り除く。
func StripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
