package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

// ctr64 はカウンターブロックの下位64ビットだけをインクリメントするCTRモード。
// 上位64ビットへの桁上がりは行わない。
type ctr64 struct {
	block cipher.Block
	ctr   [aes.BlockSize]byte
	ks    [aes.BlockSize]byte
	used  int
}

func newCTR64(block cipher.Block, iv []byte) cipher.Stream {
	s := &ctr64{block: block, used: aes.BlockSize}
	copy(s.ctr[:], iv)
	return s
}

func (s *ctr64) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("crypto: output smaller than input")
	}
	for i := range src {
		if s.used == aes.BlockSize {
			s.block.Encrypt(s.ks[:], s.ctr[:])
			lo := binary.BigEndian.Uint64(s.ctr[8:])
			binary.BigEndian.PutUint64(s.ctr[8:], lo+1)
			s.used = 0
		}
		dst[i] = src[i] ^ s.ks[s.used]
		s.used++
	}
}
