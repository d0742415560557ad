package conf

import (
	"crypto/sha256"
	"fmt"

	"github.com/xtaci/kcp-go/v5"
	"golang.org/x/crypto/pbkdf2"
)

type blockCrypt struct {
	keySize int
	build   func(key []byte) (kcp.BlockCrypt, error)
}

var blockCrypts = map[string]blockCrypt{
	"aes":         {32, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESBlockCrypt(key) }},
	"aes-128":     {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESBlockCrypt(key) }},
	"aes-128-gcm": {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESGCMCrypt(key) }},
	"aes-192":     {24, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESBlockCrypt(key) }},
	"salsa20":     {32, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewSalsa20BlockCrypt(key) }},
	"blowfish":    {32, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewBlowfishBlockCrypt(key) }},
	"twofish":     {32, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewTwofishBlockCrypt(key) }},
	"cast5":       {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewCast5BlockCrypt(key) }},
	"3des":        {24, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewTripleDESBlockCrypt(key) }},
	"tea":         {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewTEABlockCrypt(key) }},
	"xtea":        {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewXTEABlockCrypt(key) }},
	"xor":         {32, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewSimpleXORBlockCrypt(key) }},
	"sm4":         {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewSM4BlockCrypt(key) }},
	"none":        {32, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewNoneBlockCrypt(key) }},
	"null":        {0, func([]byte) (kcp.BlockCrypt, error) { return nil, nil }},
}

// newBlock derives the cipher key from the configured secret with PBKDF2.
func newBlock(name, key string) (kcp.BlockCrypt, error) {
	b, ok := blockCrypts[name]
	if !ok {
		return nil, fmt.Errorf("unsupported KCP block %q", name)
	}
	if b.keySize == 0 {
		return b.build(nil)
	}
	dk := pbkdf2.Key([]byte(key), []byte("fastrelay_kcp"), 100_000, 32, sha256.New)
	return b.build(dk[:b.keySize])
}
