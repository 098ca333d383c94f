package testutils

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/DERACHAIN/bundler/keystore"
)

// CreateKey generates a secp256k1 key from rand.
func CreateKey(rand io.Reader) *ecdsa.PrivateKey {
	randBytes := make([]byte, 64)
	_, err := rand.Read(randBytes)
	if err != nil {
		panic("key generation: could not read from random source: " + err.Error())
	}
	reader := bytes.NewReader(randBytes)
	privateKeyECDSA, err := ecdsa.GenerateKey(crypto.S256(), reader)
	if err != nil {
		panic("key generation: ecdsa.GenerateKey failed: " + err.Error())
	}
	return privateKeyECDSA
}

// NewAccount stores key in a fresh keystore and returns its signing handle.
func NewAccount(key *ecdsa.PrivateKey) *keystore.Account {
	ks := keystore.New()
	acc, err := ks.Account(ks.Add(key))
	if err != nil {
		panic(err)
	}
	return acc
}

var _ keystore.KeyDeriver = &StaticDeriver{}

// StaticDeriver hands out pre-generated keys by index.
type StaticDeriver struct {
	Keys []*ecdsa.PrivateKey
}

func NewStaticDeriver(rand io.Reader, n int) *StaticDeriver {
	d := &StaticDeriver{}
	for i := 0; i < n; i++ {
		d.Keys = append(d.Keys, CreateKey(rand))
	}
	return d
}

func (d *StaticDeriver) DeriveKey(index uint32) (*ecdsa.PrivateKey, error) {
	if int(index) >= len(d.Keys) {
		return nil, fmt.Errorf("no key at index %d", index)
	}
	return d.Keys[index], nil
}
