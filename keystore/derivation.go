package keystore

import (
	"crypto/ecdsa"
	"crypto/sha512"
	"fmt"
	"strings"

	"github.com/decred/dcrd/hdkeychain/v3"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

// KeyDeriver produces the relayer key at a given pool index.
type KeyDeriver interface {
	DeriveKey(index uint32) (*ecdsa.PrivateKey, error)
}

// bip32 mainnet xprv/xpub versions. Only used for serialization, which the deriver never does.
type ethNetParams struct{}

func (ethNetParams) HDPrivKeyVersion() [4]byte { return [4]byte{0x04, 0x88, 0xad, 0xe4} }
func (ethNetParams) HDPubKeyVersion() [4]byte  { return [4]byte{0x04, 0x88, 0xb2, 0x1e} }

var _ KeyDeriver = &HDDeriver{}

// HDDeriver derives keys along m/44'/60'/0'/{nodePathIndex}/{index}.
type HDDeriver struct {
	nodePathIndex uint32
	branch        *hdkeychain.ExtendedKey
}

// NewHDDeriver builds a deriver from a 16 to 64 byte seed.
func NewHDDeriver(seed []byte, nodePathIndex uint32) (*HDDeriver, error) {
	master, err := hdkeychain.NewMaster(seed, ethNetParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	branch := master
	for _, i := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart,
		nodePathIndex,
	} {
		branch, err = branch.ChildBIP32Std(i)
		if err != nil {
			return nil, fmt.Errorf("failed to derive branch m/44'/60'/0'/%d: %w", nodePathIndex, err)
		}
	}
	return &HDDeriver{nodePathIndex: nodePathIndex, branch: branch}, nil
}

func (d *HDDeriver) DeriveKey(index uint32) (*ecdsa.PrivateKey, error) {
	child, err := d.branch.ChildBIP32Std(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive %s: %w", d.Path(index), err)
	}
	defer child.Zero()
	raw, err := child.SerializedPrivKey()
	if err != nil {
		return nil, err
	}
	return crypto.ToECDSA(raw)
}

func (d *HDDeriver) Path(index uint32) string {
	return DerivationPath(d.nodePathIndex, index)
}

func DerivationPath(nodePathIndex, index uint32) string {
	return fmt.Sprintf("m/44'/60'/0'/%d/%d", nodePathIndex, index)
}

// SeedFromMnemonic implements the BIP-39 mnemonic to seed step. The mnemonic is not checked
// against a word list.
func SeedFromMnemonic(mnemonic, passphrase string) []byte {
	words := strings.Join(strings.Fields(mnemonic), " ")
	password := norm.NFKD.String(words)
	salt := norm.NFKD.String("mnemonic" + passphrase)
	return pbkdf2.Key([]byte(password), []byte(salt), 2048, 64, sha512.New)
}
