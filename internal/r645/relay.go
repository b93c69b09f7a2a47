package r645

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/olivenet-iot/meter-gateway/internal/bcd"
)

// relayKeyIterations is the PBKDF2 work factor for deriving a relay AES key
// from an operator-supplied passphrase. Operators configure a passphrase,
// not a raw key, since the meter firmware's AES-128 key never leaves this
// derivation in practice.
const relayKeyIterations = 100000

// DeriveRelayKey derives the 16-byte AES-128 key BuildRelayAuthenticated
// needs from a passphrase and a per-installation salt, using PBKDF2-HMAC-SHA256.
func DeriveRelayKey(passphrase, salt []byte) [16]byte {
	derived := pbkdf2.Key(passphrase, salt, relayKeyIterations, 16, sha256.New)
	var key [16]byte
	copy(key[:], derived)
	return key
}

// ecbEncrypter wraps a block cipher in electronic-codebook mode. The
// standard library does not provide cipher.NewECBEncrypter (ECB leaks block
// boundary patterns and is deliberately absent); the target meter firmware's
// authenticated relay transaction requires exactly this mode, composed here
// the way golang.org/x/crypto's own block-mode wrappers are constructed
// around a cipher.Block.
type ecbEncrypter struct {
	block cipher.Block
}

func newECBEncrypter(block cipher.Block) cipher.BlockMode {
	return &ecbEncrypter{block: block}
}

func (x *ecbEncrypter) BlockSize() int { return x.block.BlockSize() }

func (x *ecbEncrypter) CryptBlocks(dst, src []byte) {
	if len(src)%x.block.BlockSize() != 0 {
		panic("r645: ecbEncrypter input not a multiple of the block size")
	}
	if len(dst) < len(src) {
		panic("r645: ecbEncrypter output smaller than input")
	}
	bs := x.block.BlockSize()
	for len(src) > 0 {
		x.block.Encrypt(dst, src[:bs])
		src = src[bs:]
		dst = dst[bs:]
	}
}

// BuildRelayAuthenticated constructs the authenticated relay trip/close
// frame. It assembles a 16-byte plaintext block (BCD timestamp, operator,
// password, command byte, zero padding), encrypts it with AES-128 in ECB
// mode with no additional padding, and appends the ciphertext after the
// relay data identifier.
func BuildRelayAuthenticated(address string, trip bool, key [16]byte, operator byte, password []byte, timestamp time.Time) ([]byte, error) {
	plaintext, err := relayPlaintextBlock(trip, operator, password, timestamp)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("r645: aes cipher: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	newECBEncrypter(block).CryptBlocks(ciphertext, plaintext)

	raw := append(diRawBytes(relayDI), ciphertext...)
	return buildFrame(address, OpRelayAuthenticated, raw)
}

// relayDI is the data identifier the authenticated relay command targets.
const relayDI uint32 = 0x04000401

// relayPlaintextBlock assembles the 16-byte plaintext the meter firmware
// expects before AES-ECB encryption: 6 bytes of BCD timestamp (seconds
// through year-of-century), 1 operator byte, up to 6 password bytes, 1
// command byte, zero-padded to 16 bytes.
func relayPlaintextBlock(trip bool, operator byte, password []byte, timestamp time.Time) ([]byte, error) {
	if len(password) > 6 {
		return nil, fmt.Errorf("r645: relay password longer than 6 bytes")
	}

	block := make([]byte, 16)
	fields := []int{timestamp.Second(), timestamp.Minute(), timestamp.Hour(), timestamp.Day(), int(timestamp.Month()), timestamp.Year() % 100}
	for i, v := range fields {
		b, err := bcd.Pack(uint8(v/10), uint8(v%10))
		if err != nil {
			return nil, fmt.Errorf("r645: encode relay timestamp: %w", err)
		}
		block[i] = b
	}
	block[6] = operator
	copy(block[7:13], password)
	block[13] = relayCommandByte(trip)
	// block[14:16] left as zero padding.
	return block, nil
}
