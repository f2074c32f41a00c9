package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer signs API requests with a participant's secp256k1 key so the
// server can recover the calling account.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the account the signer acts for.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignRequest returns the hex signature (r || s || v, v in {27,28}) over
// the request digest.
func (s *Signer) SignRequest(method, path string, timestamp int64, body []byte) (string, error) {
	sig, err := ethcrypto.Sign(RequestDigest(method, path, timestamp, body), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RequestMessage is the text a participant signs for one API request.
func RequestMessage(method, path string, timestamp int64, body []byte) []byte {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(ethcrypto.Keccak256Hash(body).Hex())
	return []byte(b.String())
}

// RequestDigest is the EIP-191 personal-message hash of RequestMessage.
func RequestDigest(method, path string, timestamp int64, body []byte) []byte {
	return accounts.TextHash(RequestMessage(method, path, timestamp, body))
}

// RecoverRequestSigner returns the account that produced sigHex over the
// request.
func RecoverRequestSigner(method, path string, timestamp int64, body []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: signature hex: %w", err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("crypto/signer: signature is %d bytes, want %d", len(sig), ethcrypto.SignatureLength)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(RequestDigest(method, path, timestamp, body), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
