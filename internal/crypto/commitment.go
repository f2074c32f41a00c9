package crypto

import (
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PredictionCommitment binds a revealed content-key generator to the model
// that published it: keccak256(generator || modelID), packed encoding.
func PredictionCommitment(generator []byte, modelID string) common.Hash {
	return ethcrypto.Keccak256Hash(generator, []byte(modelID))
}

// OwnerKeyCommitment binds an owner-wide generator to the publishing
// account: keccak256(generator || owner), with the 20-byte address.
func OwnerKeyCommitment(generator []byte, owner common.Address) common.Hash {
	return ethcrypto.Keccak256Hash(generator, owner.Bytes())
}
