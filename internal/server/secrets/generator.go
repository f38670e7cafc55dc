package secrets

import (
	"github.com/diracgrid/pilotauth/internal/common"
)

// SecretBytes is the entropy of a generated pilot secret.
const SecretBytes = 32

// Generator creates fresh plaintext secrets.
type Generator interface {
	GenerateSecret() (string, error)
}

// RandomGenerator draws SecretBytes from crypto/rand and hex encodes them.
type RandomGenerator struct{}

func (RandomGenerator) GenerateSecret() (string, error) {
	return common.MakeRandHexString(SecretBytes)
}
