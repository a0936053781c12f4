// Package keys lets the simulator execute transactions "from" addresses whose
// private keys it does not hold. A registered public key is paired with a
// synthetic key; signature recovery is rewritten so the EVM observes the
// impersonated sender.
package keys

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/airchains-network/evm-simulator/types"
)

// Matcher owns the impersonation maps: impersonated address -> public key,
// impersonated address -> synthetic key, synthetic address -> impersonated
// address. The last one is a lookup relation, not ownership: dropping a
// record must not affect state keyed on either address.
type Matcher struct {
	log *logrus.Logger

	pubkeys   map[common.Address][]byte
	synthetic map[common.Address]*ecdsa.PrivateKey
	owner     map[common.Address]common.Address
}

func NewMatcher(log *logrus.Logger) *Matcher {
	return &Matcher{
		log:       log,
		pubkeys:   make(map[common.Address][]byte),
		synthetic: make(map[common.Address]*ecdsa.PrivateKey),
		owner:     make(map[common.Address]common.Address),
	}
}

// Register stores a public key for impersonation and returns the address it
// controls. Accepts 65-byte uncompressed (0x04-prefixed) or 64-byte raw keys.
func (m *Matcher) Register(pubkey []byte) (common.Address, error) {
	if len(pubkey) == 64 {
		pubkey = append([]byte{0x04}, pubkey...)
	}
	key, err := crypto.UnmarshalPubkey(pubkey)
	if err != nil {
		return common.Address{}, types.InvalidArgumentf("malformed public key: %v", err)
	}
	addr := crypto.PubkeyToAddress(*key)
	m.pubkeys[addr] = crypto.FromECDSAPub(key)
	return addr, nil
}

// IsRegistered reports whether an address has a public key on file.
func (m *Matcher) IsRegistered(addr common.Address) bool {
	_, ok := m.pubkeys[addr]
	return ok
}

// SimulationKey returns the synthetic private key standing in for the given
// address, generating one on first use. The public key must have been
// registered beforehand.
func (m *Matcher) SimulationKey(addr common.Address) (*ecdsa.PrivateKey, error) {
	if _, ok := m.pubkeys[addr]; !ok {
		return nil, fmt.Errorf("%w: no public key registered for %s", types.ErrPrecondition, addr.Hex())
	}
	if key, ok := m.synthetic[addr]; ok {
		return key, nil
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate synthetic key: %v", err)
	}
	synthAddr := crypto.PubkeyToAddress(key.PublicKey)
	m.synthetic[addr] = key
	m.owner[synthAddr] = addr
	m.log.Infof("Issued synthetic key %s for impersonated %s", synthAddr.Hex(), addr.Hex())
	return key, nil
}

// Impersonated translates a recovered address back to the impersonated one,
// if the address belongs to a synthetic pair.
func (m *Matcher) Impersonated(recovered common.Address) (common.Address, bool) {
	addr, ok := m.owner[recovered]
	return addr, ok
}

// RecoverPublicKey performs real ECDSA recovery (chain id 1 v-normalization)
// and substitutes the registered public key when the recovered address maps
// back to an impersonation record. Real signatures pass through unchanged.
func (m *Matcher) RecoverPublicKey(msgHash common.Hash, v, r, s *big.Int) ([]byte, error) {
	recID := new(big.Int).Set(v)
	if recID.Cmp(big.NewInt(35)) >= 0 {
		recID.Sub(recID, big.NewInt(35))
		recID.Mod(recID, big.NewInt(2))
	} else if recID.Cmp(big.NewInt(27)) >= 0 {
		recID.Sub(recID, big.NewInt(27))
	}

	sig := make([]byte, crypto.SignatureLength)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:64])
	sig[64] = byte(recID.Uint64())

	pubkey, err := crypto.Ecrecover(msgHash.Bytes(), sig)
	if err != nil {
		return nil, fmt.Errorf("failed to recover public key: %v", err)
	}
	key, err := crypto.UnmarshalPubkey(pubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recovered key: %v", err)
	}

	recovered := crypto.PubkeyToAddress(*key)
	impersonated, ok := m.owner[recovered]
	if !ok {
		return pubkey, nil
	}
	stored, ok := m.pubkeys[impersonated]
	if !ok {
		return nil, fmt.Errorf("%w: synthetic address %s maps to %s which has no registered key",
			types.ErrInternal, recovered.Hex(), impersonated.Hex())
	}
	return stored, nil
}

// matchingSigner rewrites Sender so transactions signed with a synthetic key
// recover to the impersonated address.
type matchingSigner struct {
	ethtypes.Signer
	matcher *Matcher
}

// WrapSigner wraps a go-ethereum signer with the impersonation translation.
// This is the EVM-facing form of the custom ecrecover hook.
func (m *Matcher) WrapSigner(inner ethtypes.Signer) ethtypes.Signer {
	return &matchingSigner{Signer: inner, matcher: m}
}

func (s *matchingSigner) Sender(tx *ethtypes.Transaction) (common.Address, error) {
	addr, err := s.Signer.Sender(tx)
	if err != nil {
		return common.Address{}, err
	}
	if impersonated, ok := s.matcher.Impersonated(addr); ok {
		return impersonated, nil
	}
	return addr, nil
}

func (s *matchingSigner) Equal(other ethtypes.Signer) bool {
	o, ok := other.(*matchingSigner)
	return ok && o.matcher == s.matcher && s.Signer.Equal(o.Signer)
}
