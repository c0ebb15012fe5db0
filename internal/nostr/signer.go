package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"nostr-relaycore/internal/types"
)

// KeySigner signs events with a local secp256k1 key.
type KeySigner struct {
	privateKey *btcec.PrivateKey
	pubKeyHex  string
}

// NewKeySigner builds a signer from a 64-char hex private key.
func NewKeySigner(privKeyHex string) (*KeySigner, error) {
	keyBytes, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, errors.New("invalid private key length")
	}
	privateKey, publicKey := btcec.PrivKeyFromBytes(keyBytes)
	return &KeySigner{
		privateKey: privateKey,
		// x-only pubkey, drop the 02/03 prefix
		pubKeyHex: hex.EncodeToString(publicKey.SerializeCompressed()[1:]),
	}, nil
}

// PublicKey returns the hex x-only public key.
func (s *KeySigner) PublicKey() string {
	return s.pubKeyHex
}

// Sign fills PubKey, ID and Sig on evt.
func (s *KeySigner) Sign(evt *types.Event) error {
	evt.PubKey = s.pubKeyHex
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	evt.ID = ComputeEventID(evt)

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(s.privateKey, idBytes)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}
