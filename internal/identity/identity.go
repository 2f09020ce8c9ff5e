// Package identity mints and signs with the runtime's own ed25519 keypair,
// the same pattern the teacher's Boxer uses for its SSH host key
// (crypto/ed25519 + golang.org/x/crypto/ssh + PEM encoding). The runtime
// uses it to sign the crash/exception attestation record handed to the
// debug stub collaborator when a cage has exception handling enabled
// (§4.4 exception_handler; SPEC_FULL.md "exception_handler attestation
// record").
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Key is the runtime's signing identity.
type Key struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// Generate mints a fresh ed25519 keypair.
func Generate() (*Key, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Key{Public: pub, private: priv}, nil
}

// Sign produces a raw ed25519 signature over msg.
func (k *Key) Sign(msg []byte) []byte {
	return ed25519.Sign(k.private, msg)
}

// PrivatePEM encodes the private key for at-rest storage, mirroring the
// teacher's encodePrivateKeyToPEM.
func (k *Key) PrivatePEM() ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(k.private, "cage runtime identity")
	if err != nil {
		return nil, fmt.Errorf("identity: marshal private key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

// AuthorizedKey renders the public key in OpenSSH authorized_keys form.
func (k *Key) AuthorizedKey() ([]byte, error) {
	pub, err := ssh.NewPublicKey(k.Public)
	if err != nil {
		return nil, fmt.Errorf("identity: convert public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(pub), nil
}

// CrashRecord is the small attestation payload §4.4's exception_handler
// path signs before notifying the debug stub.
type CrashRecord struct {
	CageID     int64
	ThreadNum  int32
	FaultSig   int32
	Signature  []byte `json:"-"`
}

// Attest signs a CrashRecord's fields in a fixed, simple wire order so the
// debug stub (or a test) can verify it without a serialization library.
func (k *Key) Attest(cageID int64, threadNum, faultSig int32) CrashRecord {
	msg := fmt.Sprintf("%d:%d:%d", cageID, threadNum, faultSig)
	return CrashRecord{
		CageID:    cageID,
		ThreadNum: threadNum,
		FaultSig:  faultSig,
		Signature: k.Sign([]byte(msg)),
	}
}

// Verify checks a CrashRecord's signature against pub.
func Verify(pub ed25519.PublicKey, rec CrashRecord) bool {
	msg := fmt.Sprintf("%d:%d:%d", rec.CageID, rec.ThreadNum, rec.FaultSig)
	return ed25519.Verify(pub, []byte(msg), rec.Signature)
}
