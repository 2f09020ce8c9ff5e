package main

import (
	"fmt"

	"github.com/cagerun/cage/internal/identity"
)

// IdentityCmd mints a fresh runtime signing identity and demonstrates the
// attestation round trip exception_handler relies on (§4.4): sign a crash
// record, then verify it against the public key, the same sign/verify
// split the teacher's Boxer uses for its SSH host key.
type IdentityCmd struct{}

func (cmd *IdentityCmd) Run(ctx *Context) error {
	key, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	authKey, err := key.AuthorizedKey()
	if err != nil {
		return fmt.Errorf("render authorized key: %w", err)
	}
	fmt.Printf("public key: %s", authKey)

	rec := key.Attest(1, 0, -14)
	ok := identity.Verify(key.Public, rec)
	fmt.Printf("attested crash record for cage %d thread %d fault %d: verified=%v\n",
		rec.CageID, rec.ThreadNum, rec.FaultSig, ok)
	return nil
}
