package identity

import "testing"

func TestAttestAndVerify(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	rec := key.Attest(42, 3, 11)
	if !Verify(key.Public, rec) {
		t.Fatal("Verify rejected a record signed by the matching key")
	}
	rec.FaultSig = 12
	if Verify(key.Public, rec) {
		t.Fatal("Verify accepted a tampered record")
	}
}

func TestPrivatePEMRoundTrips(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	pemBytes, err := key.PrivatePEM()
	if err != nil {
		t.Fatal(err)
	}
	if len(pemBytes) == 0 {
		t.Fatal("empty PEM output")
	}
	authKey, err := key.AuthorizedKey()
	if err != nil {
		t.Fatal(err)
	}
	if len(authKey) == 0 {
		t.Fatal("empty authorized_keys output")
	}
}
