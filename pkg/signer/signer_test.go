package signer

import (
	"errors"
	"testing"
)

type fakeSecrets struct {
	value string
	ok    bool
	err   error
	calls int
}

func (f *fakeSecrets) Get(keyName string) (string, bool, error) {
	f.calls++
	return f.value, f.ok, f.err
}

func TestSignVerifyRoundTrips(t *testing.T) {
	s := New(&fakeSecrets{value: "c2VjcmV0LWtleQ==", ok: true})

	sig, err := s.Sign("abc|3|1700000000")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	ok, err := s.Verify("abc|3|1700000000", sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s := New(&fakeSecrets{value: "c2VjcmV0LWtleQ==", ok: true})

	sig, err := s.Sign("abc|3|1700000000")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	ok, err := s.Verify("abc|3|1700000001", sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected tampered payload to fail verification")
	}
}

func TestCurrentKeyCachesWithinReloadDeadline(t *testing.T) {
	fake := &fakeSecrets{value: "a2V5", ok: true}
	s := New(fake)

	for i := 0; i < 5; i++ {
		if _, err := s.Sign("payload"); err != nil {
			t.Fatalf("Sign: %v", err)
		}
	}

	if fake.calls != 1 {
		t.Fatalf("expected exactly one secrets fetch within the reload deadline, got %d", fake.calls)
	}
}

func TestSignFailsWhenKeyMissing(t *testing.T) {
	s := New(&fakeSecrets{ok: false})
	if _, err := s.Sign("payload"); err == nil {
		t.Fatal("expected an error when the signing key is missing")
	}
}

func TestSignPropagatesSecretsError(t *testing.T) {
	wantErr := errors.New("boom")
	s := New(&fakeSecrets{err: wantErr})
	if _, err := s.Sign("payload"); !errors.Is(err, wantErr) {
		t.Fatalf("expected the secrets error to be propagated, got %v", err)
	}
}
