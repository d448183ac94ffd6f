package secretregistry_test

import (
	"testing"

	"github.com/oxzoid/gatewaycore/pkg/secretregistry"
)

func TestClearBytesZeroesInPlace(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	secretregistry.ClearBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("expected byte %d to be zeroed, got %d", i, v)
		}
	}
}

func TestClearBytesHandlesEmptySlice(t *testing.T) {
	secretregistry.ClearBytes(nil)
	secretregistry.ClearBytes([]byte{})
}

func TestWithMnemonicExposesStoredBytes(t *testing.T) {
	reg := secretregistry.New("test mnemonic words")
	var seen string
	err := reg.WithMnemonic(func(mnemonic []byte) error {
		seen = string(mnemonic)
		return nil
	})
	if err != nil {
		t.Fatalf("WithMnemonic: %v", err)
	}
	if seen != "test mnemonic words" {
		t.Fatalf("expected the stored mnemonic back, got %q", seen)
	}
}

func TestSealPreventsFurtherAccess(t *testing.T) {
	reg := secretregistry.New("test mnemonic words")
	reg.Seal()
	err := reg.WithMnemonic(func(mnemonic []byte) error {
		t.Fatal("fn should not be invoked once sealed")
		return nil
	})
	if err == nil {
		t.Fatal("expected an error once the registry is sealed")
	}
}

func TestNewDoesNotRetainCallersSlice(t *testing.T) {
	source := []byte("original mnemonic value")
	reg := secretregistry.New(string(source))
	for i := range source {
		source[i] = 'x'
	}
	var seen string
	if err := reg.WithMnemonic(func(mnemonic []byte) error {
		seen = string(mnemonic)
		return nil
	}); err != nil {
		t.Fatalf("WithMnemonic: %v", err)
	}
	if seen != "original mnemonic value" {
		t.Fatalf("expected the registry's own copy to be unaffected by mutating the source, got %q", seen)
	}
}
