// Package secretregistry guards the HD wallet mnemonic and derived
// signing keys in process memory. Grounded on the ClearBytes zeroing
// pattern in the HD-wallet example this module draws from: secrets are
// zeroed as soon as the caller is done with them rather than left to the
// garbage collector.
package secretregistry

import (
	"runtime"
	"sync"

	"github.com/oxzoid/gatewaycore/pkg/gwerr"
)

// ClearBytes zeros b in place, preventing the compiler from eliminating
// the write as dead code.
func ClearBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// Registry holds the master mnemonic for the lifetime of the process. It
// is populated once at startup from config.Config.HDWalletMnemonic and
// never logged, serialized, or returned by value.
type Registry struct {
	mu       sync.RWMutex
	mnemonic []byte
	sealed   bool
}

// New constructs a Registry holding a private copy of mnemonic. The
// caller's slice is not retained; zero it after calling New if it came
// from an untrusted buffer.
func New(mnemonic string) *Registry {
	b := make([]byte, len(mnemonic))
	copy(b, mnemonic)
	return &Registry{mnemonic: b}
}

// WithMnemonic invokes fn with the guarded mnemonic bytes. The slice
// passed to fn must not be retained past the call. Returns a gwerr
// Internal error if the registry has been sealed.
func (r *Registry) WithMnemonic(fn func(mnemonic []byte) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.sealed {
		return gwerr.New(gwerr.Internal, "SECRET_REGISTRY_SEALED", "mnemonic registry has been sealed")
	}
	return fn(r.mnemonic)
}

// Seal zeros the held mnemonic and marks the registry unusable. Called on
// graceful shutdown.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	ClearBytes(r.mnemonic)
	r.sealed = true
}
