// Package cas stores compiled module images by content and keeps a cache
// of decoded programs, so runtimes loading the same image share one
// immutable vm.Program.
package cas

import (
	"bytes"
	"fmt"

	"github.com/dgryski/go-farm"

	"github.com/gear-lang/gear/vm"
)

type CAS interface {
	Put(data []byte) (Hash, error)
	Has(hash Hash) bool
	Get(hash Hash) ([]byte, bool, error)
}

type Hash uint64

func (h Hash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// Fingerprint is the identity of a module image.
func Fingerprint(data []byte) Hash {
	return Hash(farm.Fingerprint64(data))
}

// StoreProgram encodes p and stores the image.
func StoreProgram(c CAS, p *vm.Program) (Hash, error) {
	var buf bytes.Buffer
	if err := vm.EncodeProgram(&buf, p); err != nil {
		return 0, err
	}
	return c.Put(buf.Bytes())
}

// Retrieve decodes the image stored under hash.
func Retrieve(c CAS, hash Hash) (*vm.Program, error) {
	data, ok, err := c.Get(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("hash not found in CAS: %s", hash)
	}
	return vm.UnmarshalProgram(data)
}
