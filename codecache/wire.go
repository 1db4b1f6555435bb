// Package codecache persists installed compiled methods so that a later run
// can install them without compiling. Snapshots are CBOR encoded and kept in
// a SQLite database.
package codecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/emtee40/phoneJ2ME-cldc/vm"
	"github.com/fxamacker/cbor/v2"
)

// Snapshot is the persisted form of one compiled method.
type Snapshot struct {
	Key            string `cbor:"1,keyasint"`
	CompilationID  string `cbor:"2,keyasint"`
	Backend        string `cbor:"3,keyasint"`
	Flags          uint8  `cbor:"4,keyasint"`
	CodeSize       int    `cbor:"5,keyasint"`
	RelocationSize int    `cbor:"6,keyasint"`
	Code           []byte `cbor:"7,keyasint"`
	Metadata       []byte `cbor:"8,keyasint,omitempty"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codecache: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Key identifies the code of m produced by backend. Any change to the frame
// layout or the method contents changes the key.
func Key(m *vm.Method, backend string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d/%d|", m.NumArgs, m.NumTemps)
	h.Write(m.Bytecode)
	for _, lit := range m.Literals {
		fmt.Fprintf(h, "|%s", lit)
	}
	return fmt.Sprintf("%s@%s:%s", m, backend, hex.EncodeToString(h.Sum(nil)[:8]))
}

// NewSnapshot captures cm under key.
func NewSnapshot(key, compilationID, backend string, cm *vm.CompiledMethod) *Snapshot {
	img := cm.Image()
	return &Snapshot{
		Key:            key,
		CompilationID:  compilationID,
		Backend:        backend,
		Flags:          uint8(img.Flags),
		CodeSize:       len(img.Code),
		RelocationSize: img.RelocationSize,
		Code:           img.Code,
		Metadata:       img.Metadata,
	}
}

// Image returns the code image held by s.
func (s *Snapshot) Image() (vm.CodeImage, error) {
	if s.CodeSize != len(s.Code) {
		return vm.CodeImage{}, fmt.Errorf("codecache: %s: code size %d, have %d bytes", s.Key, s.CodeSize, len(s.Code))
	}
	return vm.CodeImage{
		Flags:          vm.CompiledMethodFlags(s.Flags),
		Code:           s.Code,
		Metadata:       s.Metadata,
		RelocationSize: s.RelocationSize,
	}, nil
}

// MarshalSnapshot serializes a Snapshot to CBOR bytes.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a Snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("codecache: unmarshal snapshot: %w", err)
	}
	return &s, nil
}
