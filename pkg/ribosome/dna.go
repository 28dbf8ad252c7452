package ribosome

import (
	"fmt"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/vmihailenco/msgpack/v5"
)

// ZomeKind separates deterministic integrity zomes from coordinator zomes.
type ZomeKind string

const (
	ZomeIntegrity   ZomeKind = "integrity"
	ZomeCoordinator ZomeKind = "coordinator"
)

// ZomeDef is one bytecode module declared by a DNA.
type ZomeDef struct {
	Name     string   `msgpack:"name"`
	Kind     ZomeKind `msgpack:"kind"`
	Bytecode []byte   `msgpack:"-"`
	// WasmHash keys the module cache; it is the hash of the raw bytecode.
	WasmHash hash.Hash `msgpack:"wasm_hash"`
	// Dependencies names the integrity zomes a coordinator binds to.
	Dependencies []string `msgpack:"dependencies,omitempty"`
}

// Modifiers are the DNA properties that change its hash and so fork the
// network.
type Modifiers struct {
	NetworkSeed string `msgpack:"network_seed"`
	Properties  []byte `msgpack:"properties,omitempty"`
}

// DnaDef is the full definition of a network's rules: integrity zomes fix
// the DNA hash, coordinator zomes are swappable without forking.
type DnaDef struct {
	Name             string    `msgpack:"name"`
	Modifiers        Modifiers `msgpack:"modifiers"`
	IntegrityZomes   []ZomeDef `msgpack:"integrity_zomes"`
	CoordinatorZomes []ZomeDef `msgpack:"coordinator_zomes"`
}

// dnaHashForm is what the DNA hash covers: everything that affects
// validation outcomes, and nothing that doesn't.
type dnaHashForm struct {
	Name           string    `msgpack:"name"`
	Modifiers      Modifiers `msgpack:"modifiers"`
	IntegrityZomes []ZomeDef `msgpack:"integrity_zomes"`
}

// Hash computes the DNA hash over the integrity portion only.
func (d *DnaDef) Hash() (hash.Hash, error) {
	data, err := msgpack.Marshal(dnaHashForm{
		Name: d.Name, Modifiers: d.Modifiers, IntegrityZomes: d.IntegrityZomes,
	})
	if err != nil {
		return hash.Hash{}, fmt.Errorf("failed to serialize dna for hashing: %w", err)
	}
	return hash.New(hash.KindDna, data), nil
}

// Zome finds a zome by name across both kinds.
func (d *DnaDef) Zome(name string) (*ZomeDef, error) {
	for i := range d.IntegrityZomes {
		if d.IntegrityZomes[i].Name == name {
			return &d.IntegrityZomes[i], nil
		}
	}
	for i := range d.CoordinatorZomes {
		if d.CoordinatorZomes[i].Name == name {
			return &d.CoordinatorZomes[i], nil
		}
	}
	return nil, fmt.Errorf("dna %s has no zome %q", d.Name, name)
}

// IntegrityZome returns the integrity zome at the given index; link ops
// carry this index to select their validator.
func (d *DnaDef) IntegrityZome(index uint8) (*ZomeDef, error) {
	if int(index) >= len(d.IntegrityZomes) {
		return nil, fmt.Errorf("dna %s has no integrity zome at index %d", d.Name, index)
	}
	return &d.IntegrityZomes[index], nil
}
