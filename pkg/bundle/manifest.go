package bundle

import (
	"fmt"

	"github.com/cuemby/conductor/pkg/ribosome"
)

// ZomeManifest declares one bytecode module in a DNA manifest.
type ZomeManifest struct {
	Name         string   `yaml:"name" msgpack:"name"`
	Location     Location `yaml:"location" msgpack:"location"`
	Dependencies []string `yaml:"dependencies,omitempty" msgpack:"dependencies,omitempty"`
}

// IntegrityManifest is the hash-relevant half of a DNA manifest.
type IntegrityManifest struct {
	NetworkSeed string         `yaml:"network_seed" msgpack:"network_seed"`
	Properties  []byte         `yaml:"properties,omitempty" msgpack:"properties,omitempty"`
	Zomes       []ZomeManifest `yaml:"zomes" msgpack:"zomes"`
}

// CoordinatorManifest is the swappable half.
type CoordinatorManifest struct {
	Zomes []ZomeManifest `yaml:"zomes" msgpack:"zomes"`
}

// DnaManifest is the manifest shape of a DNA bundle.
type DnaManifest struct {
	Name        string              `yaml:"name" msgpack:"name"`
	Integrity   IntegrityManifest   `yaml:"integrity" msgpack:"integrity"`
	Coordinator CoordinatorManifest `yaml:"coordinator" msgpack:"coordinator"`
}

// ProvisioningStrategy controls how an app role obtains its cell.
type ProvisioningStrategy string

const (
	ProvisioningCreate            ProvisioningStrategy = "create"
	ProvisioningCreateClone       ProvisioningStrategy = "create_clone"
	ProvisioningUseExisting       ProvisioningStrategy = "use_existing"
	ProvisioningCreateIfNotExists ProvisioningStrategy = "create_if_not_exists"
	ProvisioningDisabled          ProvisioningStrategy = "disabled"
)

// ModifiersOverride optionally overrides DNA modifiers per role.
type ModifiersOverride struct {
	NetworkSeed *string `yaml:"network_seed,omitempty" msgpack:"network_seed,omitempty"`
	Properties  []byte  `yaml:"properties,omitempty" msgpack:"properties,omitempty"`
}

// RoleManifest binds a named role to a DNA with a provisioning strategy.
type RoleManifest struct {
	Name         string               `yaml:"name" msgpack:"name"`
	Provisioning ProvisioningStrategy `yaml:"provisioning" msgpack:"provisioning"`
	Dna          Location             `yaml:"dna" msgpack:"dna"`
	Modifiers    *ModifiersOverride   `yaml:"modifiers,omitempty" msgpack:"modifiers,omitempty"`
	CloneLimit   uint32               `yaml:"clone_limit,omitempty" msgpack:"clone_limit,omitempty"`
}

// AppManifest is the manifest shape of an app bundle.
type AppManifest struct {
	Name        string         `yaml:"name" msgpack:"name"`
	Description string         `yaml:"description,omitempty" msgpack:"description,omitempty"`
	Roles       []RoleManifest `yaml:"roles" msgpack:"roles"`
}

// WebAppManifest pairs a UI bundle with an app bundle.
type WebAppManifest struct {
	Name      string   `yaml:"name" msgpack:"name"`
	UI        Location `yaml:"ui" msgpack:"ui"`
	AppBundle Location `yaml:"app_bundle" msgpack:"app_bundle"`
}

// BuildDnaDef resolves a DNA bundle into a runnable definition: bytecode
// loaded, wasm hashes computed.
func BuildDnaDef(b *Bundle, baseDir string) (*ribosome.DnaDef, error) {
	var manifest DnaManifest
	if err := b.DecodeManifest(&manifest); err != nil {
		return nil, err
	}
	if manifest.Name == "" {
		return nil, fmt.Errorf("dna manifest has no name")
	}

	loadZomes := func(kind ribosome.ZomeKind, zomes []ZomeManifest) ([]ribosome.ZomeDef, error) {
		var out []ribosome.ZomeDef
		for _, z := range zomes {
			bytecode, err := b.Resolve(z.Location, baseDir)
			if err != nil {
				return nil, fmt.Errorf("zome %s: %w", z.Name, err)
			}
			out = append(out, ribosome.ZomeDef{
				Name:         z.Name,
				Kind:         kind,
				Bytecode:     bytecode,
				WasmHash:     ribosome.HashBytecode(bytecode),
				Dependencies: z.Dependencies,
			})
		}
		return out, nil
	}

	integrity, err := loadZomes(ribosome.ZomeIntegrity, manifest.Integrity.Zomes)
	if err != nil {
		return nil, err
	}
	coordinator, err := loadZomes(ribosome.ZomeCoordinator, manifest.Coordinator.Zomes)
	if err != nil {
		return nil, err
	}
	return &ribosome.DnaDef{
		Name: manifest.Name,
		Modifiers: ribosome.Modifiers{
			NetworkSeed: manifest.Integrity.NetworkSeed,
			Properties:  manifest.Integrity.Properties,
		},
		IntegrityZomes:   integrity,
		CoordinatorZomes: coordinator,
	}, nil
}

// ApplyOverride returns a copy of the DNA definition with role-level
// modifier overrides applied. Changing modifiers changes the DNA hash and
// so forks the role onto its own network.
func ApplyOverride(dna *ribosome.DnaDef, override *ModifiersOverride) *ribosome.DnaDef {
	if override == nil {
		return dna
	}
	out := *dna
	if override.NetworkSeed != nil {
		out.Modifiers.NetworkSeed = *override.NetworkSeed
	}
	if override.Properties != nil {
		out.Modifiers.Properties = override.Properties
	}
	return &out
}
