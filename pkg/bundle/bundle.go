package bundle

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// Location names where a resource lives: inline in the bundle, relative on
// disk, or remote. Exactly one field is set.
type Location struct {
	// Bundled is a key into the bundle's resource map.
	Bundled string `yaml:"bundled,omitempty" msgpack:"bundled,omitempty"`
	// Path is relative to the manifest file.
	Path string `yaml:"path,omitempty" msgpack:"path,omitempty"`
	// URL fetches over HTTP(S).
	URL string `yaml:"url,omitempty" msgpack:"url,omitempty"`
}

// Bundle is the recursive (manifest, resources) container. The manifest is
// kept raw; callers decode it into the shape they expect.
type Bundle struct {
	Manifest  []byte            `msgpack:"manifest"`
	Resources map[string][]byte `msgpack:"resources"`
}

// Pack serializes a bundle.
func (b *Bundle) Pack() ([]byte, error) {
	data, err := msgpack.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to pack bundle: %w", err)
	}
	return data, nil
}

// Unpack reverses Pack.
func Unpack(data []byte) (*Bundle, error) {
	var b Bundle
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unpack bundle: %w", err)
	}
	return &b, nil
}

// DecodeManifest parses the bundle's YAML manifest into v.
func (b *Bundle) DecodeManifest(v interface{}) error {
	if err := yaml.Unmarshal(b.Manifest, v); err != nil {
		return fmt.Errorf("failed to decode manifest: %w", err)
	}
	return nil
}

// New builds a bundle from a manifest value and resources.
func New(manifest interface{}, resources map[string][]byte) (*Bundle, error) {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return &Bundle{Manifest: data, Resources: resources}, nil
}

// Resolve fetches a resource by location. baseDir anchors relative paths.
func (b *Bundle) Resolve(loc Location, baseDir string) ([]byte, error) {
	switch {
	case loc.Bundled != "":
		data, ok := b.Resources[loc.Bundled]
		if !ok {
			return nil, fmt.Errorf("bundle has no resource %q", loc.Bundled)
		}
		return data, nil
	case loc.Path != "":
		data, err := os.ReadFile(filepath.Join(baseDir, loc.Path))
		if err != nil {
			return nil, fmt.Errorf("failed to read resource %s: %w", loc.Path, err)
		}
		return data, nil
	case loc.URL != "":
		resp, err := http.Get(loc.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch resource %s: %w", loc.URL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to fetch resource %s: status %d", loc.URL, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	default:
		return nil, fmt.Errorf("location names no source")
	}
}

// LoadFile reads and unpacks a bundle file.
func LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle file: %w", err)
	}
	return Unpack(data)
}
