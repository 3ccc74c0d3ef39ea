package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HeaderSchemaVersion tracks the schema version for replay header documents.
const HeaderSchemaVersion = 1

// SceneParameters captures the numeric knobs a session was started with.
type SceneParameters map[string]float64

// Clone returns a copy of the parameter map.
func (p SceneParameters) Clone() SceneParameters {
	if len(p) == 0 {
		return nil
	}
	clone := make(SceneParameters, len(p))
	for key, value := range p {
		clone[key] = value
	}
	return clone
}

// Header is the metadata persisted alongside a recorded session. Seed and
// Params are enough to rebuild the cloth and scene deterministically.
type Header struct {
	SchemaVersion int             `json:"schema_version"`
	Seed          uint64          `json:"seed"`
	Scene         string          `json:"scene,omitempty"`
	Params        SceneParameters `json:"params,omitempty"`
	FilePointer   string          `json:"file_pointer"`
}

// Validate ensures the header can be used to locate and rebuild the session.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if h.SchemaVersion > HeaderSchemaVersion {
		return fmt.Errorf("schema_version %d is newer than supported %d", h.SchemaVersion, HeaderSchemaVersion)
	}
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	return nil
}

// WriteHeader persists the supplied header to path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	//1.- Create nested directories so tooling can point anywhere.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

// ReadHeader loads and validates a header from disk.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, fmt.Errorf("decode header %s: %w", path, err)
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}
