package instance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Meta holds instance configuration captured at provisioning time.
// The backend variant is immutable after creation: switching requires an
// explicit destroy and re-create, never a live migration.
type Meta struct {
	WardenVersion string    `json:"warden_version"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`

	Backend  string `json:"backend"` // "none", "nested", "vm", "microvm"
	ImageRef string `json:"image_ref,omitempty"`

	// SourceDir is an optional host directory whose contents are mirrored
	// into code/ on every sync. Empty means the operator edits code/
	// directly.
	SourceDir string `json:"source_dir,omitempty"`

	GatewayPort    int `json:"gateway_port"`
	ControllerPort int `json:"controller_port"`
}

// SaveMeta writes meta.json to the given directory path.
func SaveMeta(dir string, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta.json: %w", err)
	}

	path := filepath.Join(dir, "meta.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write meta.json: %w", err)
	}

	return nil
}

// LoadMeta reads meta.json from the given directory path.
func LoadMeta(dir string) (*Meta, error) {
	path := filepath.Join(dir, "meta.json")

	data, err := os.ReadFile(path) //nolint:gosec // path is constructed from instance dir, not user input
	if err != nil {
		return nil, fmt.Errorf("read meta.json: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse meta.json: %w", err)
	}

	return &meta, nil
}
