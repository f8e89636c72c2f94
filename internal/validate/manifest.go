package validate

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

//go:embed default_manifest.yaml
var defaultManifest []byte

// Manifest describes what a staged customer build must contain.
type Manifest struct {
	// RequiredFiles are paths relative to the build root; a trailing slash
	// marks a directory.
	RequiredFiles     []string         `yaml:"required_files"`
	SourceDirs        []string         `yaml:"source_dirs"`
	SkipDirs          []string         `yaml:"skip_dirs"`
	BaseImagePackages []string         `yaml:"base_image_packages"`
	ArtifactDir       string           `yaml:"artifact_dir"`
	MinArtifactFiles  int              `yaml:"min_artifact_files"`
	Payload           PayloadLimits    `yaml:"payload"`
	Supervisor        SupervisorSpec   `yaml:"supervisor"`
	Dockerfile        DockerfileSpec   `yaml:"dockerfile"`
	Checks            map[string]*bool `yaml:"checks"`
}

type PayloadLimits struct {
	SoftLimit string `yaml:"soft_limit"`
	HardLimit string `yaml:"hard_limit"`

	soft uint64
	hard uint64
}

type SupervisorSpec struct {
	File     string   `yaml:"file"`
	Programs []string `yaml:"programs"`
	Env      []string `yaml:"env"`
}

type DockerfileSpec struct {
	File       string   `yaml:"file"`
	BaseImage  string   `yaml:"base_image"`
	Ports      []string `yaml:"ports"`
	Entrypoint string   `yaml:"entrypoint"`
}

// DefaultManifest returns the built-in manifest for customer MCP stacks.
func DefaultManifest() (*Manifest, error) {
	return ParseManifest(defaultManifest)
}

// LoadManifest reads a manifest file. An empty path yields the default.
func LoadManifest(path string) (*Manifest, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultManifest()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.normalize(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) normalize() error {
	if m.Supervisor.File == "" {
		m.Supervisor.File = "supervisord.conf"
	}
	if m.Dockerfile.File == "" {
		m.Dockerfile.File = "Dockerfile"
	}
	if m.MinArtifactFiles < 0 {
		return fmt.Errorf("manifest.min_artifact_files must not be negative")
	}
	var err error
	if m.Payload.SoftLimit != "" {
		if m.Payload.soft, err = humanize.ParseBytes(m.Payload.SoftLimit); err != nil {
			return fmt.Errorf("manifest.payload.soft_limit: %w", err)
		}
	}
	if m.Payload.HardLimit != "" {
		if m.Payload.hard, err = humanize.ParseBytes(m.Payload.HardLimit); err != nil {
			return fmt.Errorf("manifest.payload.hard_limit: %w", err)
		}
	}
	if m.Payload.soft > 0 && m.Payload.hard > 0 && m.Payload.soft > m.Payload.hard {
		return fmt.Errorf("manifest.payload.soft_limit exceeds hard_limit")
	}
	return nil
}

// enabled reports whether a check should run; checks run unless disabled.
func (m *Manifest) enabled(name string) bool {
	v, ok := m.Checks[name]
	return !ok || v == nil || *v
}

func (m *Manifest) skipDir(name string) bool {
	for _, s := range m.SkipDirs {
		if s == name {
			return true
		}
	}
	return false
}
