package challenges

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/plfanzen/backend/pkg/types"
	"gopkg.in/yaml.v3"
)

// ManifestFileName is the per-challenge manifest file inside the repo
const ManifestFileName = "challenge.yaml"

// challengesSubdir is where challenge directories live in the checkout
const challengesSubdir = "challenges"

var idPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// manifest is the on-disk YAML schema of a challenge definition
type manifest struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Categories  []string          `yaml:"categories"`
	Difficulty  string            `yaml:"difficulty"`
	Flag        string            `yaml:"flag"`
	Image       string            `yaml:"image"`
	Ports       []manifestPort    `yaml:"ports"`
	Resources   manifestResources `yaml:"resources"`
	Env         map[string]string `yaml:"env"`
}

type manifestPort struct {
	Name     string `yaml:"name"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"`
}

type manifestResources struct {
	CPU    string `yaml:"cpu"`
	Memory string `yaml:"memory"`
}

// ParseManifest parses and validates a single challenge manifest. The
// returned definition carries the sha256 content hash of the raw bytes.
func ParseManifest(data []byte) (*types.ChallengeDefinition, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if !idPattern.MatchString(m.ID) {
		return nil, fmt.Errorf("invalid challenge id %q", m.ID)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("challenge %s: name is required", m.ID)
	}
	if m.Image == "" {
		return nil, fmt.Errorf("challenge %s: image is required", m.ID)
	}
	if m.Flag == "" {
		return nil, fmt.Errorf("challenge %s: flag is required", m.ID)
	}
	if len(m.Ports) == 0 {
		return nil, fmt.Errorf("challenge %s: at least one port is required", m.ID)
	}

	ports := make([]types.PortSpec, 0, len(m.Ports))
	for i, p := range m.Ports {
		if p.Port < 1 || p.Port > 65535 {
			return nil, fmt.Errorf("challenge %s: port %d out of range", m.ID, p.Port)
		}
		proto := strings.ToUpper(p.Protocol)
		if proto == "" {
			proto = "TCP"
		}
		if proto != "TCP" && proto != "UDP" {
			return nil, fmt.Errorf("challenge %s: unsupported protocol %q", m.ID, p.Protocol)
		}
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("port-%d", i)
		}
		ports = append(ports, types.PortSpec{Name: name, Port: p.Port, Protocol: proto})
	}

	sum := sha256.Sum256(data)

	return &types.ChallengeDefinition{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Categories:  m.Categories,
		Difficulty:  m.Difficulty,
		Flag:        m.Flag,
		Image:       m.Image,
		Ports:       ports,
		Resources:   types.ResourceLimits{CPU: m.Resources.CPU, Memory: m.Resources.Memory},
		Env:         m.Env,
		Hash:        hex.EncodeToString(sum[:]),
	}, nil
}

// LoadDir parses every challenge manifest under dir/challenges. A
// malformed manifest is skipped and reported in the returned error
// slice; it never prevents the other challenges from loading.
func LoadDir(dir string) (map[string]*types.ChallengeDefinition, []error) {
	root := filepath.Join(dir, challengesSubdir)

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to read challenge directory %s: %w", root, err)}
	}

	defs := make(map[string]*types.ChallengeDefinition)
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name(), ManifestFileName)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // directory without a manifest, e.g. shared assets
			}
			errs = append(errs, fmt.Errorf("failed to read %s: %w", path, err))
			continue
		}

		def, err := ParseManifest(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("skipping %s: %w", path, err))
			continue
		}
		if _, dup := defs[def.ID]; dup {
			errs = append(errs, fmt.Errorf("skipping %s: duplicate challenge id %s", path, def.ID))
			continue
		}
		defs[def.ID] = def
	}

	return defs, errs
}
