package parity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// ComponentSpec names one component of a manifest and where to read it.
// Exactly one of Path, URL and Data is set.
type ComponentSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Path string `yaml:"path,omitempty"`
	URL  string `yaml:"url,omitempty"`
	Data any    `yaml:"data,omitempty"`
}

// Manifest lists the components of one system's snapshot.
type Manifest struct {
	System     string          `yaml:"system"`
	Components []ComponentSpec `yaml:"components"`

	dir string
}

// ErrInvalidManifest is returned for manifests that cannot be pulled.
var ErrInvalidManifest = errors.New("invalid manifest")

// LoadManifest reads a YAML manifest. Relative component paths resolve
// against the manifest's directory.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// ParseManifest parses and validates manifest YAML.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	seen := make(map[string]bool, len(m.Components))
	for i, c := range m.Components {
		if c.Name == "" {
			return Manifest{}, fmt.Errorf("%w: component %d has no name", ErrInvalidManifest, i)
		}
		if seen[c.Name] {
			return Manifest{}, fmt.Errorf("%w: duplicate component %s", ErrInvalidManifest, c.Name)
		}
		seen[c.Name] = true
		sources := 0
		for _, set := range []bool{c.Path != "", c.URL != "", c.Data != nil} {
			if set {
				sources++
			}
		}
		if sources != 1 {
			return Manifest{}, fmt.Errorf("%w: component %s needs exactly one of path, url, data", ErrInvalidManifest, c.Name)
		}
		if c.Type == "" {
			m.Components[i].Type = c.Name
		}
	}
	return m, nil
}

// Component is a pulled component's raw JSON.
type Component struct {
	Name string
	Type string
	Raw  []byte
}

// Puller reads manifest components from files, HTTP endpoints and inline data.
type Puller struct {
	Client *http.Client
	// Token, when set, is sent as a bearer token to URL sources.
	Token string
	// Concurrency bounds in-flight pulls. Zero means 4.
	Concurrency int
}

// NewPuller creates a puller with a bounded HTTP timeout.
func NewPuller() *Puller {
	return &Puller{Client: &http.Client{Timeout: 30 * time.Second}, Concurrency: 4}
}

// Pull reads every component of m concurrently. The first failure cancels
// the rest and is returned.
func (p *Puller) Pull(ctx context.Context, m Manifest) (map[string]Component, error) {
	out := make([]Component, len(m.Components))
	g, ctx := errgroup.WithContext(ctx)
	limit := p.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for i, cs := range m.Components {
		g.Go(func() error {
			raw, err := p.read(ctx, m.dir, cs)
			if err != nil {
				return fmt.Errorf("pull %s/%s: %w", m.System, cs.Name, err)
			}
			if !json.Valid(raw) {
				return fmt.Errorf("pull %s/%s: component is not valid JSON", m.System, cs.Name)
			}
			out[i] = Component{Name: cs.Name, Type: cs.Type, Raw: raw}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byName := make(map[string]Component, len(out))
	for _, c := range out {
		byName[c.Name] = c
	}
	return byName, nil
}

func (p *Puller) read(ctx context.Context, dir string, cs ComponentSpec) ([]byte, error) {
	switch {
	case cs.Data != nil:
		if s, ok := cs.Data.(string); ok {
			return []byte(s), nil
		}
		return json.Marshal(cs.Data)
	case cs.Path != "":
		path := cs.Path
		if !filepath.IsAbs(path) && dir != "" {
			path = filepath.Join(dir, path)
		}
		return os.ReadFile(path)
	default:
		return p.fetch(ctx, cs.URL)
	}
}

func (p *Puller) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}
