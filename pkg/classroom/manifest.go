package classroom

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// Manifest describes a classroom setup on disk.
type Manifest struct {
	Class     string             `yaml:"class"`
	Student   string             `yaml:"student"`
	Voice     string             `yaml:"voice"`
	Location  *ManifestLocation  `yaml:"location"`
	Documents []ManifestDocument `yaml:"documents"`
}

type ManifestLocation struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// ManifestDocument carries either inline content or a path relative to the
// manifest file.
type ManifestDocument struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
}

// LoadManifest reads and validates a YAML manifest and resolves its
// documents.
func LoadManifest(path string) (Manifest, []Document, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return Manifest{}, nil, fmt.Errorf("manifest path is required")
	}
	content, err := os.ReadFile(trimmed)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("read class manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(content, &m); err != nil {
		return Manifest{}, nil, fmt.Errorf("parse class manifest: %w", err)
	}
	m.Class = strings.TrimSpace(m.Class)
	m.Student = strings.TrimSpace(m.Student)
	if m.Voice != "" {
		voice, ok := ValidVoice(m.Voice)
		if !ok {
			return Manifest{}, nil, fmt.Errorf("class manifest: unknown voice %q", m.Voice)
		}
		m.Voice = voice
	}

	base := filepath.Dir(trimmed)
	docs := make([]Document, 0, len(m.Documents))
	for i, md := range m.Documents {
		doc, err := md.resolve(base)
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("class manifest documents[%d]: %w", i, err)
		}
		docs = append(docs, doc)
	}
	return m, docs, nil
}

func (md ManifestDocument) resolve(base string) (Document, error) {
	name := strings.TrimSpace(md.Name)
	body := md.Content
	if md.Path != "" {
		p := md.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return Document{}, fmt.Errorf("read document: %w", err)
		}
		body = string(b)
		if name == "" {
			name = filepath.Base(p)
		}
	}
	return NewDocument(name, body)
}
