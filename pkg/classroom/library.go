package classroom

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

const noContext = "No specific class context provided."

var ErrUnsupportedDocument = errors.New("only .txt, .csv and .md documents are supported")

var documentTypes = map[string]string{
	".txt": "text/plain",
	".csv": "text/csv",
	".md":  "text/markdown",
}

// Document is class material included in the persona prompt.
type Document struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Size    string `json:"size"`
	Content string `json:"content"`
}

// NewDocument validates name by extension and fills in type and size.
func NewDocument(name, content string) (Document, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Document{}, fmt.Errorf("document name is required")
	}
	typ, ok := documentTypes[strings.ToLower(filepath.Ext(name))]
	if !ok {
		return Document{}, fmt.Errorf("%s: %w", name, ErrUnsupportedDocument)
	}
	return Document{
		Name:    name,
		Type:    typ,
		Size:    fmt.Sprintf("%.1f KB", float64(len(content))/1024),
		Content: content,
	}, nil
}

// Library is the set of documents shared with Shellie. Safe for concurrent use.
type Library struct {
	mu   sync.RWMutex
	docs []Document
}

func NewLibrary(docs ...Document) *Library {
	l := &Library{}
	for _, d := range docs {
		l.Add(d)
	}
	return l
}

// Add appends d, replacing any document with the same name.
func (l *Library) Add(d Document) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.index(d.Name); i >= 0 {
		l.docs[i] = d
		return
	}
	l.docs = append(l.docs, d)
}

// Remove deletes the named document and reports whether it existed.
func (l *Library) Remove(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.index(name)
	if i < 0 {
		return false
	}
	l.docs = slices.Delete(l.docs, i, i+1)
	return true
}

func (l *Library) List() []Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.docs)
}

func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.docs)
}

// Context renders the documents for the persona prompt.
func (l *Library) Context() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.docs) == 0 {
		return noContext
	}
	var b strings.Builder
	b.WriteString("CLASS CONTEXT:")
	for _, d := range l.docs {
		fmt.Fprintf(&b, "\n[%s]: %s", d.Name, d.Content)
	}
	return b.String()
}

func (l *Library) index(name string) int {
	return slices.IndexFunc(l.docs, func(d Document) bool { return d.Name == name })
}
