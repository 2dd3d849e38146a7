package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentflow/internal/domain"
)

// Gateway persists agent-produced artifacts under a single root
// directory, namespaced by job and step. It is an external sink from
// the scheduler's point of view: a write failure is reported, never
// fatal to the job.
type Gateway struct {
	root string
}

func NewGateway(root string) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Gateway{root: absRoot}, nil
}

// Store writes one artifact and returns its path relative to the root.
func (g *Gateway) Store(jobID, stepID string, artifact domain.Artifact) (string, error) {
	name := filepath.ToSlash(filepath.Clean(artifact.Name))
	if name == "." || strings.HasPrefix(name, "..") || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("invalid artifact name %q", artifact.Name)
	}
	rel := filepath.ToSlash(filepath.Join(jobID, stepID, name))
	absPath, normalized, err := g.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("create artifact directories: %w", err)
	}
	if err := os.WriteFile(absPath, artifact.Data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return normalized, nil
}

// Read returns a stored artifact's content by its root-relative path.
func (g *Gateway) Read(relPath string) ([]byte, error) {
	absPath, _, err := g.resolve(relPath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return content, nil
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid artifact path %q", relPath)
	}

	abs := filepath.Join(g.root, filepath.FromSlash(normalized))
	absClean := filepath.Clean(abs)
	absRoot := filepath.Clean(g.root)

	rel, err := filepath.Rel(absRoot, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve artifact path: %w", err)
	}
	if strings.HasPrefix(rel, "..") || rel == "." {
		return "", "", fmt.Errorf("artifact path escapes root: %q", relPath)
	}
	return absClean, strings.ReplaceAll(rel, "\\", "/"), nil
}
