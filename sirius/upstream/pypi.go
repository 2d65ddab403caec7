package upstream

import (
	"context"
	"fmt"
	"net/url"
)

// ProjectInfo is the "info" block of the JSON API.
type ProjectInfo struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	Summary        string `json:"summary"`
	HomePage       string `json:"home_page"`
	Author         string `json:"author"`
	License        string `json:"license"`
	RequiresPython string `json:"requires_python"`
}

// ReleaseFile is one distribution file of a release.
type ReleaseFile struct {
	Filename      string            `json:"filename"`
	URL           string            `json:"url"`
	PackageType   string            `json:"packagetype"`
	PythonVersion string            `json:"python_version"`
	Digests       map[string]string `json:"digests"`
	Size          int64             `json:"size"`
}

// Project is the JSON API document for a project.
type Project struct {
	Info     ProjectInfo              `json:"info"`
	Releases map[string][]ReleaseFile `json:"releases"`
}

// ProjectPath is the JSON API path for a normalized project name.
func ProjectPath(name string) string {
	return fmt.Sprintf("pypi/%s/json", url.PathEscape(name))
}

// SimplePath is the simple index path for a normalized project name.
func SimplePath(name string) string {
	return fmt.Sprintf("simple/%s/", url.PathEscape(name))
}

// FetchProject fetches the JSON API document for name.
func FetchProject(ctx context.Context, f Fetcher, name string) (*Project, error) {
	var p Project
	if err := GetJSON(ctx, f, ProjectPath(name), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Versions lists the release versions of p.
func (p *Project) Versions() []string {
	out := make([]string, 0, len(p.Releases))
	for v := range p.Releases {
		out = append(out, v)
	}
	return out
}
