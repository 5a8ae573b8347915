package registry

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	defaultNamespace = "library"
	// DefaultTag is used when the reference carries no tag or digest.
	DefaultTag = "latest"
	// DefaultRegistry is Docker Hub.
	DefaultRegistry = "registry-1.docker.io"
)

// Image is one parsed image reference.
type Image struct {
	// like registry-1.docker.io
	Registry string
	// namespace plus name, like library/alpine
	Repository string
	// like latest; empty when the reference is pinned by digest
	Tag string
	// set when the reference is pinned, like sha256:...
	Digest digest.Digest
}

// ParseImage splits a reference like alpine, alpine:3.19, myorg/app:1.0 or
// gcr.io/proj/app@sha256:... A bare name gets the implicit library namespace.
// A first path segment containing `.` or `:` is a registry host.
func ParseImage(ref string) (*Image, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty image reference")
	}
	img := &Image{Registry: DefaultRegistry, Tag: DefaultTag}
	parts := strings.Split(ref, "/")
	last := parts[len(parts)-1]
	name := last
	if i := strings.Index(last, "@"); i >= 0 {
		name = last[:i]
		d, err := digest.Parse(last[i+1:])
		if err != nil {
			return nil, fmt.Errorf("parse digest %q|%w", last[i+1:], err)
		}
		img.Digest = d
		img.Tag = ""
	} else if i := strings.Index(last, ":"); i >= 0 {
		name = last[:i]
		img.Tag = last[i+1:]
	}
	repo := defaultNamespace
	if len(parts) > 1 && (strings.Contains(parts[0], ".") || strings.Contains(parts[0], ":")) {
		img.Registry = parts[0]
		repo = strings.Join(parts[1:len(parts)-1], "/")
	} else if len(parts) > 1 {
		repo = strings.Join(parts[:len(parts)-1], "/")
	}
	if repo == "" {
		img.Repository = name
	} else {
		img.Repository = repo + "/" + name
	}
	return img, nil
}

// Scope is the pull scope the token endpoint expects.
func (img *Image) Scope() string {
	return fmt.Sprintf("repository:%s:pull", img.Repository)
}

// Ref is the canonical reference, like registry-1.docker.io/library/alpine:latest.
func (img *Image) Ref() string {
	if img.Digest != "" {
		return fmt.Sprintf("%s/%s@%s", img.Registry, img.Repository, img.Digest)
	}
	return fmt.Sprintf("%s/%s:%s", img.Registry, img.Repository, img.Tag)
}

// AtDigest is the reference pinned to the given digest.
func (img *Image) AtDigest(d digest.Digest) string {
	return fmt.Sprintf("%s/%s@%s", img.Registry, img.Repository, d)
}
