package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

var (
	// ErrEmptyResponse means the upstream returned no bytes at all.
	ErrEmptyResponse = errors.New("empty response from registry")
	// ErrInvalidJSON means the upstream bytes are not well-formed JSON.
	ErrInvalidJSON = errors.New("response is not valid JSON")
)

// Inspector retrieves manifests and config blobs for one target platform.
// It does not interpret manifest semantics; schema handling lives with the
// caller.
type Inspector struct {
	platform v1.Platform
	insecure bool
}

// NewInspector returns an Inspector pinned to linux/arch. insecure allows
// plain-HTTP registries and is meant for tests.
func NewInspector(arch string, insecure bool) *Inspector {
	return &Inspector{
		platform: v1.Platform{OS: "linux", Architecture: arch},
		insecure: insecure,
	}
}

// RawManifest returns the manifest bytes exactly as the registry sent them.
// For a multi-arch image this is the index, not a platform manifest.
func (i *Inspector) RawManifest(ref string) ([]byte, error) {
	b, err := crane.Manifest(ref, i.craneOpts()...)
	if err != nil {
		return nil, fmt.Errorf("while request manifest|%w", err)
	}
	return checked(b)
}

// Config returns the raw image config blob for the inspector's platform.
func (i *Inspector) Config(ref string) ([]byte, error) {
	b, err := crane.Config(ref, i.craneOpts()...)
	if err != nil {
		return nil, fmt.Errorf("while request config|%w", err)
	}
	return checked(b)
}

// InspectOutput is the normalized per-platform summary of an image.
type InspectOutput struct {
	Name         string            `json:"Name"`
	Digest       string            `json:"Digest"`
	Created      *time.Time        `json:"Created,omitempty"`
	Architecture string            `json:"Architecture"`
	Os           string            `json:"Os"`
	Env          []string          `json:"Env,omitempty"`
	Labels       map[string]string `json:"Labels,omitempty"`
	Layers       []string          `json:"Layers"`
}

// Inspect resolves ref to the platform image and returns the normalized
// summary with the ordered layer digest list.
func (i *Inspector) Inspect(ref string) ([]byte, error) {
	r, err := name.ParseReference(ref, i.nameOpts()...)
	if err != nil {
		return nil, err
	}
	desc, err := remote.Get(r, remote.WithPlatform(i.platform))
	if err != nil {
		return nil, fmt.Errorf("while request image|%w", err)
	}
	img, err := desc.Image()
	if err != nil {
		return nil, err
	}
	m, err := img.Manifest()
	if err != nil {
		return nil, err
	}
	cf, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	dgst, err := img.Digest()
	if err != nil {
		return nil, err
	}
	out := InspectOutput{
		Name:         r.Context().Name(),
		Digest:       dgst.String(),
		Architecture: cf.Architecture,
		Os:           cf.OS,
		Env:          cf.Config.Env,
		Labels:       cf.Config.Labels,
	}
	if !cf.Created.IsZero() {
		t := cf.Created.Time
		out.Created = &t
	}
	for _, l := range m.Layers {
		out.Layers = append(out.Layers, l.Digest.String())
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return checked(b)
}

func (i *Inspector) craneOpts() []crane.Option {
	opts := []crane.Option{crane.WithPlatform(&i.platform)}
	if i.insecure {
		opts = append(opts, crane.Insecure)
	}
	return opts
}

func (i *Inspector) nameOpts() []name.Option {
	if i.insecure {
		return []name.Option{name.Insecure}
	}
	return nil
}

func checked(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrEmptyResponse
	}
	if !json.Valid(b) {
		return nil, ErrInvalidJSON
	}
	return b, nil
}
