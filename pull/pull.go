// Package pull sequences one image pull: token, manifest, layer blobs,
// platform manifest and config blob, written as a dir-transport directory.
package pull

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dirpull/cache"
	"dirpull/registry"

	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
)

const (
	ManifestFileName = "manifest.json"
	VersionFileName  = "version"
	// VersionMarker must stay byte-compatible with the dir-transport consumer.
	VersionMarker = "Directory Transport Version: 1.1\n"
)

var (
	// ErrNoLayers means the manifest listed no layers at all.
	ErrNoLayers = errors.New("no layers found in manifest")
	// ErrNoPlatform means the index has no entry for the wanted platform.
	ErrNoPlatform = errors.New("no matching platform in manifest list")
)

// Inspector is the image inspection capability the puller delegates to.
type Inspector interface {
	Inspect(ref string) ([]byte, error)
	RawManifest(ref string) ([]byte, error)
	Config(ref string) ([]byte, error)
}

// BlobResolver authenticates and turns a digest into a directly fetchable URL.
type BlobResolver interface {
	Token(img *registry.Image) (string, error)
	ResolveBlobURL(img *registry.Image, dgst digest.Digest, token string) (string, error)
}

// Fetcher performs the bulk transfer of one resolved URL.
type Fetcher interface {
	Fetch(url, destDir, destName string) error
}

// Options tune one pull run.
type Options struct {
	OutDir   string
	Arch     string
	CacheTTL time.Duration
	// Retries is the per-layer retry budget. Zero keeps the historical
	// behavior: the first failed layer aborts the run.
	Retries int
}

// Puller walks one image from token to a populated output directory.
type Puller struct {
	img     *registry.Image
	reg     BlobResolver
	insp    Inspector
	fetcher Fetcher
	cache   *cache.Cache
	opts    Options
}

func New(img *registry.Image, reg BlobResolver, insp Inspector, f Fetcher, c *cache.Cache, opts Options) *Puller {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &Puller{img: img, reg: reg, insp: insp, fetcher: f, cache: c, opts: opts}
}

// Pull runs the whole sequence. Any failing step aborts the run; re-running
// resumes partially transferred layers.
func (p *Puller) Pull() error {
	token, err := p.cachedToken()
	if err != nil {
		return err
	}
	layers, err := p.layers()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.opts.OutDir, 0755); err != nil {
		return err
	}
	for i, dgst := range layers {
		log.Infof("layer %d/%d %s", i+1, len(layers), dgst)
		if err := p.downloadLayer(dgst, token); err != nil {
			return fmt.Errorf("layer %s|%w", dgst, err)
		}
	}
	manifest, err := p.platformManifest()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(p.opts.OutDir, ManifestFileName), manifest, 0644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(p.opts.OutDir, VersionFileName), []byte(VersionMarker), 0644); err != nil {
		return err
	}
	return p.writeConfig(manifest)
}

func (p *Puller) cachedToken() (string, error) {
	b, err := p.cache.Cached("token|"+p.img.Scope(), p.opts.CacheTTL, func() ([]byte, error) {
		tok, err := p.reg.Token(p.img)
		return []byte(tok), err
	})
	return string(b), err
}

// layers returns the ordered layer digests from the normalized inspect doc.
func (p *Puller) layers() ([]digest.Digest, error) {
	key := fmt.Sprintf("inspect|manifest|%s|%s", p.opts.Arch, p.img.Ref())
	b, err := p.cache.Cached(key, p.opts.CacheTTL, func() ([]byte, error) {
		return p.insp.Inspect(p.img.Ref())
	})
	if err != nil {
		return nil, err
	}
	var out registry.InspectOutput
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrInvalidJSON, err)
	}
	if len(out.Layers) == 0 {
		return nil, ErrNoLayers
	}
	layers := make([]digest.Digest, 0, len(out.Layers))
	for _, l := range out.Layers {
		d, err := digest.Parse(l)
		if err != nil {
			return nil, fmt.Errorf("layer digest %q|%w", l, err)
		}
		layers = append(layers, d)
	}
	return layers, nil
}

// downloadLayer resolves the blob's storage URL and fetches it to a file
// named by the digest hex.
func (p *Puller) downloadLayer(dgst digest.Digest, token string) error {
	url, err := p.reg.ResolveBlobURL(p.img, dgst, token)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt <= p.opts.Retries; attempt++ {
		if lastErr = p.fetcher.Fetch(url, p.opts.OutDir, dgst.Encoded()); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// platformManifest returns the raw manifest for the wanted platform, going
// through the index when the image is multi-arch.
func (p *Puller) platformManifest() ([]byte, error) {
	raw, err := p.cachedRaw(p.img.Ref())
	if err != nil {
		return nil, err
	}
	var list manifestlist.ManifestList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrInvalidJSON, err)
	}
	if len(list.Manifests) == 0 {
		// already a single-platform manifest
		return raw, nil
	}
	dgst, err := selectPlatform(list, p.opts.Arch)
	if err != nil {
		return nil, err
	}
	return p.cachedRaw(p.img.AtDigest(dgst))
}

func (p *Puller) cachedRaw(ref string) ([]byte, error) {
	return p.cache.Cached("inspect|raw|"+ref, p.opts.CacheTTL, func() ([]byte, error) {
		return p.insp.RawManifest(ref)
	})
}

// selectPlatform picks the linux entry matching arch.
func selectPlatform(list manifestlist.ManifestList, arch string) (digest.Digest, error) {
	for _, m := range list.Manifests {
		if m.Platform.Architecture == arch && m.Platform.OS == "linux" {
			return m.Digest, nil
		}
	}
	return "", fmt.Errorf("%w: %s/linux", ErrNoPlatform, arch)
}

// writeConfig fetches the image config blob and writes it under the digest
// named by the platform manifest.
func (p *Puller) writeConfig(manifest []byte) error {
	var m schema2.Manifest
	if err := json.Unmarshal(manifest, &m); err != nil {
		return fmt.Errorf("%w: %v", registry.ErrInvalidJSON, err)
	}
	if m.Config.Digest == "" {
		return fmt.Errorf("%w: manifest has no config digest", registry.ErrInvalidJSON)
	}
	key := fmt.Sprintf("inspect|config|%s|%s", p.opts.Arch, p.img.Ref())
	b, err := p.cache.Cached(key, p.opts.CacheTTL, func() ([]byte, error) {
		return p.insp.Config(p.img.Ref())
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.opts.OutDir, m.Config.Digest.Encoded()), b, 0644)
}
