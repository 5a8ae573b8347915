package pull

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dirpull/cache"
	"dirpull/registry"

	"github.com/docker/distribution"
	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	layer1    = digest.FromString("layer one")
	layer2    = digest.FromString("layer two")
	layer3    = digest.FromString("layer three")
	cfgDigest = digest.FromString("image config")
	amd64Dgst = digest.FromString("amd64 manifest")
	arm64Dgst = digest.FromString("arm64 manifest")
)

type fakeInspector struct {
	summary  []byte
	rawByRef map[string][]byte
	rawTop   []byte
	config   []byte
}

func (f *fakeInspector) Inspect(ref string) ([]byte, error) { return f.summary, nil }

func (f *fakeInspector) RawManifest(ref string) ([]byte, error) {
	if b, ok := f.rawByRef[ref]; ok {
		return b, nil
	}
	return f.rawTop, nil
}

func (f *fakeInspector) Config(ref string) ([]byte, error) { return f.config, nil }

type fakeResolver struct{}

func (fakeResolver) Token(*registry.Image) (string, error) { return "tok", nil }

func (fakeResolver) ResolveBlobURL(img *registry.Image, d digest.Digest, token string) (string, error) {
	return "http://blobs.example/" + d.Encoded(), nil
}

type fakeFetcher struct {
	calls  []string
	failAt int // 1-based call index that fails, 0 never
}

func (f *fakeFetcher) Fetch(url, destDir, destName string) error {
	f.calls = append(f.calls, destName)
	if f.failAt > 0 && len(f.calls) == f.failAt {
		return errors.New("segment died")
	}
	return os.WriteFile(filepath.Join(destDir, destName), []byte("blob:"+destName), 0644)
}

func summaryJSON(t *testing.T, layers ...digest.Digest) []byte {
	t.Helper()
	out := registry.InspectOutput{
		Name:         "registry-1.docker.io/library/alpine",
		Digest:       digest.FromString("top").String(),
		Architecture: "arm64",
		Os:           "linux",
	}
	for _, l := range layers {
		out.Layers = append(out.Layers, l.String())
	}
	b, err := json.Marshal(out)
	require.NoError(t, err)
	return b
}

func platformManifestJSON(t *testing.T, layers ...digest.Digest) []byte {
	t.Helper()
	m := schema2.Manifest{
		Versioned: schema2.SchemaVersion,
		Config:    distribution.Descriptor{MediaType: schema2.MediaTypeImageConfig, Digest: cfgDigest},
	}
	for _, l := range layers {
		m.Layers = append(m.Layers, distribution.Descriptor{MediaType: schema2.MediaTypeLayer, Digest: l})
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func indexJSON(t *testing.T) []byte {
	t.Helper()
	list := manifestlist.ManifestList{
		Versioned: manifestlist.SchemaVersion,
		Manifests: []manifestlist.ManifestDescriptor{
			{
				Descriptor: distribution.Descriptor{Digest: amd64Dgst},
				Platform:   manifestlist.PlatformSpec{Architecture: "amd64", OS: "linux"},
			},
			{
				Descriptor: distribution.Descriptor{Digest: arm64Dgst},
				Platform:   manifestlist.PlatformSpec{Architecture: "arm64", OS: "linux"},
			},
		},
	}
	b, err := json.Marshal(list)
	require.NoError(t, err)
	return b
}

func testPuller(t *testing.T, insp Inspector, f Fetcher, arch string) (*Puller, string) {
	t.Helper()
	img, err := registry.ParseImage("alpine:latest")
	require.NoError(t, err)
	outDir := t.TempDir()
	p := New(img, fakeResolver{}, insp, f, cache.New(t.TempDir()),
		Options{OutDir: outDir, Arch: arch, CacheTTL: time.Minute})
	return p, outDir
}

func TestPullMultiArch(t *testing.T) {
	platform := platformManifestJSON(t, layer1, layer2, layer3)
	insp := &fakeInspector{
		summary: summaryJSON(t, layer1, layer2, layer3),
		rawTop:  indexJSON(t),
		rawByRef: map[string][]byte{
			"registry-1.docker.io/library/alpine@" + arm64Dgst.String(): platform,
		},
		config: []byte(`{"architecture":"arm64","os":"linux"}`),
	}
	fetcher := &fakeFetcher{}
	p, outDir := testPuller(t, insp, fetcher, "arm64")
	require.NoError(t, p.Pull())

	// layers downloaded in manifest order, named by stripped digest
	assert.Equal(t, []string{layer1.Encoded(), layer2.Encoded(), layer3.Encoded()}, fetcher.calls)

	// manifest.json is the arm64 platform manifest, verbatim
	got, err := os.ReadFile(filepath.Join(outDir, ManifestFileName))
	require.NoError(t, err)
	assert.Equal(t, platform, got)

	version, err := os.ReadFile(filepath.Join(outDir, VersionFileName))
	require.NoError(t, err)
	assert.Equal(t, "Directory Transport Version: 1.1\n", string(version))

	// config blob written under the manifest's config digest hex
	cfg, err := os.ReadFile(filepath.Join(outDir, cfgDigest.Encoded()))
	require.NoError(t, err)
	assert.JSONEq(t, `{"architecture":"arm64","os":"linux"}`, string(cfg))

	var m schema2.Manifest
	require.NoError(t, json.Unmarshal(got, &m))
	assert.Equal(t, cfgDigest, m.Config.Digest)
}

func TestPullSinglePlatform(t *testing.T) {
	platform := platformManifestJSON(t, layer1)
	insp := &fakeInspector{
		summary: summaryJSON(t, layer1),
		rawTop:  platform, // no index, the manifest itself is the top
		config:  []byte(`{"os":"linux"}`),
	}
	p, outDir := testPuller(t, insp, &fakeFetcher{}, "amd64")
	require.NoError(t, p.Pull())

	got, err := os.ReadFile(filepath.Join(outDir, ManifestFileName))
	require.NoError(t, err)
	assert.Equal(t, platform, got)
}

func TestPullAbortsAtFirstFailedLayer(t *testing.T) {
	insp := &fakeInspector{
		summary: summaryJSON(t, layer1, layer2, layer3),
		rawTop:  platformManifestJSON(t, layer1, layer2, layer3),
		config:  []byte(`{}`),
	}
	fetcher := &fakeFetcher{failAt: 2}
	p, outDir := testPuller(t, insp, fetcher, "arm64")

	err := p.Pull()
	require.Error(t, err)
	assert.Contains(t, err.Error(), layer2.String())
	// layer3 never attempted
	assert.Equal(t, []string{layer1.Encoded(), layer2.Encoded()}, fetcher.calls)
	// nothing past the layer loop was written
	_, statErr := os.Stat(filepath.Join(outDir, ManifestFileName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPullNoLayers(t *testing.T) {
	insp := &fakeInspector{summary: summaryJSON(t)}
	p, _ := testPuller(t, insp, &fakeFetcher{}, "arm64")
	require.ErrorIs(t, p.Pull(), ErrNoLayers)
}

func TestPullRetriesExtensionPoint(t *testing.T) {
	insp := &fakeInspector{
		summary: summaryJSON(t, layer1),
		rawTop:  platformManifestJSON(t, layer1),
		config:  []byte(`{}`),
	}
	fetcher := &fakeFetcher{failAt: 1}
	img, err := registry.ParseImage("alpine:latest")
	require.NoError(t, err)
	p := New(img, fakeResolver{}, insp, fetcher, cache.New(t.TempDir()),
		Options{OutDir: t.TempDir(), Arch: "arm64", CacheTTL: time.Minute, Retries: 1})
	require.NoError(t, p.Pull())
	// first attempt failed, the retry succeeded
	assert.Equal(t, []string{layer1.Encoded(), layer1.Encoded()}, fetcher.calls)
}

func TestSelectPlatform(t *testing.T) {
	var list manifestlist.ManifestList
	require.NoError(t, json.Unmarshal(indexJSON(t), &list))

	d, err := selectPlatform(list, "arm64")
	require.NoError(t, err)
	assert.Equal(t, arm64Dgst, d)

	d, err = selectPlatform(list, "amd64")
	require.NoError(t, err)
	assert.Equal(t, amd64Dgst, d)

	_, err = selectPlatform(list, "s390x")
	require.ErrorIs(t, err, ErrNoPlatform)
}

func TestSelectPlatformRequiresLinux(t *testing.T) {
	list := manifestlist.ManifestList{
		Manifests: []manifestlist.ManifestDescriptor{{
			Descriptor: distribution.Descriptor{Digest: amd64Dgst},
			Platform:   manifestlist.PlatformSpec{Architecture: "amd64", OS: "windows"},
		}},
	}
	_, err := selectPlatform(list, "amd64")
	require.ErrorIs(t, err, ErrNoPlatform)
}
