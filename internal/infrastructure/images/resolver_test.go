package images

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/reglet-dev/latticed/internal/infrastructure/wasm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/oci"
)

type fakeExtractor struct {
	token string
	err   error
}

func (f fakeExtractor) ExtractToken(context.Context, []byte) (string, error) {
	return f.token, f.err
}

func writeFile(t *testing.T, path, data string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), mode))
}

func TestLoadActor_Local(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "echo.wasm")
	writeFile(t, path, "\x00asm", 0o600)

	t.Run("embedded token", func(t *testing.T) {
		r := NewResolver(fakeExtractor{token: "embedded"}, "")
		img, err := r.LoadActor(ctx, "file://"+path)
		require.NoError(t, err)
		assert.Equal(t, "embedded", img.Token)
		assert.Equal(t, "file://"+path, img.Ref)
		assert.Equal(t, []byte("\x00asm"), img.Bytes)
	})

	t.Run("sidecar fallback", func(t *testing.T) {
		writeFile(t, path+TokenSuffix, "sidecar\n", 0o600)
		r := NewResolver(fakeExtractor{err: wasm.ErrNoToken}, "")
		img, err := r.LoadActor(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "sidecar", img.Token)
	})

	t.Run("extractor failure is not masked", func(t *testing.T) {
		r := NewResolver(fakeExtractor{err: errors.New("failed to compile module")}, "")
		_, err := r.LoadActor(ctx, path)
		assert.ErrorContains(t, err, "failed to compile")
	})

	t.Run("missing module", func(t *testing.T) {
		r := NewResolver(fakeExtractor{}, "")
		_, err := r.LoadActor(ctx, filepath.Join(dir, "missing.wasm"))
		assert.ErrorContains(t, err, "failed to read actor module")
	})
}

func TestLoadProvider_Local(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	r := NewResolver(nil, "")

	exe := filepath.Join(dir, "kv-provider")
	writeFile(t, exe, "#!/bin/sh\n", 0o700)

	_, err := r.LoadProvider(ctx, exe)
	assert.ErrorContains(t, err, "no claims token")

	writeFile(t, exe+TokenSuffix, "provider-token", 0o600)
	img, err := r.LoadProvider(ctx, exe)
	require.NoError(t, err)
	assert.Equal(t, exe, img.Path)
	assert.Equal(t, "provider-token", img.Token)

	plain := filepath.Join(dir, "not-executable")
	writeFile(t, plain, "data", 0o600)
	_, err = r.LoadProvider(ctx, plain)
	assert.ErrorContains(t, err, "not an executable")
}

func TestLayoutRef(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, dir, ref string
	}{
		{"./images/echo:1.0", "./images/echo", "1.0"},
		{"/var/lib/images", "/var/lib/images", "latest"},
		{"layout@sha256:abcd", "layout", "sha256:abcd"},
		{"host:5000/echo", "host:5000/echo", "latest"},
	}
	for _, tt := range tests {
		dir, ref := layoutRef(tt.in)
		assert.Equal(t, tt.dir, dir, tt.in)
		assert.Equal(t, tt.ref, ref, tt.in)
	}
}

// pushImage writes an image with the given layers into an OCI layout at dir.
func pushImage(t *testing.T, dir, tag string, layers ...ocispec.Descriptor) {
	t.Helper()
	ctx := context.Background()
	store, err := oci.New(dir)
	require.NoError(t, err)

	require.NoError(t, store.Push(ctx, ocispec.DescriptorEmptyJSON, bytes.NewReader(ocispec.DescriptorEmptyJSON.Data)))
	for _, desc := range layers {
		require.NoError(t, store.Push(ctx, desc, bytes.NewReader(desc.Data)))
	}
	for i := range layers {
		layers[i].Data = nil
	}
	manifest, err := json.Marshal(ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    ocispec.DescriptorEmptyJSON,
		Layers:    layers,
	})
	require.NoError(t, err)
	desc := content.NewDescriptorFromBytes(ocispec.MediaTypeImageManifest, manifest)
	require.NoError(t, store.Push(ctx, desc, bytes.NewReader(manifest)))
	require.NoError(t, store.Tag(ctx, desc, tag))
}

func layer(mediaType string, data []byte, annotations map[string]string) ocispec.Descriptor {
	desc := content.NewDescriptorFromBytes(mediaType, data)
	desc.Data = data
	desc.Annotations = annotations
	return desc
}

func TestLoadActor_OCILayout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "layout")
	pushImage(t, dir, "1.0",
		layer(MediaTypeActorModule, []byte("\x00asm-echo"), nil),
		layer(MediaTypeClaimsToken, []byte("layer-token\n"), nil),
	)

	r := NewResolver(fakeExtractor{token: "embedded"}, "")
	img, err := r.LoadActor(ctx, "oci://"+dir+":1.0")
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00asm-echo"), img.Bytes)
	assert.Equal(t, "layer-token", img.Token)

	_, err = r.LoadActor(ctx, "oci://"+dir+":2.0")
	assert.ErrorContains(t, err, "failed to resolve 2.0")
}

func TestLoadActor_OCILayoutEmbeddedToken(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "layout")
	pushImage(t, dir, "latest", layer(MediaTypeActorModule, []byte("\x00asm"), nil))

	img, err := NewResolver(fakeExtractor{token: "embedded"}, "").LoadActor(context.Background(), "oci://"+dir)
	require.NoError(t, err)
	assert.Equal(t, "embedded", img.Token)

	_, err = NewResolver(fakeExtractor{err: wasm.ErrNoToken}, "").LoadActor(context.Background(), "oci://"+dir)
	assert.ErrorIs(t, err, wasm.ErrNoToken)
}

func TestLoadProvider_OCILayout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "layout")
	cache := t.TempDir()
	binary := []byte("#!/bin/sh\nexit 0\n")
	pushImage(t, dir, "0.1.0",
		layer(MediaTypeProviderBinary, []byte("wrong platform"), map[string]string{AnnotationPlatform: "plan9/mips"}),
		layer(MediaTypeProviderBinary, binary, map[string]string{AnnotationPlatform: runtime.GOOS + "/" + runtime.GOARCH}),
		layer(MediaTypeClaimsToken, []byte("provider-token"), nil),
	)

	r := NewResolver(nil, cache)
	img, err := r.LoadProvider(ctx, "oci://"+dir+":0.1.0")
	require.NoError(t, err)
	assert.Equal(t, "provider-token", img.Token)
	assert.Equal(t, cache, filepath.Dir(img.Path))

	data, err := os.ReadFile(img.Path)
	require.NoError(t, err)
	assert.Equal(t, binary, data)
	info, err := os.Stat(img.Path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100)

	again, err := r.LoadProvider(ctx, "oci://"+dir+":0.1.0")
	require.NoError(t, err)
	assert.Equal(t, img.Path, again.Path)
}

func TestLoadProvider_OCILayoutWithoutToken(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "layout")
	pushImage(t, dir, "latest", layer(MediaTypeProviderBinary, []byte("bin"), nil))

	_, err := NewResolver(nil, t.TempDir()).LoadProvider(context.Background(), "oci://"+dir)
	assert.ErrorContains(t, err, "has no "+MediaTypeClaimsToken)
}
