package images

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/oci"
)

// Layer media types understood in OCI layouts.
const (
	MediaTypeActorModule    = "application/vnd.module.wasm.content.layer.v1+wasm"
	MediaTypeProviderBinary = "application/vnd.latticed.provider.binary.v1"
	MediaTypeClaimsToken    = "application/vnd.latticed.claims.jwt"

	// AnnotationPlatform marks a provider binary with its os/arch.
	AnnotationPlatform = "dev.latticed.platform"
)

// layoutRef splits "<dir>:<tag>" or "<dir>@<digest>". The tag defaults to latest.
func layoutRef(ref string) (dir, reference string) {
	if i := strings.LastIndex(ref, "@"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		return ref[:i], ref[i+1:]
	}
	return ref, "latest"
}

type layoutImage struct {
	store    *oci.ReadOnlyStore
	manifest ocispec.Manifest
}

func openLayout(ctx context.Context, ref string) (*layoutImage, error) {
	dir, reference := layoutRef(ref)
	store, err := oci.NewFromFS(ctx, os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to open OCI layout %s: %w", dir, err)
	}
	desc, err := store.Resolve(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s in %s: %w", reference, dir, err)
	}
	raw, err := content.FetchAll(ctx, store, desc)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	img := &layoutImage{store: store}
	if err := json.Unmarshal(raw, &img.manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return img, nil
}

func (l *layoutImage) layer(mediaType string, match func(ocispec.Descriptor) bool) (ocispec.Descriptor, bool) {
	for _, desc := range l.manifest.Layers {
		if desc.MediaType == mediaType && (match == nil || match(desc)) {
			return desc, true
		}
	}
	return ocispec.Descriptor{}, false
}

func (l *layoutImage) fetch(ctx context.Context, desc ocispec.Descriptor) ([]byte, error) {
	data, err := content.FetchAll(ctx, l.store, desc)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch layer %s: %w", desc.Digest, err)
	}
	return data, nil
}

// token returns the claims token layer, or "" when the image has none.
func (l *layoutImage) token(ctx context.Context) (string, error) {
	desc, ok := l.layer(MediaTypeClaimsToken, nil)
	if !ok {
		return "", nil
	}
	data, err := l.fetch(ctx, desc)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *Resolver) loadOCIActor(ctx context.Context, imageRef, layout string) (*ports.ActorImage, error) {
	img, err := openLayout(ctx, layout)
	if err != nil {
		return nil, err
	}
	desc, ok := img.layer(MediaTypeActorModule, nil)
	if !ok {
		return nil, fmt.Errorf("image %s has no %s layer", imageRef, MediaTypeActorModule)
	}
	module, err := img.fetch(ctx, desc)
	if err != nil {
		return nil, err
	}
	token, err := img.token(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		if token, err = r.actorToken(ctx, module, ""); err != nil {
			return nil, fmt.Errorf("image %s: %w", imageRef, err)
		}
	}
	return &ports.ActorImage{Ref: imageRef, Token: token, Bytes: module}, nil
}

func (r *Resolver) loadOCIProvider(ctx context.Context, imageRef, layout string) (*ports.ProviderImage, error) {
	img, err := openLayout(ctx, layout)
	if err != nil {
		return nil, err
	}
	platform := runtime.GOOS + "/" + runtime.GOARCH
	desc, ok := img.layer(MediaTypeProviderBinary, func(d ocispec.Descriptor) bool {
		p, set := d.Annotations[AnnotationPlatform]
		return !set || p == platform
	})
	if !ok {
		return nil, fmt.Errorf("image %s has no provider binary for %s", imageRef, platform)
	}
	token, err := img.token(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("image %s has no %s layer", imageRef, MediaTypeClaimsToken)
	}
	path, err := r.unpack(ctx, img, desc)
	if err != nil {
		return nil, err
	}
	return &ports.ProviderImage{Ref: imageRef, Token: token, Path: path}, nil
}

// unpack writes a provider binary into the cache, keyed by digest.
func (r *Resolver) unpack(ctx context.Context, img *layoutImage, desc ocispec.Descriptor) (string, error) {
	dir := r.cacheDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "latticed-providers")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create provider cache: %w", err)
	}
	path := filepath.Join(dir, desc.Digest.Encoded())
	if info, err := os.Stat(path); err == nil && info.Size() == desc.Size {
		return path, nil
	}
	data, err := img.fetch(ctx, desc)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, ".provider-*")
	if err != nil {
		return "", fmt.Errorf("failed to unpack provider: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to unpack provider: %w", err)
	}
	if err := tmp.Chmod(0o755); err != nil { //nolint:gosec // G302: provider binaries must be executable
		_ = tmp.Close()
		return "", fmt.Errorf("failed to unpack provider: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to unpack provider: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to unpack provider: %w", err)
	}
	return path, nil
}
