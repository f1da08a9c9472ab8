// Package images resolves actor and provider image references. A reference is
// either a local path (optionally prefixed with file://) or an OCI image
// layout written as oci://<layout-dir>:<tag> or oci://<layout-dir>@<digest>.
package images

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/infrastructure/wasm"
)

const (
	schemeFile = "file://"
	schemeOCI  = "oci://"

	// TokenSuffix names the sidecar file holding a unit's claims token.
	TokenSuffix = ".jwt"
)

// TokenExtractor reads the claims token embedded in an actor module.
type TokenExtractor interface {
	ExtractToken(ctx context.Context, module []byte) (string, error)
}

// Resolver loads actor modules and provider executables for the host controller.
type Resolver struct {
	tokens   TokenExtractor
	cacheDir string
}

var (
	_ ports.ActorLoader    = (*Resolver)(nil)
	_ ports.ProviderLoader = (*Resolver)(nil)
)

// NewResolver returns a resolver. Provider executables pulled from OCI
// layouts are unpacked into cacheDir.
func NewResolver(tokens TokenExtractor, cacheDir string) *Resolver {
	return &Resolver{tokens: tokens, cacheDir: cacheDir}
}

// LoadActor resolves imageRef to module bytes and the actor's claims token.
func (r *Resolver) LoadActor(ctx context.Context, imageRef string) (*ports.ActorImage, error) {
	if layout, ok := strings.CutPrefix(imageRef, schemeOCI); ok {
		return r.loadOCIActor(ctx, imageRef, layout)
	}
	path := localPath(imageRef)
	module, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read actor module %s: %w", path, err)
	}
	token, err := r.actorToken(ctx, module, path)
	if err != nil {
		return nil, err
	}
	return &ports.ActorImage{Ref: imageRef, Token: token, Bytes: module}, nil
}

// LoadProvider resolves imageRef to an executable and its sidecar token.
func (r *Resolver) LoadProvider(ctx context.Context, imageRef string) (*ports.ProviderImage, error) {
	if layout, ok := strings.CutPrefix(imageRef, schemeOCI); ok {
		return r.loadOCIProvider(ctx, imageRef, layout)
	}
	path, err := filepath.Abs(localPath(imageRef))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider path: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat provider executable %s: %w", path, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("provider %s is not an executable file", path)
	}
	token, err := readSidecar(path)
	if err != nil {
		return nil, err
	}
	return &ports.ProviderImage{Ref: imageRef, Token: token, Path: path}, nil
}

// actorToken prefers the embedded token and falls back to a sidecar file.
func (r *Resolver) actorToken(ctx context.Context, module []byte, path string) (string, error) {
	if r.tokens != nil {
		token, err := r.tokens.ExtractToken(ctx, module)
		switch {
		case err == nil:
			return token, nil
		case !errors.Is(err, wasm.ErrNoToken):
			return "", err
		}
	}
	if path == "" {
		return "", wasm.ErrNoToken
	}
	return readSidecar(path)
}

func readSidecar(path string) (string, error) {
	data, err := os.ReadFile(path + TokenSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("no claims token for %s: expected %s%s", path, filepath.Base(path), TokenSuffix)
		}
		return "", fmt.Errorf("failed to read claims token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func localPath(ref string) string {
	return strings.TrimPrefix(ref, schemeFile)
}
