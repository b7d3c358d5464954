package oci

import (
	"context"
	"fmt"
	"strings"

	"oras.land/oras-go/v2"
	orasoci "oras.land/oras-go/v2/content/oci"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// PushOptions configures registry access for Push.
type PushOptions struct {
	// Username and Password are static credentials for the target
	// registry. When empty, the default Docker credential chain is
	// left in place.
	Username string
	Password string

	// PlainHTTP uses HTTP instead of HTTPS, for local registries.
	PlainHTTP bool
}

// Push uploads the image tagged ref in the layout store to the remote
// registry named by ref (for example "ghcr.io/org/app:v1"). The blobs
// are read straight from the layout directory.
func Push(ctx context.Context, store *LayoutStore, ref string, opts *PushOptions) error {
	src, err := orasoci.New(store.Root())
	if err != nil {
		return fmt.Errorf("failed to open layout for push: %w", err)
	}

	repo, err := newRepository(ref, opts)
	if err != nil {
		return err
	}

	_, tag := splitReference(ref)
	if tag == "" {
		return fmt.Errorf("reference %q has no tag", ref)
	}

	if _, err := oras.Copy(ctx, src, ref, repo, tag, oras.DefaultCopyOptions); err != nil {
		return fmt.Errorf("failed to push %s: %w", ref, err)
	}
	return nil
}

func newRepository(ref string, opts *PushOptions) (*remote.Repository, error) {
	repoPath, _ := splitReference(ref)
	repo, err := remote.NewRepository(repoPath)
	if err != nil {
		return nil, fmt.Errorf("invalid reference %q: %w", ref, err)
	}

	client := &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
	}
	if opts != nil {
		if opts.Username != "" {
			client.Credential = auth.StaticCredential(repo.Reference.Registry, auth.Credential{
				Username: opts.Username,
				Password: opts.Password,
			})
		}
		repo.PlainHTTP = opts.PlainHTTP
	}
	repo.Client = client

	return repo, nil
}

// splitReference separates "registry/path:tag" into the repository
// path and the tag. Digested references keep the digest as the tag
// part so oras can resolve them.
func splitReference(ref string) (repoPath, tag string) {
	if i := strings.LastIndex(ref, "@"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	slash := strings.LastIndex(ref, "/")
	if i := strings.LastIndex(ref, ":"); i > slash {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}
