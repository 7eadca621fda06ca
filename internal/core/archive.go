package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"register/internal/blob"
	"register/pkg/domain"
)

const signaturePrefix = "signatures/"

// ErrSignatureNotFound reports a signature that was never archived.
var ErrSignatureNotFound = errors.New("signature not found")

// SignatureArchive copies every committed signature to a blob store under
// signatures/<id>/<phase>-<party>.sig.
type SignatureArchive struct {
	store blob.Store
}

// NewSignatureArchive returns nil when store is nil, which disables archiving.
func NewSignatureArchive(store blob.Store) *SignatureArchive {
	if store == nil {
		return nil
	}
	return &SignatureArchive{store: store}
}

// SignatureKey names the blob holding the signature written by m.
func SignatureKey(id string, m domain.Mutation) string {
	return path.Join(signaturePrefix+id, signatureName(m.Field))
}

func signatureName(f domain.Field) string {
	return f.Phase() + "-" + f.Party() + ".sig"
}

// SignatureNames lists the blob names a record's signatures are archived
// under, in lifecycle order.
func SignatureNames() []string {
	var names []string
	for _, tr := range domain.Transitions() {
		if tr.Field.Payload() == domain.PayloadSigner {
			names = append(names, signatureName(tr.Field))
		}
	}
	return names
}

func validSignatureName(name string) bool {
	for _, n := range SignatureNames() {
		if n == name {
			return true
		}
	}
	return false
}

// Archive stores the signer of m. Mutations without a signer are ignored.
func (a *SignatureArchive) Archive(ctx context.Context, id string, m domain.Mutation) error {
	if m.Field.Payload() != domain.PayloadSigner {
		return nil
	}
	key := SignatureKey(id, m)
	_, err := a.store.Put(ctx, key, strings.NewReader(m.Signer.Signature), blob.PutOptions{
		ContentType: "application/octet-stream",
		Metadata: map[string]string{
			"signer": m.Signer.Name,
			"state":  m.Results.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return nil
}

// List returns the archived signatures of id in key order.
func (a *SignatureArchive) List(ctx context.Context, id string) ([]blob.Info, error) {
	infos, err := a.store.List(ctx, signaturePrefix+id+"/")
	if err != nil {
		return nil, fmt.Errorf("list signatures of %s: %w", id, err)
	}
	return infos, nil
}

// Get opens the archived signature name of id. The caller closes the reader.
func (a *SignatureArchive) Get(ctx context.Context, id, name string) (blob.Info, io.ReadCloser, error) {
	if !validSignatureName(name) {
		return blob.Info{}, nil, fmt.Errorf("signature name %q: %w", name, ErrInvalidArgument)
	}
	key := path.Join(signaturePrefix+id, name)
	info, rc, err := a.store.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return blob.Info{}, nil, fmt.Errorf("%s: %w", key, ErrSignatureNotFound)
	}
	if err != nil {
		return blob.Info{}, nil, fmt.Errorf("get %s: %w", key, err)
	}
	return info, rc, nil
}

// Driver reports the backing blob driver.
func (a *SignatureArchive) Driver() blob.Driver { return a.store.Driver() }
