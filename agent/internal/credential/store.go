// Package credential issues, authorizes, revokes and deletes the keypairs
// remote clients use to log in to the inside host through the tunnel.
package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"

	"nat-tunnel/agent/internal/endpoint"
	"nat-tunnel/agent/internal/registry"
	"nat-tunnel/internal/authkeys"
	"nat-tunnel/internal/tunnelerr"
)

var logger = loggo.GetLogger("nat-tunnel.credential")

const listBatch = 32

// Credential is one client keypair and what the registry knows about it.
type Credential struct {
	Name      string
	Key       KeyPair
	CreatedAt time.Time
	Revoked   bool
}

// Store owns the client key directory and the authorization entries that
// refer to it.
type Store struct {
	Dir            string
	AuthorizedKeys string
	MarkerPrefix   string
	Registry       registry.Repository
	Clock          clock.Clock
}

func NewStore(dir, authorizedKeys, markerPrefix string, repo registry.Repository) *Store {
	return &Store{
		Dir:            dir,
		AuthorizedKeys: authorizedKeys,
		MarkerPrefix:   markerPrefix,
		Registry:       repo,
		Clock:          clock.WallClock,
	}
}

func (s *Store) marker(name string) string {
	return authkeys.Marker(s.MarkerPrefix, name)
}

func (s *Store) privPath(name string) string {
	return filepath.Join(s.Dir, name)
}

func (s *Store) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

// Issue creates the keypair for name. If it already exists the existing
// credential is returned together with an AlreadyExists error.
func (s *Store) Issue(ctx context.Context, name string) (Credential, error) {
	if err := endpoint.ValidName(name); err != nil {
		return Credential{}, tunnelerr.Wrap(tunnelerr.PreconditionFailed, err, "credential "+name, "")
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return Credential{}, fmt.Errorf("ensure key dir: %w", err)
	}
	if err := os.Chmod(s.Dir, 0o700); err != nil {
		return Credential{}, fmt.Errorf("restrict key dir: %w", err)
	}

	kp, err := CreateKeyPair(s.privPath(name), s.marker(name))
	if errors.Is(err, fs.ErrExist) {
		existing, gerr := s.Get(ctx, name)
		if gerr != nil {
			// Another issuer holds the private file but has not written
			// the public half yet.
			existing = Credential{Name: name, Key: KeyPair{PrivatePath: s.privPath(name)}}
		}
		return existing, tunnelerr.New(tunnelerr.AlreadyExists, "credential "+name, "", "already issued")
	}
	if err != nil {
		return Credential{}, fmt.Errorf("issue %s: %w", name, err)
	}

	cred := Credential{Name: name, Key: kp, CreatedAt: s.now()}
	row := &registry.Credential{Name: name, Fingerprint: kp.Fingerprint(), CreatedAt: cred.CreatedAt}
	if err := s.Registry.CreateCredential(ctx, row); err != nil {
		return cred, fmt.Errorf("record %s: %w", name, err)
	}
	logger.Infof("issued credential %s (%s)", name, kp.Fingerprint())
	return cred, nil
}

// Get loads the credential called name.
func (s *Store) Get(ctx context.Context, name string) (Credential, error) {
	if err := endpoint.ValidName(name); err != nil {
		return Credential{}, tunnelerr.Wrap(tunnelerr.PreconditionFailed, err, "credential "+name, "")
	}
	kp, err := LoadKeyPair(s.privPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return Credential{}, tunnelerr.New(tunnelerr.NotFound, "credential "+name, "issue it first: agent credential issue "+name, "no such credential")
	}
	if err != nil {
		return Credential{}, err
	}

	cred := Credential{Name: name, Key: kp}
	row, err := s.Registry.GetCredential(ctx, name)
	switch {
	case err == nil:
		cred.CreatedAt = row.CreatedAt
		cred.Revoked = row.Revoked
	case errors.Is(err, registry.ErrNotFound):
		if info, serr := os.Stat(kp.PrivatePath); serr == nil {
			cred.CreatedAt = info.ModTime().UTC()
		}
	default:
		return Credential{}, fmt.Errorf("load %s: %w", name, err)
	}
	return cred, nil
}

// Authorize adds the credential's public key to the authorization list
// unless the key is already in it. It reports whether the file changed.
func (s *Store) Authorize(ctx context.Context, name string) (bool, error) {
	cred, err := s.Get(ctx, name)
	if err != nil {
		return false, err
	}
	line := authkeys.Line("", cred.Key.PublicKey, s.marker(name))
	added, err := authkeys.Add(s.AuthorizedKeys, cred.Key.PublicKey, line)
	if err != nil {
		return false, fmt.Errorf("authorize %s: %w", name, err)
	}
	if err := s.Registry.SetRevoked(ctx, name, false, time.Time{}); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return added, fmt.Errorf("record %s: %w", name, err)
	}
	if added {
		logger.Infof("authorized credential %s in %s", name, s.AuthorizedKeys)
	} else {
		logger.Debugf("credential %s already authorized", name)
	}
	return added, nil
}

// Revoke removes every authorization entry tagged with name and returns
// how many lines went away.
func (s *Store) Revoke(ctx context.Context, name string) (int, error) {
	if err := endpoint.ValidName(name); err != nil {
		return 0, tunnelerr.Wrap(tunnelerr.PreconditionFailed, err, "credential "+name, "")
	}
	n, err := authkeys.RemoveTagged(s.AuthorizedKeys, s.marker(name))
	if err != nil {
		return 0, fmt.Errorf("revoke %s: %w", name, err)
	}
	if err := s.Registry.SetRevoked(ctx, name, true, s.now()); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return n, fmt.Errorf("record %s: %w", name, err)
	}
	logger.Infof("revoked credential %s: %d entries removed", name, n)
	return n, nil
}

// Delete revokes name and removes its key files and registry record.
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.Revoke(ctx, name); err != nil {
		return err
	}
	priv := s.privPath(name)
	for _, path := range []string{priv, priv + ".pub"} {
		err := os.Remove(path)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			logger.Infof("delete %s: %s already absent", name, path)
		default:
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	if _, err := s.Registry.DeleteCredential(ctx, name); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	logger.Infof("deleted credential %s", name)
	return nil
}

// List yields every credential in the key directory in directory order.
// The directory is read in batches; a missing directory yields nothing.
func (s *Store) List(ctx context.Context) iter.Seq2[Credential, error] {
	return func(yield func(Credential, error) bool) {
		dir, err := os.Open(s.Dir)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield(Credential{}, fmt.Errorf("open key dir: %w", err))
			return
		}
		defer dir.Close()

		for {
			entries, err := dir.ReadDir(listBatch)
			for _, e := range entries {
				name := e.Name()
				if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".pub") {
					continue
				}
				if endpoint.ValidName(name) != nil {
					continue
				}
				cred, gerr := s.Get(ctx, name)
				if errors.Is(gerr, tunnelerr.NotFound) {
					// Private half without a public half: an issuance
					// in progress.
					continue
				}
				if !yield(cred, gerr) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Credential{}, fmt.Errorf("read key dir: %w", err))
				return
			}
		}
	}
}

// PublicLine is the authorization line Authorize writes for cred.
func (s *Store) PublicLine(cred Credential) string {
	return authkeys.Line("", cred.Key.PublicKey, s.marker(cred.Name))
}
