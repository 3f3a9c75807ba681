package sshserver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
)

const hostKeyComment = "devgate host key"

// EnsureHostKey returns the ed25519 host key stored at path, generating it on
// first use. An existing key readable by group or others is refused, since
// anyone able to read it can impersonate the gateway.
func EnsureHostKey(ctx context.Context, path string) (ssh.Signer, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("ssh host key path is required")
	}
	log := pslog.Ctx(ctx).With("path", path)
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("host key %s is not a regular file", path)
		}
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			return nil, fmt.Errorf("host key %s has mode %#o; restrict it to the owner (chmod 600)", path, perm)
		}
		signer, err := loadHostKey(path)
		if err != nil {
			return nil, err
		}
		log.Debug("ssh host key loaded", "fingerprint", ssh.FingerprintSHA256(signer.PublicKey()))
		return signer, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("stat host key: %w", err)
	}

	signer, err := generateHostKey(path)
	if err != nil {
		return nil, err
	}
	log.Info("ssh host key generated", "fingerprint", ssh.FingerprintSHA256(signer.PublicKey()))
	return signer, nil
}

func generateHostKey(path string) (ssh.Signer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create host key dir: %w", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, hostKeyComment)
	if err != nil {
		return nil, fmt.Errorf("marshal host key: %w", err)
	}
	// O_EXCL: a concurrent start that won the race keeps its key.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return loadHostKey(path)
		}
		return nil, fmt.Errorf("write host key: %w", err)
	}
	if err := pem.Encode(file, block); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("encode host key: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close host key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}

func loadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return signer, nil
}
