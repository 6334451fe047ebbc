// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

// Package keypair generates and loads the ed25519 SSH keypairs that
// the rotation controller manages. A keypair lives in a slot
// directory as three files:
//
//	id_ed25519      private key, OpenSSH PEM, mode 0600
//	id_ed25519.pub  authorized_keys line with comment, mode 0640
//	manifest.cbor   creation time, comment, fingerprint, mode 0640
//
// Generation only ever writes into the staging slot; the active
// credential is never touched here.
package keypair

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fleetkey/fleetkey/lib/codec"
	"github.com/fleetkey/fleetkey/lib/fault"
	"github.com/fleetkey/fleetkey/lib/secret"
)

// File names inside a slot directory. These names are the on-disk
// contract with the proxy daemon and must not change.
const (
	PrivateKeyFile = "id_ed25519"
	PublicKeyFile  = "id_ed25519.pub"
	ManifestFile   = "manifest.cbor"
)

// File and directory modes for slot contents.
const (
	PrivateKeyMode = 0o600
	PublicKeyMode  = 0o640
	SlotDirMode    = 0o750
)

// Keypair describes a generated keypair. Only public material and
// metadata live here; the private key stays on disk and is loaded
// through LoadSigner when needed.
type Keypair struct {
	// PublicKey is the full authorized_keys line including the comment.
	PublicKey string `cbor:"public_key"`

	// Fingerprint is the SHA256 fingerprint of the public key, in the
	// "SHA256:..." format OpenSSH prints.
	Fingerprint string `cbor:"fingerprint"`

	// CreatedAt is the generation timestamp (UTC).
	CreatedAt time.Time `cbor:"created_at"`

	// Comment is the free-text label baked into the public key line.
	Comment string `cbor:"comment"`
}

// Generate wipes and recreates the directory at stagingDir, then
// writes a fresh ed25519 keypair into it. Any stale prior staging
// attempt is removed first so a retry never mixes old and new
// material. Failures are fault.Filesystem errors.
func Generate(stagingDir, comment string) (*Keypair, error) {
	if err := os.RemoveAll(stagingDir); err != nil {
		return nil, fault.Filesystem("clearing staging directory %s: %w", stagingDir, err)
	}
	if err := os.MkdirAll(stagingDir, SlotDirMode); err != nil {
		return nil, fault.Filesystem("creating staging directory %s: %w", stagingDir, err)
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privateKey, comment)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(pemBlock)
	defer secret.Zero(pemBytes)

	sshPublicKey, err := ssh.NewPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}
	authorizedKey := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPublicKey)))
	if comment != "" {
		authorizedKey = authorizedKey + " " + comment
	}

	kp := &Keypair{
		PublicKey:   authorizedKey,
		Fingerprint: ssh.FingerprintSHA256(sshPublicKey),
		CreatedAt:   time.Now().UTC(),
		Comment:     comment,
	}

	privatePath := filepath.Join(stagingDir, PrivateKeyFile)
	if err := os.WriteFile(privatePath, pemBytes, PrivateKeyMode); err != nil {
		return nil, fault.Filesystem("writing private key to %s: %w", privatePath, err)
	}
	publicPath := filepath.Join(stagingDir, PublicKeyFile)
	if err := os.WriteFile(publicPath, []byte(authorizedKey+"\n"), PublicKeyMode); err != nil {
		return nil, fault.Filesystem("writing public key to %s: %w", publicPath, err)
	}
	if err := WriteManifest(stagingDir, kp); err != nil {
		return nil, err
	}

	return kp, nil
}

// WriteManifest writes the slot manifest for kp into dir.
func WriteManifest(dir string, kp *Keypair) error {
	data, err := codec.Marshal(kp)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	manifestPath := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(manifestPath, data, PublicKeyMode); err != nil {
		return fault.Filesystem("writing manifest to %s: %w", manifestPath, err)
	}
	return nil
}

// LoadManifest reads the slot manifest from dir.
func LoadManifest(dir string) (*Keypair, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var kp Keypair
	if err := codec.Unmarshal(data, &kp); err != nil {
		return nil, fmt.Errorf("decoding manifest in %s: %w", dir, err)
	}
	return &kp, nil
}

// LoadSigner reads the private key from dir and returns an ssh.Signer
// for verification probes. The key bytes pass through an mmap-backed
// secret buffer and are zeroed once parsed; the parsed key itself is
// a heap value owned by the ssh package and is reclaimed by GC.
func LoadSigner(dir string) (ssh.Signer, error) {
	buffer, err := secret.ReadFile(filepath.Join(dir, PrivateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("reading private key in %s: %w", dir, err)
	}
	defer buffer.Close()

	signer, err := ssh.ParsePrivateKey(buffer.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parsing private key in %s: %w", dir, err)
	}
	return signer, nil
}
