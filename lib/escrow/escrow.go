// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

// Package escrow seals archived private keys with age encryption.
//
// Archived and failed slots are kept forever for forensics. When
// escrow recipients are configured, the plaintext private key in a
// freshly archived slot gains an age-encrypted sibling
// (id_ed25519.age) sealed to the operator escrow keys, so long-term
// archives can later be scrubbed of plaintext without losing the
// forensic record. Sealing happens after the archive rename completes
// and never touches the active, backup, or staging slots.
package escrow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/fleetkey/fleetkey/lib/keypair"
	"github.com/fleetkey/fleetkey/lib/secret"
)

// SealedKeyFile is the name of the encrypted private key written
// alongside the plaintext in an archived slot.
const SealedKeyFile = "id_ed25519.age"

// ParseRecipients validates a list of age public key strings
// (age1... format) and returns the parsed recipients. At least one
// key is required.
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one escrow recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing escrow recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return recipients, nil
}

// SealSlot encrypts the private key in slotDir to the given
// recipients, writing id_ed25519.age next to it. The plaintext key
// file is left in place; removing it is an operator decision.
func SealSlot(slotDir string, recipientKeys []string) error {
	recipients, err := ParseRecipients(recipientKeys)
	if err != nil {
		return err
	}

	buffer, err := secret.ReadFile(filepath.Join(slotDir, keypair.PrivateKeyFile))
	if err != nil {
		return fmt.Errorf("reading private key in %s: %w", slotDir, err)
	}
	defer buffer.Close()

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(buffer.Bytes()); err != nil {
		return fmt.Errorf("encrypting private key: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}

	sealedPath := filepath.Join(slotDir, SealedKeyFile)
	if err := os.WriteFile(sealedPath, ciphertext.Bytes(), keypair.PrivateKeyMode); err != nil {
		return fmt.Errorf("writing sealed key to %s: %w", sealedPath, err)
	}
	return nil
}

// Unseal decrypts a sealed key file with an age identity string
// (AGE-SECRET-KEY-1... format). The plaintext is returned in a
// protected buffer; the caller must Close it.
func Unseal(path, identityString string) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(identityString)
	if err != nil {
		return nil, fmt.Errorf("parsing escrow identity: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := age.Decrypt(file, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", path, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted key: %w", err)
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting decrypted key: %w", err)
	}
	return buffer, nil
}
