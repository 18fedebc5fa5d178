// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// aegnix-keygen generates the dual keypair an Atomic Expert needs to
// register with the ABI: an Ed25519 signing keypair and an ECDSA
// P-256 attestation keypair. The private halves are written to the
// output directory with owner-only permissions; the public halves are
// printed base64-encoded, ready to paste into a /register request.
package main

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/aegnix-foundation/aegnix/lib/identity"
	"github.com/aegnix-foundation/aegnix/lib/process"
	"github.com/aegnix-foundation/aegnix/lib/version"
)

const (
	signingKeyFile     = "ae-signing-key"
	attestationKeyFile = "ae-attestation-key"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("aegnix-keygen", pflag.ContinueOnError)
	outDir := flagSet.String("out", ".", "directory to write the private keys to")
	force := flagSet.Bool("force", false, "overwrite existing key files")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		version.Print("aegnix-keygen")
		return nil
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}
	signingPath := filepath.Join(*outDir, signingKeyFile)
	attestationPath := filepath.Join(*outDir, attestationKeyFile)
	if !*force {
		for _, path := range []string{signingPath, attestationPath} {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}
	}

	signingPub, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}
	attestationPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating attestation key: %w", err)
	}

	if err := os.WriteFile(signingPath, signingPriv, 0o600); err != nil {
		return err
	}
	attestationDER, err := x509.MarshalPKCS8PrivateKey(attestationPriv)
	if err != nil {
		return fmt.Errorf("encoding attestation key: %w", err)
	}
	if err := os.WriteFile(attestationPath, attestationDER, 0o600); err != nil {
		return err
	}

	attestationPubDER, err := identity.MarshalAttestationKey(&attestationPriv.PublicKey)
	if err != nil {
		return err
	}

	fmt.Printf("wrote %s and %s\n\n", signingPath, attestationPath)
	fmt.Printf("signing_key:     %s\n", base64.StdEncoding.EncodeToString(signingPub))
	fmt.Printf("attestation_key: %s\n", base64.StdEncoding.EncodeToString(attestationPubDER))
	return nil
}
