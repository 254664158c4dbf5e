// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package signing implements the signer the spec's §1 delegates cryptographic
// signing of outbound data packets to. Grounded directly on the teacher's
// security/signing/signer_test.go, which exercises exactly this
// ECDSA-P256/SHA-256 sign-then-verify shape; the production ClearSigner type
// referenced there (security/signing package) is reconstructed here since
// only its test file survived retrieval.
package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
)

// Signature is a detached ECDSA signature over a SHA-256 digest.
type Signature struct {
	R, S *big.Int
}

// Verify reports whether sig is a valid signature over hash under pub.
func (sig Signature) Verify(pub *ecdsa.PublicKey, hash []byte) bool {
	if pub == nil || sig.R == nil || sig.S == nil {
		return false
	}
	return ecdsa.Verify(pub, hash, sig.R, sig.S)
}

// Signer is the collaborator the content server calls on every outbound data
// packet (spec §1, §4.E).
type Signer interface {
	Sign(hash []byte) (Signature, error)
	PublicKey() *ecdsa.PublicKey
}

// ClearSigner signs with an in-memory, unencrypted ECDSA private key. Named
// after the teacher's NewClearSigner constructor exercised in
// signer_test.go.
type ClearSigner struct {
	key *ecdsa.PrivateKey
}

var _ Signer = (*ClearSigner)(nil)

// NewClearSigner wraps an existing ECDSA private key.
func NewClearSigner(key *ecdsa.PrivateKey) *ClearSigner {
	return &ClearSigner{key: key}
}

// GenerateClearSigner creates a fresh P256 key pair and wraps it, the pattern
// signer_test.go uses to build a signer for its round-trip test.
func GenerateClearSigner() (*ClearSigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewClearSigner(key), nil
}

func (s *ClearSigner) Sign(hash []byte) (Signature, error) {
	r, ss, err := ecdsa.Sign(rand.Reader, s.key, hash)
	if err != nil {
		return Signature{}, err
	}
	return Signature{R: r, S: ss}, nil
}

func (s *ClearSigner) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// SignBytes is a convenience that hashes data with SHA-256 then signs it,
// the exact sequence signer_test.go drives by hand for each test case.
func SignBytes(s Signer, data []byte) (Signature, error) {
	h := sha256.Sum256(data)
	return s.Sign(h[:])
}

// VerifyBytes is the Verify-side counterpart of SignBytes.
func VerifyBytes(pub *ecdsa.PublicKey, data []byte, sig Signature) bool {
	h := sha256.Sum256(data)
	return sig.Verify(pub, h[:])
}
