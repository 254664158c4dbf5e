// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cawka/ChronoShare/signing"
)

const keyFileName = "device.key"
const keyFileMode = 0o600

// loadOrCreateSigner loads the device's persisted ECDSA key from metaDir, or
// generates and persists a new one on first run. Device identity (spec §3
// "Device name") must stay stable across restarts, so the key can't simply
// be regenerated every start the way a demo might.
func loadOrCreateSigner(metaDir string) (*signing.ClearSigner, error) {
	path := filepath.Join(metaDir, keyFileName)

	raw, err := os.ReadFile(path)
	if err == nil {
		key, err := x509.ParseECPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("chronosync: parsing device key %s: %w", path, err)
		}
		return signing.NewClearSigner(key), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("chronosync: reading device key %s: %w", path, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("chronosync: generating device key: %w", err)
	}
	raw, err = x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("chronosync: marshaling device key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("chronosync: creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, raw, keyFileMode); err != nil {
		return nil, fmt.Errorf("chronosync: writing device key %s: %w", path, err)
	}
	return signing.NewClearSigner(key), nil
}
