// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
)

const masterKeyFile = "master.key"

// ErrUnencryptedData is returned when a master key exists on disk but no
// passphrase was given.
var ErrUnencryptedData = errors.New("master key exists but no passphrase is set")

// OpenStorage returns the object store for dataDir and its master key. With
// a passphrase the data is encrypted with the master key kept in dataDir,
// which is created on first use. Without one the data is stored unencrypted
// and the returned key is nil, unless a master key already exists.
func OpenStorage(dataDir, passphrase string) (*storage.Storage, crypto.MasterKey, error) {
	keyFile := filepath.Join(dataDir, masterKeyFile)
	var masterKey crypto.MasterKey

	if passphrase == "" {
		if _, err := os.Stat(keyFile); err == nil {
			return nil, nil, fmt.Errorf("%w: refusing to start in unencrypted mode (%s)", ErrUnencryptedData, keyFile)
		}
		log().Warn("No master key passphrase provided. Data will be stored UNENCRYPTED.")
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
		mk, err := crypto.ReadMasterKey([]byte(passphrase), keyFile)
		switch {
		case err == nil:
			log().Info("Loaded master encryption key.")
		case os.IsNotExist(err):
			log().Info("Initializing new master encryption key...")
			if mk, err = crypto.CreateMasterKey(); err != nil {
				return nil, nil, fmt.Errorf("creating master key: %w", err)
			}
			if err := mk.Save([]byte(passphrase), keyFile); err != nil {
				return nil, nil, fmt.Errorf("saving master key: %w", err)
			}
		default:
			return nil, nil, fmt.Errorf("reading master key: %w", err)
		}
		masterKey = mk
	}

	var s *storage.Storage
	if masterKey != nil {
		s = storage.New(dataDir, masterKey)
	} else {
		s = storage.New(dataDir, nil)
	}
	s.EnableCompression(true)
	return s, masterKey, nil
}
