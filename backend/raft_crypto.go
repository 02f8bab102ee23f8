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

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
)

const logKeyFile = "log.key"

// loadLogKey returns the key that seals the Raft log of dir. The key is
// stored in dir, encrypted with the master key, and created on first use.
func loadLogKey(dir string, mk crypto.MasterKey) (crypto.EncryptionKey, error) {
	path := filepath.Join(dir, logKeyFile)
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		key, err := mk.ReadEncryptedKey(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	log().Info("Generating Raft log encryption key...")
	key, err := mk.NewKey()
	if err != nil {
		return nil, fmt.Errorf("generating log key: %w", err)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	if err := key.WriteEncryptedKey(out); err != nil {
		out.Close()
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return nil, err
	}
	return key, nil
}

// sealedLogStore encrypts the data of every log entry before it reaches
// the inner store. Indexes and terms stay in the clear.
type sealedLogStore struct {
	raft.LogStore
	key crypto.EncryptionKey
}

func newSealedLogStore(inner raft.LogStore, key crypto.EncryptionKey) *sealedLogStore {
	return &sealedLogStore{LogStore: inner, key: key}
}

func (s *sealedLogStore) seal(l *raft.Log) (*raft.Log, error) {
	if len(l.Data) == 0 {
		return l, nil
	}
	data, err := s.key.Encrypt(l.Data)
	if err != nil {
		return nil, fmt.Errorf("sealing log %d: %w", l.Index, err)
	}
	sealed := *l
	sealed.Data = data
	return &sealed, nil
}

func (s *sealedLogStore) GetLog(index uint64, l *raft.Log) error {
	if err := s.LogStore.GetLog(index, l); err != nil {
		return err
	}
	if len(l.Data) == 0 {
		return nil
	}
	data, err := s.key.Decrypt(l.Data)
	if err != nil {
		return fmt.Errorf("opening log %d: %w", index, err)
	}
	l.Data = data
	return nil
}

func (s *sealedLogStore) StoreLog(l *raft.Log) error {
	sealed, err := s.seal(l)
	if err != nil {
		return err
	}
	return s.LogStore.StoreLog(sealed)
}

func (s *sealedLogStore) StoreLogs(logs []*raft.Log) error {
	sealed := make([]*raft.Log, len(logs))
	for i, l := range logs {
		var err error
		if sealed[i], err = s.seal(l); err != nil {
			return err
		}
	}
	return s.LogStore.StoreLogs(sealed)
}
