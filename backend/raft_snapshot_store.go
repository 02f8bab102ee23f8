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
	"io"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
)

var snapshotContext = []byte("cricketscorer-snapshot")

// sealedSnapshotStore keeps snapshot archives encrypted on disk. Open
// returns the plaintext stream, which is what followers receive.
type sealedSnapshotStore struct {
	raft.SnapshotStore
	key crypto.EncryptionKey
}

func newSealedSnapshotStore(inner raft.SnapshotStore, key crypto.EncryptionKey) *sealedSnapshotStore {
	return &sealedSnapshotStore{SnapshotStore: inner, key: key}
}

func (s *sealedSnapshotStore) Create(version raft.SnapshotVersion, index, term uint64, configuration raft.Configuration, configurationIndex uint64, trans raft.Transport) (raft.SnapshotSink, error) {
	sink, err := s.SnapshotStore.Create(version, index, term, configuration, configurationIndex, trans)
	if err != nil {
		return nil, err
	}
	w, err := s.key.StartWriter(snapshotContext, sink)
	if err != nil {
		sink.Cancel()
		return nil, err
	}
	return &sealedSink{SnapshotSink: sink, w: w}, nil
}

func (s *sealedSnapshotStore) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	meta, rc, err := s.SnapshotStore.Open(id)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.key.StartReader(snapshotContext, rc)
	if err != nil {
		rc.Close()
		return nil, nil, err
	}
	return meta, &openedSnapshot{r: r, file: rc}, nil
}

type sealedSink struct {
	raft.SnapshotSink
	w crypto.StreamWriter
}

func (s *sealedSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Close flushes the last encrypted chunk before committing the snapshot.
func (s *sealedSink) Close() error {
	if err := s.w.Close(); err != nil {
		s.SnapshotSink.Cancel()
		return err
	}
	return s.SnapshotSink.Close()
}

func (s *sealedSink) Cancel() error {
	return errors.Join(s.w.Close(), s.SnapshotSink.Cancel())
}

type openedSnapshot struct {
	r    crypto.StreamReader
	file io.Closer
}

func (o *openedSnapshot) Read(p []byte) (int, error) {
	return o.r.Read(p)
}

func (o *openedSnapshot) Close() error {
	return errors.Join(o.r.Close(), o.file.Close())
}
