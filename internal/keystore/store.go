// Package keystore keeps a client's per-room secrets on disk, sealed under a
// passphrase.
package keystore

import (
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"securechat/internal/apperror"
	"securechat/internal/crypto"
)

const entrySuffix = ".room.enc"

// ErrNotFound is returned for a room with no saved entry.
var ErrNotFound = apperror.NotFound("no saved keys for this room")

// Entry is what a member needs to rejoin a room: its identity, the room key
// and how it was known there.
type Entry struct {
	RoomID    string    `json:"room_id"`
	RoomName  string    `json:"room_name"`
	Nickname  string    `json:"nickname"`
	Relay     string    `json:"relay"`
	Identity  []byte    `json:"identity"`
	RoomKey   []byte    `json:"room_key"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
}

// NewEntry captures a live identity and room key.
func NewEntry(roomID, roomName, nickname string, identity *ecdh.PrivateKey, roomKey []byte) Entry {
	return Entry{
		RoomID:   roomID,
		RoomName: roomName,
		Nickname: nickname,
		Identity: identity.Bytes(),
		RoomKey:  append([]byte(nil), roomKey...),
	}
}

// PrivateKey restores the saved identity.
func (e Entry) PrivateKey() (*ecdh.PrivateKey, error) {
	return crypto.ImportPrivate(e.Identity)
}

// FileStore stores one sealed file per room under dir.
type FileStore struct {
	dir    string
	params Params
	mu     sync.Mutex
}

// NewFileStore returns a store rooted at dir. Zero params select DefaultParams.
func NewFileStore(dir string, params Params) *FileStore {
	if params.N == 0 {
		params = DefaultParams
	}
	return &FileStore{dir: dir, params: params}
}

// DefaultDir is ~/.securechat/keys.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".securechat", "keys"), nil
}

func (s *FileStore) path(roomID string) (string, error) {
	id, err := uuid.Parse(roomID)
	if err != nil {
		return "", apperror.InvalidInput("room id must be a uuid")
	}
	return filepath.Join(s.dir, id.String()+entrySuffix), nil
}

// Save seals e under passphrase, replacing any previous entry for the room.
func (s *FileStore) Save(passphrase string, e Entry) error {
	if passphrase == "" {
		return apperror.InvalidInput("passphrase is required")
	}
	if len(e.RoomKey) != crypto.RoomKeySize {
		return apperror.InvalidInput("room key has the wrong size")
	}
	path, err := s.path(e.RoomID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.SavedAt.IsZero() {
		e.SavedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	sealed, err := seal(passphrase, raw, []byte(e.RoomID), s.params)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	return writeFile(path, sealed, 0o600)
}

// Load opens the entry for roomID.
func (s *FileStore) Load(passphrase, roomID string) (Entry, error) {
	path, err := s.path(roomID)
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	raw, err := open(passphrase, b, []byte(roomID))
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode keystore entry: %w", err)
	}
	return e, nil
}

// Delete forgets a room. Deleting a missing entry is not an error.
func (s *FileStore) Delete(roomID string) error {
	path, err := s.path(roomID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the room ids with a saved entry, sorted. It needs no passphrase.
func (s *FileStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		id := strings.TrimSuffix(name, entrySuffix)
		if _, err := uuid.Parse(id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// writeFile writes via a temp file, then renames over the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
