package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/goosewin/fluxsweep/internal/filelock"
)

type settingsFile struct {
	Users map[string]json.RawMessage `json:"users"`
}

// FileBackend keeps every user's record in one JSON document guarded by a
// file lock, so several processes can share it.
type FileBackend struct {
	path string
	lock filelock.Lock
}

var _ Backend = (*FileBackend)(nil)

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{
		path: path,
		lock: filelock.Lock{File: path + ".lock", Timeout: 10 * time.Second},
	}
}

func (f *FileBackend) Load(_ context.Context, userID string) ([]byte, bool, error) {
	var (
		data  []byte
		found bool
	)
	err := f.lock.With(func() error {
		doc, err := f.read()
		if err != nil {
			return err
		}
		raw, ok := doc.Users[userID]
		if ok {
			data, found = append([]byte(nil), raw...), true
		}
		return nil
	})
	return data, found, err
}

func (f *FileBackend) Save(_ context.Context, userID string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("settings file stores JSON records only")
	}
	return f.lock.With(func() error {
		doc, err := f.read()
		if err != nil {
			return err
		}
		doc.Users[userID] = json.RawMessage(data)
		return f.write(doc)
	})
}

func (f *FileBackend) Delete(_ context.Context, userID string) error {
	return f.lock.With(func() error {
		doc, err := f.read()
		if err != nil {
			return err
		}
		if _, ok := doc.Users[userID]; !ok {
			return nil
		}
		delete(doc.Users, userID)
		return f.write(doc)
	})
}

func (f *FileBackend) Close() error { return nil }

func (f *FileBackend) read() (settingsFile, error) {
	doc := settingsFile{Users: map[string]json.RawMessage{}}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, fmt.Errorf("read settings file: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse settings file: %w", err)
	}
	if doc.Users == nil {
		doc.Users = map[string]json.RawMessage{}
	}
	return doc, nil
}

func (f *FileBackend) write(doc settingsFile) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings file: %w", err)
	}
	return filelock.WriteFileAtomic(f.path, data)
}
