package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hitrelay/hitrelay/config"
)

// FileStore keeps settings in a YAML file. Every Set rewrites the whole file
// through a temporary file and a rename, so a crash never leaves it half
// written.
type FileStore struct {
	Config config.Config `inject:""`

	// Path is the settings file; taken from the config when empty.
	Path string

	mut    sync.Mutex
	values map[string]string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string) (*FileStore, error) {
	f := &FileStore{Path: path}
	if err := f.Start(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileStore) Start() error {
	if f.Path == "" && f.Config != nil {
		f.Path = f.Config.GetSettingsConfig().Path
	}
	if f.Path == "" {
		return errors.New("settings file path is empty")
	}

	f.mut.Lock()
	defer f.mut.Unlock()
	f.values = make(map[string]string)

	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading settings file %s: %w", f.Path, err)
	}
	if err := yaml.Unmarshal(data, &f.values); err != nil {
		return fmt.Errorf("parsing settings file %s: %w", f.Path, err)
	}
	if f.values == nil {
		f.values = make(map[string]string)
	}
	return nil
}

func (f *FileStore) Get(_ context.Context, key string) (string, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	v, ok := f.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *FileStore) Set(_ context.Context, key, value string) error {
	f.mut.Lock()
	defer f.mut.Unlock()

	prev, existed := f.values[key]
	f.values[key] = value
	if err := f.write(); err != nil {
		if existed {
			f.values[key] = prev
		} else {
			delete(f.values, key)
		}
		return err
	}
	return nil
}

// write must be called with the lock held.
func (f *FileStore) write() error {
	data, err := yaml.Marshal(f.values)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".settings-*")
	if err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("replacing settings file %s: %w", f.Path, err)
	}
	return nil
}
