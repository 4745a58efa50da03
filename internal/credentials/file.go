package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/alexjbarnes/rs-auth/internal/models"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// usersFile is the on-disk YAML shape:
//
//	users:
//	  alice: $2a$10$...
type usersFile struct {
	Users map[string]string `yaml:"users"`
}

// File verifies against a YAML users file and reloads it when it
// changes on disk.
type File struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	users Users
}

// LoadFile reads the users file at path.
func LoadFile(path string, logger *slog.Logger) (*File, error) {
	f := &File{path: path, logger: logger}
	if err := f.reload(); err != nil {
		return nil, err
	}

	return f, nil
}

func (f *File) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("reading users file: %w", err)
	}

	var uf usersFile
	if err := yaml.Unmarshal(data, &uf); err != nil {
		return fmt.Errorf("parsing users file: %w", err)
	}

	if len(uf.Users) == 0 {
		return fmt.Errorf("users file defines no users")
	}

	users := make(Users, len(uf.Users))
	for name, hash := range uf.Users {
		name = models.NormalizeUsername(name)
		if name == "" || hash == "" {
			return fmt.Errorf("users file has an empty username or hash")
		}

		users[name] = hash
	}

	f.mu.Lock()
	f.users = users
	f.mu.Unlock()

	return nil
}

// Verify reports whether password matches username's hash in the most
// recently loaded file.
func (f *File) Verify(ctx context.Context, service, username, password string) (bool, error) {
	f.mu.RLock()
	users := f.users
	f.mu.RUnlock()

	return verify(ctx, users, username, password)
}

// Len returns the number of users currently loaded.
func (f *File) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return len(f.users)
}

// Watch reloads the file whenever it is written or replaced. It blocks
// until ctx is cancelled. A reload that fails keeps the previous users.
// The parent directory is watched so that editors which replace the
// file by rename are picked up.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watching users file directory: %w", err)
	}

	target := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if err := f.reload(); err != nil {
				f.logger.Warn("users file reload failed", slog.String("error", err.Error()))
				continue
			}

			f.logger.Info("users file reloaded", slog.Int("users", f.Len()))

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			f.logger.Warn("users file watcher error", slog.String("error", err.Error()))
		}
	}
}
