package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/easycli/internal/management"
)

// reloadDebounce coalesces bursts of fsnotify events into one reload; editors
// and atomic renames commonly emit several events per save.
const reloadDebounce = 150 * time.Millisecond

// Store resolves the current management connection. In local mode every
// resolution re-reads config.yaml so the shell follows port and secret-key
// changes without restarting; in remote mode the stored base URL and token
// are used.
type Store struct {
	mu sync.RWMutex

	configPath string
	mode       management.Mode

	remoteBaseURL string
	remoteKey     string

	watcher     *fsnotify.Watcher
	reloadTimer *time.Timer
	onChange    func(*Config)
	closeOnce   sync.Once
}

// NewStore creates a connection store in local mode reading config.yaml from
// configPath.
func NewStore(configPath string) *Store {
	return &Store{configPath: configPath, mode: management.ModeLocal}
}

// ConfigPath returns the config.yaml path this store reads in local mode.
func (s *Store) ConfigPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configPath
}

// Mode returns the currently selected connection mode.
func (s *Store) Mode() management.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// UseLocal switches the store to local mode.
func (s *Store) UseLocal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = management.ModeLocal
}

// UseRemote switches the store to remote mode with the given base URL and
// management token.
func (s *Store) UseRemote(baseURL, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = management.ModeRemote
	s.remoteBaseURL = strings.TrimSpace(baseURL)
	s.remoteKey = strings.TrimSpace(token)
}

// Connection resolves the management endpoint for the current mode. Local
// mode performs a fresh config.yaml read on every call.
func (s *Store) Connection() (management.Connection, error) {
	s.mu.RLock()
	mode := s.mode
	baseURL := s.remoteBaseURL
	token := s.remoteKey
	configPath := s.configPath
	s.mu.RUnlock()

	if mode == management.ModeRemote {
		if baseURL == "" || token == "" {
			return management.Connection{}, management.ErrMissingConnectionInfo
		}
		if _, err := url.Parse(baseURL); err != nil {
			return management.Connection{}, fmt.Errorf("%w: invalid base URL %q", management.ErrMissingConnectionInfo, baseURL)
		}
		return management.Connection{
			Mode:       management.ModeRemote,
			BaseURL:    baseURL,
			Credential: management.BearerToken(token),
		}, nil
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return management.Connection{}, fmt.Errorf("%w: %v", management.ErrConfigUnavailable, err)
	}
	return management.Connection{
		Mode:       management.ModeLocal,
		BaseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Port),
		Credential: management.ManagementKey(cfg.RemoteManagement.SecretKey),
		LocalPort:  cfg.Port,
	}, nil
}

// Watch starts observing config.yaml for changes and invokes onChange with
// the freshly parsed config after each settled edit. It is optional; the
// store stays correct without it because local reads are live.
func (s *Store) Watch(onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		_ = watcher.Close()
		return fmt.Errorf("config: store is already watching")
	}
	s.watcher = watcher
	s.onChange = onChange
	configPath := s.configPath
	s.mu.Unlock()

	// Watch the directory rather than the file so atomic renames keep the
	// watch alive.
	if err = watcher.Add(dirOf(configPath)); err != nil {
		_ = watcher.Close()
		s.mu.Lock()
		s.watcher = nil
		s.mu.Unlock()
		return err
	}

	go s.watchLoop(watcher, configPath)
	return nil
}

func (s *Store) watchLoop(watcher *fsnotify.Watcher, configPath string) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config watcher error: %v", err)
		}
	}
}

func (s *Store) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reloadTimer != nil {
		s.reloadTimer.Stop()
	}
	s.reloadTimer = time.AfterFunc(reloadDebounce, s.reload)
}

func (s *Store) reload() {
	s.mu.RLock()
	configPath := s.configPath
	onChange := s.onChange
	s.mu.RUnlock()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		log.Warnf("config reload failed: %v", err)
		return
	}
	log.WithField("port", cfg.Port).Debug("config reloaded")
	if onChange != nil {
		onChange(cfg)
	}
}

// Close stops the watcher, if any.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.reloadTimer != nil {
			s.reloadTimer.Stop()
			s.reloadTimer = nil
		}
		if s.watcher != nil {
			_ = s.watcher.Close()
			s.watcher = nil
		}
	})
}

func dirOf(path string) string {
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	return dir
}
