// Package config provides configuration management for displaywatch.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"displayconfig/display"

	"github.com/rs/zerolog"
)

// Config represents the application configuration
type Config struct {
	// Labels gives displays human-readable names
	Labels []DisplayLabel `json:"labels"`

	// General contains general application settings
	General GeneralConfig `json:"general"`
}

// DisplayLabel names one display
type DisplayLabel struct {
	// ID is the display identity as reported by the platform adapter
	ID display.Identity `json:"id"`

	// Name is the label shown instead of the identity (e.g. "Left", "Projector")
	Name string `json:"name"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	// LogLevel is a zerolog level name ("debug", "info", "warn", ...)
	LogLevel string `json:"log_level"`

	// Policy overrides the platform's signal policy ("windows", "macos", "all").
	// Empty uses the platform default.
	Policy string `json:"policy,omitempty"`

	// ShowNotifications updates the tray tooltip on every event
	ShowNotifications bool `json:"show_notifications"`

	// APIEnabled enables the HTTP API and event stream
	APIEnabled bool `json:"api_enabled"`

	// APIPort is the port for the API server (default: 18090)
	APIPort int `json:"api_port"`

	// APIToken is an optional authentication token for API requests
	APIToken string `json:"api_token,omitempty"`

	// RemoteAddr is the Address:Port of another displaywatch to follow
	RemoteAddr string `json:"remote_addr,omitempty"`

	// ReplayIntervalMS is the pause between replay scenario steps
	ReplayIntervalMS int `json:"replay_interval_ms"`
}

// DefaultConfig returns a new Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Labels: []DisplayLabel{},
		General: GeneralConfig{
			LogLevel:          "info",
			ShowNotifications: true,
			APIEnabled:        false,
			APIPort:           18090,
			ReplayIntervalMS:  1000,
		},
	}
}

// Level returns the configured log level, or info when it does not parse
func (g GeneralConfig) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(g.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// ReplayInterval returns ReplayIntervalMS as a duration
func (g GeneralConfig) ReplayInterval() time.Duration {
	if g.ReplayIntervalMS <= 0 {
		return 0
	}
	return time.Duration(g.ReplayIntervalMS) * time.Millisecond
}

// Manager handles loading and saving configuration
type Manager struct {
	mu         sync.Mutex
	configPath string
	config     *Config
	onChanged  func()
	log        zerolog.Logger
}

// NewManager creates a configuration manager for the per-user config file
func NewManager(log zerolog.Logger) (*Manager, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	return NewManagerAt(configPath, log), nil
}

// NewManagerAt creates a configuration manager for an explicit file
func NewManagerAt(path string, log zerolog.Logger) *Manager {
	return &Manager{
		configPath: path,
		config:     DefaultConfig(),
		log:        log.With().Str("component", "config").Logger(),
	}
}

// Path returns the file the manager reads and writes
func (m *Manager) Path() string {
	return m.configPath
}

// getConfigPath returns the path to the configuration file
func getConfigPath() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "displaywatch")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		configDir = filepath.Join(appData, "displaywatch")
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".config", "displaywatch")
	}

	return filepath.Join(configDir, "config.json"), nil
}

// Load reads the configuration from disk. A missing file leaves the defaults.
func (m *Manager) Load() error {
	m.mu.Lock()
	data, err := os.ReadFile(m.configPath)
	if errors.Is(err, os.ErrNotExist) {
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.mu.Unlock()
		return err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("parse %s: %w", m.configPath, err)
	}
	m.config = cfg
	onChanged := m.onChanged
	m.mu.Unlock()

	if onChanged != nil {
		onChanged()
	}
	return nil
}

// Save writes the configuration to disk, creating its directory
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return err
	}

	m.log.Debug().Str("path", m.configPath).Int("bytes", len(data)).Msg("saving configuration")
	return os.WriteFile(m.configPath, data, 0644)
}

// Get returns a copy of the current configuration
func (m *Manager) Get() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := *m.config
	cfg.Labels = append([]DisplayLabel(nil), m.config.Labels...)
	return cfg
}

// Set updates the configuration
func (m *Manager) Set(config Config) {
	m.mu.Lock()
	m.config = &config
	onChanged := m.onChanged
	m.mu.Unlock()
	if onChanged != nil {
		onChanged()
	}
}

// RegisterChangeCallback registers a function to be called when config changes
func (m *Manager) RegisterChangeCallback(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChanged = fn
}

// Label returns the name given to id, or "" when it has none
func (m *Manager) Label(id display.Identity) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.config.Labels {
		if l.ID == id {
			return l.Name
		}
	}
	return ""
}

// SetLabel updates or adds the label for a display
func (m *Manager) SetLabel(id display.Identity, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.config.Labels {
		if m.config.Labels[i].ID == id {
			m.config.Labels[i].Name = name
			return
		}
	}
	m.config.Labels = append(m.config.Labels, DisplayLabel{ID: id, Name: name})
}

// DeleteLabel removes the label for a display
func (m *Manager) DeleteLabel(id display.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.config.Labels {
		if m.config.Labels[i].ID == id {
			m.config.Labels = append(m.config.Labels[:i], m.config.Labels[i+1:]...)
			return
		}
	}
}

// Describe returns "label (id)" for labelled displays and the bare id otherwise
func (m *Manager) Describe(id display.Identity) string {
	if name := m.Label(id); name != "" {
		return fmt.Sprintf("%s (%s)", name, id)
	}
	return string(id)
}

// SyncFromRemote pulls display labels from the displaywatch at RemoteAddr
func (m *Manager) SyncFromRemote() error {
	m.mu.Lock()
	general := m.config.General
	m.mu.Unlock()

	if general.RemoteAddr == "" {
		return nil
	}

	url := fmt.Sprintf("http://%s/api/config", general.RemoteAddr)
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return err
	}

	if general.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+general.APIToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("remote returned status %d: %s", resp.StatusCode, string(body))
	}

	var remote Config
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		return err
	}

	m.mu.Lock()
	if len(remote.Labels) > 0 {
		m.config.Labels = remote.Labels
	}
	m.mu.Unlock()

	m.log.Info().Str("remote", general.RemoteAddr).Int("labels", len(remote.Labels)).Msg("synced labels")
	return m.Save()
}
