package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/mrexodia/pipewatch/process"
)

// ErrServiceNotFound is returned for names missing from the services list.
var ErrServiceNotFound = errors.New("service not found")

// ============================================================================
// Configuration Structures
// ============================================================================

// GlobalConfig holds supervisor-wide settings
type GlobalConfig struct {
	Host              string        `yaml:"host,omitempty"`
	Port              int           `yaml:"port,omitempty"`
	LogLevel          string        `yaml:"log_level,omitempty"`
	Encoding          string        `yaml:"encoding,omitempty"` // Charset of child output; empty = platform default
	FailureWebhookURL string        `yaml:"failure_webhook_url,omitempty"`
	FailureRetries    int           `yaml:"failure_retries,omitempty"` // Consecutive failures before the webhook fires
	Authorization     string        `yaml:"authorization,omitempty"`   // BasicAuth credentials in format "username:password"
	PollInterval      time.Duration `yaml:"poll_interval,omitempty"`
	RestartDelay      time.Duration `yaml:"restart_delay,omitempty"`
}

// ServiceConfig describes one supervised process
type ServiceConfig struct {
	Name     string            `yaml:"name"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args,omitempty"`
	Workdir  string            `yaml:"workdir,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Enabled  *bool             `yaml:"enabled,omitempty"`  // nil means true
	Schedule string            `yaml:"schedule,omitempty"` // Cron schedule (empty = continuous service)
	Restart  bool              `yaml:"restart,omitempty"`  // Restart continuous services after a failing exit
}

// IsEnabled returns true if the service is enabled (nil means enabled)
func (sc *ServiceConfig) IsEnabled() bool {
	if sc.Enabled == nil {
		return true
	}
	return *sc.Enabled
}

// IsScheduled returns true if the service has a cron schedule
func (sc *ServiceConfig) IsScheduled() bool {
	return sc.Schedule != ""
}

// Split parses Command into the executable and its arguments. Args from the
// config are appended after the ones embedded in Command.
func (sc *ServiceConfig) Split() (string, []string, error) {
	parts, err := shlex.Split(sc.Command)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse command: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}
	args := append(parts[1:], sc.Args...)
	return parts[0], args, nil
}

// Environ builds the child environment. Later sources win: the OS
// environment, then <workdir>/.env, then the env map from the config.
func (sc *ServiceConfig) Environ() ([]string, error) {
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := strings.Index(env, "="); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	if sc.Workdir != "" {
		dotenvPath := filepath.Join(sc.Workdir, ".env")
		if _, err := os.Stat(dotenvPath); err == nil {
			dotenvVars, err := godotenv.Read(dotenvPath)
			if err != nil {
				return nil, fmt.Errorf("failed to parse .env file at %s: %w", dotenvPath, err)
			}
			for k, v := range dotenvVars {
				envMap[k] = v
			}
		}
	}

	for k, v := range sc.Env {
		envMap[k] = v
	}

	env := make([]string, 0, len(envMap))
	for k, v := range envMap {
		env = append(env, k+"="+v)
	}
	return env, nil
}

// ProcessSpec resolves the service into a launchable spec
func (sc *ServiceConfig) ProcessSpec() (process.Spec, error) {
	path, args, err := sc.Split()
	if err != nil {
		return process.Spec{}, err
	}
	env, err := sc.Environ()
	if err != nil {
		return process.Spec{}, err
	}
	return process.Spec{
		Name: sc.Name,
		Path: path,
		Args: args,
		Dir:  sc.Workdir,
		Env:  env,
	}, nil
}

// RootConfig wraps both global config and services in services.yaml
type RootConfig struct {
	GlobalConfig `yaml:",inline"` // Embed global config at top level
	Services     []ServiceConfig `yaml:"services"`
}

// Defaults fills unset fields
func (g *GlobalConfig) Defaults() {
	if g.Host == "" {
		g.Host = "127.0.0.1"
	}
	if g.Port == 0 {
		g.Port = 4321
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.FailureRetries == 0 {
		g.FailureRetries = 3
	}
	if g.PollInterval == 0 {
		g.PollInterval = 500 * time.Millisecond
	}
	if g.RestartDelay == 0 {
		g.RestartDelay = 5 * time.Second
	}
}

// LoadGlobalConfig loads the global configuration from services.yaml
func LoadGlobalConfig(path string) (GlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			var g GlobalConfig
			g.Defaults()
			return g, nil
		}
		return GlobalConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var root RootConfig
	if err := yaml.Unmarshal(data, &root); err != nil {
		return GlobalConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	root.GlobalConfig.Defaults()
	return root.GlobalConfig, nil
}

// ============================================================================
// Listener Interface
// ============================================================================

// Listener receives notifications about configuration changes
type Listener interface {
	// OnServicesUpdated is called when services configuration changes
	// services: complete ordered list of all services
	// toKill: names of services that need to be stopped
	OnServicesUpdated(services []ServiceConfig, toKill []string)
}

// Watcher owns services.yaml and notifies a Listener of changes
type Watcher struct {
	yamlPath string
	log      *logrus.Entry

	services []ServiceConfig

	// For change detection
	lastModTime  time.Time
	lastChecksum string

	// File watching
	checkInterval  time.Duration
	stopChan       chan struct{}
	stopOnce       sync.Once
	reloadChan     chan struct{} // for immediate reload after API changes
	reloadCooldown time.Duration
	lastReload     time.Time

	mu sync.RWMutex
}

// NewWatcher creates a watcher for the given file
func NewWatcher(yamlPath string, log *logrus.Entry) *Watcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Watcher{
		yamlPath:       yamlPath,
		log:            log.WithField("component", "config"),
		services:       make([]ServiceConfig, 0),
		checkInterval:  5 * time.Second,
		reloadCooldown: 2 * time.Second,
		stopChan:       make(chan struct{}),
		reloadChan:     make(chan struct{}, 1), // buffered to avoid blocking
	}
}

// SetCheckInterval changes how often the file is polled. Must be called
// before StartWatching.
func (w *Watcher) SetCheckInterval(d time.Duration) {
	w.checkInterval = d
	if w.reloadCooldown > d {
		w.reloadCooldown = d
	}
}

// StartWatching loads initial config and starts the file watcher in the background
func (w *Watcher) StartWatching(ctx context.Context, listener Listener) error {
	if err := w.loadFromDisk(); err != nil {
		return err
	}

	ticker := time.NewTicker(w.checkInterval)

	go func() {
		defer ticker.Stop()

		// Emit initial state (everything is "new")
		w.mu.RLock()
		initialServices := w.copyServices()
		w.mu.RUnlock()
		listener.OnServicesUpdated(initialServices, []string{})

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopChan:
				return
			case <-ticker.C:
				if err := w.checkAndReload(listener, false); err != nil {
					w.log.WithError(err).Warn("error checking for updates")
				}
			case <-w.reloadChan:
				if err := w.checkAndReload(listener, true); err != nil {
					w.log.WithError(err).Warn("error reloading after API change")
				}
			}
		}
	}()

	return nil
}

// Stop stops the file watcher
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}

// ============================================================================
// Watcher - The Only Place That Emits Events
// ============================================================================

func (w *Watcher) checkAndReload(listener Listener, skipCooldown bool) error {
	needsReload, reason, err := w.needsReload()
	if err != nil {
		return err
	}

	if !needsReload {
		return nil
	}

	if !skipCooldown {
		w.mu.RLock()
		timeSinceLastReload := time.Since(w.lastReload)
		w.mu.RUnlock()

		if timeSinceLastReload < w.reloadCooldown {
			return nil
		}
	}

	w.log.WithField("reason", reason).Info("change detected, reloading configuration")
	return w.reloadAndNotify(listener)
}

// reloadAndNotify is the ONLY method that notifies listeners
func (w *Watcher) reloadAndNotify(listener Listener) error {
	w.mu.Lock()

	fileInfo, err := os.Stat(w.yamlPath)
	if err != nil {
		w.mu.Unlock()
		return err
	}

	data, err := os.ReadFile(w.yamlPath)
	if err != nil {
		w.mu.Unlock()
		return err
	}

	var rootConfig RootConfig
	if err := yaml.Unmarshal(data, &rootConfig); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("invalid YAML: %w", err)
	}

	toKill := calculateServicesToKill(w.services, rootConfig.Services)

	w.services = rootConfig.Services
	w.lastModTime = fileInfo.ModTime()
	w.lastChecksum = checksum(data)
	w.lastReload = time.Now()
	services := w.copyServices()
	w.mu.Unlock()

	// Notify listeners AFTER state is updated
	w.log.WithField("to_kill", toKill).Info("services updated")
	listener.OnServicesUpdated(services, toKill)

	return nil
}

func (w *Watcher) needsReload() (bool, string, error) {
	fileInfo, err := os.Stat(w.yamlPath)
	if err != nil {
		return false, "", err
	}

	modTime := fileInfo.ModTime()

	w.mu.RLock()
	lastMod := w.lastModTime
	lastChecksum := w.lastChecksum
	w.mu.RUnlock()

	if modTime.Equal(lastMod) {
		return false, "", nil
	}

	sum, err := w.fileChecksum()
	if err != nil {
		return false, "", err
	}

	if sum == lastChecksum {
		// Only modtime changed, not content
		w.mu.Lock()
		w.lastModTime = modTime
		w.mu.Unlock()
		return false, "", nil
	}

	return true, "content changed", nil
}

// ============================================================================
// API Methods - Only Save, Never Notify Directly
// ============================================================================

// SetServiceEnabled persists the enabled flag of a service. The in-memory
// list is left alone until the watcher reloads the file, so the change shows
// up in toKill like an edit made by hand.
func (w *Watcher) SetServiceEnabled(name string, enabled bool) error {
	w.mu.Lock()

	index := w.indexLocked(name)
	if index == -1 {
		w.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrServiceNotFound)
	}

	services := w.copyServices()
	services[index].Enabled = &enabled

	if err := w.saveToDisk(services); err != nil {
		w.mu.Unlock()
		return err
	}

	w.mu.Unlock()

	w.triggerReload()
	return nil
}

// GetService returns a service config by name
func (w *Watcher) GetService(name string) (ServiceConfig, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if i := w.indexLocked(name); i >= 0 {
		return w.services[i], true
	}
	return ServiceConfig{}, false
}

// ListServices returns all services in file order
func (w *Watcher) ListServices() []ServiceConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.copyServices()
}

// triggerReload sends a signal to reload immediately
func (w *Watcher) triggerReload() {
	select {
	case w.reloadChan <- struct{}{}:
	default:
		// Already a pending reload, skip
	}
}

// ============================================================================
// Internal Methods
// ============================================================================

func (w *Watcher) indexLocked(name string) int {
	for i, svc := range w.services {
		if svc.Name == name {
			return i
		}
	}
	return -1
}

func (w *Watcher) copyServices() []ServiceConfig {
	result := make([]ServiceConfig, len(w.services))
	copy(result, w.services)
	return result
}

func (w *Watcher) loadFromDisk() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	fileInfo, err := os.Stat(w.yamlPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create empty services file
			w.services = make([]ServiceConfig, 0)
			if err := w.saveToDisk(w.services); err != nil {
				return err
			}
			fileInfo, err = os.Stat(w.yamlPath)
			if err != nil {
				return err
			}
		} else {
			return err
		}
	}

	data, err := os.ReadFile(w.yamlPath)
	if err != nil {
		return err
	}

	var rootConfig RootConfig
	if err := yaml.Unmarshal(data, &rootConfig); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	w.services = rootConfig.Services
	w.lastModTime = fileInfo.ModTime()
	w.lastChecksum = checksum(data)

	return nil
}

func (w *Watcher) saveToDisk(services []ServiceConfig) error {
	// Read existing file to preserve global config
	existingData, err := os.ReadFile(w.yamlPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var rootConfig RootConfig
	if len(existingData) > 0 {
		if err := yaml.Unmarshal(existingData, &rootConfig); err != nil {
			return err
		}
	}

	rootConfig.Services = services

	data, err := yaml.Marshal(rootConfig)
	if err != nil {
		return err
	}

	tempPath := w.yamlPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	if err := os.Rename(tempPath, w.yamlPath); err != nil {
		os.Remove(tempPath)
		return err
	}

	// lastModTime/checksum stay untouched so the watcher picks the change up
	return nil
}

func (w *Watcher) fileChecksum() (string, error) {
	data, err := os.ReadFile(w.yamlPath)
	if err != nil {
		return "", err
	}
	return checksum(data), nil
}

func checksum(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// calculateServicesToKill determines which services need to be stopped
func calculateServicesToKill(oldServices, newServices []ServiceConfig) []string {
	oldMap := make(map[string]ServiceConfig)
	for _, svc := range oldServices {
		oldMap[svc.Name] = svc
	}

	newMap := make(map[string]ServiceConfig)
	for _, svc := range newServices {
		newMap[svc.Name] = svc
	}

	toKill := []string{}

	// Kill deleted services
	for name := range oldMap {
		if _, exists := newMap[name]; !exists {
			toKill = append(toKill, name)
		}
	}

	// Kill modified services (requires restart anyway)
	for name, newSvc := range newMap {
		if oldSvc, exists := oldMap[name]; exists {
			if !serviceConfigsEqual(oldSvc, newSvc) {
				toKill = append(toKill, name)
			}
		}
	}

	return toKill
}

// serviceConfigsEqual compares two service configs for equality
func serviceConfigsEqual(a, b ServiceConfig) bool {
	if a.Name != b.Name || a.Command != b.Command ||
		a.Workdir != b.Workdir || a.Schedule != b.Schedule ||
		a.Restart != b.Restart || a.IsEnabled() != b.IsEnabled() {
		return false
	}

	if len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}

	if len(a.Env) != len(b.Env) {
		return false
	}
	for k, v := range a.Env {
		if bv, ok := b.Env[k]; !ok || bv != v {
			return false
		}
	}

	return true
}
