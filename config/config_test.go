package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Test Fixtures and Helpers
// ============================================================================

type mockListener struct {
	mu      sync.Mutex
	updates []updateEvent
}

type updateEvent struct {
	services []ServiceConfig
	toKill   []string
}

func (m *mockListener) OnServicesUpdated(services []ServiceConfig, toKill []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, updateEvent{services: services, toKill: toKill})
}

func (m *mockListener) snapshot() []updateEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.updates)
}

func (m *mockListener) waitForUpdates(t *testing.T, n int) []updateEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if updates := m.snapshot(); len(updates) >= n {
			return updates
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected at least %d updates, got: %d", n, len(m.snapshot()))
	return nil
}

func createTempYAML(t *testing.T, content string) string {
	t.Helper()
	yamlPath := filepath.Join(t.TempDir(), "services.yaml")
	if content != "" {
		if err := os.WriteFile(yamlPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to create temp YAML: %v", err)
		}
	}
	return yamlPath
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestWatcher(t *testing.T, yamlPath string) *Watcher {
	t.Helper()
	w := NewWatcher(yamlPath, quietLog())
	w.SetCheckInterval(50 * time.Millisecond)
	t.Cleanup(w.Stop)
	return w
}

// ============================================================================
// LoadGlobalConfig Tests
// ============================================================================

func TestLoadGlobalConfig_NonExistentFile(t *testing.T) {
	cfg, err := LoadGlobalConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Expected no error for non-existent file, got: %v", err)
	}

	want := GlobalConfig{
		Host:           "127.0.0.1",
		Port:           4321,
		LogLevel:       "info",
		FailureRetries: 3,
		PollInterval:   500 * time.Millisecond,
		RestartDelay:   5 * time.Second,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("Unexpected defaults (-want +got):\n%s", diff)
	}
}

func TestLoadGlobalConfig_ValidFile(t *testing.T) {
	yamlPath := createTempYAML(t, `host: 0.0.0.0
port: 8080
log_level: debug
encoding: windows-1252
failure_webhook_url: https://example.com/webhook
failure_retries: 5
authorization: user:pass
poll_interval: 2s
restart_delay: 1m
services:
  - name: test-service
    command: echo
`)

	cfg, err := LoadGlobalConfig(yamlPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	want := GlobalConfig{
		Host:              "0.0.0.0",
		Port:              8080,
		LogLevel:          "debug",
		Encoding:          "windows-1252",
		FailureWebhookURL: "https://example.com/webhook",
		FailureRetries:    5,
		Authorization:     "user:pass",
		PollInterval:      2 * time.Second,
		RestartDelay:      time.Minute,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("Unexpected config (-want +got):\n%s", diff)
	}
}

func TestLoadGlobalConfig_PartialDefaults(t *testing.T) {
	yamlPath := createTempYAML(t, `failure_webhook_url: https://example.com/webhook
services: []
`)

	cfg, err := LoadGlobalConfig(yamlPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Port != 4321 {
		t.Errorf("Expected default port, got: %d", cfg.Port)
	}
	if cfg.FailureWebhookURL != "https://example.com/webhook" {
		t.Errorf("Expected custom webhook URL, got: %s", cfg.FailureWebhookURL)
	}
}

func TestLoadGlobalConfig_InvalidYAML(t *testing.T) {
	yamlPath := createTempYAML(t, `this is: [invalid yaml`)

	if _, err := LoadGlobalConfig(yamlPath); err == nil {
		t.Fatal("Expected error for invalid YAML, got nil")
	}
}

// ============================================================================
// ServiceConfig Tests
// ============================================================================

func TestServiceConfig_IsEnabled(t *testing.T) {
	enabled, disabled := true, false
	tests := []struct {
		name    string
		enabled *bool
		want    bool
	}{
		{"nil means true", nil, true},
		{"explicit true", &enabled, true},
		{"explicit false", &disabled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := ServiceConfig{Name: "test", Command: "echo", Enabled: tt.enabled}
			if svc.IsEnabled() != tt.want {
				t.Errorf("Expected IsEnabled() to be %v, got: %v", tt.want, svc.IsEnabled())
			}
		})
	}
}

func TestServiceConfig_IsScheduled(t *testing.T) {
	tests := []struct {
		schedule string
		want     bool
	}{
		{"", false},
		{"*/5 * * * *", true},
		{"@daily", true},
	}

	for _, tt := range tests {
		svc := ServiceConfig{Name: "test", Command: "echo", Schedule: tt.schedule}
		if svc.IsScheduled() != tt.want {
			t.Errorf("Expected IsScheduled() for %q to be %v, got: %v", tt.schedule, tt.want, svc.IsScheduled())
		}
	}
}

func TestServiceConfig_Split(t *testing.T) {
	svc := ServiceConfig{
		Command: `python -u "my script.py" --flag`,
		Args:    []string{"extra arg"},
	}

	path, args, err := svc.Split()
	if err != nil {
		t.Fatalf("Failed to split command: %v", err)
	}
	if path != "python" {
		t.Errorf("Expected path python, got: %s", path)
	}
	if diff := cmp.Diff([]string{"-u", "my script.py", "--flag", "extra arg"}, args); diff != "" {
		t.Errorf("Unexpected args (-want +got):\n%s", diff)
	}
}

func TestServiceConfig_Split_Empty(t *testing.T) {
	svc := ServiceConfig{Command: "   "}
	if _, _, err := svc.Split(); err == nil {
		t.Fatal("Expected error for empty command, got nil")
	}
}

func TestServiceConfig_Split_UnterminatedQuote(t *testing.T) {
	svc := ServiceConfig{Command: `echo "oops`}
	if _, _, err := svc.Split(); err == nil {
		t.Fatal("Expected error for unterminated quote, got nil")
	}
}

func TestServiceConfig_Environ_Precedence(t *testing.T) {
	t.Setenv("PIPEWATCH_FROM_OS", "os")
	t.Setenv("PIPEWATCH_OVERRIDE", "os")

	dir := t.TempDir()
	dotenv := "PIPEWATCH_FROM_DOTENV=dotenv\nPIPEWATCH_OVERRIDE=dotenv\nPIPEWATCH_CONFIG_WINS=dotenv\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0644); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}

	svc := ServiceConfig{
		Workdir: dir,
		Env:     map[string]string{"PIPEWATCH_CONFIG_WINS": "config"},
	}
	env, err := svc.Environ()
	if err != nil {
		t.Fatalf("Failed to build environment: %v", err)
	}

	got := make(map[string]string)
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}

	want := map[string]string{
		"PIPEWATCH_FROM_OS":     "os",
		"PIPEWATCH_FROM_DOTENV": "dotenv",
		"PIPEWATCH_OVERRIDE":    "dotenv",
		"PIPEWATCH_CONFIG_WINS": "config",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Expected %s=%s, got: %q", k, v, got[k])
		}
	}
}

func TestServiceConfig_Environ_NoDotenv(t *testing.T) {
	svc := ServiceConfig{Workdir: t.TempDir(), Env: map[string]string{"ONLY": "me"}}
	env, err := svc.Environ()
	if err != nil {
		t.Fatalf("Failed to build environment: %v", err)
	}
	if !slices.Contains(env, "ONLY=me") {
		t.Fatalf("Expected ONLY=me in environment, got: %v", env)
	}
}

func TestServiceConfig_ProcessSpec(t *testing.T) {
	dir := t.TempDir()
	svc := ServiceConfig{Name: "web", Command: "server --port 80", Workdir: dir}

	spec, err := svc.ProcessSpec()
	if err != nil {
		t.Fatalf("Failed to build spec: %v", err)
	}
	if spec.Name != "web" || spec.Path != "server" || spec.Dir != dir {
		t.Fatalf("Unexpected spec: %+v", spec)
	}
	if diff := cmp.Diff([]string{"--port", "80"}, spec.Args); diff != "" {
		t.Errorf("Unexpected args (-want +got):\n%s", diff)
	}
	if len(spec.Env) == 0 {
		t.Error("Expected a populated environment")
	}
}

// ============================================================================
// Watcher Tests
// ============================================================================

func TestWatcher_CreatesMissingFile(t *testing.T) {
	yamlPath := createTempYAML(t, "")
	w := newTestWatcher(t, yamlPath)

	if err := w.loadFromDisk(); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if _, err := os.Stat(yamlPath); err != nil {
		t.Fatalf("Expected services file to be created, got: %v", err)
	}
	if n := len(w.ListServices()); n != 0 {
		t.Fatalf("Expected no services, got: %d", n)
	}
}

func TestWatcher_GetService(t *testing.T) {
	yamlPath := createTempYAML(t, `services:
  - name: first
    command: echo 1
  - name: second
    command: echo 2
`)
	w := newTestWatcher(t, yamlPath)
	if err := w.loadFromDisk(); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	svc, found := w.GetService("second")
	if !found {
		t.Fatal("Expected to find service second")
	}
	if svc.Command != "echo 2" {
		t.Errorf("Expected command 'echo 2', got: %s", svc.Command)
	}
	if _, found := w.GetService("missing"); found {
		t.Error("Expected missing service not to be found")
	}

	names := []string{}
	for _, s := range w.ListServices() {
		names = append(names, s.Name)
	}
	if diff := cmp.Diff([]string{"first", "second"}, names); diff != "" {
		t.Errorf("Expected file order (-want +got):\n%s", diff)
	}
}

func TestWatcher_SetServiceEnabled_NotFound(t *testing.T) {
	yamlPath := createTempYAML(t, `services: []`)
	w := newTestWatcher(t, yamlPath)
	if err := w.loadFromDisk(); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	if err := w.SetServiceEnabled("nope", false); err == nil {
		t.Fatal("Expected error for unknown service, got nil")
	}
}

func TestWatcher_SetServiceEnabled_PreservesGlobalConfig(t *testing.T) {
	yamlPath := createTempYAML(t, `host: 0.0.0.0
port: 9000
services:
  - name: test-service
    command: echo
`)
	w := newTestWatcher(t, yamlPath)
	if err := w.loadFromDisk(); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	if err := w.SetServiceEnabled("test-service", false); err != nil {
		t.Fatalf("Failed to disable service: %v", err)
	}

	cfg, err := LoadGlobalConfig(yamlPath)
	if err != nil {
		t.Fatalf("Failed to reload global config: %v", err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != 9000 {
		t.Fatalf("Expected global config to survive, got: %+v", cfg)
	}

	reloaded := NewWatcher(yamlPath, quietLog())
	if err := reloaded.loadFromDisk(); err != nil {
		t.Fatalf("Failed to load saved file: %v", err)
	}
	svc, _ := reloaded.GetService("test-service")
	if svc.IsEnabled() {
		t.Fatal("Expected service to be disabled on disk")
	}
	if _, err := os.Stat(yamlPath + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("Expected temp file to be gone, got: %v", err)
	}
}

func TestWatcher_StartWatching_InitialLoad(t *testing.T) {
	yamlPath := createTempYAML(t, `services:
  - name: test-service
    command: echo
`)
	w := newTestWatcher(t, yamlPath)

	listener := &mockListener{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.StartWatching(ctx, listener); err != nil {
		t.Fatalf("Failed to start watching: %v", err)
	}

	update := listener.waitForUpdates(t, 1)[0]
	if len(update.services) != 1 {
		t.Errorf("Expected 1 service in initial update, got: %d", len(update.services))
	}
	if len(update.toKill) != 0 {
		t.Errorf("Expected 0 services to kill in initial update, got: %d", len(update.toKill))
	}
}

func TestWatcher_StartWatching_FileChange(t *testing.T) {
	yamlPath := createTempYAML(t, `services:
  - name: test-service
    command: echo
`)
	w := newTestWatcher(t, yamlPath)

	listener := &mockListener{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.StartWatching(ctx, listener); err != nil {
		t.Fatalf("Failed to start watching: %v", err)
	}
	listener.waitForUpdates(t, 1)

	// Make sure the modification time moves on coarse filesystems.
	time.Sleep(100 * time.Millisecond)
	newContent := `services:
  - name: test-service
    command: echo changed
  - name: new-service
    command: ls
`
	if err := os.WriteFile(yamlPath, []byte(newContent), 0644); err != nil {
		t.Fatalf("Failed to modify file: %v", err)
	}

	updates := listener.waitForUpdates(t, 2)
	last := updates[len(updates)-1]
	if len(last.services) != 2 {
		t.Errorf("Expected 2 services after file change, got: %d", len(last.services))
	}
	if diff := cmp.Diff([]string{"test-service"}, last.toKill); diff != "" {
		t.Errorf("Unexpected toKill (-want +got):\n%s", diff)
	}
}

func TestWatcher_SetServiceEnabled_ReportsToKill(t *testing.T) {
	yamlPath := createTempYAML(t, `services:
  - name: test-service
    command: echo
    enabled: false
`)
	w := newTestWatcher(t, yamlPath)

	listener := &mockListener{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.StartWatching(ctx, listener); err != nil {
		t.Fatalf("Failed to start watching: %v", err)
	}
	listener.waitForUpdates(t, 1)

	if err := w.SetServiceEnabled("test-service", true); err != nil {
		t.Fatalf("Failed to enable service: %v", err)
	}

	updates := listener.waitForUpdates(t, 2)
	last := updates[len(updates)-1]
	if diff := cmp.Diff([]string{"test-service"}, last.toKill); diff != "" {
		t.Errorf("Expected the toggled service in toKill (-want +got):\n%s", diff)
	}

	svc, found := w.GetService("test-service")
	if !found || !svc.IsEnabled() {
		t.Fatalf("Expected service to be enabled after reload, got: %+v (found %v)", svc, found)
	}
}

func TestWatcher_Stop_Idempotent(t *testing.T) {
	w := NewWatcher(createTempYAML(t, ""), quietLog())
	w.Stop()
	w.Stop()
}

// ============================================================================
// Helper Function Tests
// ============================================================================

func TestCalculateServicesToKill(t *testing.T) {
	tests := []struct {
		name string
		old  []ServiceConfig
		new  []ServiceConfig
		want []string
	}{
		{
			name: "deleted service",
			old:  []ServiceConfig{{Name: "a", Command: "echo"}, {Name: "b", Command: "ls"}},
			new:  []ServiceConfig{{Name: "a", Command: "echo"}},
			want: []string{"b"},
		},
		{
			name: "modified service",
			old:  []ServiceConfig{{Name: "a", Command: "echo old"}},
			new:  []ServiceConfig{{Name: "a", Command: "echo new"}},
			want: []string{"a"},
		},
		{
			name: "unchanged service",
			old:  []ServiceConfig{{Name: "a", Command: "echo"}},
			new:  []ServiceConfig{{Name: "a", Command: "echo"}},
			want: []string{},
		},
		{
			name: "new service",
			old:  []ServiceConfig{{Name: "a", Command: "echo"}},
			new:  []ServiceConfig{{Name: "a", Command: "echo"}, {Name: "b", Command: "ls"}},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calculateServicesToKill(tt.old, tt.new)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Unexpected toKill (-want +got):\n%s", diff)
			}
		})
	}
}

func TestServiceConfigsEqual(t *testing.T) {
	enabled, disabled := true, false
	base := ServiceConfig{
		Name:     "test",
		Command:  "echo hello",
		Args:     []string{"x"},
		Workdir:  "/tmp",
		Schedule: "*/5 * * * *",
		Env:      map[string]string{"KEY": "value"},
	}

	tests := []struct {
		name   string
		modify func(*ServiceConfig)
		equal  bool
	}{
		{"identical", func(*ServiceConfig) {}, true},
		{"name", func(s *ServiceConfig) { s.Name = "other" }, false},
		{"command", func(s *ServiceConfig) { s.Command = "ls" }, false},
		{"args", func(s *ServiceConfig) { s.Args = []string{"y"} }, false},
		{"arg length", func(s *ServiceConfig) { s.Args = []string{"x", "y"} }, false},
		{"env value", func(s *ServiceConfig) { s.Env = map[string]string{"KEY": "other"} }, false},
		{"env length", func(s *ServiceConfig) { s.Env = map[string]string{"KEY": "value", "K2": "v"} }, false},
		{"workdir", func(s *ServiceConfig) { s.Workdir = "/var" }, false},
		{"schedule", func(s *ServiceConfig) { s.Schedule = "@daily" }, false},
		{"restart", func(s *ServiceConfig) { s.Restart = true }, false},
		{"disabled", func(s *ServiceConfig) { s.Enabled = &disabled }, false},
		{"nil vs true", func(s *ServiceConfig) { s.Enabled = &enabled }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base
			tt.modify(&other)
			if got := serviceConfigsEqual(base, other); got != tt.equal {
				t.Errorf("Expected equal=%v, got: %v", tt.equal, got)
			}
		})
	}
}
