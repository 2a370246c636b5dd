package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mrexodia/pipewatch/config"
	"github.com/mrexodia/pipewatch/logging"
	"github.com/mrexodia/pipewatch/process"
	"github.com/mrexodia/pipewatch/webhook"
)

var (
	// ErrServiceNotFound is returned for names missing from the configuration.
	ErrServiceNotFound = config.ErrServiceNotFound
	// ErrAlreadyRunning is returned when starting a service that has a live run.
	ErrAlreadyRunning = errors.New("service is already running")
	// ErrUnsupported is returned when the platform cannot spawn processes.
	ErrUnsupported = errors.New("process spawning is not supported on this platform")
)

// webhookLines is how much output history is attached to a failure webhook.
const webhookLines = 20

// drainGrace bounds how long an exited run waits for its output pipe to reach
// EOF. Descendants that inherited the pipe can hold it open indefinitely.
const drainGrace = 2 * time.Second

// Status is a point-in-time view of one service
type Status struct {
	Name                string        `json:"name"`
	Enabled             bool          `json:"enabled"`
	Schedule            string        `json:"schedule,omitempty"`
	Running             bool          `json:"running"`
	PID                 int           `json:"pid"`
	Uptime              time.Duration `json:"uptime"`
	Starts              int           `json:"starts"`
	Restarts            int           `json:"restarts"`
	LastRunTime         *time.Time    `json:"lastRunTime,omitempty"`
	LastExitCode        int           `json:"lastExitCode"`
	LastDuration        time.Duration `json:"lastDuration"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	NextRun             *time.Time    `json:"nextRun,omitempty"`
}

// service is the manager's record of one configured service. Every field is
// guarded by Manager.mu.
type service struct {
	cfg     config.ServiceConfig
	handle  *process.Handle // current run, nil when idle
	history *History
	live    *Broadcaster
	sink    process.Logger

	starts              int
	restarts            int
	lastRun             time.Time
	exitedAt            time.Time // first poll that saw the process gone
	lastExit            int
	lastDuration        time.Duration
	consecutiveFailures int
	restartTimer        *time.Timer
}

// sink sends every captured line and lifecycle message to logrus, the
// service history and live subscribers.
type sink struct {
	log     *logging.Logger
	history *History
	live    *Broadcaster
}

func (s *sink) Logf(level process.Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.log.Logf(level, "%s", msg)
	s.history.WriteLine(msg)
	s.live.Broadcast(msg)
}

// Option configures a Manager
type Option func(*Manager)

// WithLauncher replaces the platform launcher used for every service.
func WithLauncher(l process.Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// Manager supervises the configured services and implements config.Listener.
//
// It owns the restart policy: a process.Handle never restarts on its own, so
// the manager polls every live handle, collects finished runs and decides
// whether to notify, restart or wait for the next scheduled run.
type Manager struct {
	cfg      config.GlobalConfig
	log      *logging.Logger
	decoder  process.Decoder
	launcher process.Launcher
	notifier *webhook.Notifier

	services    map[string]*service
	order       []string // Maintains service order from YAML
	cron        *cron.Cron
	cronEntries map[string]cron.EntryID
	webhookSent map[string]bool // Reset when the service next exits cleanly
	closed      bool
	mu          sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	pollDone  chan struct{}
	webhookWg sync.WaitGroup
	stopOnce  sync.Once
}

// New creates a manager and starts its poll loop and cron scheduler.
func New(cfg config.GlobalConfig, log *logging.Logger, opts ...Option) (*Manager, error) {
	cfg.Defaults()
	decoder, err := process.NewDecoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	log = log.WithField("component", "manager")
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg,
		log:         log,
		decoder:     decoder,
		launcher:    process.DefaultLauncher(),
		notifier:    webhook.NewNotifier(cfg.FailureWebhookURL),
		services:    make(map[string]*service),
		cronEntries: make(map[string]cron.EntryID),
		webhookSent: make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
		pollDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.cron = cron.New(cron.WithLogger(cron.PrintfLogger(log.Entry().WithField("component", "cron"))))
	m.cron.Start()
	go m.pollLoop()

	return m, nil
}

// ============================================================================
// config.Listener Implementation
// ============================================================================

// OnServicesUpdated applies a new service list. Services in toKill or no
// longer configured are stopped and forgotten; new ones are started or
// scheduled when enabled.
func (m *Manager) OnServicesUpdated(services []config.ServiceConfig, toKill []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	for _, name := range toKill {
		if _, exists := m.services[name]; exists {
			m.log.Entry().WithField("service", name).Info("stopping changed service")
			m.removeLocked(name)
		}
	}

	configured := make(map[string]bool, len(services))
	order := make([]string, 0, len(services))
	for _, sc := range services {
		configured[sc.Name] = true
		order = append(order, sc.Name)
	}

	for name := range m.services {
		if !configured[name] {
			m.log.Entry().WithField("service", name).Info("removing service no longer in config")
			m.removeLocked(name)
		}
	}

	created := 0
	for _, sc := range services {
		if svc, exists := m.services[sc.Name]; exists {
			svc.cfg = sc
			continue
		}

		created++
		svc := m.newService(sc)
		m.services[sc.Name] = svc

		if !sc.IsEnabled() {
			continue
		}
		entry := m.log.Entry().WithField("service", sc.Name)
		if sc.IsScheduled() {
			if err := m.scheduleLocked(svc); err != nil {
				entry.WithError(err).Error("failed to schedule")
			} else {
				entry.WithField("schedule", sc.Schedule).Info("scheduled")
			}
			continue
		}
		if err := m.startLocked(svc); err != nil {
			entry.WithError(err).Error("failed to start")
		}
	}

	m.order = order
	m.log.Entry().WithField("created", created).WithField("total", len(m.services)).Info("services updated")
}

func (m *Manager) newService(sc config.ServiceConfig) *service {
	history := NewHistory(historySize)
	live := NewBroadcaster()
	return &service{
		cfg:     sc,
		history: history,
		live:    live,
		sink: &sink{
			log:     m.log.WithField("service", sc.Name),
			history: history,
			live:    live,
		},
	}
}

func (m *Manager) removeLocked(name string) {
	svc := m.services[name]
	m.unscheduleLocked(name)
	m.stopLocked(svc)
	svc.live.Close()
	delete(m.services, name)
	delete(m.webhookSent, name)
}

// ============================================================================
// Runtime Control
// ============================================================================

// Start starts a run of the named service
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, err := m.lookupLocked(name)
	if err != nil {
		return err
	}
	if svc.handle != nil {
		return fmt.Errorf("%s: %w", name, ErrAlreadyRunning)
	}
	m.cancelRestartLocked(svc)
	return m.startLocked(svc)
}

// Stop stops the current run of the named service, if any. A stopped service
// is not restarted until it is started again.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, err := m.lookupLocked(name)
	if err != nil {
		return err
	}
	m.stopLocked(svc)
	return nil
}

// Restart stops the named service and starts it again
func (m *Manager) Restart(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, err := m.lookupLocked(name)
	if err != nil {
		return err
	}
	m.stopLocked(svc)
	return m.startLocked(svc)
}

// Get returns the status of the named service
func (m *Manager) Get(name string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, err := m.lookupLocked(name)
	if err != nil {
		return Status{}, err
	}
	return m.statusLocked(svc), nil
}

// List returns the status of every service in YAML order
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		if svc, exists := m.services[name]; exists {
			result = append(result, m.statusLocked(svc))
		}
	}
	return result
}

// NextRun returns the next scheduled run of the named service
func (m *Manager) NextRun(name string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextRunLocked(name)
}

// History returns the buffered output of the named service
func (m *Manager) History(name string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, err := m.lookupLocked(name)
	if err != nil {
		return nil, err
	}
	return svc.history.Lines(), nil
}

// Subscribe returns the buffered output of the named service together with a
// channel of the lines that follow it. The channel is closed when the
// service is removed or the returned function is called.
func (m *Manager) Subscribe(name string) ([]string, <-chan string, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, err := m.lookupLocked(name)
	if err != nil {
		return nil, nil, nil, err
	}
	ch, unsubscribe := svc.live.Subscribe()
	return svc.history.Lines(), ch, unsubscribe, nil
}

// StopAll stops the scheduler, the poll loop and every service, then waits
// briefly for pending webhooks.
func (m *Manager) StopAll() {
	m.stopOnce.Do(m.stopAll)
}

func (m *Manager) stopAll() {
	<-m.cron.Stop().Done()

	m.cancel()
	<-m.pollDone

	m.mu.Lock()
	m.closed = true
	for _, svc := range m.services {
		m.stopLocked(svc)
		svc.live.Close()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.webhookWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.log.Entry().Warn("timed out waiting for pending webhooks")
	}
}

// ============================================================================
// Internal Methods
// ============================================================================

func (m *Manager) lookupLocked(name string) (*service, error) {
	svc, exists := m.services[name]
	if !exists {
		return nil, fmt.Errorf("%s: %w", name, ErrServiceNotFound)
	}
	return svc, nil
}

func (m *Manager) startLocked(svc *service) error {
	if m.closed {
		return context.Canceled
	}
	if svc.handle != nil {
		return fmt.Errorf("%s: %w", svc.cfg.Name, ErrAlreadyRunning)
	}

	spec, err := svc.cfg.ProcessSpec()
	if err != nil {
		svc.sink.Logf(process.LevelError, "[%s] failed to start: %v", svc.cfg.Name, err)
		return err
	}

	h := process.New(
		process.WithLogger(svc.sink),
		process.WithDecoder(m.decoder),
		process.WithLauncher(m.launcher),
	)
	if err := h.Start(spec); err != nil {
		svc.sink.Logf(process.LevelError, "[%s] failed to start: %v", svc.cfg.Name, err)
		return err
	}
	if h.Pid() == 0 {
		return ErrUnsupported
	}

	svc.handle = h
	svc.starts++
	svc.sink.Logf(process.LevelLog, "[%s] started (pid %d)", svc.cfg.Name, h.Pid())
	return nil
}

// stopLocked ends the current run on request. The run is recorded but does
// not count as a failure.
func (m *Manager) stopLocked(svc *service) {
	m.cancelRestartLocked(svc)
	h := svc.handle
	if h == nil {
		return
	}
	svc.handle = nil
	h.Stop()
	code, _ := h.ExitCode()
	m.recordRunLocked(svc, h, code)
}

func (m *Manager) recordRunLocked(svc *service, h *process.Handle, code int) {
	end := svc.exitedAt
	if end.IsZero() {
		end = time.Now()
	}
	svc.exitedAt = time.Time{}
	svc.lastRun = h.StartTime()
	svc.lastDuration = end.Sub(svc.lastRun)
	svc.lastExit = code
}

func (m *Manager) cancelRestartLocked(svc *service) {
	if svc.restartTimer != nil {
		svc.restartTimer.Stop()
		svc.restartTimer = nil
	}
}

func (m *Manager) pollLoop() {
	defer close(m.pollDone)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

// poll collects every run whose process has exited
func (m *Manager) poll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, name := range m.order {
		svc, exists := m.services[name]
		if !exists || svc.handle == nil || svc.handle.IsRunning() {
			continue
		}
		if !m.drainedLocked(svc, now) {
			continue
		}
		m.collectLocked(svc)
	}
}

// drainedLocked reports whether an exited run can be collected: its output
// has been read to EOF, or drainGrace has passed since the exit was seen.
func (m *Manager) drainedLocked(svc *service, now time.Time) bool {
	if svc.exitedAt.IsZero() {
		svc.exitedAt = now
	}
	select {
	case <-svc.handle.Done():
		return true
	default:
	}
	return now.Sub(svc.exitedAt) >= drainGrace
}

// collectLocked handles a run that ended on its own: it releases the handle,
// tracks failures, notifies the webhook and applies the restart policy.
func (m *Manager) collectLocked(svc *service) {
	h := svc.handle
	svc.handle = nil
	h.Stop()

	code, ok := h.ExitCode()
	if !ok {
		code = -1
	}
	m.recordRunLocked(svc, h, code)

	name := svc.cfg.Name
	svc.sink.Logf(process.LevelLog, "[%s] exited with code %d (duration: %v)",
		name, code, svc.lastDuration.Round(time.Millisecond))

	if code == 0 {
		svc.consecutiveFailures = 0
		delete(m.webhookSent, name)
		return
	}

	svc.consecutiveFailures++
	m.notifyFailureLocked(svc)

	if svc.cfg.IsScheduled() || !svc.cfg.Restart || !svc.cfg.IsEnabled() {
		return
	}
	m.scheduleRestartLocked(svc)
}

func (m *Manager) scheduleRestartLocked(svc *service) {
	name := svc.cfg.Name
	svc.sink.Logf(process.LevelLog, "[%s] restarting in %v", name, m.cfg.RestartDelay)

	var timer *time.Timer
	timer = time.AfterFunc(m.cfg.RestartDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		// Superseded by a stop, a manual start or a config change.
		if m.closed || m.services[name] != svc || svc.restartTimer != timer {
			return
		}
		svc.restartTimer = nil
		svc.restarts++
		if err := m.startLocked(svc); err != nil && !errors.Is(err, ErrUnsupported) {
			m.scheduleRestartLocked(svc)
		}
	})
	svc.restartTimer = timer
}

func (m *Manager) notifyFailureLocked(svc *service) {
	name := svc.cfg.Name
	if svc.consecutiveFailures < m.cfg.FailureRetries || m.webhookSent[name] || !m.notifier.Enabled() {
		return
	}
	m.webhookSent[name] = true

	payload := webhook.FailurePayload{
		Service:             name,
		Timestamp:           time.Now(),
		ConsecutiveFailures: svc.consecutiveFailures,
		LastExitCode:        svc.lastExit,
		UptimeSeconds:       svc.lastDuration.Seconds(),
		Error:               fmt.Sprintf("exited with code %d", svc.lastExit),
		LastLines:           svc.history.Tail(webhookLines),
	}

	entry := m.log.Entry().WithField("service", name)
	m.webhookWg.Add(1)
	go func() {
		defer m.webhookWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.notifier.NotifyFailure(ctx, payload); err != nil {
			entry.WithError(err).Error("failed to send failure webhook")
			return
		}
		entry.WithField("consecutive_failures", payload.ConsecutiveFailures).Info("failure webhook sent")
	}()
}

func (m *Manager) scheduleLocked(svc *service) error {
	name := svc.cfg.Name
	m.unscheduleLocked(name)

	entryID, err := m.cron.AddFunc(svc.cfg.Schedule, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.closed || m.services[name] != svc {
			return
		}
		// Overlap prevention
		if svc.handle != nil {
			svc.sink.Logf(process.LevelLog, "[%s] scheduled run skipped: previous instance still running", name)
			return
		}
		if err := m.startLocked(svc); err != nil {
			m.log.Entry().WithField("service", name).WithError(err).Error("failed to start scheduled run")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to parse cron schedule %q: %w", svc.cfg.Schedule, err)
	}

	m.cronEntries[name] = entryID
	return nil
}

func (m *Manager) unscheduleLocked(name string) {
	if entryID, exists := m.cronEntries[name]; exists {
		m.cron.Remove(entryID)
		delete(m.cronEntries, name)
	}
}

func (m *Manager) nextRunLocked(name string) (time.Time, bool) {
	entryID, exists := m.cronEntries[name]
	if !exists {
		return time.Time{}, false
	}
	next := m.cron.Entry(entryID).Next
	return next, !next.IsZero()
}

func (m *Manager) statusLocked(svc *service) Status {
	st := Status{
		Name:                svc.cfg.Name,
		Enabled:             svc.cfg.IsEnabled(),
		Schedule:            svc.cfg.Schedule,
		Starts:              svc.starts,
		Restarts:            svc.restarts,
		LastExitCode:        svc.lastExit,
		LastDuration:        svc.lastDuration,
		ConsecutiveFailures: svc.consecutiveFailures,
	}
	if h := svc.handle; h != nil && h.IsRunning() {
		st.Running = true
		st.PID = h.Pid()
		st.Uptime = time.Since(h.StartTime())
	}
	if !svc.lastRun.IsZero() {
		lastRun := svc.lastRun
		st.LastRunTime = &lastRun
	}
	if next, ok := m.nextRunLocked(svc.cfg.Name); ok {
		st.NextRun = &next
	}
	return st
}
