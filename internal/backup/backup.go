// Package backup runs the snapshot backup cycle: fetch every entity the
// user can see, write the bundle to the local snapshot store, optionally
// export an encrypted copy to S3-compatible storage. Cycles are debounced
// and rate-limited; a cycle that cannot improve on the stored snapshot
// (offline, no user) is skipped rather than failed.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vich3er/cursova/internal/netwatch"
	"github.com/vich3er/cursova/internal/remote"
	"github.com/vich3er/cursova/internal/snapshot"
)

const (
	// debounce coalesces bursts of change notifications into one cycle.
	debounce = 10 * time.Second
	// minInterval bounds how often full cycles may run.
	minInterval = 10 * time.Second
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration. A zero Bucket or
// key pair disables export; local snapshots still run.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds backup manager configuration.
type Config struct {
	S3 S3Config
	// Passphrase encrypts the exported bundle. Empty exports plain JSON.
	Passphrase string
	UserID     string
}

// Drainer flushes pending writes before a cycle reads remote state, so
// the bundle reflects the user's own unconfirmed changes.
type Drainer interface {
	DrainPending(ctx context.Context)
}

// State represents the backup manager state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateError   State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"in_progress"`
}

// StatusCallback is called whenever the backup state changes.
type StatusCallback func(Status)

// Manager owns the backup cycle for one signed-in user.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	lastRun  time.Time
	callback StatusCallback

	store   remote.Querier
	snaps   *snapshot.Store
	net     *netwatch.Monitor
	drainer Drainer
	client  s3Client
	logger  *slog.Logger

	req    chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a backup manager. The S3 client is only constructed
// when the configuration is complete.
func NewManager(cfg Config, store remote.Querier, snaps *snapshot.Store, net *netwatch.Monitor, drainer Drainer, logger *slog.Logger, callback StatusCallback) *Manager {
	m := &Manager{
		cfg:      cfg,
		store:    store,
		snaps:    snaps,
		net:      net,
		drainer:  drainer,
		logger:   logger,
		callback: callback,
		status:   Status{State: StateIdle},
		req:      make(chan struct{}, 1),
	}
	if cfg.S3.Bucket != "" && cfg.S3.AccessKey != "" && cfg.S3.SecretKey != "" {
		m.client = newS3Client(cfg.S3)
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Start begins the debounced backup loop and requests an initial cycle.
// A reconnection also requests a cycle, after the pending ledger drains.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	netCh, cancelNet := m.net.Subscribe()

	go func() {
		defer close(m.done)
		defer cancelNet()

		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.req:
				if fire == nil {
					fire = time.After(debounce)
				}
			case online := <-netCh:
				if online && fire == nil {
					fire = time.After(debounce)
				}
			case <-fire:
				fire = nil
				if err := m.RunNow(ctx); err != nil {
					m.logger.Warn("backup cycle", "error", err)
				}
			}
		}
	}()

	m.Request()
}

// Stop gracefully stops the backup manager.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Request schedules a cycle. Requests within the debounce window coalesce.
func (m *Manager) Request() {
	select {
	case m.req <- struct{}{}:
	default:
	}
}

// Status returns the current backup status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	s.LastBackup = m.status.LastBackup
	if !s.InProgress && s.State == StateIdle {
		now := time.Now()
		s.LastBackup = &now
	}
	m.status = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(s)
	}
}

// RunNow runs one cycle immediately, subject to the offline and
// rate-limit skips. A skipped cycle is not an error.
func (m *Manager) RunNow(ctx context.Context) error {
	if m.cfg.UserID == "" {
		return nil
	}
	if m.net.Offline() {
		m.logger.Debug("backup skipped: offline")
		return nil
	}
	m.mu.RLock()
	tooSoon := time.Since(m.lastRun) < minInterval
	m.mu.RUnlock()
	if tooSoon {
		m.logger.Debug("backup skipped: ran recently")
		return nil
	}

	m.setStatus(Status{State: StateRunning, InProgress: true})

	// The bundle must reflect the user's own unconfirmed toggles, so the
	// ledger drains first.
	if m.drainer != nil {
		m.drainer.DrainPending(ctx)
	}

	snap, err := m.assemble(ctx)
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return err
	}

	if err := m.snaps.Write(snap); err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return fmt.Errorf("write snapshot: %w", err)
	}

	if err := m.export(ctx, snap); err != nil {
		// Export failure does not invalidate the local snapshot.
		m.logger.Warn("export snapshot", "error", err)
	}

	m.mu.Lock()
	m.lastRun = time.Now()
	m.mu.Unlock()
	m.setStatus(Status{State: StateIdle})
	return nil
}

// assemble fetches the full bundle. A collection the user has lost access
// to is skipped, never fatal: a partial bundle beats a stale one.
func (m *Manager) assemble(ctx context.Context) (*snapshot.Snapshot, error) {
	snap := snapshot.New(m.cfg.UserID)

	profile, err := m.store.Profile(ctx, m.cfg.UserID)
	if err != nil {
		if remote.KindOf(err) != remote.KindPermission {
			return nil, fmt.Errorf("fetch profile: %w", err)
		}
		m.logger.Warn("backup: profile inaccessible", "error", err)
	}
	snap.UserProfile = profile

	groups, err := m.store.GroupsByMember(ctx, m.cfg.UserID)
	if err != nil {
		if remote.KindOf(err) != remote.KindPermission {
			return nil, fmt.Errorf("fetch groups: %w", err)
		}
		m.logger.Warn("backup: groups inaccessible", "error", err)
	}
	snap.Groups = groups

	for _, g := range groups {
		lists, err := m.store.ListsByGroup(ctx, g.ID)
		if err != nil {
			m.logger.Warn("backup: lists inaccessible", "group", g.ID, "error", err)
			continue
		}
		snap.Lists = append(snap.Lists, lists...)

		for _, l := range lists {
			items, err := m.store.ItemsByList(ctx, l.ID)
			if err != nil {
				m.logger.Warn("backup: items inaccessible", "list", l.ID, "error", err)
				continue
			}
			snap.Items = append(snap.Items, items...)
		}

		msgs, err := m.store.MessagesByGroup(ctx, g.ID)
		if err != nil {
			m.logger.Warn("backup: messages inaccessible", "group", g.ID, "error", err)
			continue
		}
		if len(msgs) > 0 {
			snap.ChatMessages[g.ID] = msgs
		}
	}

	return snap, nil
}

func (m *Manager) exportKey() string {
	return fmt.Sprintf("users/%s/shopping_list_backup.json", m.cfg.UserID)
}

// export uploads the bundle to S3-compatible storage under a fixed
// per-user key, overwriting the previous export.
func (m *Manager) export(ctx context.Context, snap *snapshot.Snapshot) error {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	m.mu.RUnlock()
	if client == nil {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	if m.cfg.Passphrase != "" {
		data, err = snapshot.Encrypt(data, m.cfg.Passphrase)
		if err != nil {
			return fmt.Errorf("encrypt bundle: %w", err)
		}
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(m.exportKey()),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("upload to s3: %w", err)
	}
	return nil
}

// Restore downloads the exported bundle and installs it as the local
// snapshot. Used when a device is set up fresh and the store is
// unreachable.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	m.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("export not configured")
	}

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(m.exportKey()),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return fmt.Errorf("read download: %w", err)
	}
	data := buf.Bytes()

	if m.cfg.Passphrase != "" {
		data, err = snapshot.Decrypt(data, m.cfg.Passphrase)
		if err != nil {
			return fmt.Errorf("decrypt bundle: %w", err)
		}
	}

	var snap snapshot.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode bundle: %w", err)
	}
	if snap.UserID != m.cfg.UserID {
		return fmt.Errorf("bundle belongs to another user")
	}

	if err := m.snaps.Write(&snap); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}
	return nil
}
