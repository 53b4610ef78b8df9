// Package monitor publishes the session status document: to a status file
// operators can tail and to InfluxDB when it is configured.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parksync/parksync/internal/dispatcher"
	"github.com/parksync/parksync/internal/influx"
	"github.com/parksync/parksync/internal/logging"
	"github.com/parksync/parksync/internal/replication"
	"github.com/parksync/parksync/internal/session"
	"github.com/parksync/parksync/internal/worker"
)

// StatusFileName is written into Dependencies.StatusDir.
const StatusFileName = "status.json"

// Replication is the part of the hub the monitor reads.
type Replication interface {
	Peers() []replication.PeerInfo
	Pending() int
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	LogManager    *logging.SlogManager
	Session       *session.Context
	Dispatcher    *dispatcher.Dispatcher
	WorkerManager *worker.Manager
	Replication   Replication
	Influx        *influx.Manager
	StatusDir     string
	Interval      time.Duration
}

// Status is the session status document.
type Status struct {
	Time       time.Time              `json:"time"`
	SessionID  string                 `json:"session_id"`
	Mode       string                 `json:"mode"`
	Tick       uint64                 `json:"tick"`
	OrderKey   uint64                 `json:"order_key"`
	Acked      uint64                 `json:"acked"`
	Pending    int                    `json:"pending"`
	Peers      []replication.PeerInfo `json:"peers"`
	Ticks      uint64                 `json:"ticks"`
	Snapshots  uint64                 `json:"snapshots"`
	Desyncs    uint64                 `json:"desyncs"`
	Desynced   bool                   `json:"desynced"`
	LastTickMs float64                `json:"last_tick_ms"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.LogManager == nil {
		deps.LogManager = logging.NewSlogManager()
	}
	if deps.Interval <= 0 {
		deps.Interval = time.Second
	}
	return &Service{
		deps:     deps,
		stopChan: make(chan struct{}),
	}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetStatus builds the current status document.
func (s *Service) GetStatus(now time.Time) Status {
	st := Status{
		Time:     now,
		Mode:     s.deps.Dispatcher.Mode().String(),
		Tick:     s.deps.Dispatcher.Tick(),
		OrderKey: s.deps.Dispatcher.LastOrderKey(),
		Acked:    s.deps.Dispatcher.Acknowledged(),
		Peers:    []replication.PeerInfo{},
	}
	if s.deps.Session != nil {
		st.SessionID = s.deps.Session.ID()
	}
	if s.deps.Replication != nil {
		st.Peers = s.deps.Replication.Peers()
		st.Pending = s.deps.Replication.Pending()
	}
	if s.deps.WorkerManager != nil {
		stats := s.deps.WorkerManager.Stats()
		st.Ticks = stats.Ticks
		st.Snapshots = stats.Snapshots
		st.Desyncs = stats.Desyncs
		st.Desynced = stats.Desyncs > 0
		st.LastTickMs = float64(stats.LastTickDuration) / float64(time.Millisecond)
	}
	return st
}

// Publish writes one status document to the status file and InfluxDB.
func (s *Service) Publish(ctx context.Context, now time.Time) error {
	st := s.GetStatus(now)

	if s.deps.StatusDir != "" {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding status: %w", err)
		}
		path := filepath.Join(s.deps.StatusDir, StatusFileName)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			return fmt.Errorf("writing status file: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("replacing status file: %w", err)
		}
	}

	if s.deps.Influx != nil {
		if err := s.writeInflux(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) writeInflux(ctx context.Context, st Status) error {
	err := s.deps.Influx.WritePoint(ctx, influx.BucketSession, influx.SessionPoint(influx.SessionSample{
		SessionID:    st.SessionID,
		Mode:         st.Mode,
		Tick:         st.Tick,
		OrderKey:     st.OrderKey,
		Acked:        st.Acked,
		Peers:        len(st.Peers),
		Pending:      st.Pending,
		Snapshots:    st.Snapshots,
		Desyncs:      st.Desyncs,
		TickDuration: time.Duration(st.LastTickMs * float64(time.Millisecond)),
		Time:         st.Time,
	}))
	if err != nil {
		return fmt.Errorf("writing session point: %w", err)
	}
	for _, p := range st.Peers {
		err := s.deps.Influx.WritePoint(ctx, influx.BucketPlayer, influx.PlayerPoint(influx.PlayerSample{
			SessionID: st.SessionID,
			Player:    uint32(p.Player),
			Name:      p.Name,
			Ping:      p.Ping,
			Acked:     p.Acked,
			Dropped:   p.Dropped,
			Time:      st.Time,
		}))
		if err != nil {
			return fmt.Errorf("writing player point: %w", err)
		}
	}
	return nil
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if s.deps.StatusDir != "" {
		if err := os.MkdirAll(s.deps.StatusDir, 0755); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("creating status dir: %w", err)
		}
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
			close(done)
		}()

		logger := s.deps.LogManager.Logger()
		logger.Debug("Starting status monitor goroutine", "function", "startStatusMonitor")

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if err := s.Publish(context.Background(), now); err != nil {
					logger.Error("Error publishing status", "error", err)
				}
			}
		}
	}()

	return nil
}

// Stop stops the status monitor and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	done := s.done
	s.isRunning = false
	s.mu.Unlock()
	<-done
}
