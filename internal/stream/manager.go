package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/speechchunks/internal/audio"
	"github.com/skypro1111/speechchunks/internal/metrics"
	"github.com/skypro1111/speechchunks/internal/segmenter"
	"github.com/skypro1111/speechchunks/internal/sink"
	"github.com/skypro1111/speechchunks/internal/source"
	"github.com/skypro1111/speechchunks/internal/vad"
)

var (
	// ErrUnknownStream is returned for operations on a stream that was never opened
	ErrUnknownStream = errors.New("unknown stream")
	// ErrTooManyStreams is returned when the concurrent stream limit is reached
	ErrTooManyStreams = errors.New("too many concurrent streams")
	// ErrManagerStopped is returned once Stop has been called
	ErrManagerStopped = errors.New("stream manager stopped")
)

const (
	defaultCleanupInterval = 30 * time.Second
	storeTimeout           = 10 * time.Second
)

// ManagerConfig contains configuration for the stream manager
type ManagerConfig struct {
	// Segmenter holds the per-stream parameters. Its SampleRate is used for
	// streams that do not announce one.
	Segmenter segmenter.Config
	// VAD holds the detection parameters; SampleRate and WindowSize are
	// overridden per stream
	VAD vad.Config
	// Engine names the registered oracle used for new streams
	Engine string
	// NewOracle, if set, replaces the registry lookup
	NewOracle vad.Factory

	MaxStreams      int
	Timeout         time.Duration
	CleanupInterval time.Duration
}

// Manager manages all active stream sessions, one segmenter per stream
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	config   ManagerConfig
	sink     sink.Sink
	metrics  *metrics.Metrics

	stopped  bool
	stopOnce sync.Once

	// finalizing tracks sessions removed but not yet finalized
	finalizing sync.WaitGroup

	// stores tracks in-flight sink writes; storesClosed rejects new ones
	stores       sync.WaitGroup
	storeMu      sync.Mutex
	storesClosed bool

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a stream manager storing utterances in store
func NewManager(logger *slog.Logger, config ManagerConfig, store sink.Sink, m *metrics.Metrics) (*Manager, error) {
	if err := config.Segmenter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segmenter config: %w", err)
	}
	if store == nil {
		return nil, errors.New("stream manager requires a sink")
	}
	if m == nil {
		return nil, errors.New("stream manager requires metrics")
	}
	if config.NewOracle == nil {
		engine := config.Engine
		config.NewOracle = func(cfg vad.Config) (vad.Oracle, error) {
			return vad.New(engine, cfg)
		}
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaultCleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		config:   config,
		sink:     store,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// Open creates a session for id, or refreshes the label of an existing one.
// A sampleRate of 0 selects the configured default.
func (m *Manager) Open(id, label string, sampleRate int) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrManagerStopped
	}

	if existing, exists := m.sessions[id]; exists {
		m.logger.Warn("Session already exists, updating metadata",
			slog.String("stream_id", id),
			slog.String("existing_label", existing.Label()),
			slog.String("new_label", label),
		)

		existing.mu.Lock()
		existing.label = label
		existing.lastActivity = time.Now()
		existing.mu.Unlock()

		return existing, nil
	}

	if m.config.MaxStreams > 0 && len(m.sessions) >= m.config.MaxStreams {
		return nil, ErrTooManyStreams
	}

	if sampleRate == 0 {
		sampleRate = m.config.Segmenter.SampleRate
	}

	session, err := m.newSession(id, label, sampleRate)
	if err != nil {
		return nil, err
	}

	m.sessions[id] = session
	m.metrics.RecordStreamCreated()
	m.metrics.SetActiveStreams(len(m.sessions))

	m.logger.Info("Created new stream session",
		slog.String("stream_id", id),
		slog.String("label", label),
		slog.Int("sample_rate", sampleRate),
	)

	return session, nil
}

func (m *Manager) newSession(id, label string, sampleRate int) (*Session, error) {
	segCfg := m.config.Segmenter
	segCfg.SampleRate = sampleRate

	vadCfg := m.config.VAD
	vadCfg.SampleRate = sampleRate
	vadCfg.WindowSize = segCfg.WindowSize

	inner, err := m.config.NewOracle(vadCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vad oracle for stream %s: %w", id, err)
	}
	oracle := vad.NewAsync(inner)

	now := time.Now()
	ctx, cancel := context.WithCancel(m.ctx)
	session := &Session{
		id:           id,
		label:        label,
		sampleRate:   sampleRate,
		startTime:    now,
		lastActivity: now,
		source:       source.NewPush(sampleRate, segCfg.WindowSize),
		manager:      m,
		logger:       m.logger.With(slog.String("stream_id", id)),
		ctx:          ctx,
		cancel:       cancel,
	}

	seg, err := segmenter.New(segCfg, session.source, oracle,
		session.onSpeechStart, session.emit,
		segmenter.WithLogger(session.logger),
		segmenter.WithObserver(m.metrics),
	)
	if err != nil {
		cancel()
		oracle.Close()
		return nil, err
	}
	session.seg = seg

	if err := seg.Start(ctx); err != nil {
		cancel()
		seg.Close()
		return nil, fmt.Errorf("failed to start segmenter for stream %s: %w", id, err)
	}

	return session, nil
}

// GetSession retrieves an existing stream session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// WritePacket routes a sequenced PCM-16 packet to its stream
func (m *Manager) WritePacket(id string, sequence uint32, raw []byte) error {
	session, exists := m.GetSession(id)
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	return session.WritePacket(sequence, raw)
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions ordered by ID
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].id < sessions[j].id
	})
	return sessions
}

// RemoveSession finalizes a stream and releases its resources. Speech still
// in progress is stored as a final utterance.
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
		m.metrics.SetActiveStreams(len(m.sessions))
		m.finalizing.Add(1)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}
	defer m.finalizing.Done()

	session.finalize()

	info := session.GetSessionInfo()
	m.metrics.RecordStreamDestroyed(info.Duration)

	m.logger.Info("Stream session removed",
		slog.String("stream_id", id),
		slog.String("label", info.Label),
		slog.Float64("duration", info.Duration),
		slog.Uint64("utterances", info.Utterances),
		slog.Uint64("sink_failures", info.SinkFailures),
	)

	return true
}

// Stop finalizes every session, waits for removals already in progress and
// then for pending sink writes. Utterances emitted afterwards are rejected.
// The sink itself is left open.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stopping stream manager...")

		m.mu.Lock()
		m.stopped = true
		ids := make([]string, 0, len(m.sessions))
		for id := range m.sessions {
			ids = append(ids, id)
		}
		m.mu.Unlock()

		for _, id := range ids {
			m.RemoveSession(id)
		}

		m.cancel()
		<-m.cleanup

		m.finalizing.Wait()

		m.storeMu.Lock()
		m.storesClosed = true
		m.storeMu.Unlock()
		m.stores.Wait()

		m.logger.Info("Stream manager stopped", slog.Int("finalized_sessions", len(ids)))
	})
}

// startCleanupRoutine runs in a separate goroutine to clean up expired sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	if m.config.Timeout <= 0 {
		<-m.ctx.Done()
		return
	}

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Debug("Stream cleanup routine started",
		slog.Duration("timeout", m.config.Timeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	var expired []string

	m.mu.RLock()
	for id, session := range m.sessions {
		if now.Sub(session.LastActivity()) > m.config.Timeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions", slog.Int("expired_count", len(expired)))

		for _, id := range expired {
			m.RemoveSession(id)
		}
	}
}

// store persists an utterance without blocking the feeding goroutine
func (m *Manager) store(s *Session, u *sink.Utterance) {
	m.storeMu.Lock()
	if m.storesClosed {
		m.storeMu.Unlock()
		s.recordSinkFailure()
		m.metrics.RecordSinkFailure()
		s.logger.Error("Dropping utterance emitted after manager stop",
			slog.String("utterance_id", u.ID))
		return
	}
	m.stores.Add(1)
	m.storeMu.Unlock()

	go func() {
		defer m.stores.Done()

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		if err := m.sink.Store(ctx, u); err != nil {
			s.recordSinkFailure()
			m.metrics.RecordSinkFailure()
			s.logger.Error("Failed to store utterance",
				slog.String("utterance_id", u.ID),
				slog.String("error", err.Error()),
			)
			return
		}

		s.logger.Info("Utterance stored",
			slog.String("utterance_id", u.ID),
			slog.Float64("duration", u.Audio.Duration().Seconds()),
			slog.Int("bytes", u.Audio.Len()),
		)
	}()
}

// Session is one ingest stream with its own source, oracle and segmenter
type Session struct {
	id         string
	sampleRate int
	startTime  time.Time

	source *source.Push
	seg    *segmenter.Segmenter

	manager *Manager
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.RWMutex
	label           string
	lastActivity    time.Time
	speechStartedAt time.Time
	utterances      uint64
	sinkFailures    uint64
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	StreamID     string           `json:"stream_id"`
	Label        string           `json:"label"`
	SampleRate   int              `json:"sample_rate"`
	StartTime    time.Time        `json:"start_time"`
	LastActivity time.Time        `json:"last_activity"`
	Duration     float64          `json:"duration_seconds"`
	Utterances   uint64           `json:"utterances"`
	SinkFailures uint64           `json:"sink_failures"`
	Segmenter    segmenter.Stats  `json:"segmenter"`
	Source       source.PushStats `json:"source"`
}

// ID returns the stream identifier
func (s *Session) ID() string {
	return s.id
}

// Label returns the stream label
func (s *Session) Label() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.label
}

// SampleRate returns the stream sample rate
func (s *Session) SampleRate() int {
	return s.sampleRate
}

// LastActivity returns when audio was last written to the stream
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// WritePacket adds one sequenced PCM-16 packet
func (s *Session) WritePacket(sequence uint32, raw []byte) error {
	s.touch()
	return s.source.WritePacket(sequence, raw)
}

// WriteSamples adds already-ordered normalized samples
func (s *Session) WriteSamples(samples []float32) {
	s.touch()
	s.source.WriteSamples(samples)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) onSpeechStart() {
	s.mu.Lock()
	if s.speechStartedAt.IsZero() {
		s.speechStartedAt = time.Now()
	}
	s.mu.Unlock()

	s.logger.Debug("Speech started")
}

func (s *Session) emit(encoded audio.Encoded) {
	now := time.Now()

	s.mu.Lock()
	startedAt := s.speechStartedAt
	s.speechStartedAt = time.Time{}
	s.utterances++
	s.mu.Unlock()

	if startedAt.IsZero() {
		startedAt = now.Add(-encoded.Duration())
	}

	s.manager.store(s, &sink.Utterance{
		ID:        uuid.NewString(),
		StreamID:  s.id,
		StartedAt: startedAt,
		EndedAt:   now,
		Audio:     encoded,
	})
}

func (s *Session) recordSinkFailure() {
	s.mu.Lock()
	s.sinkFailures++
	s.mu.Unlock()
}

// finalize flushes the source, stores any utterance in progress and closes
// the segmenter
func (s *Session) finalize() {
	s.source.Flush()

	if s.seg.State() == segmenter.Active {
		if segment := s.seg.DrainSegment(); len(segment) > 0 {
			encoded, err := audio.EncodeWAV(segment, s.sampleRate)
			if err != nil {
				s.logger.Error("Failed to encode final utterance", slog.String("error", err.Error()))
			} else {
				s.logger.Info("Final utterance generated on stream end",
					slog.Float64("duration", encoded.Duration().Seconds()))
				s.emit(encoded)
			}
		}
	}

	if err := s.seg.Close(); err != nil {
		s.logger.Warn("Error closing segmenter", slog.String("error", err.Error()))
	}
	s.cancel()
}

// GetSessionInfo returns session information including segmenter statistics
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	info := SessionInfo{
		StreamID:     s.id,
		Label:        s.label,
		SampleRate:   s.sampleRate,
		StartTime:    s.startTime,
		LastActivity: s.lastActivity,
		Duration:     time.Since(s.startTime).Seconds(),
		Utterances:   s.utterances,
		SinkFailures: s.sinkFailures,
	}
	s.mu.RUnlock()

	info.Segmenter = s.seg.Stats()
	info.Source = s.source.GetStats()
	return info
}
