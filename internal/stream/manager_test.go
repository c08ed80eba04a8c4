package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/speechchunks/internal/audio"
	"github.com/skypro1111/speechchunks/internal/metrics"
	"github.com/skypro1111/speechchunks/internal/segmenter"
	"github.com/skypro1111/speechchunks/internal/sink"
	"github.com/skypro1111/speechchunks/internal/vad"
	"github.com/skypro1111/speechchunks/internal/vad/mock"
)

const testWindow = 4

// scriptedOracles hands each new stream its own mock oracle
type scriptedOracles struct {
	mu      sync.Mutex
	script  []vad.Kind
	err     error
	oracles []*mock.Oracle
	configs []vad.Config
}

func (f *scriptedOracles) factory(cfg vad.Config) (vad.Oracle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	o := &mock.Oracle{Script: mock.Kinds(f.script...)}
	f.oracles = append(f.oracles, o)
	f.configs = append(f.configs, cfg)
	return o, nil
}

type failingSink struct{}

func (failingSink) Store(context.Context, *sink.Utterance) error { return errors.New("disk full") }
func (failingSink) Load(context.Context, string) ([]byte, sink.Info, error) {
	return nil, sink.Info{}, sink.ErrNotFound
}
func (failingSink) List(context.Context) ([]sink.Info, error) { return nil, nil }
func (failingSink) Close() error                              { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(f *scriptedOracles) ManagerConfig {
	return ManagerConfig{
		Segmenter: segmenter.Config{SampleRate: 16000, WindowSize: testWindow},
		VAD:       vad.DefaultConfig(),
		NewOracle: f.factory,
		Timeout:   time.Minute,
	}
}

func newTestManager(t *testing.T, cfg ManagerConfig, store sink.Sink) (*Manager, *metrics.Metrics) {
	t.Helper()

	m := metrics.NewMetrics()
	mgr, err := NewManager(testLogger(), cfg, store, m)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(mgr.Stop)
	return mgr, m
}

func newDirSink(t *testing.T) *sink.Dir {
	t.Helper()

	d, err := sink.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}
	return d
}

// packet returns one window worth of silent PCM-16
func packet() []byte {
	return make([]byte, testWindow*2)
}

func TestNewManagerValidation(t *testing.T) {
	f := &scriptedOracles{}
	m := metrics.NewMetrics()

	cfg := testConfig(f)
	cfg.Segmenter.WindowSize = 0
	if _, err := NewManager(testLogger(), cfg, newDirSink(t), m); err == nil {
		t.Errorf("Expected error for invalid segmenter config")
	}

	if _, err := NewManager(testLogger(), testConfig(f), nil, m); err == nil {
		t.Errorf("Expected error for missing sink")
	}

	if _, err := NewManager(testLogger(), testConfig(f), newDirSink(t), nil); err == nil {
		t.Errorf("Expected error for missing metrics")
	}
}

func TestSessionEmitsUtteranceToSink(t *testing.T) {
	f := &scriptedOracles{script: []vad.Kind{vad.None, vad.Start, vad.None, vad.End}}
	store := newDirSink(t)
	mgr, m := newTestManager(t, testConfig(f), store)

	session, err := mgr.Open("call-1", "front desk", 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if session.SampleRate() != 16000 {
		t.Errorf("Expected default sample rate, got %d", session.SampleRate())
	}

	for seq := uint32(0); seq < 4; seq++ {
		if err := mgr.WritePacket("call-1", seq, packet()); err != nil {
			t.Fatalf("WritePacket %d failed: %v", seq, err)
		}
	}

	mgr.Stop()

	infos, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("Expected 1 stored utterance, got %d", len(infos))
	}
	info := infos[0]
	if info.StreamID != "call-1" {
		t.Errorf("Expected stream id call-1, got %q", info.StreamID)
	}
	if info.NumSamples != 2*testWindow {
		t.Errorf("Expected %d samples, got %d", 2*testWindow, info.NumSamples)
	}
	if info.Bytes != 44+2*testWindow*2 {
		t.Errorf("Expected %d bytes, got %d", 44+2*testWindow*2, info.Bytes)
	}
	if info.EndedAt.Before(info.StartedAt) {
		t.Errorf("Utterance ends before it starts: %v < %v", info.EndedAt, info.StartedAt)
	}

	if got := session.GetSessionInfo().Utterances; got != 1 {
		t.Errorf("Expected 1 utterance in session info, got %d", got)
	}
	if got := testutil.ToFloat64(m.UtterancesEmitted); got != 1 {
		t.Errorf("Expected utterance metric 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.StreamsDestroyed); got != 1 {
		t.Errorf("Expected 1 destroyed stream, got %v", got)
	}
}

func TestRemoveSessionStoresSpeechInProgress(t *testing.T) {
	f := &scriptedOracles{script: []vad.Kind{vad.Start, vad.None}}
	store := newDirSink(t)
	mgr, _ := newTestManager(t, testConfig(f), store)

	if _, err := mgr.Open("call-2", "", 8000); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for seq := uint32(10); seq < 12; seq++ {
		if err := mgr.WritePacket("call-2", seq, packet()); err != nil {
			t.Fatalf("WritePacket failed: %v", err)
		}
	}

	if !mgr.RemoveSession("call-2") {
		t.Fatalf("Expected session to be removed")
	}
	if mgr.RemoveSession("call-2") {
		t.Errorf("Expected second removal to report false")
	}
	mgr.Stop()

	infos, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("Expected final utterance to be stored, got %d", len(infos))
	}
	if infos[0].SampleRate != 8000 {
		t.Errorf("Expected announced sample rate 8000, got %d", infos[0].SampleRate)
	}
	if infos[0].NumSamples != 2*testWindow {
		t.Errorf("Expected %d samples, got %d", 2*testWindow, infos[0].NumSamples)
	}

	if f.configs[0].SampleRate != 8000 || f.configs[0].WindowSize != testWindow {
		t.Errorf("Oracle built with unexpected config: %+v", f.configs[0])
	}
	if f.oracles[0].Closes() != 1 {
		t.Errorf("Expected oracle to be closed once, got %d", f.oracles[0].Closes())
	}
}

func TestOpenExistingSessionUpdatesLabel(t *testing.T) {
	f := &scriptedOracles{}
	mgr, _ := newTestManager(t, testConfig(f), newDirSink(t))

	first, err := mgr.Open("s", "old", 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	second, err := mgr.Open("s", "new", 0)
	if err != nil {
		t.Fatalf("Second open failed: %v", err)
	}

	if first != second {
		t.Errorf("Expected the existing session to be returned")
	}
	if second.Label() != "new" {
		t.Errorf("Expected label to be updated, got %q", second.Label())
	}
	if len(f.oracles) != 1 {
		t.Errorf("Expected one oracle, got %d", len(f.oracles))
	}
}

func TestOpenLimits(t *testing.T) {
	f := &scriptedOracles{}
	cfg := testConfig(f)
	cfg.MaxStreams = 1
	mgr, _ := newTestManager(t, cfg, newDirSink(t))

	if _, err := mgr.Open("a", "", 0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := mgr.Open("b", "", 0); !errors.Is(err, ErrTooManyStreams) {
		t.Errorf("Expected ErrTooManyStreams, got %v", err)
	}

	mgr.Stop()
	if _, err := mgr.Open("c", "", 0); !errors.Is(err, ErrManagerStopped) {
		t.Errorf("Expected ErrManagerStopped, got %v", err)
	}
}

func TestOpenOracleFailure(t *testing.T) {
	f := &scriptedOracles{err: errors.New("model missing")}
	mgr, _ := newTestManager(t, testConfig(f), newDirSink(t))

	if _, err := mgr.Open("a", "", 0); err == nil {
		t.Fatalf("Expected oracle factory error")
	}
	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected no sessions after failure, got %d", mgr.GetActiveSessionCount())
	}
}

func TestWritePacketUnknownStream(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig(&scriptedOracles{}), newDirSink(t))

	if err := mgr.WritePacket("missing", 0, packet()); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("Expected ErrUnknownStream, got %v", err)
	}
}

func TestGetAllSessionsSorted(t *testing.T) {
	mgr, m := newTestManager(t, testConfig(&scriptedOracles{}), newDirSink(t))

	for _, id := range []string{"c", "a", "b"} {
		if _, err := mgr.Open(id, "", 0); err != nil {
			t.Fatalf("Open %s failed: %v", id, err)
		}
	}

	sessions := mgr.GetAllSessions()
	if len(sessions) != 3 {
		t.Fatalf("Expected 3 sessions, got %d", len(sessions))
	}
	for i, want := range []string{"a", "b", "c"} {
		if sessions[i].ID() != want {
			t.Errorf("Session %d: expected %s, got %s", i, want, sessions[i].ID())
		}
	}
	if got := testutil.ToFloat64(m.ActiveStreams); got != 3 {
		t.Errorf("Expected active streams gauge 3, got %v", got)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	cfg := testConfig(&scriptedOracles{})
	cfg.Timeout = 20 * time.Millisecond
	cfg.CleanupInterval = 5 * time.Millisecond
	mgr, _ := newTestManager(t, cfg, newDirSink(t))

	if _, err := mgr.Open("idle", "", 0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mgr.GetActiveSessionCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected idle session to be cleaned up")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSinkFailureCounted(t *testing.T) {
	f := &scriptedOracles{script: []vad.Kind{vad.Start, vad.End}}
	mgr, m := newTestManager(t, testConfig(f), failingSink{})

	session, err := mgr.Open("s", "", 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	session.WriteSamples(make([]float32, 2*testWindow))

	mgr.Stop()

	if got := session.GetSessionInfo().SinkFailures; got != 1 {
		t.Errorf("Expected 1 sink failure, got %d", got)
	}
	if got := testutil.ToFloat64(m.SinkStoreFailures); got != 1 {
		t.Errorf("Expected sink failure metric 1, got %v", got)
	}
}

func TestStopWaitsForRemovalInProgress(t *testing.T) {
	release := make(chan struct{})
	oracle := &mock.Oracle{
		Script: []mock.Step{
			{Detection: vad.Detection{Kind: vad.Start}},
			{Block: release},
		},
		Entered: make(chan struct{}, 4),
	}
	cfg := testConfig(&scriptedOracles{})
	cfg.NewOracle = func(vad.Config) (vad.Oracle, error) { return oracle, nil }

	store := newDirSink(t)
	mgr, _ := newTestManager(t, cfg, store)

	if _, err := mgr.Open("ws", "", 0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := mgr.WritePacket("ws", 0, packet()); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}
	// half a window stays pending until the session is flushed
	if err := mgr.WritePacket("ws", 1, packet()[:testWindow]); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}
	<-oracle.Entered

	removed := make(chan bool, 1)
	go func() { removed <- mgr.RemoveSession("ws") }()

	select {
	case <-oracle.Entered:
	case <-time.After(3 * time.Second):
		t.Fatal("Expected the flushed window to reach the oracle")
	}

	stopped := make(chan struct{})
	go func() {
		mgr.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a removal was still finalizing")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after the removal finished")
	}
	if !<-removed {
		t.Error("Expected the concurrent removal to own the session")
	}

	infos, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("Expected the final utterance to be stored before Stop returned, got %d", len(infos))
	}
	if infos[0].NumSamples != 2*testWindow {
		t.Errorf("Expected %d samples, got %d", 2*testWindow, infos[0].NumSamples)
	}
}

func TestStoreAfterStopIsRejected(t *testing.T) {
	store := newDirSink(t)
	mgr, m := newTestManager(t, testConfig(&scriptedOracles{}), store)

	session, err := mgr.Open("late", "", 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mgr.Stop()

	encoded, err := audio.EncodeWAV([][]float32{make([]float32, testWindow)}, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	session.emit(encoded)

	if infos, _ := store.List(context.Background()); len(infos) != 0 {
		t.Errorf("Expected nothing stored after Stop, got %d", len(infos))
	}
	if got := session.GetSessionInfo().SinkFailures; got != 1 {
		t.Errorf("Expected the late utterance to count as a sink failure, got %d", got)
	}
	if got := testutil.ToFloat64(m.SinkStoreFailures); got != 1 {
		t.Errorf("Expected sink failure metric 1, got %v", got)
	}
}
