package session

import (
	"context"
	"errors"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/specwright/specwright/api/pkg/gitops"
	"github.com/specwright/specwright/api/pkg/pubsub"
	"github.com/specwright/specwright/api/pkg/runner"
	"github.com/specwright/specwright/api/pkg/store"
	"github.com/specwright/specwright/api/pkg/types"
)

var (
	// ErrSessionActive means a run-all is already live for the spec.
	ErrSessionActive = errors.New("a run-all session is already active for this spec")
	// ErrNoRunnableChunks means every chunk is already completed or the
	// spec has none.
	ErrNoRunnableChunks = errors.New("spec has no runnable chunks")
)

type ManagerConfig struct {
	GitHubEnabled bool
	PRBase        string
}

// Manager owns the process-wide map of active sessions: exactly one
// RunSession per spec. Tests construct a fresh Manager; nothing here is
// package-global.
type Manager struct {
	store    store.Store
	git      *gitops.GitOps
	runner   *runner.ChunkRunner
	bus      pubsub.Publisher
	cfg      ManagerConfig
	sessions *xsync.MapOf[string, *RunSession]
}

// NewManager wires the session registry. The bus may be nil; sessions
// then serve their own stream only.
func NewManager(s store.Store, git *gitops.GitOps, chunkRunner *runner.ChunkRunner, bus pubsub.Publisher, cfg ManagerConfig) *Manager {
	if cfg.PRBase == "" {
		cfg.PRBase = "main"
	}
	return &Manager{
		store:    s,
		git:      git,
		runner:   chunkRunner,
		bus:      bus,
		cfg:      cfg,
		sessions: xsync.NewMapOf[string, *RunSession](),
	}
}

// StartRunAll admits and launches a run-all for the spec. The session
// runs on its own context: a disconnecting subscriber never cancels it.
func (m *Manager) StartRunAll(ctx context.Context, specID string) (*RunSession, error) {
	spec, err := m.store.GetSpec(ctx, specID)
	if err != nil {
		return nil, err
	}

	chunks, err := m.store.ChunksBySpec(ctx, specID)
	if err != nil {
		return nil, err
	}
	runnable := false
	for _, chunk := range chunks {
		switch chunk.Status {
		case types.ChunkStatusPending, types.ChunkStatusFailed, types.ChunkStatusCancelled:
			runnable = true
		}
	}
	if !runnable {
		return nil, ErrNoRunnableChunks
	}

	sess := newRunSession(spec, m.store, m.git, m.runner, m.bus, m.cfg)
	if _, loaded := m.sessions.LoadOrStore(specID, sess); loaded {
		return nil, ErrSessionActive
	}

	go func() {
		defer m.sessions.Delete(specID)
		sess.run()
	}()

	return sess, nil
}

// Abort sets the spec's session abort flag; idempotent, returns false
// when no session is active.
func (m *Manager) Abort(specID string) bool {
	sess, ok := m.sessions.Load(specID)
	if !ok {
		return false
	}
	sess.Abort()
	return true
}

// Stop aborts and additionally cancels the in-flight chunk, asking the
// executor to stop mid-execution.
func (m *Manager) Stop(specID string) bool {
	sess, ok := m.sessions.Load(specID)
	if !ok {
		return false
	}
	sess.Stop()
	return true
}

// Get returns the live session for the spec, if any.
func (m *Manager) Get(specID string) (*RunSession, bool) {
	return m.sessions.Load(specID)
}

// Active reports whether a session is live for the spec.
func (m *Manager) Active(specID string) bool {
	_, ok := m.sessions.Load(specID)
	return ok
}
