// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/demobroker/pkg/errs"
	"github.com/stacklok/demobroker/pkg/invite"
	"github.com/stacklok/demobroker/pkg/queue"
	"github.com/stacklok/demobroker/pkg/sandbox"
)

const testBaseURL = "http://localhost:8080"

type fakeHandle struct {
	id     string
	exitCh chan sandbox.ExitResult

	mu      sync.Mutex
	once    sync.Once
	stopped bool
	killed  bool
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id, exitCh: make(chan sandbox.ExitResult, 1)}
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Wait(_ context.Context) <-chan sandbox.ExitResult { return h.exitCh }

func (h *fakeHandle) Stop(_ context.Context, _ time.Duration) error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	// A stopped container exits; close the wait channel like the runtime
	// would.
	h.once.Do(func() { close(h.exitCh) })
	return nil
}

func (h *fakeHandle) Kill(_ context.Context) error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.once.Do(func() { close(h.exitCh) })
	return nil
}

func (h *fakeHandle) exit(code int64) {
	h.once.Do(func() {
		h.exitCh <- sandbox.ExitResult{Code: code}
		close(h.exitCh)
	})
}

type fakeRunner struct {
	mu         sync.Mutex
	handles    []*fakeHandle
	specs      []sandbox.SpawnSpec
	failNext   error
	blockSpawn chan struct{}
}

func (r *fakeRunner) Spawn(_ context.Context, spec sandbox.SpawnSpec) (sandbox.Handle, error) {
	r.mu.Lock()
	block := r.blockSpawn
	r.mu.Unlock()
	if block != nil {
		<-block
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return nil, err
	}
	r.specs = append(r.specs, spec)
	h := newFakeHandle("container-" + spec.SessionID)
	r.handles = append(r.handles, h)
	return h, nil
}

func (r *fakeRunner) lastHandle(t *testing.T) *fakeHandle {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.handles)
	return r.handles[len(r.handles)-1]
}

func (r *fakeRunner) lastSpec(t *testing.T) sandbox.SpawnSpec {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.specs)
	return r.specs[len(r.specs)-1]
}

type startEvent struct {
	clientID  string
	url       string
	token     string
	expiresAt time.Time
}

type endEvent struct {
	clientID     string
	reason       EndReason
	credLeftover int
}

// recorder implements both session.Events and queue.Events.
type recorder struct {
	mu       sync.Mutex
	credDir  string
	starting []startEvent
	warnings []string
	ended    []endEvent
	errs     []string
}

func (r *recorder) SessionStarting(clientID, terminalURL, sessionToken string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starting = append(r.starting, startEvent{clientID, terminalURL, sessionToken, expiresAt})
}

func (r *recorder) SessionWarning(clientID string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, clientID)
}

func (r *recorder) SessionEnded(clientID string, reason EndReason) {
	leftover := -1
	if entries, err := os.ReadDir(r.credDir); err == nil {
		leftover = len(entries)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, endEvent{clientID, reason, leftover})
}

func (r *recorder) SessionError(clientID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, clientID)
}

func (r *recorder) QueuePosition(string, int, int, time.Duration) {}

func (r *recorder) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starting)
}

func (r *recorder) endCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ended)
}

func (r *recorder) lastStart(t *testing.T) startEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.starting)
	return r.starting[len(r.starting)-1]
}

func (r *recorder) lastEnd(t *testing.T) endEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.ended)
	return r.ended[len(r.ended)-1]
}

type consumeCall struct {
	token string
	usage invite.SessionUsage
}

type fakeAuditor struct {
	mu    sync.Mutex
	calls []consumeCall
}

func (a *fakeAuditor) Consume(_ context.Context, token string, usage invite.SessionUsage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, consumeCall{token, usage})
	return nil
}

func (a *fakeAuditor) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *fakeAuditor) call(t *testing.T, i int) consumeCall {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.Greater(t, len(a.calls), i)
	return a.calls[i]
}

type fakeResetter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeResetter) Run(_ context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID)
	if f.err != nil {
		return 1, f.err
	}
	return 0, nil
}

func (f *fakeResetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type testEnv struct {
	sup      *Supervisor
	rec      *recorder
	runner   *fakeRunner
	auditor  *fakeAuditor
	resetter *fakeResetter
	waitlist *queue.Manager
	tokens   *TokenMap
	minter   *Minter
	resume   *ResumeStore
	credDir  string
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	credDir := t.TempDir()
	rec := &recorder{credDir: credDir}
	runner := &fakeRunner{}
	auditor := &fakeAuditor{}
	resetter := &fakeResetter{}
	tokens := NewTokenMap()
	minter := NewMinter("a-very-long-and-random-session-secret-0123456789")
	resume := NewResumeStore(client)
	waitlist := queue.NewManager(10, 45*time.Minute, rec)

	cfg := Config{
		SessionTimeout:  time.Hour,
		WarningLead:     5 * time.Minute,
		HardKillGrace:   5 * time.Minute,
		DisconnectGrace: time.Hour,
		StopTimeout:     time.Second,
		TerminalBaseURL: testBaseURL,
		CredentialsDir:  credDir,
		Credentials: Credentials{
			JiraAPIToken:    "jira-token",
			JiraEmail:       "demo@example.com",
			JiraSiteURL:     "https://example.atlassian.net",
			ModelOAuthToken: "oauth-token",
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sup := NewSupervisor(t.Context(), cfg, waitlist, rec, auditor, runner, resume, tokens, minter, resetter)
	return &testEnv{
		sup:      sup,
		rec:      rec,
		runner:   runner,
		auditor:  auditor,
		resetter: resetter,
		waitlist: waitlist,
		tokens:   tokens,
		minter:   minter,
		resume:   resume,
		credDir:  credDir,
	}
}

func entryFor(clientID, token string) queue.Entry {
	return queue.Entry{
		ClientID:    clientID,
		RemoteAddr:  "10.0.0.1:1234",
		UserAgent:   "test-agent",
		InviteToken: token,
	}
}

func sessionIDFromURL(t *testing.T, url string) string {
	t.Helper()
	id := strings.TrimPrefix(url, testBaseURL+"/terminal/")
	require.NotEqual(t, url, id)
	return id
}

func TestPromoteStartsSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.sup.Promote(entryFor("client-a", "inv-a")))

	require.Eventually(t, func() bool { return env.rec.startCount() == 1 }, time.Second, 5*time.Millisecond)
	start := env.rec.lastStart(t)
	assert.Equal(t, "client-a", start.clientID)

	sessionID := sessionIDFromURL(t, start.url)
	assert.True(t, env.minter.Verify(start.token, sessionID))

	entry, ok := env.tokens.Lookup(start.token)
	require.True(t, ok)
	assert.False(t, entry.Pending)
	assert.Equal(t, "client-a", entry.ClientID)

	// Credential file is on disk and was handed to the runner by path.
	spec := env.runner.lastSpec(t)
	assert.NotEmpty(t, spec.CredentialFile)
	_, err := os.Stat(spec.CredentialFile)
	require.NoError(t, err)

	hint, err := env.resume.Get(t.Context(), "client-a")
	require.NoError(t, err)
	require.NotNil(t, hint)
	assert.Equal(t, sessionID, hint.SessionID)

	assert.Equal(t, StateActive, env.sup.State())
	owner, ok := env.sup.ActiveOwner()
	require.True(t, ok)
	assert.Equal(t, "client-a", owner)
}

func TestPromoteRefusesOccupiedSlot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.sup.Promote(entryFor("client-a", "inv-a")))

	err := env.sup.Promote(entryFor("client-b", "inv-b"))
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.ErrSessionConflict))
}

func TestEndReleasesSlotAndPromotesNext(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.sup.Promote(entryFor("client-a", "inv-a")))
	_, err := env.waitlist.Enqueue(entryFor("client-b", "inv-b"))
	require.NoError(t, err)

	env.sup.End(ReasonUserEnded)

	require.Eventually(t, func() bool { return env.rec.startCount() == 2 }, time.Second, 5*time.Millisecond)
	end := env.rec.lastEnd(t)
	assert.Equal(t, "client-a", end.clientID)
	assert.Equal(t, ReasonUserEnded, end.reason)
	// Credential cleanup happened before the client was told.
	assert.Zero(t, end.credLeftover)

	call := env.auditor.call(t, 0)
	assert.Equal(t, "inv-a", call.token)
	assert.Equal(t, "user_ended", call.usage.EndReason)
	assert.Equal(t, "client-a", call.usage.ClientID)

	hint, err := env.resume.Get(t.Context(), "client-a")
	require.NoError(t, err)
	assert.Nil(t, hint)

	assert.Equal(t, "client-b", env.rec.lastStart(t).clientID)
	require.Eventually(t, func() bool { return env.resetter.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEndByClientOnlyForOwner(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.sup.Promote(entryFor("client-a", "inv-a")))

	assert.False(t, env.sup.EndByClient("client-b", ReasonUserEnded))
	assert.Equal(t, StateActive, env.sup.State())

	assert.True(t, env.sup.EndByClient("client-a", ReasonUserEnded))
	require.Eventually(t, func() bool { return env.rec.endCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateIdle, env.sup.State())
}

func TestContainerExitEndsSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.sup.Promote(entryFor("client-a", "inv-a")))

	env.runner.lastHandle(t).exit(0)

	require.Eventually(t, func() bool { return env.rec.endCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ReasonContainerExit, env.rec.lastEnd(t).reason)
	assert.Equal(t, StateIdle, env.sup.State())
}

func TestSessionTimeoutWarnsThenEnds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *Config) {
		cfg.SessionTimeout = 120 * time.Millisecond
		cfg.WarningLead = 60 * time.Millisecond
	})
	require.NoError(t, env.sup.Promote(entryFor("client-a", "inv-a")))

	require.Eventually(t, func() bool { return env.rec.endCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ReasonTimeout, env.rec.lastEnd(t).reason)

	env.rec.mu.Lock()
	warned := len(env.rec.warnings)
	env.rec.mu.Unlock()
	assert.Equal(t, 1, warned)
}

func TestDisconnectGraceExpires(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *Config) {
		cfg.DisconnectGrace = 50 * time.Millisecond
	})
	require.NoError(t, env.sup.Promote(entryFor("client-a", "inv-a")))

	// Disconnects from clients that don't own the session are ignored.
	env.sup.HandleDisconnect("client-z")
	assert.Equal(t, StateActive, env.sup.State())

	env.sup.HandleDisconnect("client-a")

	require.Eventually(t, func() bool { return env.rec.endCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ReasonDisconnected, env.rec.lastEnd(t).reason)
}

func TestDisconnectDuringStartOpensGrace(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *Config) {
		cfg.DisconnectGrace = 50 * time.Millisecond
	})
	release := make(chan struct{})
	env.runner.mu.Lock()
	env.runner.blockSpawn = release
	env.runner.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- env.sup.Promote(entryFor("client-a", "inv-a")) }()

	require.Eventually(t, func() bool { return env.sup.State() == StateStarting }, time.Second, time.Millisecond)
	env.sup.HandleDisconnect("client-a")

	close(release)
	require.NoError(t, <-done)

	// The mid-spawn disconnect opened the grace window as soon as the slot
	// went active, so the slot frees instead of wedging until timeout.
	require.Eventually(t, func() bool { return env.rec.endCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ReasonDisconnected, env.rec.lastEnd(t).reason)
	assert.Equal(t, StateIdle, env.sup.State())
}

func TestDisconnectDuringStartAllowsRebind(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	release := make(chan struct{})
	env.runner.mu.Lock()
	env.runner.blockSpawn = release
	env.runner.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- env.sup.Promote(entryFor("client-a", "inv-a")) }()

	require.Eventually(t, func() bool { return env.sup.State() == StateStarting }, time.Second, time.Millisecond)
	env.sup.HandleDisconnect("client-a")
	close(release)
	require.NoError(t, <-done)

	start := env.rec.lastStart(t)
	result, err := env.sup.Rebind(start.token, "client-a2", "10.0.0.2:4321")
	require.NoError(t, err)
	assert.Equal(t, start.token, result.SessionToken)
	assert.Zero(t, env.rec.endCount())
}

func TestRebindWithinGrace(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.sup.Promote(entryFor("client-a", "inv-a")))
	start := env.rec.lastStart(t)

	env.sup.HandleDisconnect("client-a")

	result, err := env.sup.Rebind(start.token, "client-a2", "10.0.0.2:4321")
	require.NoError(t, err)
	assert.Equal(t, sessionIDFromURL(t, start.url), result.SessionID)
	assert.Equal(t, start.token, result.SessionToken)

	entry, ok := env.tokens.Lookup(start.token)
	require.True(t, ok)
	assert.Equal(t, "client-a2", entry.ClientID)

	hint, err := env.resume.Get(t.Context(), "client-a2")
	require.NoError(t, err)
	require.NotNil(t, hint)
	assert.Equal(t, result.SessionID, hint.SessionID)

	owner, ok := env.sup.ActiveOwner()
	require.True(t, ok)
	assert.Equal(t, "client-a2", owner)
	assert.Zero(t, env.rec.endCount())
}

func TestRebindRejectsBadToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.sup.Promote(entryFor("client-a", "inv-a")))
	env.sup.HandleDisconnect("client-a")

	_, err := env.sup.Rebind("not-the-token", "client-b", "10.0.0.2:4321")
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.ErrInvalidArgument))
}

func TestRebindRequiresGraceWindow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.sup.Promote(entryFor("client-a", "inv-a")))
	start := env.rec.lastStart(t)

	// Session is connected, nothing to rebind.
	_, err := env.sup.Rebind(start.token, "client-b", "10.0.0.2:4321")
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.ErrSessionConflict))
}

func TestRebindConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.sup.Promote(entryFor("client-a", "inv-a")))
	start := env.rec.lastStart(t)
	env.sup.HandleDisconnect("client-a")

	const attempts = 4
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.sup.Rebind(start.token, "client-new", "10.0.0.3:1111")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestSpawnFailurePromotesNext(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.runner.mu.Lock()
	env.runner.failNext = errors.New("image pull failed")
	env.runner.mu.Unlock()

	_, err := env.waitlist.Enqueue(entryFor("client-b", "inv-b"))
	require.NoError(t, err)

	err = env.sup.Promote(entryFor("client-a", "inv-a"))
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.ErrSandboxRuntime))

	// client-a was told, client-b got the slot, no credential file remains
	// from the failed attempt besides client-b's.
	require.Eventually(t, func() bool { return env.rec.startCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "client-b", env.rec.lastStart(t).clientID)

	env.rec.mu.Lock()
	errored := env.rec.errs
	env.rec.mu.Unlock()
	assert.Equal(t, []string{"client-a"}, errored)

	entries, err := os.ReadDir(env.credDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestResetFailureAttachedToNextAudit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.resetter.mu.Lock()
	env.resetter.err = errors.New("jira cleanup failed")
	env.resetter.mu.Unlock()

	require.NoError(t, env.sup.Promote(entryFor("client-a", "inv-a")))
	env.sup.End(ReasonUserEnded)
	require.Eventually(t, func() bool { return env.resetter.count() == 1 }, time.Second, 5*time.Millisecond)

	env.resetter.mu.Lock()
	env.resetter.err = nil
	env.resetter.mu.Unlock()

	require.NoError(t, env.sup.Promote(entryFor("client-b", "inv-b")))
	env.sup.End(ReasonUserEnded)

	require.Eventually(t, func() bool { return env.auditor.count() == 2 }, time.Second, 5*time.Millisecond)
	first := env.auditor.call(t, 0)
	assert.Empty(t, first.usage.Errors)

	second := env.auditor.call(t, 1)
	require.Len(t, second.usage.Errors, 1)
	assert.Contains(t, second.usage.Errors[0], "data reset")
}

func TestShutdownEndsSessionAndStopsPromoting(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.sup.Promote(entryFor("client-a", "inv-a")))
	_, err := env.waitlist.Enqueue(entryFor("client-b", "inv-b"))
	require.NoError(t, err)

	env.sup.Shutdown()

	require.Eventually(t, func() bool { return env.rec.endCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ReasonShutdown, env.rec.lastEnd(t).reason)

	// Nobody else gets a session after shutdown.
	assert.Equal(t, 1, env.rec.startCount())
	assert.Equal(t, StateIdle, env.sup.State())

	err = env.sup.Promote(entryFor("client-c", "inv-c"))
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.ErrSessionConflict))
}
