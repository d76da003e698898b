// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session implements the session supervisor: the owner of the
// at-most-one active session, its timers, the reconnect grace window, and
// the credential handoff.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/demobroker/pkg/errs"
	"github.com/stacklok/demobroker/pkg/invite"
	"github.com/stacklok/demobroker/pkg/logger"
	"github.com/stacklok/demobroker/pkg/queue"
	"github.com/stacklok/demobroker/pkg/sandbox"
)

// State is the state of the global singleton session slot.
type State int

// Singleton slot states. DisconnectedGrace is a substate of StateActive,
// tracked separately on the session record.
const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateEnding
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// EndReason is the closed set of reasons a session terminates.
type EndReason string

// Session end reasons.
const (
	ReasonTimeout       EndReason = "timeout"
	ReasonDisconnected  EndReason = "disconnected"
	ReasonContainerExit EndReason = "container_exit"
	ReasonUserEnded     EndReason = "user_ended"
	ReasonShutdown      EndReason = "shutdown"
)

// Events receives session lifecycle notifications. Implemented by the
// gateway; a notification for a client that is gone must be a no-op.
type Events interface {
	SessionStarting(clientID, terminalURL, sessionToken string, expiresAt time.Time)
	SessionWarning(clientID string, minutesRemaining int)
	SessionEnded(clientID string, reason EndReason)
	SessionError(clientID, message string)
}

// Auditor records invite usage when a session ends. Implemented by the
// invite store.
type Auditor interface {
	Consume(ctx context.Context, token string, usage invite.SessionUsage) error
}

// Resetter runs the post-session data-reset hook.
type Resetter interface {
	Run(ctx context.Context, sessionID string) (int, error)
}

// Config holds the supervisor's timing and handoff settings.
type Config struct {
	SessionTimeout  time.Duration
	WarningLead     time.Duration
	HardKillGrace   time.Duration
	DisconnectGrace time.Duration
	StopTimeout     time.Duration
	TerminalBaseURL string
	CredentialsDir  string
	Credentials     Credentials
	Debug           bool
}

// Defaults for the optional Config fields.
const (
	defaultWarningLead   = 5 * time.Minute
	defaultHardKillGrace = 5 * time.Minute
	defaultStopTimeout   = 30 * time.Second
)

// activeSession is the singleton session record. It exists exactly while a
// terminal container is alive and a credential file is on disk.
type activeSession struct {
	sessionID   string
	clientID    string
	token       string
	remoteAddr  string
	userAgent   string
	inviteToken string
	startedAt   time.Time
	hardExpiry  time.Time
	queueWait   time.Duration

	handle      sandbox.Handle
	credPath    string
	credCleanup func() error
	credOnce    sync.Once

	warnTimer     *time.Timer
	softTimer     *time.Timer
	hardKillTimer *time.Timer
	graceTimer    *time.Timer

	inGrace bool
	warned  bool
	errors  []string
}

// Supervisor owns the active-session slot. All state transitions are
// serialized on its mutex; blocking work happens outside the lock while
// the slot sits in Starting or Ending.
type Supervisor struct {
	mu     sync.Mutex
	state  State
	active *activeSession

	// rebindInFlight is the single-flight guard for grace-window
	// reconnects.
	rebindInFlight bool

	// draining suppresses promotion of the next client during shutdown.
	draining bool

	// startingClientID identifies the owner while the slot is in Starting;
	// pendingDisconnect latches a disconnect that arrives mid-spawn so the
	// grace window opens the moment the session goes active.
	startingClientID  string
	pendingDisconnect bool

	// lastResetErr carries a failed reset-hook outcome into the next
	// session's audit record.
	lastResetErr string

	// lastCredPath is checked on promote: the previous session's
	// credential file must be gone before a new one is written.
	lastCredPath string

	cfg      Config
	waitlist *queue.Manager
	events   Events
	auditor  Auditor
	runner   sandbox.Runner
	resume   *ResumeStore
	tokens   *TokenMap
	minter   *Minter
	resetter Resetter

	ctx context.Context
	now func() time.Time
}

// NewSupervisor creates the session supervisor. ctx bounds all background
// work the supervisor schedules (container waits, reset hooks).
func NewSupervisor(
	ctx context.Context,
	cfg Config,
	waitlist *queue.Manager,
	events Events,
	auditor Auditor,
	runner sandbox.Runner,
	resume *ResumeStore,
	tokens *TokenMap,
	minter *Minter,
	resetter Resetter,
) *Supervisor {
	if cfg.WarningLead == 0 {
		cfg.WarningLead = defaultWarningLead
	}
	if cfg.HardKillGrace == 0 {
		cfg.HardKillGrace = defaultHardKillGrace
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Supervisor{
		state:    StateIdle,
		cfg:      cfg,
		waitlist: waitlist,
		events:   events,
		auditor:  auditor,
		runner:   runner,
		resume:   resume,
		tokens:   tokens,
		minter:   minter,
		resetter: resetter,
		ctx:      ctx,
		now:      time.Now,
	}
}

// State returns the current slot state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionActive reports whether a session currently occupies the slot.
func (s *Supervisor) SessionActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateIdle
}

// ActiveOwner returns the client id owning the active session, if any.
func (s *Supervisor) ActiveOwner() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", false
	}
	return s.active.clientID, true
}

// LookupToken resolves a session token to its entry.
func (s *Supervisor) LookupToken(token string) (TokenEntry, bool) {
	return s.tokens.Lookup(token)
}

// Promote starts a session for the given client. It asserts the slot is
// Idle; callers racing for the slot get a session_conflict error and fall
// back to the queue.
func (s *Supervisor) Promote(e queue.Entry) error {
	s.mu.Lock()
	if s.state != StateIdle || s.draining {
		s.mu.Unlock()
		return errs.NewSessionConflictError("a session is already active")
	}

	// The previous session's credential file must be gone. A leftover
	// means a cleanup was skipped; remove it and scream, or refuse the
	// slot if even that fails.
	if s.lastCredPath != "" {
		if _, err := os.Stat(s.lastCredPath); err == nil {
			logger.Errorw("credential file survived session teardown", "path", s.lastCredPath)
			if err := os.Remove(s.lastCredPath); err != nil {
				s.mu.Unlock()
				return errs.NewInternalError("stale credential file cannot be removed", err)
			}
		}
		s.lastCredPath = ""
	}

	s.state = StateStarting
	s.startingClientID = e.ClientID
	s.pendingDisconnect = false
	sessionID := uuid.NewString()
	token := s.minter.Mint(sessionID)
	now := s.now()

	var queueWait time.Duration
	if !e.EnqueuedAt.IsZero() {
		queueWait = now.Sub(e.EnqueuedAt)
	}

	s.tokens.Put(token, TokenEntry{
		SessionID:  sessionID,
		ClientID:   e.ClientID,
		RemoteAddr: e.RemoteAddr,
		CreatedAt:  now,
		Pending:    true,
	})
	s.mu.Unlock()

	// The client skipped the queue or was popped already; make sure no
	// duplicate entry lingers.
	s.waitlist.RemoveIfPresent(e.ClientID)

	err := s.startSession(sessionID, token, e, now, queueWait)
	if err != nil {
		s.tokens.Delete(token)
		s.mu.Lock()
		s.state = StateIdle
		s.startingClientID = ""
		s.pendingDisconnect = false
		s.mu.Unlock()

		logger.Errorw("session start failed", "client_id", e.ClientID, "error", err)
		s.events.SessionError(e.ClientID, "Failed to start your session, please try again")

		// Give the slot to the next queued client rather than stalling.
		s.promoteNext()
		return errs.NewSandboxRuntimeError("failed to start session", err)
	}
	return nil
}

// startSession performs the blocking part of promotion: credential file,
// container spawn, timers, resume hint. The slot is in Starting.
func (s *Supervisor) startSession(sessionID, token string, e queue.Entry, now time.Time, queueWait time.Duration) error {
	credPath, credCleanup, err := writeCredentialFile(s.cfg.CredentialsDir, sessionID, s.cfg.Credentials)
	if err != nil {
		return err
	}

	handle, err := s.runner.Spawn(s.ctx, sandbox.SpawnSpec{
		SessionID:      sessionID,
		CredentialFile: credPath,
		TimeoutMinutes: int(s.cfg.SessionTimeout.Minutes()),
		Debug:          s.cfg.Debug,
	})
	if err != nil {
		if cerr := credCleanup(); cerr != nil {
			logger.Errorw("credential cleanup after spawn failure", "error", cerr)
		}
		return err
	}

	hardExpiry := now.Add(s.cfg.SessionTimeout)
	sess := &activeSession{
		sessionID:   sessionID,
		clientID:    e.ClientID,
		token:       token,
		remoteAddr:  e.RemoteAddr,
		userAgent:   e.UserAgent,
		inviteToken: e.InviteToken,
		startedAt:   now,
		hardExpiry:  hardExpiry,
		queueWait:   queueWait,
		handle:      handle,
		credPath:    credPath,
		credCleanup: credCleanup,
	}

	s.mu.Lock()
	s.active = sess
	s.state = StateActive
	s.lastCredPath = credPath
	s.armTimersLocked(sess)
	s.startingClientID = ""
	disconnected := s.pendingDisconnect
	if disconnected {
		// The owner vanished while the container was spawning; open the
		// grace window right away.
		s.pendingDisconnect = false
		sess.inGrace = true
		sess.graceTimer = time.AfterFunc(s.cfg.DisconnectGrace, func() { s.graceExpired(sessionID) })
	}
	s.mu.Unlock()

	if disconnected {
		logger.Infow("owner disconnected during start, grace window open",
			"session_id", sessionID, "client_id", e.ClientID, "grace", s.cfg.DisconnectGrace)
	}

	s.tokens.Activate(token)

	hint := ResumeHint{
		SessionID:   sessionID,
		StartedAt:   now,
		ExpiresAt:   hardExpiry,
		InviteToken: e.InviteToken,
	}
	if err := s.resume.Put(s.ctx, e.ClientID, hint, s.cfg.SessionTimeout); err != nil {
		// Resume hints are best effort; losing one costs a reconnect.
		logger.Warnw("failed to store resume hint", "error", err)
	}

	go s.watchExit(handle, sessionID)

	logger.Infow("session started",
		"session_id", sessionID,
		"client_id", e.ClientID,
		"expires_at", hardExpiry,
		"queue_wait_ms", queueWait.Milliseconds())
	s.events.SessionStarting(e.ClientID, s.terminalURL(sessionID), token, hardExpiry)
	return nil
}

func (s *Supervisor) terminalURL(sessionID string) string {
	return fmt.Sprintf("%s/terminal/%s", s.cfg.TerminalBaseURL, sessionID)
}

// armTimersLocked arms the warning, soft-timeout, and hard-kill timers.
// Caller holds s.mu.
func (s *Supervisor) armTimersLocked(sess *activeSession) {
	sid := sess.sessionID
	warnIn := time.Until(sess.hardExpiry) - s.cfg.WarningLead
	if warnIn < 0 {
		warnIn = 0
	}

	sess.warnTimer = time.AfterFunc(warnIn, func() { s.fireWarning(sid) })
	sess.softTimer = time.AfterFunc(time.Until(sess.hardExpiry), func() { s.endIfCurrent(sid, ReasonTimeout) })
	sess.hardKillTimer = time.AfterFunc(time.Until(sess.hardExpiry)+s.cfg.HardKillGrace, func() { s.fireHardKill(sid) })
}

func (s *Supervisor) fireWarning(sessionID string) {
	s.mu.Lock()
	sess := s.active
	if sess == nil || sess.sessionID != sessionID || s.state != StateActive || sess.warned {
		s.mu.Unlock()
		return
	}
	sess.warned = true
	clientID := sess.clientID
	s.mu.Unlock()

	s.events.SessionWarning(clientID, int(s.cfg.WarningLead.Minutes()))
}

// fireHardKill is the defensive second layer: force-kill the container if
// it is somehow still alive well past expiry.
func (s *Supervisor) fireHardKill(sessionID string) {
	s.mu.Lock()
	sess := s.active
	if sess == nil || sess.sessionID != sessionID {
		s.mu.Unlock()
		return
	}
	handle := sess.handle
	s.mu.Unlock()

	logger.Errorw("hard-kill backstop fired", "session_id", sessionID)
	if err := handle.Kill(s.ctx); err != nil {
		logger.Errorw("hard kill failed", "session_id", sessionID, "error", err)
	}
}

// watchExit reaps the container when it stops on its own.
func (s *Supervisor) watchExit(handle sandbox.Handle, sessionID string) {
	result, ok := <-handle.Wait(s.ctx)
	if !ok {
		return
	}
	if result.Err != nil {
		logger.Warnw("container wait error", "session_id", sessionID, "error", result.Err)
		s.recordError(sessionID, fmt.Sprintf("container wait: %v", result.Err))
	}
	s.endIfCurrent(sessionID, ReasonContainerExit)
}

// recordError attaches an error to the running session's audit record.
func (s *Supervisor) recordError(sessionID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active.sessionID == sessionID {
		s.active.errors = append(s.active.errors, msg)
	}
}

// endIfCurrent ends the session iff sessionID still occupies the slot.
// Timer callbacks and the exit watcher route through here so stale
// triggers are no-ops.
func (s *Supervisor) endIfCurrent(sessionID string, reason EndReason) {
	s.mu.Lock()
	if s.active == nil || s.active.sessionID != sessionID || s.state == StateEnding {
		s.mu.Unlock()
		return
	}
	s.endLocked(reason)
}

// End terminates the current session, whatever it is. No-op when the slot
// is empty or already ending.
func (s *Supervisor) End(reason EndReason) {
	s.mu.Lock()
	if s.active == nil || s.state == StateEnding {
		s.mu.Unlock()
		return
	}
	s.endLocked(reason)
}

// endLocked runs the termination protocol. Called with s.mu held; releases
// it. Ordering matters: timers are cancelled before any I/O, and the
// credential file is removed before the token map is cleared and before
// the client learns the session ended.
func (s *Supervisor) endLocked(reason EndReason) {
	sess := s.active
	s.state = StateEnding

	stopTimer(sess.warnTimer)
	stopTimer(sess.softTimer)
	stopTimer(sess.hardKillTimer)
	stopTimer(sess.graceTimer)
	sess.inGrace = false

	resetErr := s.lastResetErr
	s.lastResetErr = ""
	// Snapshot while holding the lock; recordError may still run behind us.
	sessErrors := append([]string(nil), sess.errors...)
	s.mu.Unlock()

	logger.Infow("session ending", "session_id", sess.sessionID, "reason", string(reason))

	// Graceful termination; the runtime force-kills after StopTimeout so
	// this never wedges the slot. Not waited on.
	go func() {
		if err := sess.handle.Stop(s.ctx, s.cfg.StopTimeout); err != nil {
			logger.Warnw("container stop failed", "session_id", sess.sessionID, "error", err)
		}
	}()

	sess.credOnce.Do(func() {
		if err := sess.credCleanup(); err != nil {
			logger.Errorw("credential cleanup failed", "session_id", sess.sessionID, "error", err)
		}
	})

	s.tokens.Delete(sess.token)

	if sess.inviteToken != "" {
		usage := invite.SessionUsage{
			SessionID:   sess.sessionID,
			ClientID:    sess.clientID,
			StartedAt:   sess.startedAt,
			EndedAt:     s.now(),
			EndReason:   string(reason),
			QueueWaitMS: sess.queueWait.Milliseconds(),
			RemoteAddr:  sess.remoteAddr,
			UserAgent:   sess.userAgent,
			Errors:      sessErrors,
		}
		if resetErr != "" {
			usage.Errors = append(usage.Errors, resetErr)
		}
		// Audit loss is preferred over a stalled slot.
		if err := s.auditor.Consume(s.ctx, sess.inviteToken, usage); err != nil {
			logger.Errorw("failed to record invite usage", "session_id", sess.sessionID, "error", err)
		}
	}

	if err := s.resume.Delete(s.ctx, sess.clientID); err != nil {
		logger.Warnw("failed to delete resume hint", "error", err)
	}

	s.events.SessionEnded(sess.clientID, reason)

	go s.runResetHook(sess.sessionID)

	s.mu.Lock()
	s.active = nil
	s.state = StateIdle
	draining := s.draining
	s.mu.Unlock()

	if !draining {
		s.promoteNext()
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// runResetHook invokes the data-reset script and records its outcome. A
// failure is attached to the next session's audit record; it never blocks
// the next promotion.
func (s *Supervisor) runResetHook(sessionID string) {
	code, err := s.resetter.Run(s.ctx, sessionID)
	if err == nil {
		return
	}
	logger.Errorw("data-reset hook failed", "session_id", sessionID, "exit_code", code, "error", err)

	s.mu.Lock()
	s.lastResetErr = fmt.Sprintf("data reset after session %s: %v", sessionID, err)
	s.mu.Unlock()
}

// promoteNext hands the slot to the queue head, if any.
func (s *Supervisor) promoteNext() {
	next, ok := s.waitlist.PopHead()
	if !ok {
		return
	}
	if err := s.Promote(next); err != nil {
		logger.Errorw("failed to promote next client", "client_id", next.ClientID, "error", err)
	}
}

// HandleDisconnect is called by the gateway when a client's connection
// closes. If the client owns the active session, the session is held open
// for the grace window awaiting a reconnect. A disconnect seen while the
// session is still starting is remembered and the grace window opens once
// the slot goes active.
func (s *Supervisor) HandleDisconnect(clientID string) {
	s.mu.Lock()
	if s.state == StateStarting && s.startingClientID == clientID {
		s.pendingDisconnect = true
		s.mu.Unlock()
		logger.Infow("client disconnected during session start", "client_id", clientID)
		return
	}
	sess := s.active
	if sess == nil || sess.clientID != clientID || s.state != StateActive || sess.inGrace {
		s.mu.Unlock()
		return
	}

	sess.inGrace = true
	sid := sess.sessionID
	sess.graceTimer = time.AfterFunc(s.cfg.DisconnectGrace, func() { s.graceExpired(sid) })
	s.mu.Unlock()

	logger.Infow("client disconnected, grace window open",
		"session_id", sid, "client_id", clientID, "grace", s.cfg.DisconnectGrace)
}

func (s *Supervisor) graceExpired(sessionID string) {
	s.mu.Lock()
	sess := s.active
	if sess == nil || sess.sessionID != sessionID || !sess.inGrace || s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.endLocked(ReasonDisconnected)
}

// RebindResult carries the surviving session back to the gateway so it can
// re-emit session_starting on the new connection.
type RebindResult struct {
	SessionID    string
	SessionToken string
	TerminalURL  string
	ExpiresAt    time.Time
}

// Rebind attaches a reconnecting client to the session it owns, provided
// the presented token matches and the grace window is still open. A
// single-flight guard rejects a second concurrent attempt outright.
func (s *Supervisor) Rebind(token, clientID, remoteAddr string) (*RebindResult, error) {
	s.mu.Lock()
	if s.rebindInFlight {
		s.mu.Unlock()
		return nil, errs.NewSessionConflictError("a reconnect attempt is already in progress")
	}
	s.rebindInFlight = true
	defer func() {
		s.mu.Lock()
		s.rebindInFlight = false
		s.mu.Unlock()
	}()

	sess := s.active
	if sess == nil || s.state != StateActive || !sess.inGrace {
		s.mu.Unlock()
		return nil, errs.NewSessionConflictError("no session awaiting reconnect")
	}
	if !s.minter.Verify(token, sess.sessionID) {
		s.mu.Unlock()
		return nil, errs.NewInvalidArgumentError("session token does not match", nil)
	}

	stopTimer(sess.graceTimer)
	sess.graceTimer = nil
	sess.inGrace = false

	oldClientID := sess.clientID
	sess.clientID = clientID
	sess.remoteAddr = remoteAddr
	result := &RebindResult{
		SessionID:    sess.sessionID,
		SessionToken: sess.token,
		TerminalURL:  s.terminalURL(sess.sessionID),
		ExpiresAt:    sess.hardExpiry,
	}
	hint := ResumeHint{
		SessionID:   sess.sessionID,
		StartedAt:   sess.startedAt,
		ExpiresAt:   sess.hardExpiry,
		InviteToken: sess.inviteToken,
	}
	s.mu.Unlock()

	s.tokens.Rebind(result.SessionToken, clientID, remoteAddr)

	// Move the resume hint to the new client id.
	if oldClientID != clientID {
		if err := s.resume.Delete(s.ctx, oldClientID); err != nil {
			logger.Warnw("failed to delete stale resume hint", "error", err)
		}
		if err := s.resume.Put(s.ctx, clientID, hint, time.Until(result.ExpiresAt)); err != nil {
			logger.Warnw("failed to move resume hint", "error", err)
		}
	}

	logger.Infow("session rebound after reconnect", "session_id", result.SessionID, "client_id", clientID)
	return result, nil
}

// EndByClient ends the session if clientID owns it. Used for an explicit
// end from the client.
func (s *Supervisor) EndByClient(clientID string, reason EndReason) bool {
	s.mu.Lock()
	if s.active == nil || s.active.clientID != clientID || s.state == StateEnding {
		s.mu.Unlock()
		return false
	}
	s.endLocked(reason)
	return true
}

// Shutdown ends any active session with reason=shutdown and stops
// promoting. Called once, on operator shutdown.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	s.End(ReasonShutdown)
}
