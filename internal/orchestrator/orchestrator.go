// Package orchestrator supervises agent sandboxes through their lifecycle:
// spawn, monitor, suspend, resume, terminate. Every agent gets its own
// cancellable monitoring goroutine; all registry access goes through one
// mutex.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/internal/authority"
	"warden/internal/config"
	"warden/internal/domain"
	"warden/internal/health"
	"warden/internal/ledger"
	"warden/internal/sandbox"
)

// Sandbox labels used to find warden resources after a restart.
const (
	labelAgentID  = "warden.agent_id"
	labelTenantID = "warden.tenant_id"
	labelTokenID  = "warden.token_id"
)

type agentState struct {
	instance domain.AgentInstance
	token    domain.EphemeralToken
	cancel   context.CancelFunc

	// previous stats sample for CPU delta computation
	prevStats  sandbox.Stats
	prevSample time.Time
	sampled    bool
}

// Orchestrator owns the agent registry and the per-agent monitors.
type Orchestrator struct {
	cfg     *config.Config
	auth    *authority.Authority
	runtime sandbox.Runtime
	prober  *health.Prober
	ledger  *ledger.Ledger
	logger  *slog.Logger

	Now func() time.Time

	mu     sync.Mutex
	agents map[string]*agentState
	// tokens minted for spawns whose sandbox never came up; reconciled by
	// CleanupOrphans
	orphanTokens []string

	monitors sync.WaitGroup
	baseCtx  context.Context
	baseStop context.CancelFunc
}

// SpawnOptions parameterizes Spawn. Zero resource limits fall back to the
// role's sandbox profile.
type SpawnOptions struct {
	Role     string
	TenantID string
	Scopes   []string
	Limits   domain.ResourceLimits
	Actor    string
}

// CleanupReport summarizes one orphan sweep.
type CleanupReport struct {
	RemovedSandboxIDs []string `json:"removed_sandbox_ids"`
	RevokedTokenIDs   []string `json:"revoked_token_ids"`
}

func New(cfg *config.Config, auth *authority.Authority, runtime sandbox.Runtime, prober *health.Prober, led *ledger.Ledger, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		auth:     auth,
		runtime:  runtime,
		prober:   prober,
		ledger:   led,
		logger:   logger,
		Now:      time.Now,
		agents:   map[string]*agentState{},
		baseCtx:  ctx,
		baseStop: stop,
	}
}

// ensureTransition enforces the lifecycle state machine. Terminated and
// error are terminal; any state may fall into error.
func ensureTransition(old, new string) error {
	if new == domain.AgentError {
		return nil
	}
	allowed := map[string][]string{
		domain.AgentCreated:     {domain.AgentSpawning},
		domain.AgentSpawning:    {domain.AgentActive},
		domain.AgentActive:      {domain.AgentBusy, domain.AgentIdle, domain.AgentSuspended, domain.AgentTerminating},
		domain.AgentBusy:        {domain.AgentActive, domain.AgentIdle, domain.AgentSuspended, domain.AgentTerminating},
		domain.AgentIdle:        {domain.AgentActive, domain.AgentBusy, domain.AgentSuspended, domain.AgentTerminating},
		domain.AgentSuspended:   {domain.AgentActive, domain.AgentTerminating},
		domain.AgentTerminating: {domain.AgentTerminated},
	}
	for _, s := range allowed[old] {
		if s == new {
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", old, new)
}

// Spawn mints a token for the agent, creates and starts its sandbox, and
// begins monitoring. A sandbox failure does not roll the mint back; the
// token id is carried in the returned SpawnError and reconciled by
// CleanupOrphans.
func (o *Orchestrator) Spawn(ctx context.Context, opts SpawnOptions) (domain.AgentInstance, error) {
	role, ok := o.cfg.Roles[opts.Role]
	if !ok {
		return domain.AgentInstance{}, authority.ValidationError{Msg: fmt.Sprintf("unknown role %q", opts.Role)}
	}
	granted := grantable(opts.Scopes, role.Scopes)
	for _, min := range role.MinScopes {
		if !contains(granted, min) {
			return domain.AgentInstance{}, authority.ValidationError{
				Msg: fmt.Sprintf("role %s requires scope %s", opts.Role, min)}
		}
	}

	ttlMinutes := o.cfg.Monitor.TokenTTLMinutes
	if ttlMinutes > o.cfg.Tokens.MaxTTLMinutes {
		ttlMinutes = o.cfg.Tokens.MaxTTLMinutes
	}
	agentID := uuid.New().String()
	token, err := o.auth.Mint(ctx, authority.MintOptions{
		Role:       opts.Role,
		TenantID:   opts.TenantID,
		TTLMinutes: ttlMinutes,
		Scopes:     opts.Scopes,
		Reason:     "agent_spawn",
		Actor:      actorOr(opts.Actor, "orchestrator"),
	})
	if err != nil {
		return domain.AgentInstance{}, err
	}

	now := o.Now().UTC()
	limits := opts.Limits
	if limits.CPUCores == 0 {
		limits.CPUCores = role.Sandbox.CPUCores
	}
	if limits.MemoryBytes == 0 {
		limits.MemoryBytes = role.Sandbox.MemoryBytes
	}
	instance := domain.AgentInstance{
		AgentID:        agentID,
		TenantID:       opts.TenantID,
		Role:           opts.Role,
		Status:         domain.AgentSpawning,
		BoundTokenID:   token.TokenID,
		TokenExpiresAt: token.ExpiresAt,
		HealthStatus:   health.Unknown,
		StartedAt:      now,
		LastActivity:   &now,
	}

	info, err := o.runtime.Create(ctx, sandbox.CreateSpec{
		Name:  "warden-" + agentID[:8],
		Image: role.Sandbox.Image,
		Env: map[string]string{
			"WARDEN_AGENT_ID":    agentID,
			"WARDEN_AGENT_TOKEN": token.SignedValue,
			"WARDEN_TENANT_ID":   opts.TenantID,
		},
		Limits:  limits,
		Port:    role.Sandbox.Port,
		Network: "warden-" + opts.TenantID,
		Labels: map[string]string{
			labelAgentID:  agentID,
			labelTenantID: opts.TenantID,
			labelTokenID:  token.TokenID,
		},
	})
	if err == nil {
		instance.SandboxID = info.SandboxID
		instance.EndpointURL = info.EndpointURL
		err = o.runtime.Start(ctx, info.SandboxID)
	}
	if err != nil {
		o.mu.Lock()
		o.orphanTokens = append(o.orphanTokens, token.TokenID)
		o.mu.Unlock()
		o.logger.Error("spawn failed, token left unbound",
			"agent_id", agentID,
			"token_id", token.TokenID,
			"error", err)
		return domain.AgentInstance{}, &SpawnError{OrphanedTokenID: token.TokenID, Err: err}
	}

	instance.Status = domain.AgentActive
	monCtx, cancel := context.WithCancel(o.baseCtx)
	state := &agentState{instance: instance, token: token, cancel: cancel}

	o.mu.Lock()
	o.agents[agentID] = state
	o.mu.Unlock()

	if _, err := o.ledger.Append(ctx, requestID(ctx), "agent_spawned", "agent", agentID,
		actorOr(opts.Actor, "orchestrator"), map[string]any{
			"role":       opts.Role,
			"tenant_id":  opts.TenantID,
			"sandbox_id": instance.SandboxID,
			"token_id":   token.TokenID,
		}); err != nil {
		o.logger.Error("audit spawn", "agent_id", agentID, "error", err)
	}

	o.monitors.Add(1)
	go func() {
		defer o.monitors.Done()
		o.monitor(monCtx, agentID)
	}()

	o.logger.Info("agent spawned",
		"agent_id", agentID,
		"role", opts.Role,
		"tenant_id", opts.TenantID,
		"sandbox_id", instance.SandboxID)
	return instance, nil
}

// Terminate tears an agent down. All four sub-steps run even when an
// earlier one fails; failures accumulate in error_message instead of
// aborting cleanup.
func (o *Orchestrator) Terminate(ctx context.Context, agentID, reason, actor string) (bool, error) {
	o.mu.Lock()
	state, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return false, NotFoundError{AgentID: agentID}
	}
	if state.instance.Status == domain.AgentTerminated {
		o.mu.Unlock()
		return true, nil
	}
	if state.instance.Status != domain.AgentTerminating {
		state.instance.Status = domain.AgentTerminating
	}
	cancel := state.cancel
	sandboxID := state.instance.SandboxID
	tokenID := state.instance.BoundTokenID
	tenantID := state.instance.TenantID
	o.mu.Unlock()

	// When the monitor itself is the caller, step 1 cancels the very
	// context it passed in; cleanup and audit writes must outlive it.
	ctx = context.WithoutCancel(ctx)

	var failures []string

	// 1. stop the monitoring loop
	cancel()

	// 2. revoke the bound token (idempotent at the authority)
	if _, err := o.auth.Revoke(ctx, tokenID, reason, actorOr(actor, "orchestrator")); err != nil {
		var nf authority.NotFoundError
		if !errors.As(err, &nf) {
			failures = append(failures, fmt.Sprintf("revoke token: %v", err))
		}
	}

	// 3. stop the sandbox, 4. remove it; already-gone counts as success
	if err := o.runtime.Stop(ctx, sandboxID); err != nil && !isGone(err) {
		failures = append(failures, fmt.Sprintf("stop sandbox: %v", err))
	}
	if err := o.runtime.Remove(ctx, sandboxID); err != nil && !isGone(err) {
		failures = append(failures, fmt.Sprintf("remove sandbox: %v", err))
	}

	now := o.Now().UTC()
	o.mu.Lock()
	state.instance.Status = domain.AgentTerminated
	state.instance.TerminatedAt = &now
	if len(failures) > 0 {
		state.instance.ErrorMessage = strings.Join(failures, "; ")
	}
	o.mu.Unlock()

	if _, err := o.ledger.Append(ctx, requestID(ctx), "agent_terminated", "agent", agentID,
		actorOr(actor, "orchestrator"), map[string]any{
			"reason":    reason,
			"tenant_id": tenantID,
			"failures":  len(failures),
		}); err != nil {
		o.logger.Error("audit terminate", "agent_id", agentID, "error", err)
	}
	o.logger.Info("agent terminated", "agent_id", agentID, "reason", reason, "failures", len(failures))
	return true, nil
}

// Suspend pauses the sandbox without touching the token. Legal only from
// active, busy or idle.
func (o *Orchestrator) Suspend(ctx context.Context, agentID, reason, actor string) error {
	o.mu.Lock()
	state, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return NotFoundError{AgentID: agentID}
	}
	old := state.instance.Status
	if err := ensureTransition(old, domain.AgentSuspended); err != nil {
		o.mu.Unlock()
		return TransitionError{AgentID: agentID, From: old, To: domain.AgentSuspended}
	}
	state.instance.Status = domain.AgentSuspended
	sandboxID := state.instance.SandboxID
	tenantID := state.instance.TenantID
	o.mu.Unlock()

	if err := o.runtime.Pause(ctx, sandboxID); err != nil {
		o.mu.Lock()
		state.instance.Status = old
		o.mu.Unlock()
		return fmt.Errorf("pause sandbox: %w", err)
	}
	if _, err := o.ledger.Append(ctx, requestID(ctx), "agent_suspended", "agent", agentID,
		actorOr(actor, "orchestrator"), map[string]any{"reason": reason, "tenant_id": tenantID}); err != nil {
		o.logger.Error("audit suspend", "agent_id", agentID, "error", err)
	}
	o.logger.Info("agent suspended", "agent_id", agentID, "reason", reason)
	return nil
}

// Resume unpauses a suspended agent back to active.
func (o *Orchestrator) Resume(ctx context.Context, agentID, actor string) error {
	o.mu.Lock()
	state, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return NotFoundError{AgentID: agentID}
	}
	old := state.instance.Status
	if old != domain.AgentSuspended {
		o.mu.Unlock()
		return TransitionError{AgentID: agentID, From: old, To: domain.AgentActive}
	}
	state.instance.Status = domain.AgentActive
	now := o.Now().UTC()
	state.instance.LastActivity = &now
	// stale CPU counters would produce a bogus first sample after the pause
	state.sampled = false
	sandboxID := state.instance.SandboxID
	tenantID := state.instance.TenantID
	o.mu.Unlock()

	if err := o.runtime.Unpause(ctx, sandboxID); err != nil {
		o.mu.Lock()
		state.instance.Status = old
		o.mu.Unlock()
		return fmt.Errorf("unpause sandbox: %w", err)
	}
	if _, err := o.ledger.Append(ctx, requestID(ctx), "agent_resumed", "agent", agentID,
		actorOr(actor, "orchestrator"), map[string]any{"tenant_id": tenantID}); err != nil {
		o.logger.Error("audit resume", "agent_id", agentID, "error", err)
	}
	o.logger.Info("agent resumed", "agent_id", agentID)
	return nil
}

// List returns agents, optionally filtered by tenant, oldest first.
func (o *Orchestrator) List(tenantID string) []domain.AgentInstance {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.AgentInstance, 0, len(o.agents))
	for _, s := range o.agents {
		if tenantID != "" && s.instance.TenantID != tenantID {
			continue
		}
		out = append(out, s.instance)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Status returns one agent's current instance record.
func (o *Orchestrator) Status(agentID string) (domain.AgentInstance, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.agents[agentID]
	if !ok {
		return domain.AgentInstance{}, NotFoundError{AgentID: agentID}
	}
	return state.instance, nil
}

// CleanupOrphans removes managed sandboxes with no registry entry and
// revokes tokens left behind by failed spawns or lost sandboxes. Safe to
// run repeatedly; each orphan is handled exactly once.
func (o *Orchestrator) CleanupOrphans(ctx context.Context, actor string) (CleanupReport, error) {
	infos, err := o.runtime.ListManaged(ctx)
	if err != nil {
		return CleanupReport{}, fmt.Errorf("list sandboxes: %w", err)
	}

	o.mu.Lock()
	known := make(map[string]bool, len(o.agents))
	for _, s := range o.agents {
		known[s.instance.SandboxID] = true
	}
	pendingTokens := o.orphanTokens
	o.orphanTokens = nil
	o.mu.Unlock()

	report := CleanupReport{RemovedSandboxIDs: []string{}, RevokedTokenIDs: []string{}}
	for _, info := range infos {
		if known[info.SandboxID] {
			continue
		}
		if err := o.runtime.Stop(ctx, info.SandboxID); err != nil && !isGone(err) {
			o.logger.Error("stop orphan sandbox", "sandbox_id", info.SandboxID, "error", err)
		}
		if err := o.runtime.Remove(ctx, info.SandboxID); err != nil && !isGone(err) {
			o.logger.Error("remove orphan sandbox", "sandbox_id", info.SandboxID, "error", err)
			continue
		}
		report.RemovedSandboxIDs = append(report.RemovedSandboxIDs, info.SandboxID)
		if tokenID := info.Labels[labelTokenID]; tokenID != "" {
			pendingTokens = append(pendingTokens, tokenID)
		}
		if _, err := o.ledger.Append(ctx, requestID(ctx), "orphan_removed", "sandbox", info.SandboxID,
			actorOr(actor, "orchestrator"), map[string]any{
				"tenant_id": info.Labels[labelTenantID],
			}); err != nil {
			o.logger.Error("audit orphan removal", "sandbox_id", info.SandboxID, "error", err)
		}
	}

	var failed []string
	for _, tokenID := range pendingTokens {
		res, err := o.auth.Revoke(ctx, tokenID, "orphaned", actorOr(actor, "orchestrator"))
		if err != nil {
			var nf authority.NotFoundError
			if !errors.As(err, &nf) {
				o.logger.Error("revoke orphan token", "token_id", tokenID, "error", err)
				failed = append(failed, tokenID)
			}
			continue
		}
		report.RevokedTokenIDs = append(report.RevokedTokenIDs, res.RevokedTokenIDs...)
	}
	if len(failed) > 0 {
		// keep them for the next sweep
		o.mu.Lock()
		o.orphanTokens = append(o.orphanTokens, failed...)
		o.mu.Unlock()
	}
	if len(report.RemovedSandboxIDs) > 0 || len(report.RevokedTokenIDs) > 0 {
		o.logger.Info("orphan sweep",
			"sandboxes_removed", len(report.RemovedSandboxIDs),
			"tokens_revoked", len(report.RevokedTokenIDs))
	}
	return report, nil
}

// SystemMetrics aggregates the registry for operators.
func (o *Orchestrator) SystemMetrics() domain.SystemMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := domain.SystemMetrics{
		ByStatus: map[string]int{},
		ByRole:   map[string]int{},
	}
	for _, s := range o.agents {
		m.TotalAgents++
		m.ByStatus[s.instance.Status]++
		m.ByRole[s.instance.Role]++
		switch s.instance.Status {
		case domain.AgentTerminated, domain.AgentError:
		default:
			m.RunningAgents++
			m.AggregateCPUPct += s.instance.CPUUsagePct
			m.AggregateMemPct += s.instance.MemoryUsagePct
		}
	}
	return m
}

// Shutdown stops every monitoring loop and waits for them to exit. Agents
// and sandboxes are left as they are; use Terminate for teardown.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.baseStop()
	done := make(chan struct{})
	go func() {
		o.monitors.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isGone(err error) bool {
	return strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "no such")
}

func grantable(requested, allowed []string) []string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = true
	}
	var out []string
	for _, s := range requested {
		if allowedSet[s] {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func actorOr(actor, fallback string) string {
	if actor != "" {
		return actor
	}
	return fallback
}

func requestID(ctx context.Context) string {
	return authority.RequestIDFromContext(ctx)
}
