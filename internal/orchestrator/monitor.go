package orchestrator

import (
	"context"
	"errors"
	"time"

	"warden/internal/domain"
	"warden/internal/health"
	"warden/internal/sandbox"
)

// monitor runs one agent's supervision loop until cancelled or the agent
// reaches a terminal state. A fault in one iteration marks this agent ERROR
// without affecting other agents' loops.
func (o *Orchestrator) monitor(ctx context.Context, agentID string) {
	ticker := time.NewTicker(o.cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if done := o.tick(ctx, agentID); done {
			return
		}
	}
}

// tick performs one monitoring pass. Returns true when the loop should
// stop.
func (o *Orchestrator) tick(ctx context.Context, agentID string) bool {
	o.mu.Lock()
	state, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return true
	}
	instance := state.instance
	signedToken := state.token.SignedValue
	o.mu.Unlock()

	switch instance.Status {
	case domain.AgentTerminating, domain.AgentTerminated, domain.AgentError:
		return true
	}

	now := o.Now().UTC()

	if now.Sub(instance.StartedAt) > o.cfg.MaxRuntime() {
		if _, err := o.Terminate(ctx, agentID, "runtime_limit_exceeded", "monitor"); err != nil {
			o.logger.Error("terminate on runtime limit", "agent_id", agentID, "error", err)
		}
		return true
	}
	if now.After(instance.TokenExpiresAt) {
		if _, err := o.Terminate(ctx, agentID, "token_expired", "monitor"); err != nil {
			o.logger.Error("terminate on token expiry", "agent_id", agentID, "error", err)
		}
		return true
	}
	if ctx.Err() != nil {
		return true
	}

	// paused sandboxes report no useful stats; limits above still apply
	if instance.Status == domain.AgentSuspended {
		return false
	}

	statsCtx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout())
	stats, err := o.runtime.Stats(statsCtx, instance.SandboxID)
	cancel()
	if err != nil {
		var re *sandbox.RuntimeError
		if errors.As(err, &re) && isGone(err) {
			// sandbox vanished out from under us
			o.fail(ctx, agentID, "sandbox missing: "+err.Error())
			return true
		}
		// transient; skip this sample and try again next tick
		o.logger.Warn("stats poll failed", "agent_id", agentID, "error", err)
		return false
	}
	if ctx.Err() != nil {
		return true
	}

	healthStatus := o.prober.Check(ctx, instance.EndpointURL, signedToken)
	if ctx.Err() != nil {
		return true
	}

	o.mu.Lock()
	state, ok = o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return true
	}
	switch state.instance.Status {
	case domain.AgentTerminating, domain.AgentTerminated, domain.AgentError, domain.AgentSuspended:
		o.mu.Unlock()
		return state.instance.Status != domain.AgentSuspended
	}

	cpuPct, memPct := usage(state, stats, now)
	state.prevStats = stats
	state.prevSample = now
	state.sampled = true
	state.instance.CPUUsagePct = cpuPct
	state.instance.MemoryUsagePct = memPct
	state.instance.HealthStatus = healthStatus

	busy := cpuPct > o.cfg.Monitor.BusyCPUThreshold || memPct > o.cfg.Monitor.BusyMemThreshold
	if busy {
		state.instance.Status = domain.AgentBusy
		state.instance.LastActivity = &now
	} else if state.instance.Status == domain.AgentBusy {
		state.instance.Status = domain.AgentIdle
	}

	idleFor := time.Duration(0)
	if state.instance.LastActivity != nil {
		idleFor = now.Sub(*state.instance.LastActivity)
	}
	shouldSuspend := !busy && idleFor > o.cfg.MaxIdle()
	o.mu.Unlock()

	if shouldSuspend {
		if err := o.Suspend(ctx, agentID, "idle_timeout", "monitor"); err != nil {
			o.logger.Error("suspend on idle timeout", "agent_id", agentID, "error", err)
		}
	}
	return false
}

// usage derives CPU% from the cumulative counter delta over the system
// delta, normalized by core count, and mem% as used over limit. The first
// sample after spawn or resume has no baseline and reads as zero CPU.
func usage(state *agentState, stats sandbox.Stats, now time.Time) (cpuPct, memPct float64) {
	if state.sampled {
		cpuDelta := float64(stats.CPUCumulativeNS) - float64(state.prevStats.CPUCumulativeNS)
		systemDelta := float64(stats.SystemCPUNS) - float64(state.prevStats.SystemCPUNS)
		if systemDelta <= 0 {
			systemDelta = float64(now.Sub(state.prevSample).Nanoseconds())
		}
		if systemDelta > 0 && cpuDelta >= 0 {
			cores := stats.OnlineCPUs
			if cores < 1 {
				cores = 1
			}
			cpuPct = cpuDelta / systemDelta * float64(cores) * 100
		}
	}
	if stats.MemLimitBytes > 0 {
		memPct = float64(stats.MemUsedBytes) / float64(stats.MemLimitBytes) * 100
	}
	return cpuPct, memPct
}

// fail parks the agent in the terminal error state and stops its monitor.
func (o *Orchestrator) fail(ctx context.Context, agentID, msg string) {
	o.mu.Lock()
	state, ok := o.agents[agentID]
	var tenantID string
	if ok {
		state.instance.Status = domain.AgentError
		state.instance.ErrorMessage = msg
		state.instance.HealthStatus = health.Unknown
		tenantID = state.instance.TenantID
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	if _, err := o.ledger.Append(ctx, requestID(ctx), "agent_error", "agent", agentID,
		"monitor", map[string]any{"error": msg, "tenant_id": tenantID}); err != nil {
		o.logger.Error("audit agent error", "agent_id", agentID, "error", err)
	}
	o.logger.Error("agent entered error state", "agent_id", agentID, "error", msg)
}
