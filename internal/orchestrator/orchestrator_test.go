package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"warden/internal/authority"
	"warden/internal/config"
	"warden/internal/db"
	"warden/internal/domain"
	"warden/internal/health"
	"warden/internal/ledger"
	"warden/internal/migrate"
	"warden/internal/sandbox"
	"warden/internal/secretstore"
)

type testEnv struct {
	Orch    *Orchestrator
	Auth    *authority.Authority
	Runtime *sandbox.Fake
	Ledger  *ledger.Ledger
	Conn    *sql.DB
	Ctx     context.Context
	Clock   *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Monitor.MaxIdleMinutes = 10
	cfg.Monitor.MaxRuntimeMinutes = 60

	led := ledger.New(conn, []byte("ledger-secret"), nil)
	auth, err := authority.New(cfg, secretstore.NewStatic([]byte("0123456789abcdef0123456789abcdef")), led, nil)
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	rt := sandbox.NewFake()
	orch := New(cfg, auth, rt, health.NewProber(time.Second), led, nil)

	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	auth.Now = now
	orch.Now = now
	led.SetNow(now)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return testEnv{Orch: orch, Auth: auth, Runtime: rt, Ledger: led, Conn: conn, Ctx: context.Background(), Clock: &clock}
}

func spawnAgent(t *testing.T, env testEnv) domain.AgentInstance {
	t.Helper()
	agent, err := env.Orch.Spawn(env.Ctx, SpawnOptions{
		Role:     "developer",
		TenantID: "acme",
		Scopes:   []string{"repo:write", "pipeline:write"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	return agent
}

func TestSpawnActivatesAgent(t *testing.T) {
	env := newTestEnv(t)
	agent := spawnAgent(t, env)

	if agent.Status != domain.AgentActive {
		t.Fatalf("status: %s", agent.Status)
	}
	if agent.SandboxID == "" || agent.BoundTokenID == "" || agent.EndpointURL == "" {
		t.Fatalf("incomplete instance: %+v", agent)
	}
	if !env.Runtime.Running(agent.SandboxID) {
		t.Fatal("sandbox not running")
	}

	// the bound token honors the authority's ceiling, not the 8h request
	status, err := env.Auth.Status(agent.BoundTokenID)
	if err != nil {
		t.Fatalf("token status: %v", err)
	}
	if window := status.ExpiresAt.Sub(status.IssuedAt); window != 60*time.Minute {
		t.Fatalf("token window %v", window)
	}

	pkg, err := env.Ledger.Export(env.Ctx, "", "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var sawSpawn bool
	for _, e := range pkg.Entries {
		if e.EventType == "agent_spawned" && e.ResourceID == agent.AgentID {
			sawSpawn = true
		}
	}
	if !sawSpawn {
		t.Fatal("missing agent_spawned audit entry")
	}
}

func TestSpawnRejectsUnknownRoleAndMissingMinScopes(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Orch.Spawn(env.Ctx, SpawnOptions{Role: "nope", TenantID: "acme", Scopes: []string{"x"}})
	var ve authority.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("unknown role: %v", err)
	}

	// developer requires repo:write
	_, err = env.Orch.Spawn(env.Ctx, SpawnOptions{Role: "developer", TenantID: "acme", Scopes: []string{"ai:high"}})
	if !errors.As(err, &ve) {
		t.Fatalf("min scopes: %v", err)
	}
}

func TestSpawnSandboxFailureLeavesTokenUnbound(t *testing.T) {
	env := newTestEnv(t)
	env.Runtime.FailCreate = fmt.Errorf("image pull failed")

	_, err := env.Orch.Spawn(env.Ctx, SpawnOptions{
		Role: "developer", TenantID: "acme", Scopes: []string{"repo:write"},
	})
	var se *SpawnError
	if !errors.As(err, &se) || se.OrphanedTokenID == "" {
		t.Fatalf("expected SpawnError with orphaned token, got %v", err)
	}

	// the mint is not rolled back
	if _, err := env.Auth.Status(se.OrphanedTokenID); err != nil {
		t.Fatalf("orphan token should exist: %v", err)
	}

	// the sweep reconciles it
	report, err := env.Orch.CleanupOrphans(env.Ctx, "ops@acme")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(report.RevokedTokenIDs) != 1 || report.RevokedTokenIDs[0] != se.OrphanedTokenID {
		t.Fatalf("report: %+v", report)
	}
	status, err := env.Auth.Status(se.OrphanedTokenID)
	if err != nil || status.Status != "revoked" {
		t.Fatalf("orphan token after sweep: %+v %v", status, err)
	}
}

func TestRuntimeLimitTerminates(t *testing.T) {
	env := newTestEnv(t)
	agent := spawnAgent(t, env)

	*env.Clock = env.Clock.Add(61 * time.Minute)
	if done := env.Orch.tick(env.Ctx, agent.AgentID); !done {
		t.Fatal("tick should stop the loop")
	}

	got, err := env.Orch.Status(agent.AgentID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != domain.AgentTerminated {
		t.Fatalf("status: %s", got.Status)
	}
	if env.Runtime.Exists(agent.SandboxID) {
		t.Fatal("sandbox should be removed")
	}
	tok, err := env.Auth.Status(agent.BoundTokenID)
	if err != nil || tok.Status != "revoked" {
		t.Fatalf("token after termination: %+v %v", tok, err)
	}
}

func TestTokenExpiryTerminates(t *testing.T) {
	env := newTestEnv(t)
	env.Orch.cfg.Monitor.MaxRuntimeMinutes = 480
	agent := spawnAgent(t, env)

	// past the 60-minute token, well under the runtime ceiling
	*env.Clock = env.Clock.Add(61 * time.Minute)
	env.Orch.tick(env.Ctx, agent.AgentID)

	got, _ := env.Orch.Status(agent.AgentID)
	if got.Status != domain.AgentTerminated {
		t.Fatalf("status: %s", got.Status)
	}
	pkg, err := env.Ledger.Export(env.Ctx, "", "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var reason string
	for _, e := range pkg.Entries {
		if e.EventType == "agent_terminated" && e.ResourceID == agent.AgentID {
			reason, _ = e.Details["reason"].(string)
		}
	}
	if reason != "token_expired" {
		t.Fatalf("termination reason %q", reason)
	}
}

func TestMonitorTerminationSurvivesItsOwnCancel(t *testing.T) {
	env := newTestEnv(t)
	agent := spawnAgent(t, env)

	// wire the registered cancel func to the context the tick runs on,
	// exactly as Spawn wires the monitor goroutine's
	tickCtx, cancel := context.WithCancel(context.Background())
	env.Orch.mu.Lock()
	env.Orch.agents[agent.AgentID].cancel = cancel
	env.Orch.mu.Unlock()

	*env.Clock = env.Clock.Add(61 * time.Minute)
	if done := env.Orch.tick(tickCtx, agent.AgentID); !done {
		t.Fatal("tick should stop the loop")
	}

	got, err := env.Orch.Status(agent.AgentID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != domain.AgentTerminated || got.ErrorMessage != "" {
		t.Fatalf("instance: %+v", got)
	}

	// cleanup ran to completion on the cancelled context: the revocation
	// and the termination both made it into the ledger
	pkg, err := env.Ledger.Export(env.Ctx, "", "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var sawRevoked, sawTerminated bool
	for _, e := range pkg.Entries {
		switch {
		case e.EventType == "token_revoked" && e.ResourceID == agent.BoundTokenID:
			sawRevoked = true
		case e.EventType == "agent_terminated" && e.ResourceID == agent.AgentID:
			sawTerminated = true
			if n, _ := e.Details["failures"].(float64); n != 0 {
				t.Fatalf("termination recorded %v failures", n)
			}
		}
	}
	if !sawRevoked || !sawTerminated {
		t.Fatalf("missing audit entries: token_revoked=%v agent_terminated=%v (entries=%d)",
			sawRevoked, sawTerminated, len(pkg.Entries))
	}
}

func TestBusyIdleSuspendCycle(t *testing.T) {
	env := newTestEnv(t)
	agent := spawnAgent(t, env)

	// hot sandbox: large cpu delta against zero baseline after first sample
	env.Runtime.NextStats = sandbox.Stats{
		CPUCumulativeNS: 1e9, SystemCPUNS: 1e9, OnlineCPUs: 1,
		MemUsedBytes: 64 << 20, MemLimitBytes: 512 << 20,
	}
	*env.Clock = env.Clock.Add(30 * time.Second)
	env.Orch.tick(env.Ctx, agent.AgentID) // baseline sample
	env.Runtime.NextStats.CPUCumulativeNS = 2e9
	env.Runtime.NextStats.SystemCPUNS = 3e9
	*env.Clock = env.Clock.Add(30 * time.Second)
	env.Orch.tick(env.Ctx, agent.AgentID)

	got, _ := env.Orch.Status(agent.AgentID)
	if got.Status != domain.AgentBusy {
		t.Fatalf("expected busy, got %s (cpu %.1f%%)", got.Status, got.CPUUsagePct)
	}

	// load drops: busy demotes to idle
	env.Runtime.NextStats.SystemCPUNS = 100e9
	*env.Clock = env.Clock.Add(30 * time.Second)
	env.Orch.tick(env.Ctx, agent.AgentID)
	got, _ = env.Orch.Status(agent.AgentID)
	if got.Status != domain.AgentIdle {
		t.Fatalf("expected idle, got %s", got.Status)
	}

	// idle past the limit: suspended, never terminated
	env.Runtime.NextStats.CPUCumulativeNS = 2e9 + 1000
	env.Runtime.NextStats.SystemCPUNS = 200e9
	*env.Clock = env.Clock.Add(11 * time.Minute)
	env.Orch.tick(env.Ctx, agent.AgentID)
	got, _ = env.Orch.Status(agent.AgentID)
	if got.Status != domain.AgentSuspended {
		t.Fatalf("expected suspended, got %s", got.Status)
	}
	if !env.Runtime.IsPaused(agent.SandboxID) {
		t.Fatal("sandbox should be paused")
	}

	// and resumable
	if err := env.Orch.Resume(env.Ctx, agent.AgentID, "ops@acme"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ = env.Orch.Status(agent.AgentID)
	if got.Status != domain.AgentActive || env.Runtime.IsPaused(agent.SandboxID) {
		t.Fatalf("after resume: %s", got.Status)
	}
}

func TestSuspendLegality(t *testing.T) {
	env := newTestEnv(t)
	agent := spawnAgent(t, env)

	if err := env.Orch.Suspend(env.Ctx, agent.AgentID, "manual", "ops@acme"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	// suspending a suspended agent is illegal
	err := env.Orch.Suspend(env.Ctx, agent.AgentID, "manual", "ops@acme")
	var te TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	// resuming a non-suspended agent is illegal
	if err := env.Orch.Resume(env.Ctx, agent.AgentID, "ops@acme"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	err = env.Orch.Resume(env.Ctx, agent.AgentID, "ops@acme")
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestTerminateBestEffort(t *testing.T) {
	env := newTestEnv(t)
	agent := spawnAgent(t, env)

	// sandbox already gone: stop/remove tolerate it
	if err := env.Runtime.Remove(env.Ctx, agent.SandboxID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ok, err := env.Orch.Terminate(env.Ctx, agent.AgentID, "operator_action", "ops@acme")
	if !ok || err != nil {
		t.Fatalf("terminate: %v %v", ok, err)
	}
	got, _ := env.Orch.Status(agent.AgentID)
	if got.Status != domain.AgentTerminated || got.ErrorMessage != "" {
		t.Fatalf("instance: %+v", got)
	}

	// idempotent
	ok, err = env.Orch.Terminate(env.Ctx, agent.AgentID, "operator_action", "ops@acme")
	if !ok || err != nil {
		t.Fatalf("second terminate: %v %v", ok, err)
	}

	_, err = env.Orch.Terminate(env.Ctx, "no-such-agent", "x", "")
	var nf NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestCleanupOrphansExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	spawnAgent(t, env)

	// fabricate a sandbox left over from a previous process
	env.Runtime.Inject(sandbox.Info{
		SandboxID: "sbx-stale",
		Labels: map[string]string{
			sandbox.ManagedLabel: "true",
			labelAgentID:         "gone-agent",
			labelTenantID:        "acme",
		},
	})

	report, err := env.Orch.CleanupOrphans(env.Ctx, "ops@acme")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(report.RemovedSandboxIDs) != 1 || report.RemovedSandboxIDs[0] != "sbx-stale" {
		t.Fatalf("report: %+v", report)
	}
	if env.Runtime.Exists("sbx-stale") {
		t.Fatal("stale sandbox should be removed")
	}

	// registered agents are untouched, second sweep is a no-op
	report, err = env.Orch.CleanupOrphans(env.Ctx, "ops@acme")
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if len(report.RemovedSandboxIDs) != 0 || len(report.RevokedTokenIDs) != 0 {
		t.Fatalf("second report: %+v", report)
	}
}

func TestTenantExportCoversAgentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	agent := spawnAgent(t, env)

	if err := env.Orch.Suspend(env.Ctx, agent.AgentID, "manual", "ops@acme"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := env.Orch.Resume(env.Ctx, agent.AgentID, "ops@acme"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := env.Orch.Terminate(env.Ctx, agent.AgentID, "operator_action", "ops@acme"); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	pkg, err := env.Ledger.Export(env.Ctx, "", "acme")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range pkg.Entries {
		seen[e.EventType] = true
	}
	for _, want := range []string{
		"token_minted", "agent_spawned", "agent_suspended",
		"agent_resumed", "token_revoked", "agent_terminated",
	} {
		if !seen[want] {
			t.Errorf("tenant export missing %s", want)
		}
	}
}

func TestCleanupRequeuesTokensWhenRevocationFails(t *testing.T) {
	env := newTestEnv(t)
	env.Runtime.FailCreate = fmt.Errorf("image pull failed")

	_, err := env.Orch.Spawn(env.Ctx, SpawnOptions{
		Role: "developer", TenantID: "acme", Scopes: []string{"repo:write"},
	})
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected SpawnError, got %v", err)
	}

	// revocation's audit append cannot succeed on a closed database
	env.Conn.Close()
	report, err := env.Orch.CleanupOrphans(env.Ctx, "ops@acme")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(report.RevokedTokenIDs) != 0 {
		t.Fatalf("report claims revocations: %+v", report)
	}

	env.Orch.mu.Lock()
	queued := append([]string(nil), env.Orch.orphanTokens...)
	env.Orch.mu.Unlock()
	if len(queued) != 1 || queued[0] != se.OrphanedTokenID {
		t.Fatalf("orphan queue after failed sweep: %v", queued)
	}
}

func TestListAndSystemMetrics(t *testing.T) {
	env := newTestEnv(t)
	a1 := spawnAgent(t, env)
	*env.Clock = env.Clock.Add(time.Second)
	a2, err := env.Orch.Spawn(env.Ctx, SpawnOptions{
		Role: "founder", TenantID: "globex", Scopes: []string{"ai:reasoning"},
	})
	if err != nil {
		t.Fatalf("spawn founder: %v", err)
	}

	all := env.Orch.List("")
	if len(all) != 2 || all[0].AgentID != a1.AgentID || all[1].AgentID != a2.AgentID {
		t.Fatalf("list: %+v", all)
	}
	acme := env.Orch.List("acme")
	if len(acme) != 1 || acme[0].AgentID != a1.AgentID {
		t.Fatalf("tenant filter: %+v", acme)
	}

	if _, err := env.Orch.Terminate(env.Ctx, a2.AgentID, "done", ""); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	m := env.Orch.SystemMetrics()
	if m.TotalAgents != 2 || m.RunningAgents != 1 {
		t.Fatalf("metrics: %+v", m)
	}
	if m.ByStatus[domain.AgentTerminated] != 1 || m.ByRole["developer"] != 1 {
		t.Fatalf("metrics maps: %+v", m)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{domain.AgentCreated, domain.AgentSpawning, true},
		{domain.AgentSpawning, domain.AgentActive, true},
		{domain.AgentActive, domain.AgentSuspended, true},
		{domain.AgentBusy, domain.AgentSuspended, true},
		{domain.AgentSuspended, domain.AgentActive, true},
		{domain.AgentSuspended, domain.AgentTerminating, true},
		{domain.AgentTerminating, domain.AgentTerminated, true},
		{domain.AgentActive, domain.AgentError, true},
		{domain.AgentTerminated, domain.AgentActive, false},
		{domain.AgentError, domain.AgentActive, false},
		{domain.AgentCreated, domain.AgentActive, false},
		{domain.AgentSuspended, domain.AgentIdle, false},
	}
	for _, c := range cases {
		err := ensureTransition(c.from, c.to)
		if c.ok && err != nil {
			t.Errorf("%s -> %s should be legal: %v", c.from, c.to, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s -> %s should be illegal", c.from, c.to)
		}
	}
}
