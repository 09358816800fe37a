package authority_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"warden/internal/authority"
	"warden/internal/config"
	"warden/internal/db"
	"warden/internal/domain"
	"warden/internal/ledger"
	"warden/internal/migrate"
	"warden/internal/secretstore"
)

type testEnv struct {
	Auth   *authority.Authority
	Ledger *ledger.Ledger
	Ctx    context.Context
	Clock  *time.Time
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
	led := ledger.New(conn, []byte("ledger-secret"), nil)
	auth, err := authority.New(cfg, secretstore.NewStatic([]byte("0123456789abcdef0123456789abcdef")), led, nil)
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	auth.Now = func() time.Time { return clock }
	led.SetNow(func() time.Time { return clock })
	return testEnv{Auth: auth, Ledger: led, Ctx: context.Background(), Clock: &clock}
}

func mint(t *testing.T, env testEnv, opts authority.MintOptions) domain.EphemeralToken {
	t.Helper()
	if opts.TTLMinutes == 0 {
		opts.TTLMinutes = 30
	}
	if opts.Role == "" {
		opts.Role = "developer"
	}
	if opts.TenantID == "" {
		opts.TenantID = "acme"
	}
	if opts.Scopes == nil {
		opts.Scopes = []string{"repo:write", "pipeline:write"}
	}
	tok, err := env.Auth.Mint(env.Ctx, opts)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return tok
}

func TestMintTTLBounds(t *testing.T) {
	env := newTestEnv(t)
	for _, ttl := range []int{4, 61, -1} {
		_, err := env.Auth.Mint(env.Ctx, authority.MintOptions{
			Role: "developer", TenantID: "acme", TTLMinutes: ttl, Scopes: []string{"repo:write"},
		})
		var ve authority.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("ttl=%d: expected ValidationError, got %v", ttl, err)
		}
	}
	for _, ttl := range []int{5, 30, 60} {
		tok, err := env.Auth.Mint(env.Ctx, authority.MintOptions{
			Role: "developer", TenantID: "acme", TTLMinutes: ttl, Scopes: []string{"repo:write"},
		})
		if err != nil {
			t.Fatalf("ttl=%d: %v", ttl, err)
		}
		if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != time.Duration(ttl)*time.Minute {
			t.Fatalf("ttl=%d: expiry window %v", ttl, got)
		}
	}
}

func TestMintScopeIntersection(t *testing.T) {
	env := newTestEnv(t)

	// disallowed scopes are dropped, not rejected
	tok := mint(t, env, authority.MintOptions{Scopes: []string{"repo:write", "payments:execute"}})
	if len(tok.Scopes) != 1 || tok.Scopes[0] != "repo:write" {
		t.Fatalf("scopes: %v", tok.Scopes)
	}

	// empty intersection is the only scope failure
	_, err := env.Auth.Mint(env.Ctx, authority.MintOptions{
		Role: "developer", TenantID: "acme", TTLMinutes: 30, Scopes: []string{"payments:execute"},
	})
	var ve authority.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	_, err = env.Auth.Mint(env.Ctx, authority.MintOptions{
		Role: "no-such-role", TenantID: "acme", TTLMinutes: 30, Scopes: []string{"repo:write"},
	})
	if !errors.As(err, &ve) {
		t.Fatalf("unknown role: expected ValidationError, got %v", err)
	}
}

func TestValidateRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	tok := mint(t, env, authority.MintOptions{})

	got, err := env.Auth.Validate(env.Ctx, tok.SignedValue)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.TokenID != tok.TokenID || got.Role != "developer" || got.TenantID != "acme" {
		t.Fatalf("round trip: %+v", got)
	}

	_, err = env.Auth.Validate(env.Ctx, tok.SignedValue+"tampered")
	var ve authority.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("tampered credential: expected ValidationError, got %v", err)
	}
}

func TestValidateExpiredAutoRevokes(t *testing.T) {
	env := newTestEnv(t)
	tok := mint(t, env, authority.MintOptions{TTLMinutes: 5})

	*env.Clock = env.Clock.Add(6 * time.Minute)

	_, err := env.Auth.Validate(env.Ctx, tok.SignedValue)
	var ee authority.ExpiredError
	if !errors.As(err, &ee) {
		t.Fatalf("first validate: expected ExpiredError, got %v", err)
	}

	// the side-effect revocation is observable on the second call
	_, err = env.Auth.Validate(env.Ctx, tok.SignedValue)
	var re authority.RevokedError
	if !errors.As(err, &re) {
		t.Fatalf("second validate: expected RevokedError, got %v", err)
	}

	status, err := env.Auth.Status(tok.TokenID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != "revoked" || status.RevokedAt == nil {
		t.Fatalf("status: %+v", status)
	}
}

func TestRevokeCascades(t *testing.T) {
	env := newTestEnv(t)
	t1 := mint(t, env, authority.MintOptions{Role: "founder", Scopes: []string{"ai:reasoning"}})
	t2 := mint(t, env, authority.MintOptions{ParentTokenID: t1.TokenID})
	t3 := mint(t, env, authority.MintOptions{ParentTokenID: t2.TokenID})

	res, err := env.Auth.Revoke(env.Ctx, t1.TokenID, "operator_action", "ops@acme")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if len(res.RevokedTokenIDs) != 3 {
		t.Fatalf("closure: %v", res.RevokedTokenIDs)
	}

	for _, tok := range []domain.EphemeralToken{t1, t2, t3} {
		_, err := env.Auth.Validate(env.Ctx, tok.SignedValue)
		var re authority.RevokedError
		if !errors.As(err, &re) {
			t.Fatalf("token %s: expected RevokedError, got %v", tok.TokenID, err)
		}
	}

	// one audit entry per revoked token
	pkg, err := env.Ledger.Export(env.Ctx, "", "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	revokes := 0
	for _, e := range pkg.Entries {
		if e.EventType == "token_revoked" {
			revokes++
		}
	}
	if revokes != 3 {
		t.Fatalf("expected 3 revoke entries, got %d", revokes)
	}
	if pkg.Verification.Status != "OK" {
		t.Fatalf("verification: %+v", pkg.Verification)
	}
}

func TestRevokeIdempotent(t *testing.T) {
	env := newTestEnv(t)
	tok := mint(t, env, authority.MintOptions{})

	first, err := env.Auth.Revoke(env.Ctx, tok.TokenID, "cleanup", "")
	if err != nil || len(first.RevokedTokenIDs) != 1 {
		t.Fatalf("first revoke: %v %v", first.RevokedTokenIDs, err)
	}
	second, err := env.Auth.Revoke(env.Ctx, tok.TokenID, "cleanup", "")
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if len(second.RevokedTokenIDs) != 0 {
		t.Fatalf("expected empty delta, got %v", second.RevokedTokenIDs)
	}
}

func TestRevokeUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Auth.Revoke(env.Ctx, "no-such-token", "cleanup", "")
	var nf authority.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestMintWithUnknownParent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Auth.Mint(env.Ctx, authority.MintOptions{
		Role: "developer", TenantID: "acme", TTLMinutes: 30,
		Scopes: []string{"repo:write"}, ParentTokenID: "no-such-token",
	})
	var nf authority.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(t)
	short := mint(t, env, authority.MintOptions{TTLMinutes: 5})
	long := mint(t, env, authority.MintOptions{TTLMinutes: 60})

	*env.Clock = env.Clock.Add(10 * time.Minute)

	revoked, err := env.Auth.SweepExpired(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(revoked) != 1 || revoked[0] != short.TokenID {
		t.Fatalf("sweep revoked %v", revoked)
	}
	if _, err := env.Auth.Validate(env.Ctx, long.SignedValue); err != nil {
		t.Fatalf("long-lived token should survive sweep: %v", err)
	}
}

func TestMetricsAndShutdown(t *testing.T) {
	env := newTestEnv(t)
	mint(t, env, authority.MintOptions{})
	revokeMe := mint(t, env, authority.MintOptions{})
	if _, err := env.Auth.Revoke(env.Ctx, revokeMe.TokenID, "cleanup", ""); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	m := env.Auth.Metrics()
	if m.Total != 2 || m.Active != 1 || m.Revoked != 1 {
		t.Fatalf("metrics: %+v", m)
	}

	if err := env.Auth.Shutdown(env.Ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	m = env.Auth.Metrics()
	if m.Active != 0 || m.Revoked != 2 {
		t.Fatalf("post-shutdown metrics: %+v", m)
	}
}
