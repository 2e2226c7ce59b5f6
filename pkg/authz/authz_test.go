package authz

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestModeFromEnv_Default(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "")
	m, err := ModeFromEnv()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m != ModeEnforce {
		t.Fatalf("mode=%q", m)
	}
}

func TestModeFromEnv_DisabledRequiresUnsafe(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "disabled")
	t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "")
	if _, err := ModeFromEnv(); err == nil {
		t.Fatal("expected error")
	}
	t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "1")
	m, err := ModeFromEnv()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m != ModeDisabled {
		t.Fatalf("mode=%q", m)
	}
}

func TestModeFromEnv_Invalid(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "nope")
	if _, err := ModeFromEnv(); err == nil {
		t.Fatal("expected error")
	}
}

func TestSubjectFromAccountID(t *testing.T) {
	if got := SubjectFromAccountID(""); got != SubjectAnonymous {
		t.Fatalf("got=%q", got)
	}
	if got := SubjectFromAccountID(" ABC "); got != "account:abc" {
		t.Fatalf("got=%q", got)
	}
}

func writeTestPolicy(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	model := filepath.Join(dir, "model.conf")
	policy := filepath.Join(dir, "policy.csv")

	if err := os.WriteFile(model, []byte(`
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.dom == p.dom && r.obj == p.obj && r.act == p.act
`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(policy, []byte("p, account:root, global, tablegate.engine, admin\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return model, policy
}

func TestIsAdmin_Enforce(t *testing.T) {
	model, policy := writeTestPolicy(t)
	a, err := NewAuthorizer(model, policy, ModeEnforce)
	if err != nil {
		t.Fatalf("err=%v", err)
	}

	ok, err := a.IsAdmin("root")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !ok {
		t.Fatal("expected admin")
	}

	ok, err = a.IsAdmin("somebody")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if ok {
		t.Fatal("expected non-admin")
	}
}

func TestIsAdmin_ShadowNeverEnforces(t *testing.T) {
	model, policy := writeTestPolicy(t)
	a, err := NewAuthorizer(model, policy, ModeShadow)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	ok, err := a.IsAdmin("somebody")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !ok {
		t.Fatal("shadow mode must not enforce")
	}
}

func TestIsAdmin_ShadowLogsDecision(t *testing.T) {
	model, policy := writeTestPolicy(t)
	a, err := NewAuthorizer(model, policy, ModeShadow)
	if err != nil {
		t.Fatalf("err=%v", err)
	}

	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	if _, err := a.IsAdmin("somebody"); err != nil {
		t.Fatalf("err=%v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "shadow decision") || !strings.Contains(out, "allowed=false") {
		t.Fatalf("log=%q", out)
	}
}
