package catalog

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	contributions []Contribution
	err           error
}

func (f *fakeRegistry) Contributions(context.Context) ([]Contribution, error) {
	return f.contributions, f.err
}

func signedContribution(t *testing.T, publisher string, commands []Command) Contribution {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	fp, sig, err := Sign(priv, commands)
	require.NoError(t, err)
	return Contribution{
		ContractType:    ContractType,
		Version:         "1.0.0",
		Publisher:       publisher,
		Fingerprint:     fp,
		Signature:       sig,
		SignerPublicKey: base64.StdEncoding.EncodeToString(pub),
		Commands:        commands,
	}
}

func cachePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "catalog.json")
}

func TestRefreshAndQuery(t *testing.T) {
	commands := []Command{
		{ID: "fleet.deploy", Group: "fleet", DisplayName: "Deploy", Visibility: VisibilityPublic},
		{ID: "fleet.status", Group: "fleet", DisplayName: "Status", Visibility: VisibilityPublic},
	}
	reg := &fakeRegistry{contributions: []Contribution{signedContribution(t, "acme", commands)}}
	m := NewManager(cachePath(t), WithRegistry(reg))

	diff, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fleet.deploy", "fleet.status"}, diff.Added)
	assert.Empty(t, diff.Removed)

	cmd, ok := m.GetCommand("fleet.deploy")
	require.True(t, ok)
	assert.Equal(t, "acme", cmd.Publisher)
	assert.True(t, m.IsVisible("fleet.status"))
	assert.False(t, m.IsVisible("fleet.missing"))

	listed := m.ListCommands("fleet")
	require.Len(t, listed, 2)
	assert.Equal(t, "fleet.deploy", listed[0].ID)

	key, err := m.CacheKey()
	require.NoError(t, err)
	assert.Len(t, key, 64)
}

func TestRefreshWithoutRegistry(t *testing.T) {
	m := NewManager(cachePath(t))
	_, err := m.Refresh(context.Background())
	var le *LoadError
	assert.ErrorAs(t, err, &le)
}

func TestRefreshRegistryError(t *testing.T) {
	m := NewManager(cachePath(t), WithRegistry(&fakeRegistry{err: errors.New("down")}))
	_, err := m.Refresh(context.Background())
	var le *LoadError
	require.ErrorAs(t, err, &le)
}

func TestRefreshRejectsBadFingerprint(t *testing.T) {
	contrib := signedContribution(t, "acme", []Command{{ID: "a.b", DisplayName: "AB"}})
	contrib.Fingerprint = strings.Repeat("0", 64)
	m := NewManager(cachePath(t), WithRegistry(&fakeRegistry{contributions: []Contribution{contrib}}))
	_, err := m.Refresh(context.Background())
	var se *SignatureError
	require.ErrorAs(t, err, &se)
	assert.False(t, m.IsVisible("a.b"), "no partial state after rejection")
}

func TestRefreshRejectsDuplicateCommandIDs(t *testing.T) {
	a := signedContribution(t, "acme", []Command{{ID: "shared.cmd", DisplayName: "A"}})
	b := signedContribution(t, "globex", []Command{{ID: "shared.cmd", DisplayName: "B"}})
	m := NewManager(cachePath(t), WithRegistry(&fakeRegistry{contributions: []Contribution{a, b}}))
	_, err := m.Refresh(context.Background())
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, err.Error(), "shared.cmd")
}

func TestRefreshDuplicatePublisherRequiresReplace(t *testing.T) {
	first := signedContribution(t, "acme", []Command{{ID: "a.one", DisplayName: "One"}})
	second := signedContribution(t, "acme", []Command{{ID: "a.two", DisplayName: "Two"}})
	m := NewManager(cachePath(t), WithRegistry(&fakeRegistry{contributions: []Contribution{first, second}}))
	_, err := m.Refresh(context.Background())
	require.Error(t, err)

	second.Replace = true
	m = NewManager(cachePath(t), WithRegistry(&fakeRegistry{contributions: []Contribution{first, second}}))
	_, err = m.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, m.IsVisible("a.one"), "replaced contribution removed")
	assert.True(t, m.IsVisible("a.two"))
}

func TestRefreshRejectsCriticalWithoutHITL(t *testing.T) {
	contrib := signedContribution(t, "acme", []Command{{ID: "risky.wipe", DisplayName: "Wipe", Risk: RiskCritical}})
	m := NewManager(cachePath(t), WithRegistry(&fakeRegistry{contributions: []Contribution{contrib}}))
	_, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "human-in-the-loop")
}

func TestRefreshRejectsInvalidCommandID(t *testing.T) {
	for _, id := range []string{"single", "Upper.case", "has space.x", ""} {
		contrib := signedContribution(t, "acme", []Command{{ID: id, DisplayName: "X"}})
		m := NewManager(cachePath(t), WithRegistry(&fakeRegistry{contributions: []Contribution{contrib}}))
		_, err := m.Refresh(context.Background())
		assert.Error(t, err, "id %q", id)
	}
}

func TestRefreshDiff(t *testing.T) {
	path := cachePath(t)
	v1 := []Command{
		{ID: "a.keep", DisplayName: "Keep"},
		{ID: "a.gone", DisplayName: "Gone"},
		{ID: "a.rename", DisplayName: "Old Name"},
		{ID: "a.dep", DisplayName: "Dep", Visibility: VisibilityPublic},
	}
	reg := &fakeRegistry{contributions: []Contribution{signedContribution(t, "acme", v1)}}
	m := NewManager(path, WithRegistry(reg))
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	v2 := []Command{
		{ID: "a.keep", DisplayName: "Keep"},
		{ID: "a.rename", DisplayName: "New Name"},
		{ID: "a.dep", DisplayName: "Dep", Visibility: VisibilityDeprecated},
		{ID: "a.fresh", DisplayName: "Fresh"},
	}
	reg.contributions = []Contribution{signedContribution(t, "acme", v2)}
	diff, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.fresh"}, diff.Added)
	assert.Equal(t, []string{"a.gone"}, diff.Removed)
	assert.Equal(t, []string{"a.rename"}, diff.Updated)
	assert.Equal(t, []string{"a.dep"}, diff.Deprecated)
}

func TestLoadRoundTrip(t *testing.T) {
	path := cachePath(t)
	commands := []Command{{ID: "ops.restart", DisplayName: "Restart"}}
	reg := &fakeRegistry{contributions: []Contribution{signedContribution(t, "acme", commands)}}
	m := NewManager(path, WithRegistry(reg))
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	fresh := NewManager(path)
	require.NoError(t, fresh.Load(context.Background()))
	assert.True(t, fresh.IsVisible("ops.restart"))
}

func TestLoadMissingCache(t *testing.T) {
	m := NewManager(cachePath(t))
	var le *LoadError
	assert.ErrorAs(t, m.Load(context.Background()), &le)
}

func TestLoadTamperedSignatureRejected(t *testing.T) {
	path := cachePath(t)
	commands := []Command{{ID: "ops.restart", DisplayName: "Restart"}}
	reg := &fakeRegistry{contributions: []Contribution{signedContribution(t, "acme", commands)}}
	m := NewManager(path, WithRegistry(reg))
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	// Flip one character of the stored signature.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	sigs := doc["signatures"].(map[string]any)
	rec := sigs["acme"].(map[string]any)
	sig := rec["signature"].(string)
	flipped := []byte(sig)
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}
	rec["signature"] = string(flipped)
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	fresh := NewManager(path)
	var se *SignatureError
	require.ErrorAs(t, fresh.Load(context.Background()), &se)
	_, ok := fresh.GetCommand("ops.restart")
	assert.False(t, ok)
}

func TestLoadTamperedCommandRejected(t *testing.T) {
	path := cachePath(t)
	commands := []Command{{ID: "ops.restart", DisplayName: "Restart"}}
	reg := &fakeRegistry{contributions: []Contribution{signedContribution(t, "acme", commands)}}
	m := NewManager(path, WithRegistry(reg))
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "Restart", "Reboot", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	fresh := NewManager(path)
	var se *SignatureError
	require.ErrorAs(t, fresh.Load(context.Background()), &se)
	assert.Equal(t, "fingerprint mismatch", se.Reason)
}

func TestLoadVersionMismatch(t *testing.T) {
	path := cachePath(t)
	commands := []Command{{ID: "ops.restart", DisplayName: "Restart"}}
	reg := &fakeRegistry{contributions: []Contribution{signedContribution(t, "acme", commands)}}
	m := NewManager(path, WithRegistry(reg), WithPolicy(Policy{CLIVersion: "2.1.0"}))
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	fresh := NewManager(path, WithPolicy(Policy{CLIVersion: "3.0.0"}))
	var ve *VersionError
	require.ErrorAs(t, fresh.Load(context.Background()), &ve)
	assert.Equal(t, "3.0.0", ve.Want)
	assert.Equal(t, "2.1.0", ve.Got)
}

func TestPolicyFilter(t *testing.T) {
	cases := []struct {
		name    string
		policy  Policy
		cmd     Command
		visible bool
	}{
		{"default shows all", Policy{}, Command{ID: "a.b"}, true},
		{"allowlist excludes unlisted", Policy{CommandAllowlist: []string{"x.y"}}, Command{ID: "a.b"}, false},
		{"allowlist overrides denylist", Policy{CommandAllowlist: []string{"a.b"}, CommandDenylist: []string{"a.b"}}, Command{ID: "a.b"}, true},
		{"denylist hides", Policy{CommandDenylist: []string{"a.b"}}, Command{ID: "a.b"}, false},
		{"roles require intersection", Policy{AllowedRoles: []string{"admin"}}, Command{ID: "a.b", Permissions: []string{"viewer"}}, false},
		{"roles intersect", Policy{AllowedRoles: []string{"admin"}}, Command{ID: "a.b", Permissions: []string{"admin", "viewer"}}, true},
		{"empty permissions hidden under roles", Policy{AllowedRoles: []string{"admin"}}, Command{ID: "a.b"}, false},
		{"blocked org tag hides", Policy{BlockedOrgTags: []string{"restricted"}}, Command{ID: "a.b", Permissions: []string{"restricted"}}, false},
		{"hide deprecated", Policy{HideDeprecated: true}, Command{ID: "a.b", Visibility: VisibilityDeprecated}, false},
		{"hide experimental", Policy{HideExperimental: true}, Command{ID: "a.b", Visibility: VisibilityExperimental}, false},
		{"experimental shown by default", Policy{}, Command{ID: "a.b", Visibility: VisibilityExperimental}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.visible, tc.policy.visible(tc.cmd))
		})
	}
}

func TestValidateParams(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"required":   []any{"count"},
		"properties": map[string]any{"count": map[string]any{"type": "integer", "minimum": 1}},
	}
	commands := []Command{{ID: "ops.scale", DisplayName: "Scale", Parameters: schema}}
	reg := &fakeRegistry{contributions: []Contribution{signedContribution(t, "acme", commands)}}
	m := NewManager(cachePath(t), WithRegistry(reg))
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	assert.NoError(t, m.ValidateParams("ops.scale", map[string]any{"count": 3}))
	assert.Error(t, m.ValidateParams("ops.scale", map[string]any{"count": 0}))
	assert.Error(t, m.ValidateParams("ops.scale", map[string]any{}))
	assert.NoError(t, m.ValidateParams("no.schema", map[string]any{"anything": true}))
}

func TestRefreshRejectsInvalidSchema(t *testing.T) {
	commands := []Command{{ID: "ops.bad", DisplayName: "Bad", Parameters: map[string]any{"type": 42}}}
	reg := &fakeRegistry{contributions: []Contribution{signedContribution(t, "acme", commands)}}
	m := NewManager(cachePath(t), WithRegistry(reg))
	_, err := m.Refresh(context.Background())
	var le *LoadError
	require.ErrorAs(t, err, &le)
}

func TestFingerprintOrderIndependent(t *testing.T) {
	a := Command{ID: "x.a", DisplayName: "A"}
	b := Command{ID: "x.b", DisplayName: "B"}
	fp1, err := Fingerprint([]Command{a, b})
	require.NoError(t, err)
	fp2, err := Fingerprint([]Command{b, a})
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)
}
