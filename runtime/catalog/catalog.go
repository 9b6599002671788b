// Package catalog manages the signed command catalog: refresh pulls
// contributions from a registry, verifies their ed25519 signatures, applies
// the visibility policy, and persists a cache file; load rebuilds the catalog
// from that cache, re-verifying every signature. A verification failure
// anywhere aborts the whole operation and leaves no partial state.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/nodekit/runtime/canonical"
	"goa.design/nodekit/runtime/telemetry"
)

type (
	// RegistryClient pulls contributions from a catalog registry. A
	// Mongo-backed implementation lives in features/catalog/mongo.
	RegistryClient interface {
		Contributions(ctx context.Context) ([]Contribution, error)
	}

	// SignatureRecord is the per-publisher verification material stored in
	// the cache file.
	SignatureRecord struct {
		Fingerprint     string `json:"fingerprint"`
		Signature       string `json:"signature"`
		SignerPublicKey string `json:"signer_public_key"`
		Version         string `json:"version"`
	}

	// cacheDoc is the on-disk cache file layout.
	cacheDoc struct {
		Commands   map[string]Command         `json:"commands"`
		Signatures map[string]SignatureRecord `json:"signatures"`
		CLIVersion string                     `json:"cli_version,omitempty"`
	}

	// Manager is the long-lived catalog singleton. Refresh and Load replace
	// the in-memory index atomically; queries are safe from any goroutine.
	Manager struct {
		mu       sync.RWMutex
		commands map[string]Command
		schemas  map[string]*jsonschema.Schema
		loaded   bool

		registry  RegistryClient
		cachePath string
		policy    Policy
		logger    telemetry.Logger
	}

	// Option configures a Manager.
	Option func(*Manager)
)

// WithRegistry sets the registry client used by Refresh.
func WithRegistry(rc RegistryClient) Option {
	return func(m *Manager) { m.registry = rc }
}

// WithPolicy sets the visibility policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithLogger sets the manager logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager constructs a Manager persisting to the given cache path.
func NewManager(cachePath string, opts ...Option) *Manager {
	m := &Manager{
		commands:  make(map[string]Command),
		schemas:   make(map[string]*jsonschema.Schema),
		cachePath: cachePath,
		logger:    telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

// Refresh pulls all contributions from the registry, verifies every
// fingerprint and signature, enforces global command id uniqueness, writes
// the cache file atomically, and installs the new index. Returns the diff
// against the previous cache. Any verification failure aborts before the
// cache or the in-memory index changes.
func (m *Manager) Refresh(ctx context.Context) (*Diff, error) {
	if m.registry == nil {
		return nil, &LoadError{Reason: "no registry configured"}
	}
	contributions, err := m.registry.Contributions(ctx)
	if err != nil {
		return nil, &LoadError{Reason: "registry fetch failed", Err: err}
	}

	commands := make(map[string]Command)
	signatures := make(map[string]SignatureRecord)
	schemas := make(map[string]*jsonschema.Schema)
	owner := make(map[string]string)

	for _, contrib := range contributions {
		if err := contrib.Validate(); err != nil {
			return nil, &LoadError{Reason: "invalid contribution", Err: err}
		}
		if _, seen := signatures[contrib.Publisher]; seen && !contrib.Replace {
			return nil, &LoadError{Reason: fmt.Sprintf("publisher %s contributed twice without replace", contrib.Publisher)}
		}
		if err := m.verifyContribution(&contrib); err != nil {
			return nil, err
		}
		if contrib.Replace {
			for id, p := range owner {
				if p == contrib.Publisher {
					delete(commands, id)
					delete(schemas, id)
					delete(owner, id)
				}
			}
		}
		for _, cmd := range contrib.Commands {
			if prev, dup := owner[cmd.ID]; dup {
				return nil, &LoadError{Reason: fmt.Sprintf("command %s contributed by both %s and %s", cmd.ID, prev, contrib.Publisher)}
			}
			sch, err := compileParams(cmd)
			if err != nil {
				return nil, &LoadError{Reason: fmt.Sprintf("command %s has an invalid parameter schema", cmd.ID), Err: err}
			}
			cmd.Publisher = contrib.Publisher
			commands[cmd.ID] = cmd
			owner[cmd.ID] = contrib.Publisher
			if sch != nil {
				schemas[cmd.ID] = sch
			}
		}
		signatures[contrib.Publisher] = SignatureRecord{
			Fingerprint:     contrib.Fingerprint,
			Signature:       contrib.Signature,
			SignerPublicKey: contrib.SignerPublicKey,
			Version:         contrib.Version,
		}
	}

	previous := m.readCache()
	doc := &cacheDoc{Commands: commands, Signatures: signatures, CLIVersion: m.policy.CLIVersion}
	if err := m.writeCache(doc); err != nil {
		return nil, &LoadError{Reason: "cache write failed", Err: err}
	}

	m.mu.Lock()
	m.commands = commands
	m.schemas = schemas
	m.loaded = true
	m.mu.Unlock()

	diff := diffCaches(previous, doc)
	m.logger.Info(ctx, "catalog refreshed",
		"publishers", len(signatures), "commands", len(commands),
		"added", len(diff.Added), "removed", len(diff.Removed))
	return diff, nil
}

// Load rebuilds the catalog from the cache file, re-verifying every stored
// signature against the recomputed command fingerprints and checking the
// recorded CLI version. A failure leaves the in-memory index untouched.
func (m *Manager) Load(ctx context.Context) error {
	raw, err := os.ReadFile(m.cachePath)
	if err != nil {
		return &LoadError{Reason: "cache file unreadable", Err: err}
	}
	var doc cacheDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &LoadError{Reason: "cache file corrupt", Err: err}
	}

	if m.policy.CLIVersion != "" && doc.CLIVersion != "" && doc.CLIVersion != m.policy.CLIVersion {
		return &VersionError{Want: m.policy.CLIVersion, Got: doc.CLIVersion}
	}

	byPublisher := make(map[string][]Command)
	for _, cmd := range doc.Commands {
		byPublisher[cmd.Publisher] = append(byPublisher[cmd.Publisher], cmd)
	}
	for publisher, cmds := range byPublisher {
		rec, ok := doc.Signatures[publisher]
		if !ok {
			return &SignatureError{Publisher: publisher, Reason: "no signature record"}
		}
		fp, err := Fingerprint(cmds)
		if err != nil {
			return &LoadError{Reason: "fingerprint computation failed", Err: err}
		}
		if fp != rec.Fingerprint {
			return &SignatureError{Publisher: publisher, Reason: "fingerprint mismatch"}
		}
		if err := verifySignature(rec.SignerPublicKey, rec.Fingerprint, rec.Signature); err != nil {
			return &SignatureError{Publisher: publisher, Reason: err.Error()}
		}
	}

	schemas := make(map[string]*jsonschema.Schema)
	for id, cmd := range doc.Commands {
		sch, err := compileParams(cmd)
		if err != nil {
			return &LoadError{Reason: fmt.Sprintf("command %s has an invalid parameter schema", id), Err: err}
		}
		if sch != nil {
			schemas[id] = sch
		}
	}

	m.mu.Lock()
	m.commands = doc.Commands
	m.schemas = schemas
	m.loaded = true
	m.mu.Unlock()

	m.logger.Info(ctx, "catalog loaded", "commands", len(doc.Commands))
	return nil
}

// GetCommand returns the command when it exists and the policy allows it.
func (m *Manager) GetCommand(id string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cmd, ok := m.commands[id]
	if !ok || !m.policy.visible(cmd) {
		return Command{}, false
	}
	return cmd, true
}

// ListCommands returns the visible commands, optionally filtered by group,
// sorted by id.
func (m *Manager) ListCommands(group string) []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Command, 0, len(m.commands))
	for _, cmd := range m.commands {
		if group != "" && cmd.Group != group {
			continue
		}
		if m.policy.visible(cmd) {
			out = append(out, cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsVisible reports whether the command exists and passes the policy.
func (m *Manager) IsVisible(id string) bool {
	_, ok := m.GetCommand(id)
	return ok
}

// CacheKey returns the SHA-256 hex digest of the full command index.
func (m *Manager) CacheKey() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return canonical.SHA256Hex(m.commands)
}

// ValidateParams checks params against the command's compiled parameter
// schema. Commands without a schema accept anything.
func (m *Manager) ValidateParams(id string, params map[string]any) error {
	m.mu.RLock()
	sch, ok := m.schemas[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	// Round-trip so numbers take the types the validator expects.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("command %s: parameters not serializable: %w", id, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("command %s: parameters not decodable: %w", id, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("command %s: %w", id, err)
	}
	return nil
}

// verifyContribution recomputes the fingerprint and verifies the signature.
func (m *Manager) verifyContribution(c *Contribution) error {
	fp, err := Fingerprint(c.Commands)
	if err != nil {
		return &LoadError{Reason: "fingerprint computation failed", Err: err}
	}
	if fp != c.Fingerprint {
		return &SignatureError{Publisher: c.Publisher, Reason: "fingerprint mismatch"}
	}
	if err := verifySignature(c.SignerPublicKey, c.Fingerprint, c.Signature); err != nil {
		return &SignatureError{Publisher: c.Publisher, Reason: err.Error()}
	}
	return nil
}

// readCache returns the previous cache document, or nil when absent or
// unreadable. Refresh diffs against it best-effort.
func (m *Manager) readCache() *cacheDoc {
	raw, err := os.ReadFile(m.cachePath)
	if err != nil {
		return nil
	}
	var doc cacheDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return &doc
}

// writeCache persists the document atomically via a temp file rename.
func (m *Manager) writeCache(doc *cacheDoc) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.cachePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(m.cachePath)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), m.cachePath)
}

// visible applies the policy filter. The allowlist overrides the denylist.
func (p *Policy) visible(cmd Command) bool {
	allowlisted := slices.Contains(p.CommandAllowlist, cmd.ID)
	if len(p.CommandAllowlist) > 0 && !allowlisted {
		return false
	}
	if !allowlisted && slices.Contains(p.CommandDenylist, cmd.ID) {
		return false
	}
	if len(p.AllowedRoles) > 0 && !intersects(cmd.Permissions, p.AllowedRoles) {
		return false
	}
	if intersects(cmd.Permissions, p.BlockedOrgTags) {
		return false
	}
	if p.HideDeprecated && cmd.Visibility == VisibilityDeprecated {
		return false
	}
	if p.HideExperimental && cmd.Visibility == VisibilityExperimental {
		return false
	}
	return true
}

// compileParams compiles the command's parameter schema, or returns nil when
// the command declares none.
func compileParams(cmd Command) (*jsonschema.Schema, error) {
	if len(cmd.Parameters) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(cmd.Parameters)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("mem://%s/parameters.json", cmd.ID)
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// diffCaches compares two cache documents. prev may be nil.
func diffCaches(prev, next *cacheDoc) *Diff {
	d := &Diff{Added: []string{}, Removed: []string{}, Updated: []string{}, Deprecated: []string{}}
	var prevCommands map[string]Command
	if prev != nil {
		prevCommands = prev.Commands
	}
	for id, cmd := range next.Commands {
		old, ok := prevCommands[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case old.Visibility != VisibilityDeprecated && cmd.Visibility == VisibilityDeprecated:
			d.Deprecated = append(d.Deprecated, id)
		case !displayedFieldsEqual(old, cmd):
			d.Updated = append(d.Updated, id)
		}
	}
	for id := range prevCommands {
		if _, ok := next.Commands[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Updated)
	sort.Strings(d.Deprecated)
	return d
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}
