package catalog

import (
	"fmt"
	"regexp"
	"strings"
)

// ContractType is the only contribution contract recognized by this manager.
const ContractType = "cli_contribution_v1"

// Visibility tags how a command is surfaced.
type Visibility string

const (
	VisibilityPublic       Visibility = "public"
	VisibilityInternal     Visibility = "internal"
	VisibilityDeprecated   Visibility = "deprecated"
	VisibilityExperimental Visibility = "experimental"
)

// Risk grades the blast radius of a command.
type Risk string

const (
	RiskLow      Risk = "LOW"
	RiskMedium   Risk = "MEDIUM"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
)

// commandIDPattern: dot-separated, at least two segments, lowercase.
var commandIDPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

type (
	// Command is one catalog entry.
	Command struct {
		// ID is the dot-separated command identifier, globally unique.
		ID string `json:"id"`
		// Publisher is the contributing publisher, set by the manager.
		Publisher string `json:"publisher,omitempty"`
		// Group optionally buckets commands for listing.
		Group string `json:"group,omitempty"`
		// DisplayName is the human-facing name.
		DisplayName string `json:"display_name"`
		// Description explains what the command does.
		Description string `json:"description,omitempty"`
		// Visibility tags how the command is surfaced.
		Visibility Visibility `json:"visibility,omitempty"`
		// Risk grades the command's blast radius.
		Risk Risk `json:"risk,omitempty"`
		// RequiresHITL forces human-in-the-loop approval. Mandatory for
		// CRITICAL risk.
		RequiresHITL bool `json:"requires_hitl,omitempty"`
		// Permissions lists the roles or org tags allowed to see the command.
		Permissions []string `json:"permissions,omitempty"`
		// Parameters is the JSON Schema for the command's parameters.
		Parameters map[string]any `json:"parameters,omitempty"`
	}

	// Contribution is one publisher's signed command set.
	Contribution struct {
		// ContractType must equal ContractType.
		ContractType string `json:"contract_type"`
		// Version is the contribution's semantic version.
		Version string `json:"version"`
		// Publisher identifies the contributing publisher.
		Publisher string `json:"publisher"`
		// Fingerprint is the SHA-256 hex digest of the canonical encoding of
		// Commands, sorted by id.
		Fingerprint string `json:"fingerprint"`
		// Signature is the base64 ed25519 signature over Fingerprint.
		Signature string `json:"signature"`
		// SignerPublicKey is the base64 ed25519 public key.
		SignerPublicKey string `json:"signer_public_key"`
		// Replace allows this contribution to supersede an earlier one from
		// the same publisher within a single refresh.
		Replace bool `json:"replace,omitempty"`
		// Commands is the contributed command set.
		Commands []Command `json:"commands"`
	}

	// Policy filters which commands are visible.
	Policy struct {
		// AllowedRoles, when non-empty, requires a command's permissions to
		// intersect it. Commands with no permissions are hidden.
		AllowedRoles []string `json:"allowed_roles,omitempty" yaml:"allowed_roles"`
		// BlockedOrgTags hides any command carrying one of these permissions.
		BlockedOrgTags []string `json:"blocked_org_tags,omitempty" yaml:"blocked_org_tags"`
		// HideDeprecated hides commands tagged deprecated.
		HideDeprecated bool `json:"hide_deprecated,omitempty" yaml:"hide_deprecated"`
		// HideExperimental hides commands tagged experimental.
		HideExperimental bool `json:"hide_experimental,omitempty" yaml:"hide_experimental"`
		// CommandAllowlist always shows the listed ids, overriding the
		// denylist. When non-empty, only listed ids are shown.
		CommandAllowlist []string `json:"command_allowlist,omitempty" yaml:"command_allowlist"`
		// CommandDenylist hides the listed ids unless allowlisted.
		CommandDenylist []string `json:"command_denylist,omitempty" yaml:"command_denylist"`
		// CLIVersion, when non-empty, must match the cache's recorded version.
		CLIVersion string `json:"cli_version,omitempty" yaml:"cli_version"`
	}

	// Diff summarizes how a refresh changed the cached catalog. All slices
	// hold command ids, sorted.
	Diff struct {
		// Added lists commands absent from the previous cache.
		Added []string `json:"added"`
		// Removed lists commands present before and gone now.
		Removed []string `json:"removed"`
		// Updated lists commands whose displayed fields changed.
		Updated []string `json:"updated"`
		// Deprecated lists commands whose visibility transitioned into
		// deprecated.
		Deprecated []string `json:"deprecated"`
	}

	// LoadError reports a missing or corrupt cache, or a missing registry.
	LoadError struct {
		Reason string
		Err    error
	}

	// SignatureError reports a fingerprint mismatch or invalid signature.
	SignatureError struct {
		Publisher string
		Reason    string
	}

	// VersionError reports a CLI version mismatch.
	VersionError struct {
		Want string
		Got  string
	}
)

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalog load: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("catalog load: %s", e.Reason)
}

// Unwrap returns the underlying failure.
func (e *LoadError) Unwrap() error { return e.Err }

// Error implements the error interface.
func (e *SignatureError) Error() string {
	return fmt.Sprintf("catalog signature: publisher %s: %s", e.Publisher, e.Reason)
}

// Error implements the error interface.
func (e *VersionError) Error() string {
	return fmt.Sprintf("catalog version: configured %s, cache recorded %s", e.Want, e.Got)
}

// Validate checks the command's structural invariants.
func (c *Command) Validate() error {
	if !commandIDPattern.MatchString(c.ID) {
		return fmt.Errorf("command id %q: must be dot-separated lowercase [a-z0-9_.] with at least two segments", c.ID)
	}
	if c.Risk == RiskCritical && !c.RequiresHITL {
		return fmt.Errorf("command %s: CRITICAL risk requires human-in-the-loop approval", c.ID)
	}
	return nil
}

// Validate checks the contribution's structural invariants. Signature and
// fingerprint verification happen separately.
func (c *Contribution) Validate() error {
	if c.ContractType != ContractType {
		return fmt.Errorf("contribution %s: unsupported contract type %q", c.Publisher, c.ContractType)
	}
	if strings.TrimSpace(c.Publisher) == "" {
		return fmt.Errorf("contribution requires a publisher")
	}
	if c.Version == "" {
		return fmt.Errorf("contribution %s: version is required", c.Publisher)
	}
	for i := range c.Commands {
		if err := c.Commands[i].Validate(); err != nil {
			return fmt.Errorf("contribution %s: %w", c.Publisher, err)
		}
	}
	return nil
}

// displayedFieldsEqual reports whether the fields a catalog consumer sees are
// unchanged between two versions of the same command.
func displayedFieldsEqual(a, b Command) bool {
	return a.DisplayName == b.DisplayName &&
		a.Description == b.Description &&
		a.Group == b.Group &&
		a.Visibility == b.Visibility &&
		a.Risk == b.Risk
}
