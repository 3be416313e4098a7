// Package authority is the single choke point for tool authorization. No
// tool executes without an explicit grant; default grants loaded at startup
// are still explicit grants, and revocation takes effect immediately, even
// mid-session. Every decision is written to the audit log with its turn id.
package authority

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haricheung/jarvis/internal/audit"
	"github.com/haricheung/jarvis/internal/tools"
)

// Status of a permission check.
type Status string

const (
	Granted              Status = "GRANTED"
	DeniedNoGrant        Status = "DENIED_NO_GRANT"
	DeniedExpired        Status = "DENIED_EXPIRED"
	DeniedRevoked        Status = "DENIED_REVOKED"
	DeniedLevelMismatch  Status = "DENIED_LEVEL_MISMATCH"
	RequiresConfirmation Status = "REQUIRES_CONFIRMATION"
)

// NoExpiry marks a grant that never expires.
const NoExpiry time.Duration = -1

// Grant is an explicit approval for a tool name or a whole permission level.
type Grant struct {
	Target    string                `json:"target"` // tool name or level value
	Level     tools.PermissionLevel `json:"level"`
	GrantedAt time.Time             `json:"granted_at"`
	ExpiresAt *time.Time            `json:"expires_at,omitempty"`
	OneTime   bool                  `json:"one_time"`
	Revoked   bool                  `json:"revoked"`
	Source    string                `json:"source"` // default, user, session
}

// Valid reports whether the grant is usable right now.
func (g *Grant) Valid() bool {
	if g.Revoked {
		return false
	}
	if g.ExpiresAt != nil && time.Now().UTC().After(*g.ExpiresAt) {
		return false
	}
	return true
}

// Matches reports whether the grant covers a tool at the required level,
// either by tool name or by level-wide target.
func (g *Grant) Matches(toolName string, required tools.PermissionLevel) bool {
	return g.Target == toolName || g.Target == string(required)
}

// Decision is the result of one authority check.
type Decision struct {
	Status        Status
	Tool          string
	RequiredLevel tools.PermissionLevel
	Grant         *Grant // the grant consulted, even when revoked or expired
	Reason        string
	TurnID        string
	Timestamp     time.Time
}

func (d Decision) Allowed() bool           { return d.Status == Granted }
func (d Decision) NeedsConfirmation() bool { return d.Status == RequiresConfirmation }

// Config is the permissions document loaded at startup.
type Config struct {
	DefaultGrants []struct {
		Target string `yaml:"target"`
		Level  string `yaml:"level"`
	} `yaml:"default_grants"`
	RequiresConfirmation []string `yaml:"requires_confirmation"`
	AlwaysBlocked        []string `yaml:"always_blocked"`
}

// Authority owns all grants and answers every may-this-tool-run question.
type Authority struct {
	mu            sync.Mutex
	grants        map[string]*Grant // persistent + default, key = target
	sessionGrants map[string]*Grant // user-approved this session only
	confirmation  map[tools.PermissionLevel]bool
	blocked       map[tools.PermissionLevel]bool
	audit         *audit.Log
}

// New builds the authority from the permissions file at configPath. An empty
// path, a missing file, or an unparsable file falls back to the builtin
// defaults. The audit log may be nil (decisions are then only logged).
func New(configPath string, al *audit.Log) *Authority {
	a := &Authority{
		grants:        make(map[string]*Grant),
		sessionGrants: make(map[string]*Grant),
		confirmation:  make(map[tools.PermissionLevel]bool),
		blocked:       make(map[tools.PermissionLevel]bool),
		audit:         al,
	}

	if configPath == "" {
		a.loadDefaults()
		return a
	}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		log.Printf("[AUTH] permission config not found: %s", configPath)
		a.loadDefaults()
		return a
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		log.Printf("[AUTH] could not parse permission config: %v", err)
		a.loadDefaults()
		return a
	}
	a.applyConfig(cfg)
	return a
}

func (a *Authority) applyConfig(cfg Config) {
	for _, g := range cfg.DefaultGrants {
		grant := &Grant{
			Target:    g.Target,
			Level:     tools.PermissionLevel(g.Level),
			GrantedAt: time.Now().UTC(),
			Source:    "default",
		}
		a.grants[grant.Target] = grant
	}
	for _, lvl := range cfg.RequiresConfirmation {
		a.confirmation[tools.PermissionLevel(strings.ToLower(lvl))] = true
	}
	for _, lvl := range cfg.AlwaysBlocked {
		a.blocked[tools.PermissionLevel(strings.ToLower(lvl))] = true
	}
	log.Printf("[AUTH] loaded %d default grants, %d confirmation levels",
		len(a.grants), len(a.confirmation))
}

func (a *Authority) loadDefaults() {
	for _, target := range []string{
		"get_current_time", "get_current_date", "list_scheduled_tasks", "list_directory",
	} {
		a.grants[target] = &Grant{
			Target:    target,
			Level:     tools.LevelRead,
			GrantedAt: time.Now().UTC(),
			Source:    "default",
		}
	}
	for _, lvl := range []tools.PermissionLevel{
		tools.LevelWrite, tools.LevelExecute, tools.LevelNetwork, tools.LevelAdmin,
	} {
		a.confirmation[lvl] = true
	}
	a.blocked[tools.LevelAdmin] = true
	log.Printf("[AUTH] loaded default permission configuration")
}

// Check decides whether a tool at the required level may run. The consulted
// grant rides on the decision even when revoked or expired, so callers learn
// why. A one-time grant is revoked by its successful use.
func (a *Authority) Check(toolName string, required tools.PermissionLevel, turnID string) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.blocked[required] {
		return a.decide(Decision{
			Status:        DeniedNoGrant,
			Tool:          toolName,
			RequiredLevel: required,
			Reason:        fmt.Sprintf("Permission level %s is always blocked", required),
			TurnID:        turnID,
		})
	}

	grant := a.findGrant(toolName, required)
	if grant == nil {
		if a.confirmation[required] {
			return a.decide(Decision{
				Status:        RequiresConfirmation,
				Tool:          toolName,
				RequiredLevel: required,
				Reason:        "Tool requires user confirmation",
				TurnID:        turnID,
			})
		}
		return a.decide(Decision{
			Status:        DeniedNoGrant,
			Tool:          toolName,
			RequiredLevel: required,
			Reason:        fmt.Sprintf("No grant found for %s", toolName),
			TurnID:        turnID,
		})
	}

	if grant.Revoked {
		return a.decide(Decision{
			Status:        DeniedRevoked,
			Tool:          toolName,
			RequiredLevel: required,
			Grant:         grant,
			Reason:        "Grant has been revoked",
			TurnID:        turnID,
		})
	}
	if !grant.Valid() {
		return a.decide(Decision{
			Status:        DeniedExpired,
			Tool:          toolName,
			RequiredLevel: required,
			Grant:         grant,
			Reason:        "Grant has expired",
			TurnID:        turnID,
		})
	}

	// Default grants never bypass confirmation for destructive levels.
	if a.confirmation[required] && grant.Source == "default" {
		return a.decide(Decision{
			Status:        RequiresConfirmation,
			Tool:          toolName,
			RequiredLevel: required,
			Grant:         grant,
			Reason:        "Tool requires user confirmation despite default grant",
			TurnID:        turnID,
		})
	}

	d := a.decide(Decision{
		Status:        Granted,
		Tool:          toolName,
		RequiredLevel: required,
		Grant:         grant,
		Reason:        "Authorized",
		TurnID:        turnID,
	})
	if grant.OneTime {
		a.revokeLocked(grant.Target)
	}
	return d
}

// findGrant returns the first grant covering the tool, session grants first.
// Revoked and expired grants are returned too; Check reports why they fail.
func (a *Authority) findGrant(toolName string, required tools.PermissionLevel) *Grant {
	for _, g := range a.sessionGrants {
		if g.Matches(toolName, required) {
			return g
		}
	}
	for _, g := range a.grants {
		if g.Matches(toolName, required) {
			return g
		}
	}
	return nil
}

// Grant creates a permission grant. A ttl of NoExpiry never expires; zero
// expires immediately. Session-sourced grants are kept apart and cleared on
// shutdown.
func (a *Authority) Grant(target string, level tools.PermissionLevel, ttl time.Duration, oneTime bool, source string) *Grant {
	a.mu.Lock()
	defer a.mu.Unlock()

	g := &Grant{
		Target:    target,
		Level:     level,
		GrantedAt: time.Now().UTC(),
		OneTime:   oneTime,
		Source:    source,
	}
	if ttl >= 0 {
		at := g.GrantedAt.Add(ttl)
		g.ExpiresAt = &at
	}

	if source == "session" {
		a.sessionGrants[target] = g
	} else {
		a.grants[target] = g
	}
	log.Printf("[AUTH] granted permission: %s (%s)", target, level)
	a.auditEvent(audit.GrantCreated, "created", target, map[string]any{
		"level":    string(level),
		"source":   source,
		"one_time": oneTime,
	})
	return g
}

// Revoke marks every grant for target revoked. Reports whether any existed.
func (a *Authority) Revoke(target string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.revokeLocked(target)
}

func (a *Authority) revokeLocked(target string) bool {
	revoked := false
	if g, ok := a.sessionGrants[target]; ok {
		g.Revoked = true
		revoked = true
	}
	if g, ok := a.grants[target]; ok {
		g.Revoked = true
		revoked = true
	}
	if revoked {
		log.Printf("[AUTH] revoked permission: %s", target)
		a.auditEvent(audit.GrantRevoked, "revoked", target, nil)
	}
	return revoked
}

// ClearSessionGrants drops all session grants. Called on shutdown.
func (a *Authority) ClearSessionGrants() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.sessionGrants)
	a.sessionGrants = make(map[string]*Grant)
	log.Printf("[AUTH] cleared %d session grants", n)
	return n
}

// ListGrants returns persistent grants then session grants, skipping revoked
// ones unless asked for.
func (a *Authority) ListGrants(includeRevoked bool) []*Grant {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Grant
	for _, g := range a.grants {
		if includeRevoked || !g.Revoked {
			out = append(out, g)
		}
	}
	for _, g := range a.sessionGrants {
		if includeRevoked || !g.Revoked {
			out = append(out, g)
		}
	}
	return out
}

// decide stamps, logs, and audits a decision.
func (a *Authority) decide(d Decision) Decision {
	d.Timestamp = time.Now().UTC()

	log.Printf("[AUTH] %s | tool=%s | level=%s | reason=%s | turn_id=%s",
		d.Status, d.Tool, d.RequiredLevel, d.Reason, orDash(d.TurnID))

	if a.audit != nil && d.TurnID != "" {
		_, err := a.audit.Log(audit.AuthorityCheck, audit.ActorAuthority,
			strings.ToLower(string(d.Status)), d.TurnID, d.Tool, map[string]any{
				"required_level": string(d.RequiredLevel),
				"reason":         d.Reason,
				"granted":        d.Allowed(),
			})
		if err != nil {
			log.Printf("[AUTH] audit append failed: %v", err)
		}
	}
	return d
}

func (a *Authority) auditEvent(et audit.EventType, action, target string, details map[string]any) {
	if a.audit == nil {
		return
	}
	if _, err := a.audit.Log(et, audit.ActorAuthority, action, "-", target, details); err != nil {
		log.Printf("[AUTH] audit append failed: %v", err)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
