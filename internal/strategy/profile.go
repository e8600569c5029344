package strategy

import (
	"strings"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

// ProfileName identifies a capability variant.
type ProfileName string

const (
	ProfileDefault ProfileName = "default"
	ProfileVoice   ProfileName = "voice"
	ProfileAgent   ProfileName = "agent"
)

// Capabilities are the per-variant knobs used by the orchestrator.
type Capabilities struct {
	PerQueryLimit     int
	DeepPerQueryLimit int
	SynthesisQueries  []string
	MinimalLimit      int
	ContextCharBudget int
	PersistMemory     bool
	DeepSynthesis     bool
}

// Profile is a named capability set.
type Profile struct {
	Name ProfileName
	Capabilities
}

// Profiles is a flat lookup table. Variants do not inherit at runtime; any
// zero-valued capability is copied from the default when the table is
// built.
type Profiles struct {
	byName   map[ProfileName]Profile
	prefixes []prefixRule
}

type prefixRule struct {
	prefix string
	name   ProfileName
}

// NewProfiles builds the table. overrides may carry partial capabilities
// for voice and agent.
func NewProfiles(def Capabilities, overrides map[ProfileName]Capabilities, cfg config.ProfilesConfig) *Profiles {
	p := &Profiles{byName: map[ProfileName]Profile{ProfileDefault: {Name: ProfileDefault, Capabilities: def}}}

	for _, name := range []ProfileName{ProfileVoice, ProfileAgent} {
		caps := fill(overrides[name], def)
		p.byName[name] = Profile{Name: name, Capabilities: caps}
	}

	for _, prefix := range cfg.VoiceClients {
		p.prefixes = append(p.prefixes, prefixRule{prefix: prefix, name: ProfileVoice})
	}
	for _, prefix := range cfg.AgentClients {
		p.prefixes = append(p.prefixes, prefixRule{prefix: prefix, name: ProfileAgent})
	}
	return p
}

// DefaultCapabilities derives the default variant from configuration.
func DefaultCapabilities(cfg config.SearchConfig) Capabilities {
	return Capabilities{
		PerQueryLimit:     cfg.PerQueryLimit,
		DeepPerQueryLimit: cfg.DeepPerQueryLimit,
		SynthesisQueries:  append([]string(nil), cfg.SynthesisQueries...),
		MinimalLimit:      cfg.MinimalLimit,
		ContextCharBudget: cfg.ContextCharBudget,
		PersistMemory:     true,
		DeepSynthesis:     true,
	}
}

// BuiltinOverrides are the shipped variant deltas. Voice clients get a
// tighter character budget and skip deep synthesis; agents get wider
// searches.
func BuiltinOverrides(def Capabilities) map[ProfileName]Capabilities {
	return map[ProfileName]Capabilities{
		ProfileVoice: {
			ContextCharBudget: def.ContextCharBudget / 2,
			PerQueryLimit:     max(1, def.PerQueryLimit/2),
			DeepSynthesis:     false,
			PersistMemory:     true,
		},
		ProfileAgent: {
			PerQueryLimit:     def.PerQueryLimit * 2,
			ContextCharBudget: def.ContextCharBudget * 2,
			PersistMemory:     false,
			DeepSynthesis:     true,
		},
	}
}

// fill copies unset numeric and slice capabilities from def. Boolean flags
// are always taken from the override as given.
func fill(c, def Capabilities) Capabilities {
	if c.PerQueryLimit <= 0 {
		c.PerQueryLimit = def.PerQueryLimit
	}
	if c.DeepPerQueryLimit <= 0 {
		c.DeepPerQueryLimit = def.DeepPerQueryLimit
	}
	if len(c.SynthesisQueries) == 0 {
		c.SynthesisQueries = append([]string(nil), def.SynthesisQueries...)
	}
	if c.MinimalLimit <= 0 {
		c.MinimalLimit = def.MinimalLimit
	}
	if c.ContextCharBudget <= 0 {
		c.ContextCharBudget = def.ContextCharBudget
	}
	return c
}

// Get returns the named profile, or the default when unknown.
func (p *Profiles) Get(name ProfileName) Profile {
	if prof, ok := p.byName[name]; ok {
		return prof
	}
	return p.byName[ProfileDefault]
}

// Lookup maps a client id to its profile by the longest matching prefix.
func (p *Profiles) Lookup(clientID string) Profile {
	best := ProfileDefault
	bestLen := -1
	for _, rule := range p.prefixes {
		if rule.prefix == "" || !strings.HasPrefix(clientID, rule.prefix) {
			continue
		}
		if len(rule.prefix) > bestLen {
			best, bestLen = rule.name, len(rule.prefix)
		}
	}
	return p.Get(best)
}
