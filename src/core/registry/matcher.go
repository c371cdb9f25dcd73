package registry

import (
	"github.com/Masterminds/semver/v3"

	"agentmesh/src/core/logger"
)

// Candidate is one provider tool under consideration for a dependency slot.
type Candidate struct {
	AgentID      string
	FunctionName string
	Capability   string
	Version      string
	Tags         []string
	Namespace    string
	HTTPHost     string
	HTTPPort     int
}

// Matcher centralizes version and tag matching so resolution and discovery
// filters behave identically.
type Matcher struct {
	logger *logger.Logger
}

// NewMatcher creates a new Matcher instance.
func NewMatcher(logger *logger.Logger) *Matcher {
	return &Matcher{logger: logger}
}

// MatchVersion checks if a provider version satisfies a consumer's version
// constraint. Supports =, >, >=, <, <=, ~ and ^ constraint forms.
//
// Rules:
//   - Empty constraint matches any version (including empty)
//   - Empty version only matches empty constraint
//   - Invalid semver falls back to exact string match
func (m *Matcher) MatchVersion(version, constraint string) bool {
	if constraint == "" {
		return true
	}

	if version == "" {
		return false
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		if m.logger != nil {
			m.logger.Debug("Invalid semver version '%s': %v, falling back to string comparison", version, err)
		}
		return version == constraint
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		if m.logger != nil {
			m.logger.Debug("Invalid semver constraint '%s': %v, falling back to string comparison", constraint, err)
		}
		return version == constraint
	}

	return c.Check(v)
}

// MatchTags checks that the provider carries every requested tag. Providers
// may carry extra tags; the requested set is a lower bound.
func (m *Matcher) MatchTags(providerTags, requestedTags []string) bool {
	return hasAllTags(providerTags, requestedTags)
}

// MatchCandidate checks if a candidate satisfies a DependencySpec. The
// namespace restriction is applied here as well when the spec carries one.
func (m *Matcher) MatchCandidate(candidate Candidate, spec DependencySpec) bool {
	if candidate.Capability != spec.Capability {
		return false
	}

	if spec.Namespace != "" && candidate.Namespace != spec.Namespace {
		return false
	}

	if !m.MatchVersion(candidate.Version, spec.Version) {
		return false
	}

	return m.MatchTags(candidate.Tags, spec.Tags)
}

// CompareCandidates orders two matching candidates deterministically:
// prefer the consumer's namespace, then the higher version, then the
// lexicographically smaller agent id. Returns true when a should be
// preferred over b. The ordering is total, so resolution output is stable
// across heartbeats when the provider set is unchanged.
func (m *Matcher) CompareCandidates(a, b Candidate, consumerNamespace string) bool {
	aSame := a.Namespace == consumerNamespace
	bSame := b.Namespace == consumerNamespace
	if aSame != bSame {
		return aSame
	}

	if cmp := compareVersions(a.Version, b.Version); cmp != 0 {
		return cmp > 0
	}

	return a.AgentID < b.AgentID
}

// compareVersions compares two version strings, treating unparseable
// versions as lower than any valid semver and comparing them as strings
// among themselves.
func compareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)

	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	default:
		switch {
		case a == b:
			return 0
		case a > b:
			return 1
		default:
			return -1
		}
	}
}

// containsTag checks if a tag exists in a slice of tags.
func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// hasAllTags checks if all required tags are present in available tags.
func hasAllTags(available, required []string) bool {
	for _, req := range required {
		if !containsTag(available, req) {
			return false
		}
	}
	return true
}
