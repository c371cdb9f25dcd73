package registry

import (
	"fmt"
	"sort"

	"agentmesh/src/core/logger"
)

// DependencyResolver computes the per-tool resolution lists returned on every
// heartbeat. It is a pure function of the candidate universe it is given, so
// output is bit-identical across heartbeats when the provider set and the
// consumer's declarations are unchanged.
type DependencyResolver struct {
	matcher *Matcher
	logger  *logger.Logger
}

// NewDependencyResolver creates a resolver sharing the service's matcher.
func NewDependencyResolver(matcher *Matcher, logger *logger.Logger) *DependencyResolver {
	return &DependencyResolver{matcher: matcher, logger: logger}
}

// Resolve maps each tool's declared dependencies, in declared order, to
// resolution entries. Dependencies that share a capability are resolved
// independently and keep their declared positions.
func (r *DependencyResolver) Resolve(consumerNamespace string, tools []ToolRegistration, candidates []Candidate) map[string][]*DependencyResolution {
	resolved := make(map[string][]*DependencyResolution)

	for _, tool := range tools {
		entries := make([]*DependencyResolution, 0, len(tool.Dependencies))
		for _, dep := range tool.Dependencies {
			entries = append(entries, r.resolveOne(consumerNamespace, dep, candidates))
		}
		resolved[tool.FunctionName] = entries
	}

	return resolved
}

// resolveOne picks the best matching provider for one declared dependency, or
// an unavailable entry when nothing matches. Unavailable slots are not
// errors: consumers treat them as "not yet wired".
func (r *DependencyResolver) resolveOne(consumerNamespace string, dep DependencySpec, candidates []Candidate) *DependencyResolution {
	var matches []Candidate
	for _, c := range candidates {
		if r.matcher.MatchCandidate(c, dep) {
			matches = append(matches, c)
		}
	}

	if len(matches) == 0 {
		if r.logger != nil {
			r.logger.Debug("No healthy provider for capability '%s' (tags=%v, version=%q)", dep.Capability, dep.Tags, dep.Version)
		}
		return &DependencyResolution{
			Capability: dep.Capability,
			Status:     ResolutionUnavailable,
			Kwargs:     dep.Kwargs,
		}
	}

	// Total deterministic order: consumer namespace first, then highest
	// version, then smallest agent_id. Registration order never matters.
	sort.SliceStable(matches, func(i, j int) bool {
		return r.matcher.CompareCandidates(matches[i], matches[j], consumerNamespace)
	})

	best := matches[0]
	return &DependencyResolution{
		AgentID:      best.AgentID,
		FunctionName: best.FunctionName,
		Endpoint:     candidateEndpoint(best),
		Capability:   dep.Capability,
		Status:       ResolutionAvailable,
		Kwargs:       dep.Kwargs,
	}
}

// ResolveLLMTools is the llm_tools_resolved channel: same candidate universe
// and matching rules, but the filter selects provider tools rather than a
// single best provider. filter_mode "best_match" keeps only the top
// candidate per filter entry; "all" (the default) and "*" keep every match.
func (r *DependencyResolver) ResolveLLMTools(consumerNamespace string, tools []ToolRegistration, candidates []Candidate) map[string][]*DependencyResolution {
	resolved := make(map[string][]*DependencyResolution)

	for _, tool := range tools {
		if tool.LLMFilter == nil {
			continue
		}

		// Always key the consumer function, even when nothing matches: an
		// empty list means "LLM agent with no tools", which clients must be
		// able to distinguish from "no llm channel at all".
		entries := []*DependencyResolution{}
		for _, spec := range tool.LLMFilter.Filter {
			var matches []Candidate
			for _, c := range candidates {
				if r.matcher.MatchCandidate(c, spec) {
					matches = append(matches, c)
				}
			}
			sort.SliceStable(matches, func(i, j int) bool {
				return r.matcher.CompareCandidates(matches[i], matches[j], consumerNamespace)
			})
			if tool.LLMFilter.FilterMode == "best_match" && len(matches) > 1 {
				matches = matches[:1]
			}
			for _, m := range matches {
				entries = append(entries, &DependencyResolution{
					AgentID:      m.AgentID,
					FunctionName: m.FunctionName,
					Endpoint:     candidateEndpoint(m),
					Capability:   m.Capability,
					Status:       ResolutionAvailable,
					Kwargs:       spec.Kwargs,
				})
			}
		}
		resolved[tool.FunctionName] = entries
	}

	return resolved
}

// candidateEndpoint derives the advertised base URL of a provider.
func candidateEndpoint(c Candidate) string {
	if c.HTTPHost != "" && c.HTTPPort > 0 {
		return fmt.Sprintf("http://%s:%d", c.HTTPHost, c.HTTPPort)
	}
	return fmt.Sprintf("stdio://%s", c.AgentID)
}
