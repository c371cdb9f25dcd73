package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchVersion(t *testing.T) {
	m := NewMatcher(nil)

	cases := []struct {
		version    string
		constraint string
		want       bool
	}{
		{"1.2.3", "", true},
		{"", "", true},
		{"", "1.0.0", false},
		{"1.2.3", "^1.0.0", true},
		{"2.0.0", "^1.0.0", false},
		{"1.2.9", "~1.2.0", true},
		{"1.3.0", "~1.2.0", false},
		{"1.5.0", ">=1.0.0", true},
		{"0.9.0", ">1.0.0", false},
		{"1.0.0", "=1.0.0", true},
		// Unparseable versions degrade to exact string equality.
		{"banana", "banana", true},
		{"banana", "^1.0.0", false},
		{"1.0.0", "oranges", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, m.MatchVersion(tc.version, tc.constraint),
			"version=%q constraint=%q", tc.version, tc.constraint)
	}
}

func TestMatchTags(t *testing.T) {
	m := NewMatcher(nil)

	assert.True(t, m.MatchTags([]string{"a", "b", "c"}, []string{"a", "c"}))
	assert.True(t, m.MatchTags([]string{"a"}, nil), "no requested tags matches anything")
	assert.False(t, m.MatchTags([]string{"a"}, []string{"a", "b"}))
	assert.False(t, m.MatchTags(nil, []string{"a"}))
}

func TestMatchCandidate(t *testing.T) {
	m := NewMatcher(nil)
	c := Candidate{
		AgentID:    "date-aaaa1111",
		Capability: "date_service",
		Version:    "1.2.3",
		Tags:       []string{"system", "time"},
		Namespace:  "default",
	}

	assert.True(t, m.MatchCandidate(c, DependencySpec{Capability: "date_service"}))
	assert.False(t, m.MatchCandidate(c, DependencySpec{Capability: "weather"}))
	assert.False(t, m.MatchCandidate(c, DependencySpec{Capability: "date_service", Namespace: "staging"}))
	assert.True(t, m.MatchCandidate(c, DependencySpec{Capability: "date_service", Version: "^1.0.0", Tags: []string{"time"}}))
	assert.False(t, m.MatchCandidate(c, DependencySpec{Capability: "date_service", Tags: []string{"gpu"}}))
}

func newTestResolver() *DependencyResolver {
	return NewDependencyResolver(NewMatcher(nil), nil)
}

func consumerTool(deps ...DependencySpec) []ToolRegistration {
	return []ToolRegistration{{FunctionName: "consume", Dependencies: deps}}
}

func TestResolveOrdering(t *testing.T) {
	r := newTestResolver()

	t.Run("HighestMatchingVersionWins", func(t *testing.T) {
		candidates := []Candidate{
			{AgentID: "a-1", FunctionName: "f", Capability: "date_service", Version: "1.0.0", Namespace: "default", HTTPHost: "h1", HTTPPort: 80},
			{AgentID: "a-2", FunctionName: "f", Capability: "date_service", Version: "1.2.3", Namespace: "default", HTTPHost: "h2", HTTPPort: 80},
			{AgentID: "a-3", FunctionName: "f", Capability: "date_service", Version: "2.0.0", Namespace: "default", HTTPHost: "h3", HTTPPort: 80},
		}
		out := r.Resolve("default", consumerTool(DependencySpec{Capability: "date_service", Version: "^1.0.0"}), candidates)
		require.Len(t, out["consume"], 1)
		assert.Equal(t, "a-2", out["consume"][0].AgentID)
	})

	t.Run("ConsumerNamespaceBeatsVersion", func(t *testing.T) {
		candidates := []Candidate{
			{AgentID: "a-1", Capability: "date_service", Version: "9.0.0", Namespace: "other"},
			{AgentID: "a-2", Capability: "date_service", Version: "1.0.0", Namespace: "prod"},
		}
		out := r.Resolve("prod", consumerTool(DependencySpec{Capability: "date_service"}), candidates)
		assert.Equal(t, "a-2", out["consume"][0].AgentID)
	})

	t.Run("SmallestAgentIDBreaksTies", func(t *testing.T) {
		candidates := []Candidate{
			{AgentID: "zzz-1", Capability: "date_service", Version: "1.0.0", Namespace: "default"},
			{AgentID: "aaa-1", Capability: "date_service", Version: "1.0.0", Namespace: "default"},
		}
		out := r.Resolve("default", consumerTool(DependencySpec{Capability: "date_service"}), candidates)
		assert.Equal(t, "aaa-1", out["consume"][0].AgentID)

		// Registration order must not matter.
		out = r.Resolve("default", consumerTool(DependencySpec{Capability: "date_service"}), []Candidate{candidates[1], candidates[0]})
		assert.Equal(t, "aaa-1", out["consume"][0].AgentID)
	})

	t.Run("UnavailableSlotKeepsPosition", func(t *testing.T) {
		candidates := []Candidate{
			{AgentID: "a-1", Capability: "date_service", Version: "1.0.0", Namespace: "default"},
		}
		out := r.Resolve("default", consumerTool(
			DependencySpec{Capability: "missing_cap"},
			DependencySpec{Capability: "date_service"},
		), candidates)
		require.Len(t, out["consume"], 2)
		assert.Equal(t, ResolutionUnavailable, out["consume"][0].Status)
		assert.Equal(t, "missing_cap", out["consume"][0].Capability)
		assert.Equal(t, ResolutionAvailable, out["consume"][1].Status)
	})

	t.Run("ToolWithoutDependencies", func(t *testing.T) {
		out := r.Resolve("default", []ToolRegistration{{FunctionName: "plain"}}, nil)
		require.Contains(t, out, "plain")
		assert.Empty(t, out["plain"])
	})
}

func TestCandidateEndpoint(t *testing.T) {
	assert.Equal(t, "http://h1:8080", candidateEndpoint(Candidate{HTTPHost: "h1", HTTPPort: 8080}))
	assert.Equal(t, "stdio://a-1", candidateEndpoint(Candidate{AgentID: "a-1"}),
		"agents without an HTTP endpoint advertise a stdio scheme")
}

func TestResolveLLMTools(t *testing.T) {
	r := newTestResolver()
	candidates := []Candidate{
		{AgentID: "tool-1", FunctionName: "get_date", Capability: "date_service", Version: "1.0.0", Namespace: "default", HTTPHost: "h1", HTTPPort: 80},
		{AgentID: "tool-2", FunctionName: "get_weather", Capability: "weather", Version: "1.0.0", Namespace: "default", HTTPHost: "h2", HTTPPort: 80},
		{AgentID: "tool-3", FunctionName: "get_weather_v2", Capability: "weather", Version: "2.0.0", Namespace: "default", HTTPHost: "h3", HTTPPort: 80},
	}

	t.Run("NoFilterNoChannel", func(t *testing.T) {
		out := r.ResolveLLMTools("default", []ToolRegistration{{FunctionName: "chat"}}, candidates)
		assert.NotContains(t, out, "chat")
	})

	t.Run("AllModeKeepsEveryMatch", func(t *testing.T) {
		tools := []ToolRegistration{{
			FunctionName: "chat",
			LLMFilter: &LLMFilter{Filter: []DependencySpec{
				{Capability: "weather"},
				{Capability: "date_service"},
			}},
		}}
		out := r.ResolveLLMTools("default", tools, candidates)
		require.Len(t, out["chat"], 3)
	})

	t.Run("BestMatchTruncatesPerFilterEntry", func(t *testing.T) {
		tools := []ToolRegistration{{
			FunctionName: "chat",
			LLMFilter: &LLMFilter{
				Filter:     []DependencySpec{{Capability: "weather"}},
				FilterMode: "best_match",
			},
		}}
		out := r.ResolveLLMTools("default", tools, candidates)
		require.Len(t, out["chat"], 1)
		assert.Equal(t, "tool-3", out["chat"][0].AgentID, "best_match keeps only the top candidate")
	})

	t.Run("EmptyMatchStillKeysFunction", func(t *testing.T) {
		tools := []ToolRegistration{{
			FunctionName: "chat",
			LLMFilter:    &LLMFilter{Filter: []DependencySpec{{Capability: "nothing"}}},
		}}
		out := r.ResolveLLMTools("default", tools, candidates)
		require.Contains(t, out, "chat")
		assert.Empty(t, out["chat"])
	})
}
