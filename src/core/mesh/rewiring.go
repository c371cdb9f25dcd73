package mesh

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"agentmesh/src/core/logger"
)

// RewiringEngine applies one resolution channel of the heartbeat response
// to the injector. Each channel (dependencies, llm tools) gets its own
// engine instance with an independent hash and key prefix, so the two never
// interfere.
type RewiringEngine struct {
	agentID    string
	keyPrefix  string
	decorators *DecoratorRegistry
	injector   *DependencyInjector
	logger     *logger.Logger

	lastHash string
}

// LLMKeyPrefix separates the llm tool channel's keys from the main
// dependency channel's.
const LLMKeyPrefix = "llm:"

// NewRewiringEngine creates an engine. keyPrefix is empty for the main
// dependency channel; the llm channel passes LLMKeyPrefix to keep its keys
// in a separate space.
func NewRewiringEngine(agentID, keyPrefix string, decorators *DecoratorRegistry, injector *DependencyInjector, log *logger.Logger) *RewiringEngine {
	return &RewiringEngine{
		agentID:    agentID,
		keyPrefix:  keyPrefix,
		decorators: decorators,
		injector:   injector,
		logger:     log,
	}
}

// canonicalEntry is the per-slot shape that feeds the state hash. Field
// order is irrelevant: hashing serializes with sorted keys.
type canonicalEntry struct {
	Capability   string                 `json:"capability"`
	Endpoint     string                 `json:"endpoint"`
	FunctionName string                 `json:"function_name"`
	Status       string                 `json:"status"`
	AgentID      string                 `json:"agent_id"`
	Kwargs       map[string]interface{} `json:"kwargs"`
}

// Apply diffs the resolved state against current wiring.
//
// present=false means the response carried no such field at all, which is a
// skip (keep wiring, a degraded registry must not unwire a healthy mesh).
// An empty map with present=true means "no dependencies" and unwires
// everything on this channel. The hash only advances when every register
// and unregister succeeded, so a partial failure is retried next tick.
func (re *RewiringEngine) Apply(resolved map[string][]DependencyResolution, present bool) error {
	if !present {
		return nil
	}

	canonical := re.canonicalState(resolved)
	newHash, err := hashState(canonical)
	if err != nil {
		return fmt.Errorf("failed to hash resolution state: %w", err)
	}
	if newHash == re.lastHash {
		return nil
	}

	target := make(map[string]struct{})
	for functionName, slots := range canonical {
		funcID, ok := re.decorators.FuncIDFor(functionName)
		if !ok {
			continue
		}
		for i := range slots {
			target[re.key(funcID, i)] = struct{}{}
		}
	}

	failed := false

	for _, key := range re.injector.CurrentKeys() {
		if !re.ownsKey(key) {
			continue
		}
		if _, keep := target[key]; !keep {
			re.injector.Unregister(key)
			re.logger.Debug("Unwired dependency %s", key)
		}
	}

	// Register in function order, slots in declared order.
	functionNames := make([]string, 0, len(canonical))
	for name := range canonical {
		functionNames = append(functionNames, name)
	}
	sort.Strings(functionNames)

	for _, functionName := range functionNames {
		funcID, ok := re.decorators.FuncIDFor(functionName)
		if !ok {
			re.logger.Warning("Registry resolved dependencies for unknown function %q", functionName)
			continue
		}
		for i, entry := range canonical[functionName] {
			key := re.key(funcID, i)
			if entry.Status != "available" || entry.Endpoint == "" || entry.FunctionName == "" {
				continue
			}

			proxy, err := re.buildProxy(entry)
			if err != nil {
				re.logger.Warning("Failed to wire %s: %v", key, err)
				failed = true
				continue
			}
			re.injector.Register(key, proxy)
			re.logger.Debug("Wired dependency %s -> %s at %s", key, entry.FunctionName, entry.Endpoint)
		}
	}

	if failed {
		return fmt.Errorf("partial rewiring; will retry on next heartbeat")
	}
	re.lastHash = newHash
	return nil
}

// LastHash exposes the channel hash for tests.
func (re *RewiringEngine) LastHash() string { return re.lastHash }

func (re *RewiringEngine) key(funcID string, index int) string {
	return re.keyPrefix + DependencyKey(funcID, index)
}

// ownsKey scopes the unwire diff to this engine's channel: the main channel
// owns every unprefixed key, the llm channel only its own prefix.
func (re *RewiringEngine) ownsKey(key string) bool {
	if re.keyPrefix == "" {
		return !strings.HasPrefix(key, LLMKeyPrefix)
	}
	return strings.HasPrefix(key, re.keyPrefix)
}

// buildProxy picks the transport: a resolution pointing back at this agent
// short-circuits to the local wrapper, skipping HTTP entirely.
func (re *RewiringEngine) buildProxy(entry canonicalEntry) (McpMeshAgent, error) {
	if entry.AgentID == re.agentID {
		wrapper, ok := re.decorators.WrapperFor(entry.FunctionName)
		if !ok {
			return nil, fmt.Errorf("self-dependency %q has no local wrapper", entry.FunctionName)
		}
		return NewSelfDependencyProxy(wrapper), nil
	}
	return NewFullMCPProxy(entry.Endpoint, entry.FunctionName, entry.Kwargs), nil
}

func (re *RewiringEngine) canonicalState(resolved map[string][]DependencyResolution) map[string][]canonicalEntry {
	canonical := make(map[string][]canonicalEntry, len(resolved))
	for functionName, slots := range resolved {
		entries := make([]canonicalEntry, len(slots))
		for i, slot := range slots {
			entries[i] = canonicalEntry{
				Capability:   slot.Capability,
				Endpoint:     slot.Endpoint,
				FunctionName: slot.FunctionName,
				Status:       slot.Status,
				AgentID:      slot.AgentID,
				Kwargs:       slot.Kwargs,
			}
		}
		canonical[functionName] = entries
	}
	return canonical
}

// hashState is the first 16 hex characters of SHA-256 over the canonical
// JSON form. encoding/json already serializes map keys sorted and struct
// fields in declaration order, which is deterministic enough for equality.
func hashState(state map[string][]canonicalEntry) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}
