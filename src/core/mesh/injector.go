package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"agentmesh/src/core/logger"
)

var (
	mcpMeshAgentType = reflect.TypeOf((*McpMeshAgent)(nil)).Elem()
	contextType      = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType        = reflect.TypeOf((*error)(nil)).Elem()
)

// proxySlot boxes a proxy so atomic.Value always stores one concrete type.
type proxySlot struct {
	proxy McpMeshAgent
}

// Wrapper binds a handler function to its resolved dependencies. Proxy
// lookup at call time is one atomic read, so callers never contend with the
// heartbeat goroutine swapping proxies underneath them.
type Wrapper struct {
	funcID       string
	functionName string

	fn     reflect.Value
	fnType reflect.Type

	hasCtx       bool
	argPos       int   // parameter index receiving decoded call arguments, -1 if none
	depPositions []int // parameter indices that are dependency slots, in declared order

	slots  []atomic.Value
	logger *logger.Logger
}

// newWrapper inspects fn and classifies its parameters. Positions typed as
// the McpMeshAgent marker are dependency slots mapping 1:1, in order, to
// declared dependencies. An optional leading context.Context passes through.
// Exactly one remaining parameter receives the decoded call arguments.
func newWrapper(funcID, functionName string, fn interface{}, depCount int, log *logger.Logger) (*Wrapper, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("tool %s: handler must be a function, got %T", functionName, fn)
	}
	t := v.Type()

	w := &Wrapper{
		funcID:       funcID,
		functionName: functionName,
		fn:           v,
		fnType:       t,
		argPos:       -1,
		logger:       log,
	}

	start := 0
	if t.NumIn() > 0 && t.In(0).Implements(contextType) && t.In(0) == contextType {
		w.hasCtx = true
		start = 1
	}

	var plain []int
	for i := start; i < t.NumIn(); i++ {
		if t.In(i) == mcpMeshAgentType {
			w.depPositions = append(w.depPositions, i)
		} else {
			plain = append(plain, i)
		}
	}

	if len(w.depPositions) == 0 && depCount > 0 {
		switch len(plain) {
		case 1:
			// Single unmarked parameter with declared dependencies: treat
			// it as the dependency slot. Handlers should use the marker
			// type to make this explicit.
			if t.In(plain[0]) == mcpMeshAgentType || t.In(plain[0]).Kind() == reflect.Interface {
				w.logger.Warning("Tool %s: parameter %d is not typed mesh.McpMeshAgent; injecting there anyway", functionName, plain[0])
				w.depPositions = plain
				plain = nil
			}
		default:
			if len(plain) > 1 {
				w.logger.Warning("Tool %s declares %d dependencies but no mesh.McpMeshAgent parameters; nothing will be injected", functionName, depCount)
			}
		}
	}

	if len(w.depPositions) != depCount {
		w.logger.Warning("Tool %s declares %d dependencies but has %d injectable parameters", functionName, depCount, len(w.depPositions))
	}
	if len(plain) > 1 {
		return nil, fmt.Errorf("tool %s: at most one non-dependency parameter is supported, got %d", functionName, len(plain))
	}
	if len(plain) == 1 {
		w.argPos = plain[0]
	}

	if t.NumOut() > 2 {
		return nil, fmt.Errorf("tool %s: handler may return at most (value, error)", functionName)
	}
	if t.NumOut() == 2 && !t.Out(1).Implements(errorType) {
		return nil, fmt.Errorf("tool %s: second return value must be error", functionName)
	}

	w.slots = make([]atomic.Value, len(w.depPositions))
	for i := range w.slots {
		w.slots[i].Store(proxySlot{})
	}
	return w, nil
}

// FuncID returns the composite identifier used for rewiring keys.
func (w *Wrapper) FuncID() string { return w.funcID }

// FunctionName returns the registered tool name.
func (w *Wrapper) FunctionName() string { return w.functionName }

// DependencyCount returns the number of injectable slots.
func (w *Wrapper) DependencyCount() int { return len(w.depPositions) }

// updateDependency publishes a proxy (or nil on unwire) into slot i.
func (w *Wrapper) updateDependency(i int, proxy McpMeshAgent) {
	if i < 0 || i >= len(w.slots) {
		return
	}
	w.slots[i].Store(proxySlot{proxy: proxy})
}

// Dependency returns the current proxy in slot i, nil when unwired.
func (w *Wrapper) Dependency(i int) McpMeshAgent {
	if i < 0 || i >= len(w.slots) {
		return nil
	}
	return w.slots[i].Load().(proxySlot).proxy
}

// Call invokes the handler with dependencies injected and args decoded into
// the handler's argument parameter. An unwired dependency arrives as a nil
// interface; handlers decide whether that is an error.
func (w *Wrapper) Call(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	in := make([]reflect.Value, w.fnType.NumIn())

	if w.hasCtx {
		if ctx == nil {
			ctx = context.Background()
		}
		in[0] = reflect.ValueOf(ctx)
	}

	for slot, pos := range w.depPositions {
		proxy := w.Dependency(slot)
		if proxy == nil {
			in[pos] = reflect.Zero(w.fnType.In(pos))
		} else {
			in[pos] = reflect.ValueOf(proxy)
		}
	}

	if w.argPos >= 0 {
		decoded, err := decodeArgs(args, w.fnType.In(w.argPos))
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", w.functionName, err)
		}
		in[w.argPos] = decoded
	}

	out := w.fn.Call(in)
	return unpackResults(out)
}

// decodeArgs adapts the caller's argument map to the parameter type: maps
// pass through, structs decode via JSON.
func decodeArgs(args map[string]interface{}, target reflect.Type) (reflect.Value, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	if target == reflect.TypeOf(args) {
		return reflect.ValueOf(args), nil
	}

	data, err := json.Marshal(args)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("failed to encode arguments: %w", err)
	}
	ptr := reflect.New(target)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("failed to decode arguments into %s: %w", target, err)
	}
	return ptr.Elem(), nil
}

func unpackResults(out []reflect.Value) (interface{}, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type().Implements(errorType) {
			if out[0].IsNil() {
				return nil, nil
			}
			return nil, out[0].Interface().(error)
		}
		return out[0].Interface(), nil
	default:
		var err error
		if !out[1].IsNil() {
			err = out[1].Interface().(error)
		}
		return out[0].Interface(), err
	}
}

// DependencyInjector owns the key → proxy wiring shared by all wrappers in
// one process. Keys are "<func_id>:dep_<i>". One mutex serializes all
// mutations; wrapper reads stay lock-free through the atomic slots.
type DependencyInjector struct {
	mu sync.Mutex

	dependencies      map[string]McpMeshAgent
	functionRegistry  map[string]*Wrapper
	dependencyMapping map[string]map[string]struct{}

	logger *logger.Logger
}

// NewDependencyInjector creates an empty injector.
func NewDependencyInjector(log *logger.Logger) *DependencyInjector {
	return &DependencyInjector{
		dependencies:      make(map[string]McpMeshAgent),
		functionRegistry:  make(map[string]*Wrapper),
		dependencyMapping: make(map[string]map[string]struct{}),
		logger:            log,
	}
}

// DependencyKey builds the composite wiring key for one slot.
func DependencyKey(funcID string, index int) string {
	return fmt.Sprintf("%s:dep_%d", funcID, index)
}

// RegisterFunction makes a wrapper addressable for wiring. Each of its
// slots claims the corresponding composite key.
func (di *DependencyInjector) RegisterFunction(w *Wrapper) {
	di.mu.Lock()
	defer di.mu.Unlock()

	di.functionRegistry[w.funcID] = w
	for i := 0; i < w.DependencyCount(); i++ {
		key := DependencyKey(w.funcID, i)
		if di.dependencyMapping[key] == nil {
			di.dependencyMapping[key] = make(map[string]struct{})
		}
		di.dependencyMapping[key][w.funcID] = struct{}{}

		// Late registration: wire immediately if the proxy already arrived.
		if proxy, ok := di.dependencies[key]; ok {
			w.updateDependency(i, proxy)
		}
	}
}

// DisposeFunction removes a wrapper and its key claims.
func (di *DependencyInjector) DisposeFunction(funcID string) {
	di.mu.Lock()
	defer di.mu.Unlock()

	delete(di.functionRegistry, funcID)
	for key, consumers := range di.dependencyMapping {
		delete(consumers, funcID)
		if len(consumers) == 0 {
			delete(di.dependencyMapping, key)
		}
	}
}

// Register wires a proxy under key, atomically replacing any previous proxy
// and push-notifying every consuming wrapper.
func (di *DependencyInjector) Register(key string, proxy McpMeshAgent) {
	di.mu.Lock()
	defer di.mu.Unlock()

	di.dependencies[key] = proxy
	di.notify(key, proxy)
}

// Unregister unwires key; consuming wrappers see a nil proxy.
func (di *DependencyInjector) Unregister(key string) {
	di.mu.Lock()
	defer di.mu.Unlock()

	delete(di.dependencies, key)
	di.notify(key, nil)
}

func (di *DependencyInjector) notify(key string, proxy McpMeshAgent) {
	index, ok := depIndexFromKey(key)
	if !ok {
		di.logger.Warning("Ignoring malformed dependency key %q", key)
		return
	}
	for funcID := range di.dependencyMapping[key] {
		if w, ok := di.functionRegistry[funcID]; ok {
			w.updateDependency(index, proxy)
		}
	}
}

// CurrentKeys returns the wired key set, the "existing" side of the
// rewiring diff.
func (di *DependencyInjector) CurrentKeys() []string {
	di.mu.Lock()
	defer di.mu.Unlock()

	keys := make([]string, 0, len(di.dependencies))
	for key := range di.dependencies {
		keys = append(keys, key)
	}
	return keys
}

// Dependency returns the proxy wired under key, nil when absent.
func (di *DependencyInjector) Dependency(key string) McpMeshAgent {
	di.mu.Lock()
	defer di.mu.Unlock()
	return di.dependencies[key]
}

// WrapperFor returns the registered wrapper for funcID.
func (di *DependencyInjector) WrapperFor(funcID string) *Wrapper {
	di.mu.Lock()
	defer di.mu.Unlock()
	return di.functionRegistry[funcID]
}

// depIndexFromKey parses the trailing dep index out of a composite key.
func depIndexFromKey(key string) (int, bool) {
	pos := strings.LastIndex(key, ":dep_")
	if pos < 0 {
		return 0, false
	}
	index, err := strconv.Atoi(key[pos+len(":dep_"):])
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}
