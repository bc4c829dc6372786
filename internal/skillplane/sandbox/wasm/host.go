// Package wasm is the WASM execution substrate of the Skill Sandbox (spec
// §4.3). It is adapted from the teacher's WASM skill host: the same
// wazero-based runtime, fuel/epoch deadline enforcement, and aggregate
// memory accounting, generalized to the spec's own host-call surface
// (log, memory_get/set/delete, config_get, emit_event, call_ai) and error
// taxonomy (InvalidModule, ResourceLimit, HostCallDenied, Deadline,
// UserPanic).
package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/cis-node/cis/internal/bus"
	"github.com/cis-node/cis/internal/memoryguard"
	"github.com/cis-node/cis/internal/policy"
)

// FaultReason enumerates the sandbox error taxonomy from spec §4.3.
type FaultReason string

const (
	FaultInvalidModule FaultReason = "InvalidModule"
	FaultResourceLimit FaultReason = "ResourceLimit"
	FaultHostCallDenied FaultReason = "HostCallDenied"
	FaultDeadline       FaultReason = "Deadline"
	FaultUserPanic      FaultReason = "UserPanic"
)

// Fault is a structured sandbox error.
type Fault struct {
	Reason FaultReason
	Module string
	Detail string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", f.Reason, f.Module, f.Detail)
}

const (
	// DefaultMemoryLimitPages caps a single module at 128 MiB (spec §4.3:
	// "declared memory > 128 MiB (configurable)" is rejected outright; this
	// is the runtime instance cap for modules that pass validation).
	DefaultMemoryLimitPages = 2048 // 2048 * 64KiB = 128MiB
	// MaxDeclaredMemoryPages is the validation-time ceiling (spec §4.3).
	MaxDeclaredMemoryPages = 2048
	// MaxTableGrowth is the unbounded-table-growth validation ceiling.
	MaxTableGrowth = 10000
	// MaxFunctions is the too-many-functions validation ceiling.
	MaxFunctions = 10000

	// DefaultDeadline and MaxDeadline bound a skill invocation (spec §4.3:
	// "default deadline is 30s, max 300s; zero or exceeding values are
	// rejected").
	DefaultDeadline = 30 * time.Second
	MaxDeadline     = 300 * time.Second
)

// Config wires the sandbox's host-call surface to the rest of the node.
type Config struct {
	Memory *memoryguard.Guard
	Bus    *bus.Bus
	Policy policy.Checker
	Logger *slog.Logger

	// ConfigGet backs the config_get host call (spec §4.3 host-call
	// surface); read-only by design, so it's a plain function rather than
	// a wired subsystem.
	ConfigGet func(key string) (string, bool)

	AggregateMemoryLimitPages uint32
}

// Host is the WASM runtime hosting one or more loaded skill modules.
type Host struct {
	memory *memoryguard.Guard
	bus    *bus.Bus
	policy policy.Checker
	logger *slog.Logger
	cfgGet func(string) (string, bool)

	runtime wazero.Runtime

	modulesMu            sync.Mutex
	modules              map[string]api.Module
	moduleMemoryPages     map[string]uint32
	aggregateMemoryLimit  uint32
}

// NewHost constructs the runtime and registers the host module's function
// surface: host.log, host.memory_get, host.memory_set, host.memory_delete,
// host.config_get, host.emit_event, host.call_ai (spec §4.3).
func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	aggLimit := cfg.AggregateMemoryLimitPages
	if aggLimit == 0 {
		aggLimit = DefaultMemoryLimitPages * 8
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(DefaultMemoryLimitPages).
		WithCloseOnContextDone(true)

	h := &Host{
		memory:               cfg.Memory,
		bus:                  cfg.Bus,
		policy:               cfg.Policy,
		logger:               cfg.Logger,
		cfgGet:               cfg.ConfigGet,
		runtime:              wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		modules:              map[string]api.Module{},
		moduleMemoryPages:    map[string]uint32{},
		aggregateMemoryLimit: aggLimit,
	}

	builder := h.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("host.log")
	builder.NewFunctionBuilder().WithFunc(h.hostMemoryGet).Export("host.memory_get")
	builder.NewFunctionBuilder().WithFunc(h.hostMemorySet).Export("host.memory_set")
	builder.NewFunctionBuilder().WithFunc(h.hostMemoryDelete).Export("host.memory_delete")
	builder.NewFunctionBuilder().WithFunc(h.hostConfigGet).Export("host.config_get")
	builder.NewFunctionBuilder().WithFunc(h.hostEmitEvent).Export("host.emit_event")
	builder.NewFunctionBuilder().WithFunc(h.hostCallAI).Export("host.call_ai")

	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

func (h *Host) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, m := range h.modules {
		_ = m.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

// Load validates and instantiates wasmBytes as moduleName (spec §4.3
// "Load materializes the sandbox"). Validation failures return
// FaultInvalidModule or FaultResourceLimit without touching runtime state.
func (h *Host) Load(ctx context.Context, moduleName string, wasmBytes []byte) (Report, error) {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		// wazero's default RuntimeConfig does not enable threads, SIMD, or
		// memory64; modules using them fail to compile here (spec §4.3
		// "WASM module validation rejects: unknown WASM features").
		return Report{}, &Fault{Reason: FaultInvalidModule, Module: moduleName, Detail: err.Error()}
	}

	report, err := validateCompiled(compiled, moduleName)
	if err != nil {
		_ = compiled.Close(ctx)
		return report, err
	}

	var estimatedPages uint32
	for _, def := range compiled.ImportedMemories() {
		estimatedPages += def.Min()
	}
	for _, def := range compiled.ExportedMemories() {
		estimatedPages += def.Min()
	}
	if estimatedPages == 0 {
		estimatedPages = 1
	}

	h.modulesMu.Lock()
	var currentAggregate uint32
	for n, pages := range h.moduleMemoryPages {
		if n != moduleName {
			currentAggregate += pages
		}
	}
	if currentAggregate+estimatedPages > h.aggregateMemoryLimit {
		h.modulesMu.Unlock()
		return report, &Fault{
			Reason: FaultResourceLimit, Module: moduleName,
			Detail: fmt.Sprintf("aggregate memory exhausted: current=%d new=%d limit=%d", currentAggregate, estimatedPages, h.aggregateMemoryLimit),
		}
	}
	if old, ok := h.modules[moduleName]; ok {
		_ = old.Close(ctx)
		delete(h.modules, moduleName)
		delete(h.moduleMemoryPages, moduleName)
	}
	h.modulesMu.Unlock()

	module, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(moduleName))
	if err != nil {
		return report, &Fault{Reason: FaultInvalidModule, Module: moduleName, Detail: err.Error()}
	}

	h.modulesMu.Lock()
	h.modules[moduleName] = module
	h.moduleMemoryPages[moduleName] = estimatedPages
	h.modulesMu.Unlock()

	h.logger.Info("wasm skill module loaded", "module", moduleName, "memory_pages", estimatedPages)
	return report, nil
}

// Call invokes exportName on moduleName with a deadline (spec §4.3: default
// 30s, max 300s; zero/exceeding is rejected before execution).
func (h *Host) Call(ctx context.Context, moduleName, exportName string, deadline time.Duration) ([]uint64, error) {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	if deadline > MaxDeadline {
		return nil, &Fault{Reason: FaultResourceLimit, Module: moduleName, Detail: "deadline exceeds 300s maximum"}
	}

	h.modulesMu.Lock()
	module, ok := h.modules[moduleName]
	h.modulesMu.Unlock()
	if !ok {
		return nil, &Fault{Reason: FaultInvalidModule, Module: moduleName, Detail: "module not loaded"}
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	fn := module.ExportedFunction(exportName)
	if fn == nil {
		return nil, &Fault{Reason: FaultInvalidModule, Module: moduleName, Detail: fmt.Sprintf("no export %q", exportName)}
	}
	results, err := fn.Call(callCtx)
	if err != nil {
		return nil, classifyFault(moduleName, err)
	}
	return results, nil
}

func classifyFault(moduleName string, err error) *Fault {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultDeadline, Module: moduleName, Detail: err.Error()}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &Fault{Reason: FaultDeadline, Module: moduleName, Detail: err.Error()}
	}
	msg := err.Error()
	if strings.Contains(msg, "memory") {
		return &Fault{Reason: FaultResourceLimit, Module: moduleName, Detail: msg}
	}
	return &Fault{Reason: FaultUserPanic, Module: moduleName, Detail: msg}
}

func readWASMString(module api.Module, ptr, length uint32) (string, bool) {
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func writeWASMResult(ctx context.Context, module api.Module, data []byte) uint32 {
	alloc := module.ExportedFunction("alloc")
	if alloc == nil {
		return 0
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if !module.Memory().Write(ptr, data) {
		return 0
	}
	return ptr
}

func (h *Host) hostLog(ctx context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, _ := readWASMString(module, levelPtr, levelLen)
	msg, ok := readWASMString(module, msgPtr, msgLen)
	if !ok {
		return
	}
	switch strings.ToLower(level) {
	case "error":
		h.logger.Error("skill log", "msg", msg)
	case "warn":
		h.logger.Warn("skill log", "msg", msg)
	default:
		h.logger.Info("skill log", "msg", msg)
	}
}

func (h *Host) hostMemoryGet(ctx context.Context, module api.Module, keyPtr, keyLen uint32) uint32 {
	if h.memory == nil || !h.checkCapability("memory.read") {
		return 0
	}
	key, ok := readWASMString(module, keyPtr, keyLen)
	if !ok {
		return 0
	}
	entry, found, err := h.memory.Get(ctx, key)
	if err != nil || !found {
		return 0
	}
	return writeWASMResult(ctx, module, entry.Value)
}

func (h *Host) hostMemorySet(ctx context.Context, module api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
	if h.memory == nil || !h.checkCapability("memory.write") {
		return 0
	}
	key, ok := readWASMString(module, keyPtr, keyLen)
	if !ok {
		return 0
	}
	val, ok := readWASMString(module, valPtr, valLen)
	if !ok {
		return 0
	}
	if _, err := h.memory.Set(ctx, key, []byte(val)); err != nil {
		h.logger.Error("skill memory_set failed", "key", key, "error", err)
		return 0
	}
	return 1
}

func (h *Host) hostMemoryDelete(ctx context.Context, module api.Module, keyPtr, keyLen uint32) uint32 {
	if h.memory == nil || !h.checkCapability("memory.write") {
		return 0
	}
	key, ok := readWASMString(module, keyPtr, keyLen)
	if !ok {
		return 0
	}
	if _, err := h.memory.Set(ctx, key, nil); err != nil {
		return 0
	}
	return 1
}

func (h *Host) hostConfigGet(ctx context.Context, module api.Module, keyPtr, keyLen uint32) uint32 {
	if h.cfgGet == nil || !h.checkCapability("config.read") {
		return 0
	}
	key, ok := readWASMString(module, keyPtr, keyLen)
	if !ok {
		return 0
	}
	val, found := h.cfgGet(key)
	if !found {
		return 0
	}
	return writeWASMResult(ctx, module, []byte(val))
}

func (h *Host) hostEmitEvent(ctx context.Context, module api.Module, topicPtr, topicLen, payloadPtr, payloadLen uint32) uint32 {
	if h.bus == nil || !h.checkCapability("event.emit") {
		return 0
	}
	topic, ok := readWASMString(module, topicPtr, topicLen)
	if !ok {
		return 0
	}
	payload, ok := readWASMString(module, payloadPtr, payloadLen)
	if !ok {
		return 0
	}
	h.bus.Publish(topic, []byte(payload))
	return 1
}

// hostCallAI is the call_ai host-call surface contract. Embedding/LLM
// provider wiring is out of the node's core scope (spec §1 Non-goals); the
// capability gate and memory-write protocol are real, the delegation target
// is left to a deployment-specific AIMerger/provider binding.
func (h *Host) hostCallAI(ctx context.Context, module api.Module, promptPtr, promptLen uint32) uint32 {
	if !h.checkCapability("ai.call") {
		return 0
	}
	h.logger.Warn("skill called host.call_ai but no AI provider is wired in this deployment")
	return 0
}

func (h *Host) checkCapability(cap string) bool {
	return h.policy != nil && h.policy.AllowCapability(cap)
}
