package verify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Attestation runs a WebAssembly module for each claim. The module exports
// memory, alloc(size) -> ptr and verify(msg_ptr, msg_len, proof_ptr,
// proof_len) -> i32, where 1 means accepted. It gets no host imports, so it
// cannot reach the filesystem, clock or network.
type Attestation struct {
	mu       sync.Mutex
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
}

// DefaultAttestationTimeout bounds one module run. Runs hold a.mu.
const DefaultAttestationTimeout = 2 * time.Second

func NewAttestation(ctx context.Context, wasm []byte) (*Attestation, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compile attestation module: %w", err)
	}
	for _, name := range []string{"alloc", "verify"} {
		if _, ok := compiled.ExportedFunctions()[name]; !ok {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("attestation module does not export %s", name)
		}
	}
	return &Attestation{runtime: rt, compiled: compiled, timeout: DefaultAttestationTimeout}, nil
}

// SetTimeout changes the per claim run limit. Non-positive values restore the
// default.
func (a *Attestation) SetTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d <= 0 {
		d = DefaultAttestationTimeout
	}
	a.timeout = d
}

func (a *Attestation) Verify(ctx context.Context, c Claim) (Verdict, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// A fresh anonymous instance per claim keeps claims from sharing memory.
	mod, err := a.runtime.InstantiateModule(ctx, a.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return Verdict{}, fmt.Errorf("instantiate attestation module: %w", err)
	}
	defer mod.Close(ctx)

	msg := Message(c.TaskID, c.NodeID, c.OutputRef)
	msgPtr, err := write(ctx, mod, msg)
	if err != nil {
		return Verdict{}, err
	}
	proofPtr, err := write(ctx, mod, []byte(c.Proof))
	if err != nil {
		return Verdict{}, err
	}
	res, err := mod.ExportedFunction("verify").Call(ctx,
		uint64(msgPtr), uint64(len(msg)), uint64(proofPtr), uint64(len(c.Proof)))
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, fmt.Errorf("attestation module did not finish within %s: %w", a.timeout, ctx.Err())
		}
		return Verdict{}, fmt.Errorf("run attestation module: %w", err)
	}
	if len(res) == 0 || uint32(res[0]) != 1 {
		return Reject("attestation module rejected the claim"), nil
	}
	return Accept(), nil
}

func write(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	res, err := mod.ExportedFunction("alloc").Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("attestation alloc: %w", err)
	}
	if len(res) == 0 {
		return 0, fmt.Errorf("attestation alloc returned nothing")
	}
	ptr := uint32(res[0])
	mem := mod.Memory()
	if mem == nil || !mem.Write(ptr, data) {
		return 0, fmt.Errorf("attestation module memory cannot hold %d bytes at %d", len(data), ptr)
	}
	return ptr, nil
}

func (a *Attestation) Close(ctx context.Context) error {
	return a.runtime.Close(ctx)
}
