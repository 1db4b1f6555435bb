// Package vm implements the compiled-code side of the CLDC runtime.
//
// This package contains:
//   - An arena-indexed object heap with a dedicated compiler area
//   - The compiled-code buffer (header, code, trailing metadata)
//   - The literal pool allocator used by code generators
//   - The call-info writer and reader holding per-call-site stack maps
//   - The relocation stream, compilation context and JIT worker
//   - A compacting collector that scans native frames through call info
package vm
