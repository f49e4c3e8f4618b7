// Package vm transforms IL method bodies into interpreter bytecode and
// executes them.
//
// This package contains:
//   - the method transformer (IL decoding, stack typing, lowering, relocation)
//   - per-context memory managers owning transformed methods and statics
//   - the stack interpreter and its threads
//   - two-pass exception dispatch over relocated clause tables
//   - safepoints and stop-the-world suspension for a collector
//   - tracing, profiling and disassembly
package vm
