// Package compiler builds per-node execution environments from a
// pipeline's environment definition and marks the owning compilation
// succeeded or failed, the way the teacher's pkg/runtime builds and runs
// containers, generalized from a long-lived workload to a one-shot build
// step that produces a tagged image.
package compiler
