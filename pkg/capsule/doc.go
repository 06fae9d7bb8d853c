// Package capsule implements the Capsule Assembler & Delivery collaborator
// (spec component C7). Assembler.Assemble collects every validated
// TaskResult, resolves path conflicts by DAG depth, canonicalizes content,
// and produces a draft Capsule; Assembler.Finalize signs it. Package and
// Unpackage turn a capsule into byte-exact zip/tar bytes for download, and
// Delivery pushes a finalized capsule to a vcs.Target with at-least-once
// semantics.
package capsule
