// Package vcs implements the version-control delivery target the Capsule
// Assembler & Delivery stage pushes finished capsules to: GitHubTarget is
// the production backend over the Git Data API (blob/tree/commit/ref, one
// commit per delivery), and FakeTarget is an in-memory stand-in for tests.
// Both satisfy Target, whose CreateRepo and Push are required to be
// idempotent on identical arguments within a window.
package vcs
