package vcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// FakeTarget is an in-process Target for tests: it keeps repos and commits
// in memory and implements the same idempotency contract a real VCS would
// (stable repo ids on repeated CreateRepo, no duplicate commit on a
// replayed Push with the same idempotencyKey).
var _ Target = (*FakeTarget)(nil)

type FakeTarget struct {
	mu      sync.Mutex
	repos   map[string]bool
	commits map[string]string // repoID -> latest commit sha
	seen    map[string]string // idempotencyKey -> commit sha
	next    int
}

func NewFakeTarget() *FakeTarget {
	return &FakeTarget{
		repos:   make(map[string]bool),
		commits: make(map[string]string),
		seen:    make(map[string]string),
	}
}

func (f *FakeTarget) CreateRepo(_ context.Context, name string, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := "fake-owner/" + name
	if f.repos[id] {
		return id, nil
	}
	f.repos[id] = true
	return id, nil
}

func (f *FakeTarget) Push(_ context.Context, repoID string, files map[string][]byte, message, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sha, ok := f.seen[idempotencyKey]; ok {
		return sha, nil
	}
	if !f.repos[repoID] {
		return "", fmt.Errorf("vcs: repo %q does not exist", repoID)
	}

	f.next++
	sha := commitHash(repoID, message, files, f.next)
	f.commits[repoID] = sha
	f.seen[idempotencyKey] = sha
	return sha, nil
}

// LatestCommit returns the most recent commit sha pushed to repoID, for
// test assertions.
func (f *FakeTarget) LatestCommit(repoID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits[repoID]
}

func commitHash(repoID, message string, files map[string][]byte, seq int) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", repoID, message, seq)
	for _, p := range paths {
		fmt.Fprintf(h, "|%s=%x", p, sha256.Sum256(files[p]))
	}
	return hex.EncodeToString(h.Sum(nil))[:40]
}
