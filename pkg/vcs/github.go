package vcs

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/google/go-github/v57/github"
)

// GitHubTarget implements Target against the GitHub REST/Git-Data API.
// Delivery uses the low-level blob -> tree -> commit -> ref flow so an
// entire capsule lands as exactly one commit, matching spec §4.7's "push
// files in a single commit" requirement.
var _ Target = (*GitHubTarget)(nil)

type GitHubTarget struct {
	client *github.Client
	owner  string
	branch string

	logger    corekit.ComponentAwareLogger
	telemetry corekit.Telemetry
	recorder  IdempotencyRecorder

	maxRetries int
	retryDelay time.Duration
}

// Option configures a GitHubTarget.
type Option func(*GitHubTarget)

func WithBranch(branch string) Option { return func(t *GitHubTarget) { t.branch = branch } }
func WithLogger(l corekit.ComponentAwareLogger) Option {
	return func(t *GitHubTarget) { t.logger = l }
}
func WithTelemetry(tel corekit.Telemetry) Option { return func(t *GitHubTarget) { t.telemetry = tel } }
func WithRecorder(r IdempotencyRecorder) Option  { return func(t *GitHubTarget) { t.recorder = r } }
func WithMaxRetries(n int) Option                { return func(t *GitHubTarget) { t.maxRetries = n } }

// NewGitHubTarget builds a Target that creates and pushes to repositories
// under owner, authenticating httpClient's transport (typically an
// oauth2.Transport wrapping a personal access token or GitHub App
// installation token — token plumbing is the application's concern, not
// this package's).
func NewGitHubTarget(httpClient *http.Client, owner string, opts ...Option) *GitHubTarget {
	t := &GitHubTarget{
		client:     github.NewClient(httpClient),
		owner:      owner,
		branch:     "main",
		logger:     noopLogger{},
		telemetry:  corekit.NoOpTelemetry{},
		recorder:   newInMemoryRecorder(),
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IdempotencyRecorder remembers (idempotencyKey -> commitSHA) so a
// replayed Push doesn't create a second commit. The default is an
// in-process map; a durable deployment should back this with pkg/store so
// the idempotency window survives a process restart.
type IdempotencyRecorder interface {
	Seen(key string) (commitSHA string, ok bool)
	Record(key, commitSHA string)
}

type inMemoryRecorder struct {
	mu   sync.Mutex
	seen map[string]string
}

func newInMemoryRecorder() *inMemoryRecorder {
	return &inMemoryRecorder{seen: make(map[string]string)}
}

func (r *inMemoryRecorder) Seen(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sha, ok := r.seen[key]
	return sha, ok
}

func (r *inMemoryRecorder) Record(key, commitSHA string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[key] = commitSHA
}

// CreateRepo returns name's repo id under t.owner, creating it if absent.
// Because repos are scoped to t.owner, "already exists" always means
// "already owned" here — the monotonic-suffix branch only fires on the
// rarer case of a name collision surfacing mid-creation (e.g. a
// concurrent creator won the race between our Get and Create calls).
func (t *GitHubTarget) CreateRepo(ctx context.Context, name string, private bool) (string, error) {
	ctx, span := t.telemetry.StartSpan(ctx, "vcs.github.create_repo")
	defer span.End()

	candidate := name
	for attempt := 0; attempt < 10; attempt++ {
		repo, resp, err := t.client.Repositories.Get(ctx, t.owner, candidate)
		if err == nil {
			return repoID(repo), nil
		}
		if resp == nil || resp.StatusCode != 404 {
			classified := classifyGitHubError("vcs.create_repo", err, resp)
			span.RecordError(classified)
			return "", classified
		}

		created, createResp, createErr := t.client.Repositories.Create(ctx, "", &github.Repository{
			Name:    github.String(candidate),
			Private: github.Bool(private),
		})
		if createErr == nil {
			return repoID(created), nil
		}
		if createResp != nil && createResp.StatusCode == 422 {
			// Name taken by the time Create ran; try the next suffix.
			candidate = fmt.Sprintf("%s-%d", name, attempt+1)
			continue
		}
		classified := classifyGitHubError("vcs.create_repo", createErr, createResp)
		span.RecordError(classified)
		return "", classified
	}
	err := corekit.NewClassifiedError("vcs.create_repo", corekit.KindPermanent, name, fmt.Errorf("exhausted name suffixes for %q", name))
	span.RecordError(err)
	return "", err
}

func repoID(r *github.Repository) string {
	return r.GetOwner().GetLogin() + "/" + r.GetName()
}

// Push commits files to repoID in a single commit via the Git Data API
// (blob -> tree -> commit -> ref), returning the original commit SHA
// without re-committing if idempotencyKey has already been applied.
func (t *GitHubTarget) Push(ctx context.Context, repoID string, files map[string][]byte, message, idempotencyKey string) (string, error) {
	ctx, span := t.telemetry.StartSpan(ctx, "vcs.github.push")
	defer span.End()

	if sha, ok := t.recorder.Seen(idempotencyKey); ok {
		t.logger.InfoWithContext(ctx, "push already applied, skipping commit", map[string]interface{}{
			"idempotency_key": idempotencyKey,
			"commit_sha":      sha,
		})
		return sha, nil
	}

	owner, name, err := splitRepoID(repoID)
	if err != nil {
		return "", corekit.NewClassifiedError("vcs.push", corekit.KindPermanent, repoID, err)
	}

	commitSHA, err := t.commitWithRetry(ctx, owner, name, message, files)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	t.recorder.Record(idempotencyKey, commitSHA)
	return commitSHA, nil
}

// commitWithRetry retries the whole blob/tree/commit/ref sequence on
// transient and throttled failures, same backoff shape as the Anthropic
// client: only safe here because a failed attempt never reached UpdateRef,
// so a retry starts the sequence fresh rather than double-applying it.
func (t *GitHubTarget) commitWithRetry(ctx context.Context, owner, name, message string, files map[string][]byte) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		sha, err := t.commitOnce(ctx, owner, name, message, files)
		if err == nil {
			return sha, nil
		}
		lastErr = err
		kind := corekit.KindOf(err)
		if (kind != corekit.KindTransient && kind != corekit.KindThrottle) || attempt == t.maxRetries {
			return "", err
		}
		delay := t.retryDelay * time.Duration(1<<uint(attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", corekit.NewClassifiedError("vcs.push", corekit.KindCancellation, "", ctx.Err())
		}
	}
	return "", lastErr
}

func splitRepoID(id string) (owner, name string, err error) {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return id[:i], id[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed repo id %q, expected owner/name", id)
}

func (t *GitHubTarget) commitOnce(ctx context.Context, owner, name, message string, files map[string][]byte) (string, error) {
	ref := "refs/heads/" + t.branch

	baseRef, resp, err := t.client.Git.GetRef(ctx, owner, name, ref)
	emptyRepo := resp != nil && resp.StatusCode == 409
	if err != nil && !emptyRepo {
		if resp == nil || resp.StatusCode != 404 {
			return "", classifyGitHubError("vcs.push.get_ref", err, resp)
		}
		emptyRepo = true
	}

	var baseTreeSHA, parentCommitSHA string
	if !emptyRepo {
		baseCommit, _, cerr := t.client.Git.GetCommit(ctx, owner, name, baseRef.GetObject().GetSHA())
		if cerr != nil {
			return "", classifyGitHubError("vcs.push.get_commit", cerr, nil)
		}
		baseTreeSHA = baseCommit.GetTree().GetSHA()
		parentCommitSHA = baseCommit.GetSHA()
	}

	entries, err := t.buildTreeEntries(ctx, owner, name, files)
	if err != nil {
		return "", err
	}

	tree, _, err := t.client.Git.CreateTree(ctx, owner, name, baseTreeSHA, entries)
	if err != nil {
		return "", classifyGitHubError("vcs.push.create_tree", err, nil)
	}

	commit := &github.Commit{
		Message: github.String(message),
		Tree:    tree,
	}
	if parentCommitSHA != "" {
		commit.Parents = []*github.Commit{{SHA: github.String(parentCommitSHA)}}
	}
	newCommit, _, err := t.client.Git.CreateCommit(ctx, owner, name, commit, nil)
	if err != nil {
		return "", classifyGitHubError("vcs.push.create_commit", err, nil)
	}

	newRef := &github.Reference{Ref: github.String(ref), Object: &github.GitObject{SHA: newCommit.SHA}}
	if emptyRepo {
		_, _, err = t.client.Git.CreateRef(ctx, owner, name, newRef)
	} else {
		_, _, err = t.client.Git.UpdateRef(ctx, owner, name, newRef, false)
	}
	if err != nil {
		return "", classifyGitHubError("vcs.push.update_ref", err, nil)
	}

	return newCommit.GetSHA(), nil
}

// buildTreeEntries creates one blob per file, iterating paths in sorted
// order so retries of a partially-failed push hash identical blob
// requests deterministically.
func (t *GitHubTarget) buildTreeEntries(ctx context.Context, owner, name string, files map[string][]byte) ([]*github.TreeEntry, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	entries := make([]*github.TreeEntry, 0, len(paths))
	for _, path := range paths {
		blob, _, err := t.client.Git.CreateBlob(ctx, owner, name, &github.Blob{
			Content:  github.String(base64.StdEncoding.EncodeToString(files[path])),
			Encoding: github.String("base64"),
		})
		if err != nil {
			return nil, classifyGitHubError("vcs.push.create_blob", err, nil)
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.String(path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
			SHA:  blob.SHA,
		})
	}
	return entries, nil
}

func classifyGitHubError(op string, err error, resp *github.Response) error {
	if err == nil {
		return nil
	}
	kind := corekit.KindPermanent
	if resp != nil {
		switch {
		case resp.StatusCode == 403 && resp.Rate.Remaining == 0:
			kind = corekit.KindThrottle
		case resp.StatusCode == 429:
			kind = corekit.KindThrottle
		case resp.StatusCode >= 500:
			kind = corekit.KindTransient
		}
	}
	if _, ok := err.(*github.RateLimitError); ok {
		kind = corekit.KindThrottle
	}
	return corekit.NewClassifiedError(op, kind, "", err)
}

type noopLogger struct{ corekit.NoOpLogger }

func (noopLogger) WithComponent(string) corekit.Logger { return corekit.NoOpLogger{} }
