// Package artifact implements the artifact schema and commit protocol
// layered on top of a virtual directory: the fixed files/buildtree/logs/meta
// layout, the eight-step commit procedure, materialization predicates, and
// lazy metadata accessors.
package artifact

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/buildstream-dev/artifactcache/cas"
	"github.com/buildstream-dev/artifactcache/refidx"
	"github.com/buildstream-dev/artifactcache/vdir"
	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v2"
)

// MaterializationPolicy governs how strict cached() is about file blob
// presence under files/. The core never decides this itself; the host
// supplies it.
type MaterializationPolicy struct {
	RequireDirectories bool
	RequireFiles       bool
}

// BuildResult is the parsed shape of build-result.yaml.
type BuildResult struct {
	Success bool
	Summary string
	Detail  *string
}

// CommitInput collects everything the commit protocol needs.
type CommitInput struct {
	// RealRoot is the element's real filesystem root. Commit does not
	// read it: logs and metadata are staged in temporary directories
	// under the system temp directory, removed before Commit returns.
	RealRoot string

	CollectedFiles *vdir.Directory
	BuildTree      *vdir.Directory
	BuildLogPath   string

	Success bool
	Summary string
	Detail  *string

	PublicData map[string]interface{}

	StrongKey, WeakKey string

	Dependencies           map[string]string
	Workspaced             bool
	WorkspacedDependencies []string
}

// Artifact is a handle onto a committed (or resolved) artifact tree.
type Artifact struct {
	store  *cas.Store
	policy MaterializationPolicy
	root   *vdir.Directory

	strongRef, weakRef string

	keysOnce sync.Once
	strong   string
	weak     string
	keysErr  error

	depsOnce sync.Once
	deps     map[string]string
	depsErr  error

	workspacedOnce sync.Once
	workspaced     bool
	workspacedErr  error

	wsDepsOnce sync.Once
	wsDeps     []string
	wsDepsErr  error

	resultOnce sync.Once
	result     BuildResult
	resultErr  error

	publicOnce sync.Once
	public     map[string]interface{}
	publicErr  error
}

// Open returns a handle onto an already-committed artifact tree rooted at
// root, without re-running the commit protocol.
func Open(ctx context.Context, store *cas.Store, policy MaterializationPolicy, root digest.Digest, strongRef, weakRef string) (*Artifact, error) {
	dir, err := vdir.OpenRoot(ctx, store, root)
	if err != nil {
		return nil, err
	}
	return &Artifact{store: store, policy: policy, root: dir, strongRef: strongRef, weakRef: weakRef}, nil
}

// OpenRef resolves strongRef (falling back to weakRef) through index and
// opens the artifact it points to. A reference that resolves to nothing
// is not an error here: it returns an Artifact whose Cached reports
// false, matching the scheduler's build-on-miss control flow. Malformed
// and IOError still propagate, since those indicate a damaged store
// rather than an ordinary cache miss.
func OpenRef(ctx context.Context, store *cas.Store, index *refidx.Index, policy MaterializationPolicy, strongRef, weakRef string) (*Artifact, error) {
	ref := strongRef
	if ref == "" {
		ref = weakRef
	}

	root, err := index.Resolve(ctx, ref)
	if err != nil {
		if _, notFound := err.(cas.NotFoundError); notFound {
			return &Artifact{store: store, policy: policy, strongRef: strongRef, weakRef: weakRef}, nil
		}
		return nil, err
	}

	return Open(ctx, store, policy, root, strongRef, weakRef)
}

type keysYAML struct {
	Strong string `yaml:"strong"`
	Weak   string `yaml:"weak"`
}

type buildResultYAML struct {
	Success     bool    `yaml:"success"`
	Description string  `yaml:"description"`
	Detail      *string `yaml:"detail,omitempty"`
}

type workspacedYAML struct {
	Workspaced bool `yaml:"workspaced"`
}

type workspacedDepsYAML struct {
	WorkspacedDependencies []string `yaml:"workspaced-dependencies"`
}

// Commit runs the eight-step commit protocol: stage the tree in a fresh
// virtual directory, import collected output and metadata, measure the
// final size, and publish the root digest under the strong and weak keys
// via index.Commit.
func Commit(ctx context.Context, store *cas.Store, index *refidx.Index, policy MaterializationPolicy, in CommitInput) (*Artifact, error) {
	root, err := vdir.NewRoot(ctx, store)
	if err != nil {
		return nil, err
	}

	if _, err := root.Descend(ctx, "meta", true); err != nil {
		return nil, err
	}
	logs, err := root.Descend(ctx, "logs", true)
	if err != nil {
		return nil, err
	}

	if in.CollectedFiles != nil {
		files, err := root.Descend(ctx, "files", true)
		if err != nil {
			return nil, err
		}
		if err := files.ImportFiles(ctx, vdir.FromDirectory(in.CollectedFiles)); err != nil {
			return nil, err
		}
	}

	if in.BuildTree != nil {
		buildtree, err := root.Descend(ctx, "buildtree", true)
		if err != nil {
			return nil, err
		}
		if err := buildtree.ImportFiles(ctx, vdir.FromDirectory(in.BuildTree)); err != nil {
			return nil, err
		}
	}

	if err := stageLogs(ctx, logs, in.BuildLogPath); err != nil {
		return nil, err
	}

	meta, err := root.Descend(ctx, "meta", false)
	if err != nil {
		return nil, err
	}
	if err := stageMeta(ctx, meta, in); err != nil {
		return nil, err
	}

	if _, err := root.GetSize(ctx); err != nil {
		return nil, err
	}

	refs := dedupeRefs(in.StrongKey, in.WeakKey)
	if err := index.Commit(ctx, refs, root.GetDigest()); err != nil {
		return nil, err
	}

	return &Artifact{store: store, policy: policy, root: root, strongRef: in.StrongKey, weakRef: in.WeakKey}, nil
}

func dedupeRefs(strong, weak string) []string {
	if strong == "" && weak == "" {
		return nil
	}
	if strong == weak || weak == "" {
		return []string{strong}
	}
	if strong == "" {
		return []string{weak}
	}
	return []string{strong, weak}
}

// stageLogs copies an optional real build log into a scratch directory as
// build.log and imports it into the logs/ virtual directory, even when no
// log exists (logs/ is always created, possibly empty).
func stageLogs(ctx context.Context, logs *vdir.Directory, buildLogPath string) error {
	if buildLogPath == "" {
		return nil
	}

	tmpDir, err := os.MkdirTemp("", "bstcache-logs-")
	if err != nil {
		return cas.IOError{Op: "mkdirtemp", Err: err}
	}
	defer os.RemoveAll(tmpDir)

	data, err := os.ReadFile(buildLogPath)
	if err != nil {
		return cas.IOError{Op: "read", Path: buildLogPath, Err: err}
	}
	dst := filepath.Join(tmpDir, "build.log")
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return cas.IOError{Op: "write", Path: dst, Err: err}
	}

	return logs.ImportFiles(ctx, vdir.FromFilesystem(tmpDir))
}

// stageMeta authors the six metadata YAML documents with ordinary file
// I/O in a scratch directory, then imports them as one batch so the
// manifest stabilizes with canonical ordering.
func stageMeta(ctx context.Context, meta *vdir.Directory, in CommitInput) error {
	tmpDir, err := os.MkdirTemp("", "bstcache-meta-")
	if err != nil {
		return cas.IOError{Op: "mkdirtemp", Err: err}
	}
	defer os.RemoveAll(tmpDir)

	writeYAML := func(name string, v interface{}) error {
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		path := filepath.Join(tmpDir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return cas.IOError{Op: "write", Path: path, Err: err}
		}
		return nil
	}

	if in.PublicData == nil {
		in.PublicData = map[string]interface{}{}
	}
	if err := writeYAML("public.yaml", in.PublicData); err != nil {
		return err
	}

	br := buildResultYAML{Success: in.Success, Description: in.Summary, Detail: in.Detail}
	if err := writeYAML("build-result.yaml", br); err != nil {
		return err
	}

	if err := writeYAML("keys.yaml", keysYAML{Strong: in.StrongKey, Weak: in.WeakKey}); err != nil {
		return err
	}

	deps := in.Dependencies
	if deps == nil {
		deps = map[string]string{}
	}
	if err := writeYAML("dependencies.yaml", deps); err != nil {
		return err
	}

	if err := writeYAML("workspaced.yaml", workspacedYAML{Workspaced: in.Workspaced}); err != nil {
		return err
	}

	wsDeps := in.WorkspacedDependencies
	if wsDeps == nil {
		wsDeps = []string{}
	}
	if err := writeYAML("workspaced-dependencies.yaml", workspacedDepsYAML{WorkspacedDependencies: wsDeps}); err != nil {
		return err
	}

	return meta.ImportFiles(ctx, vdir.FromFilesystem(tmpDir))
}

// GetSize returns the total byte size of the artifact's tree.
func (a *Artifact) GetSize(ctx context.Context) (int64, error) {
	return a.root.GetSize(ctx)
}

// GetRootDigest returns the digest this artifact is published under.
func (a *Artifact) GetRootDigest() digest.Digest {
	return a.root.GetDigest()
}

// GetExtractKey returns the strong reference this artifact was committed
// with, or the weak reference if no strong key is set.
func (a *Artifact) GetExtractKey() string {
	if a.strongRef != "" {
		return a.strongRef
	}
	return a.weakRef
}

// Cached reports whether the root reference resolves at all, whether
// meta/ is fully present, and, if files/ exists, whether it satisfies
// the configured materialization policy. An unresolved root reference
// (OpenRef found nothing) is a plain cache miss, not an error.
func (a *Artifact) Cached(ctx context.Context) (bool, error) {
	if a.root == nil {
		return false, nil
	}

	metaDigest, ok := a.root.GetChildDigest("meta")
	if !ok {
		return false, nil
	}
	metaOK, err := a.store.ContainsDirectory(ctx, metaDigest, true)
	if err != nil {
		return false, err
	}
	if !metaOK {
		return false, nil
	}

	filesDigest, ok := a.root.GetChildDigest("files")
	if !ok {
		return true, nil
	}

	switch {
	case !a.policy.RequireDirectories:
		return true, nil
	case !a.policy.RequireFiles:
		return a.store.ContainsDirectory(ctx, filesDigest, false)
	default:
		return a.store.ContainsDirectory(ctx, filesDigest, true)
	}
}

// CachedBuildtree reports whether buildtree/ is present and fully
// materialized, file blobs included.
func (a *Artifact) CachedBuildtree(ctx context.Context) (bool, error) {
	dgst, ok := a.root.GetChildDigest("buildtree")
	if !ok {
		return false, nil
	}
	return a.store.ContainsDirectory(ctx, dgst, true)
}

// BuildtreeExists reports whether buildtree/ appears in the manifest at
// all, regardless of materialization.
func (a *Artifact) BuildtreeExists() bool {
	_, ok := a.root.GetChildDigest("buildtree")
	return ok
}

// CachedLogs reports whether logs/ is present with every file blob.
func (a *Artifact) CachedLogs(ctx context.Context) (bool, error) {
	dgst, ok := a.root.GetChildDigest("logs")
	if !ok {
		return false, nil
	}
	return a.store.ContainsDirectory(ctx, dgst, true)
}

// GetFiles returns a handle onto the artifact's files/ tree.
func (a *Artifact) GetFiles(ctx context.Context) (*vdir.Directory, error) {
	return a.root.Descend(ctx, "files", false)
}

// GetBuildtree returns a handle onto the artifact's buildtree/ tree.
func (a *Artifact) GetBuildtree(ctx context.Context) (*vdir.Directory, error) {
	return a.root.Descend(ctx, "buildtree", false)
}

func (a *Artifact) readMetaFile(ctx context.Context, name string, out interface{}) error {
	meta, err := a.root.Descend(ctx, "meta", false)
	if err != nil {
		return err
	}
	path, err := meta.ObjPath(ctx, name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cas.IOError{Op: "read", Path: path, Err: err}
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return SchemaMismatchError{File: name, Reason: err}
	}
	return nil
}

// GetKeys returns the strong and weak cache keys this artifact was
// committed with.
func (a *Artifact) GetKeys(ctx context.Context) (strong, weak string, err error) {
	a.keysOnce.Do(func() {
		var y keysYAML
		a.keysErr = a.readMetaFile(ctx, "keys.yaml", &y)
		a.strong, a.weak = y.Strong, y.Weak
	})
	return a.strong, a.weak, a.keysErr
}

// GetDependencies returns the build-time dependency name to cache key map.
func (a *Artifact) GetDependencies(ctx context.Context) (map[string]string, error) {
	a.depsOnce.Do(func() {
		a.deps = map[string]string{}
		a.depsErr = a.readMetaFile(ctx, "dependencies.yaml", &a.deps)
	})
	return a.deps, a.depsErr
}

// GetWorkspaced reports whether the artifact was built from a workspace.
func (a *Artifact) GetWorkspaced(ctx context.Context) (bool, error) {
	a.workspacedOnce.Do(func() {
		var y workspacedYAML
		a.workspacedErr = a.readMetaFile(ctx, "workspaced.yaml", &y)
		a.workspaced = y.Workspaced
	})
	return a.workspaced, a.workspacedErr
}

// GetWorkspacedDependencies returns the names of dependencies that were
// themselves workspaced at build time.
func (a *Artifact) GetWorkspacedDependencies(ctx context.Context) ([]string, error) {
	a.wsDepsOnce.Do(func() {
		var y workspacedDepsYAML
		a.wsDepsErr = a.readMetaFile(ctx, "workspaced-dependencies.yaml", &y)
		a.wsDeps = y.WorkspacedDependencies
	})
	return a.wsDeps, a.wsDepsErr
}

// GetBuildResult returns the build outcome. Artifacts committed before
// build-result.yaml existed are reported as a successful build, for
// backward compatibility.
func (a *Artifact) GetBuildResult(ctx context.Context) (BuildResult, error) {
	a.resultOnce.Do(func() {
		var y buildResultYAML
		err := a.readMetaFile(ctx, "build-result.yaml", &y)
		if _, notFound := err.(cas.NotFoundError); notFound {
			a.result = BuildResult{Success: true, Summary: "succeeded"}
			return
		}
		a.resultErr = err
		a.result = BuildResult{Success: y.Success, Summary: y.Description, Detail: y.Detail}
	})
	return a.result, a.resultErr
}

// GetPublicData returns the element's public data mapping.
func (a *Artifact) GetPublicData(ctx context.Context) (map[string]interface{}, error) {
	a.publicOnce.Do(func() {
		a.public = map[string]interface{}{}
		a.publicErr = a.readMetaFile(ctx, "public.yaml", &a.public)
	})
	return a.public, a.publicErr
}
