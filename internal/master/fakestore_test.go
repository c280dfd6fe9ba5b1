package master

import (
	"context"
	"sync"
)

// fakeStore is an in-memory store implementation for exercising the tasks
// that depend on the store interface without a real Postgres connection.
type fakeStore struct {
	mu sync.Mutex

	pending  []packageVersion
	builds   []buildState
	files    map[string][]packageFile
	counters counters
	packages []string

	refreshedVersionsFor []string
}

func (f *fakeStore) PendingBuilds(ctx context.Context) ([]packageVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]packageVersion(nil), f.pending...), nil
}

func (f *fakeStore) LogBuild(ctx context.Context, b buildState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, b)
	return nil
}

func (f *fakeStore) PackageFiles(ctx context.Context, pkg string) ([]packageFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]packageFile(nil), f.files[pkg]...), nil
}

func (f *fakeStore) Counters(ctx context.Context) (counters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters, nil
}

func (f *fakeStore) AllPackages(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.packages...), nil
}

func (f *fakeStore) RefreshPackageList(ctx context.Context, pypiRoot string) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) RefreshPackageVersions(ctx context.Context, pkg, pypiRoot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshedVersionsFor = append(f.refreshedVersionsFor, pkg)
	return nil
}

func (f *fakeStore) Close() error { return nil }
