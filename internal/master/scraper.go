package master

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// packageScraper polls the upstream index, refreshing the package list and
// then each package's version list in turn, honoring the global paused
// flag by spinning on short sleeps.
type packageScraper struct {
	log      *log.Logger
	store    store
	pypiRoot string
	paused   *atomic.Bool
}

func (s *packageScraper) run(ctx context.Context) error {
	for {
		if _, err := s.store.RefreshPackageList(ctx, s.pypiRoot); err != nil {
			return err
		}
		packages, err := s.store.AllPackages(ctx)
		if err != nil {
			return err
		}
		for _, pkg := range packages {
			if err := s.store.RefreshPackageVersions(ctx, pkg, s.pypiRoot); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			for s.paused.Load() {
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}
