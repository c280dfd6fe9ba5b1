package master

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/net/html"
	"golang.org/x/xerrors"
)

// upstreamScraper polls a PyPI-style "simple" package index by walking
// the anchor tags on its index pages.
type upstreamScraper struct {
	root   string
	client *http.Client
}

func newUpstreamScraper(root string) *upstreamScraper {
	return &upstreamScraper{root: root, client: http.DefaultClient}
}

// packageNames fetches the root simple index and returns every package
// name it links to.
func (s *upstreamScraper) packageNames(ctx context.Context) ([]string, error) {
	return s.anchors(ctx, s.root+"/")
}

// packageVersions fetches pkg's project page and returns every distinct
// version embedded in the linked filenames.
func (s *upstreamScraper) packageVersions(ctx context.Context, pkg string) ([]string, error) {
	links, err := s.anchors(ctx, s.root+"/"+pkg+"/")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, link := range links {
		v := versionFromFilename(pkg, link)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out, nil
}

func (s *upstreamScraper) anchors(ctx context.Context, pageURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Errorf("fetching %s: unexpected status %s", pageURL, resp.Status)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, xerrors.Errorf("parsing %s: %w", pageURL, err)
	}

	var names []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				if u, err := url.Parse(attr.Val); err == nil {
					names = append(names, strings.TrimSuffix(path.Base(u.Path), "/"))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return names, nil
}

// versionFromFilename extracts the version component of a wheel/sdist
// filename such as foo-1.2.3-py3-none-any.whl, given its package name.
func versionFromFilename(pkg, filename string) string {
	prefix := normalizePyPIName(pkg) + "-"
	name := strings.TrimSuffix(filename, path.Ext(filename))
	name = strings.TrimSuffix(name, ".tar")
	if !strings.HasPrefix(normalizePyPIName(name), prefix) {
		return ""
	}
	rest := name[len(prefix):]
	if idx := strings.Index(rest, "-"); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}

func normalizePyPIName(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(name, "_", "-"), ".", "-"))
}

// sortVersionsNewestFirst orders versions by semver where possible,
// falling back to a plain string comparison for the (common, on PyPI)
// case of non-semver version strings — best-effort ordering only.
func sortVersionsNewestFirst(versions []string) {
	sort.Slice(versions, func(i, j int) bool {
		vi, vj := canonicalSemver(versions[i]), canonicalSemver(versions[j])
		if semver.IsValid(vi) && semver.IsValid(vj) {
			return semver.Compare(vi, vj) > 0
		}
		return versions[i] > versions[j]
	})
}

// canonicalSemver best-effort-adapts a PyPI version string ("1.2.3",
// "2021.1") into the "vMAJOR.MINOR.PATCH" form golang.org/x/mod/semver
// requires.
func canonicalSemver(v string) string {
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, ".", 3)
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return "v" + fmt.Sprintf("%s.%s.%s", parts[0], parts[1], parts[2])
}
