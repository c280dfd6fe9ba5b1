package master

import (
	"context"
	"html/template"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

var rootIndexTmpl = template.Must(template.New("root").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Pi Wheels Simple Index</title>
<meta name="api-version" value="2">
</head>
<body>
{{range .}}<a href="{{.}}">{{.}}</a><br>
{{end}}</body>
</html>
`))

var packageIndexTmpl = template.Must(template.New("package").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Links for {{.Package}}</title>
</head>
<body>
<h1>Links for {{.Package}}</h1>
{{range .Files}}<a href="{{.Filename}}#sha256={{.Filehash}}" rel="internal">{{.Filename}}</a><br>
{{end}}</body>
</html>
`))

// indexScribbler consumes package-publish notifications and rewrites the
// affected HTML indexes atomically.
type indexScribbler struct {
	log        *log.Logger
	store      store
	outputPath string
	indexes    <-chan string

	known map[string]bool
}

// seed lists the output root's existing package directories into a
// process-local set, cheaper than a DB round trip on every startup.
func (s *indexScribbler) seed() error {
	s.known = make(map[string]bool)
	entries, err := os.ReadDir(s.outputPath)
	if err != nil {
		return xerrors.Errorf("listing output root %s: %w", s.outputPath, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			s.known[e.Name()] = true
		}
	}
	return nil
}

func (s *indexScribbler) run(ctx context.Context) error {
	if err := s.seed(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkg := <-s.indexes:
			if !s.known[pkg] {
				s.known[pkg] = true
				if err := s.writeRootIndex(); err != nil {
					s.log.Printf("writing root index: %v", err)
				}
			}
			if err := s.writePackageIndex(ctx, pkg); err != nil {
				s.log.Printf("writing index for %s: %v", pkg, err)
			}
		}
	}
}

func (s *indexScribbler) writeRootIndex() error {
	names := make([]string, 0, len(s.known))
	for name := range s.known {
		names = append(names, name)
	}
	sort.Strings(names)
	return atomicRender(filepath.Join(s.outputPath, "index.html"), func(w *renameio.PendingFile) error {
		return rootIndexTmpl.Execute(w, names)
	})
}

func (s *indexScribbler) writePackageIndex(ctx context.Context, pkg string) error {
	files, err := s.store.PackageFiles(ctx, pkg)
	if err != nil {
		return xerrors.Errorf("fetching files for %s: %w", pkg, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })

	pkgDir := filepath.Join(s.outputPath, pkg)
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		return xerrors.Errorf("creating package directory %s: %w", pkgDir, err)
	}
	data := struct {
		Package string
		Files   []packageFile
	}{Package: pkg, Files: files}
	return atomicRender(filepath.Join(pkgDir, "index.html"), func(w *renameio.PendingFile) error {
		return packageIndexTmpl.Execute(w, data)
	})
}

// atomicRender renders content through a create-temp/write/chmod/rename
// sequence via renameio's PendingFile. On any error during write the
// temporary file is removed; the target is never observed partially
// written.
func atomicRender(target string, render func(*renameio.PendingFile) error) error {
	f, err := renameio.TempFile("", target)
	if err != nil {
		return xerrors.Errorf("creating temp file for %s: %w", target, err)
	}
	defer f.Cleanup()
	if err := render(f); err != nil {
		return xerrors.Errorf("rendering %s: %w", target, err)
	}
	if err := f.Chmod(0644); err != nil {
		return xerrors.Errorf("chmod %s: %w", target, err)
	}
	return f.CloseAtomicallyReplace()
}
