package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	transport "keygate/internal/transport/http"
)

// ArtifactResolver serves downloadable artifacts from a local
// directory. Each artifact lives at <root>/<resourceID>/<filename>,
// one file per directory. Subject identity is not consulted here; the
// link signature already binds subject and resource together.
type ArtifactResolver struct {
	root string
}

func NewArtifactResolver(root string) *ArtifactResolver {
	if root == "" {
		root = "artifacts"
	}
	return &ArtifactResolver{root: root}
}

// Open returns the artifact stream and its original filename.
func (r *ArtifactResolver) Open(_ context.Context, _ int64, resourceID int64) (io.ReadCloser, string, error) {
	dir := filepath.Join(r.root, strconv.FormatInt(resourceID, 10))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", transport.ErrResourceNotFound
		}
		return nil, "", fmt.Errorf("read artifact dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, "", fmt.Errorf("open artifact: %w", err)
		}
		return f, entry.Name(), nil
	}
	return nil, "", transport.ErrResourceNotFound
}
