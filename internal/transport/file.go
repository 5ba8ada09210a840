package transport

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
)

func openFile(_ context.Context, dest string, _ Options) (io.WriteCloser, error) {
	path := dest
	if Scheme(dest) == "file" {
		u, err := url.Parse(dest)
		if err != nil {
			return nil, err
		}
		path = u.Path
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.Create(path)
}
