package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Copy duplicates the tree at srcDir into dstDir, which must not exist.
// The tree is streamed through an uncompressed tar pipe, so file contents,
// modes, symlinks (including ones pointing outside the tree) and hard links
// are reproduced exactly. On failure dstDir does not exist.
func (c *Codec) Copy(ctx context.Context, srcDir, dstDir string) error {
	if _, err := os.Lstat(dstDir); err == nil {
		return fmt.Errorf("copy destination %s already exists", dstDir)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat copy destination: %w", err)
	}

	pr, pw := io.Pipe()
	writeErr := make(chan error, 1)

	go func() {
		_, err := c.writeTar(ctx, srcDir, pw, walkOptions{keepExternalLinks: true})
		pw.CloseWithError(err)
		writeErr <- err
	}()

	err := c.extract(ctx, pr, srcDir, dstDir, extractOptions{allowExternalLinks: true})
	// Unblock the writer if extraction stopped early
	pr.CloseWithError(err)
	werr := <-writeErr

	if err != nil {
		// A writer failure surfaces through the pipe; report the cause
		if werr != nil && !errors.Is(werr, io.ErrClosedPipe) && !errors.Is(werr, err) {
			return werr
		}
		return err
	}
	if werr != nil && !errors.Is(werr, io.ErrClosedPipe) {
		os.RemoveAll(dstDir)
		return werr
	}
	return nil
}
