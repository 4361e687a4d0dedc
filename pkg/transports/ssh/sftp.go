package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
)

func (c *Client) sftpClient() (*sftp.Client, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sc, nil
}

// Upload writes content to remotePath over SFTP.
func (c *Client) Upload(ctx context.Context, content io.Reader, remotePath string, mode os.FileMode) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer sc.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}
	f, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer f.Close()

	n, err := copyWithContext(ctx, f, content)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: ctx.Err() == nil}
	}
	if mode != 0 {
		if err := sc.Chmod(remotePath, mode); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to set permissions: %w", err)}
		}
	}

	c.logger.Debug().Str("remote", remotePath).Int64("bytes", n).Msg("File uploaded")
	return nil
}

// Remove deletes remotePath and everything below it.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer sc.Close()

	if err := sc.RemoveAll(remotePath); err != nil && !os.IsNotExist(err) {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

// copyWithContext copies in chunks, checking ctx between writes.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
