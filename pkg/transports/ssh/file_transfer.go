package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Upload copies a local file to the remote path over SFTP, creating parent
// directories and preserving the file mode.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	client := c.connected()
	if client == nil {
		return &TransportError{Op: "upload", Err: errors.New("not connected")}
	}

	local, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("opening %s: %w", localPath, err)}
	}
	defer local.Close()

	info, err := local.Stat()
	if err != nil {
		return &TransportError{Op: "upload", Err: err}
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("starting sftp: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("creating %s: %w", dir, err)}
		}
	}

	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("creating %s: %w", remotePath, err)}
	}
	defer remote.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(remote, local)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return &TransportError{Op: "upload", Err: err, IsTemporary: true}
		}
	case <-ctx.Done():
		return &TransportError{Op: "upload", Err: ctx.Err()}
	}

	if err := sftpClient.Chmod(remotePath, info.Mode().Perm()); err != nil {
		log.Warn().Str("path", remotePath).Err(err).Msg("preserving file mode failed")
	}

	log.Debug().
		Str("source", localPath).
		Str("destination", remotePath).
		Int64("bytes", info.Size()).
		Msg("file uploaded")
	return nil
}
