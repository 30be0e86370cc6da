// Package delivery pushes finished archives to the receiving platform's
// FTP drop directory.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jlaffaye/ftp"
)

// Uploader delivers one file per connection. Drop directories reject
// overwrites, so a name collision surfaces as an upload error rather
// than silent data loss.
type Uploader interface {
	Upload(ctx context.Context, filename string, content []byte) error
}

// FTPUploader connects, logs in, changes to the drop directory and stores
// the file. Connections are not pooled; deliveries are rare enough that a
// fresh session per archive keeps failure handling trivial.
type FTPUploader struct {
	address  string
	user     string
	password string
	dir      string
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures an FTPUploader
type Option func(*FTPUploader)

// WithTimeout sets the dial timeout
func WithTimeout(d time.Duration) Option {
	return func(u *FTPUploader) { u.timeout = d }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(u *FTPUploader) { u.logger = logger }
}

// NewFTPUploader creates an uploader for the given server and drop directory
func NewFTPUploader(address, user, password, dir string, opts ...Option) *FTPUploader {
	u := &FTPUploader{
		address:  address,
		user:     user,
		password: password,
		dir:      dir,
		timeout:  30 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload stores one file in the drop directory
func (u *FTPUploader) Upload(ctx context.Context, filename string, content []byte) error {
	conn, err := ftp.Dial(u.address, ftp.DialWithContext(ctx), ftp.DialWithTimeout(u.timeout))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", u.address, err)
	}
	defer conn.Quit()

	if err := conn.Login(u.user, u.password); err != nil {
		return fmt.Errorf("logging in to %s: %w", u.address, err)
	}

	if u.dir != "" {
		if err := conn.ChangeDir(u.dir); err != nil {
			return fmt.Errorf("changing to drop directory %s: %w", u.dir, err)
		}
	}

	start := time.Now()
	if err := conn.Stor(filename, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("storing %s: %w", filename, err)
	}

	u.logger.Info("archive delivered",
		"file", filename, "bytes", len(content), "took", time.Since(start))
	return nil
}
