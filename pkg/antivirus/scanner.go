// Package antivirus gates incoming attachments through a ClamAV daemon.
// Every file of a document must come back clean before any archive is
// built from it.
package antivirus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dutchcoders/go-clamd"
)

// ErrInfected marks a file rejected by the scanner
var ErrInfected = errors.New("infected file")

// Scanner checks one file for malware
type Scanner interface {
	Scan(ctx context.Context, filename string, content []byte) error
}

// ClamScanner streams files to a clamd daemon over its TCP socket
type ClamScanner struct {
	clam   *clamd.Clamd
	logger *slog.Logger
}

// Option configures a ClamScanner
type Option func(*ClamScanner)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *ClamScanner) { s.logger = logger }
}

// NewClamScanner connects to clamd at the given address, for example
// "tcp://localhost:3310"
func NewClamScanner(address string, opts ...Option) *ClamScanner {
	s := &ClamScanner{
		clam:   clamd.NewClamd(address),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping verifies the daemon answers
func (s *ClamScanner) Ping() error {
	return s.clam.Ping()
}

// Scan streams the file to clamd and fails on anything but a clean verdict
func (s *ClamScanner) Scan(ctx context.Context, filename string, content []byte) error {
	abort := make(chan bool)
	defer close(abort)

	start := time.Now()
	results, err := s.clam.ScanStream(bytes.NewReader(content), abort)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", filename, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result, ok := <-results:
			if !ok {
				s.logger.Debug("file scanned", "file", filename, "took", time.Since(start))
				return nil
			}
			if result.Status != clamd.RES_OK {
				s.logger.Warn("scanner rejected file",
					"file", filename, "status", result.Status, "description", result.Description)
				return fmt.Errorf("%s (%s): %w", filename, result.Description, ErrInfected)
			}
		}
	}
}

// ScanAll scans the files in order and stops at the first rejection
func ScanAll(ctx context.Context, scanner Scanner, files []NamedFile) error {
	for _, f := range files {
		if err := scanner.Scan(ctx, f.Name, f.Content); err != nil {
			return err
		}
	}
	return nil
}

// NamedFile pairs a filename with its bytes for batch scanning
type NamedFile struct {
	Name    string
	Content []byte
}
