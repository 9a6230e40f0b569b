// Package httpapi exposes the log engine over HTTP: appends return the
// assigned (sequence_id, timestamp) and reads stream framed records as
// newline-delimited JSON, optionally watching for new appends.
package httpapi

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dsjohal14/seglog/internal/wal"
)

var logNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Service hosts one or more named logs under a common root directory. Logs
// are opened lazily on first use and share the same option set.
type Service struct {
	root   string
	opts   []wal.Option
	logger zerolog.Logger

	mu   sync.Mutex
	logs map[string]*wal.Log
}

// NewService creates a log host rooted at root.
func NewService(root string, logger zerolog.Logger, opts ...wal.Option) *Service {
	return &Service{
		root:   root,
		opts:   opts,
		logger: logger,
		logs:   make(map[string]*wal.Log),
	}
}

// Log returns the named log, opening it on first use. An empty name selects
// the default log.
func (s *Service) Log(ctx context.Context, name string) (*wal.Log, error) {
	if name == "" {
		name = "default"
	}
	if !logNamePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid log name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[name]; ok {
		return l, nil
	}
	l, err := wal.Open(ctx, filepath.Join(s.root, name), s.opts...)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("log", name).Msg("opened log")
	s.logs[name] = l
	return l, nil
}

// Close closes every hosted log.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for name, l := range s.logs {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.logs, name)
	}
	return first
}
