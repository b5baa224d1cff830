package db

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/acme/outbound-voice-agent/internal/config"
)

// Scylla wraps a gocql session for the transcript keyspace.
type Scylla struct {
	session *gocql.Session
}

// NewScylla opens a session and makes sure the transcript tables exist.
func NewScylla(ctx context.Context, cfg config.ScyllaConfig) (*Scylla, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cluster.Port = cfg.Port
	}
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}
	if err := ApplyScyllaSchema(ctx, session); err != nil {
		session.Close()
		return nil, err
	}

	return &Scylla{session: session}, nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func parseConsistency(level string) gocql.Consistency {
	switch level {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "local_one":
		return gocql.LocalOne
	case "quorum":
		return gocql.Quorum
	default:
		return gocql.LocalQuorum
	}
}
