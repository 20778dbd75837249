package repository

import (
	"context"
	"strings"

	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// Multi writes every batch to each sink in order and stops at the first failure
type Multi struct {
	sinks []Repository
}

func NewMulti(sinks ...Repository) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Name() string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name()
	}
	return strings.Join(names, ",")
}

func (m *Multi) UpsertMetrics(ctx context.Context, records []*model.MetricRecord) error {
	for _, s := range m.sinks {
		if err := s.UpsertMetrics(ctx, records); err != nil {
			return goerr.Wrap(err, "sink failed", goerr.V("sink", s.Name()))
		}
	}
	return nil
}
