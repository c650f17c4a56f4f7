package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hive-corporation/iochub/internal/core/domain"
	"github.com/hive-corporation/iochub/internal/core/ports"
	"github.com/hive-corporation/iochub/internal/metrics"
	"go.uber.org/zap"
)

// MemoryRepository is an in-process MergeStore. A single lock serializes
// writers; each batch is staged on a copy-on-write overlay and published only
// when every candidate merged.
type MemoryRepository struct {
	mu     sync.RWMutex
	rows   map[domain.Identity]domain.IOC
	logger *zap.Logger
}

func NewMemoryRepository(logger *zap.Logger) *MemoryRepository {
	return &MemoryRepository{
		rows:   make(map[domain.Identity]domain.IOC),
		logger: logger,
	}
}

func (r *MemoryRepository) Upsert(ctx context.Context, iocs []domain.IOC) (int, error) {
	if len(iocs) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	staged := make(map[domain.Identity]domain.IOC, len(iocs))
	drifted := 0

	for _, ioc := range iocs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		ioc.Confidence = domain.ClampConfidence(ioc.Confidence)

		id := ioc.Identity()
		existing, ok := staged[id]
		if !ok {
			existing, ok = r.rows[id]
		}
		if !ok {
			staged[id] = cloneIOC(ioc)
			continue
		}

		res := domain.Merge(existing, ioc)
		if res.AttributionDrift {
			drifted++
		}
		staged[id] = res.IOC
	}

	for id, ioc := range staged {
		r.rows[id] = ioc
	}

	metrics.RecordUpserted(len(iocs))
	if drifted > 0 {
		metrics.RecordAttributionDrift(drifted)
		r.logger.Warn("⚠️ attribution drift: stored artifact/ecosystem kept", zap.Int("records", drifted))
	}
	return len(iocs), nil
}

func (r *MemoryRepository) Query(ctx context.Context, filter ports.Filter) ([]domain.IOC, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	iocs := make([]domain.IOC, 0, len(r.rows))
	for _, ioc := range r.rows {
		if matches(ioc, filter) {
			iocs = append(iocs, cloneIOC(ioc))
		}
	}
	r.mu.RUnlock()

	sort.Slice(iocs, func(i, j int) bool {
		si, sj := iocs[i].Seen(), iocs[j].Seen()
		switch {
		case si != nil && sj == nil:
			return true
		case si == nil && sj != nil:
			return false
		case si != nil && sj != nil && !si.Equal(*sj):
			return si.After(*sj)
		}
		return iocs[i].Identity().Less(iocs[j].Identity())
	})

	if filter.Limit > 0 && len(iocs) > filter.Limit {
		iocs = iocs[:filter.Limit]
	}
	return iocs, nil
}

func matches(ioc domain.IOC, filter ports.Filter) bool {
	if filter.Artifact != "" && !strings.Contains(strings.ToLower(ioc.Artifact), strings.ToLower(filter.Artifact)) {
		return false
	}
	if filter.Since != nil {
		seen := ioc.Seen()
		if seen == nil || seen.Before(*filter.Since) {
			return false
		}
	}
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if ioc.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func cloneIOC(ioc domain.IOC) domain.IOC {
	out := ioc
	if ioc.FirstSeen != nil {
		fs := *ioc.FirstSeen
		out.FirstSeen = &fs
	}
	if ioc.LastSeen != nil {
		ls := *ioc.LastSeen
		out.LastSeen = &ls
	}
	out.Tags = append([]string{}, ioc.Tags...)
	return out
}
