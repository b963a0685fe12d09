package audit

import (
	"context"
	"sync"
)

// Memory is an in-process Repository for tests and single-node setups. It
// applies the same sequencing and hash chaining as the postgres adapter.
type Memory struct {
	mu        sync.Mutex
	bySubject map[int64][]Record
	all       []Record
}

// NewMemory constructs an empty repository.
func NewMemory() *Memory {
	return &Memory{bySubject: make(map[int64][]Record)}
}

// Append implements Repository.
func (m *Memory) Append(ctx context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.bySubject[rec.SubjectID]
	var prev []byte
	if len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}
	rec.Seq = int64(len(chain)) + 1
	rec.PrevHash = prev
	rec.Hash = ChainHash(prev, rec)
	m.bySubject[rec.SubjectID] = append(chain, rec)
	m.all = append(m.all, rec)
	return rec, nil
}

// List implements Repository.
func (m *Memory) List(ctx context.Context, filters Filters) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []Record
	for _, rec := range m.all {
		if filters.SubjectID != nil && rec.SubjectID != *filters.SubjectID {
			continue
		}
		if filters.ActorID != nil && rec.ActorID != *filters.ActorID {
			continue
		}
		if filters.Kind != "" && rec.Kind != filters.Kind {
			continue
		}
		if !filters.From.IsZero() && rec.At.Before(filters.From) {
			continue
		}
		if !filters.To.IsZero() && !rec.At.Before(filters.To) {
			continue
		}
		matched = append(matched, rec)
	}

	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	if offset >= len(matched) {
		return Result{Paging: PagingInfo{Page: page, PageSize: pageSize}}, nil
	}
	end := offset + pageSize
	hasNext := end < len(matched)
	if end > len(matched) {
		end = len(matched)
	}
	return Result{
		Records: matched[offset:end],
		Paging:  PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext},
	}, nil
}

// Chain returns the full per-subject chain, oldest first. Tests use it to
// verify sequencing and hash links.
func (m *Memory) Chain(subjectID int64) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.bySubject[subjectID]...)
}
