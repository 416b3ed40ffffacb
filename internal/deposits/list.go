package deposits

import (
	"context"

	"github.com/kudupay/kudu/internal/keys"
	"github.com/kudupay/kudu/internal/pagination"
	"github.com/kudupay/kudu/internal/store"
)

// Page is one page of deposits, newest first.
type Page struct {
	Deposits   []Deposit `json:"deposits"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// ListSponsor returns a sponsor's deposits, newest first, optionally
// filtered by status. Status filtering uses GSI1; when the index is
// absent the listing degrades to a primary-partition walk with
// in-process filtering, which may return short pages.
func (s *Service) ListSponsor(ctx context.Context, sponsorID, status string, limit int, cursor string) (Page, error) {
	if status != "" {
		switch status {
		case StatusNew, StatusAllocated, StatusRejected:
		default:
			return Page{}, ErrInvalidStatus
		}
	}

	after, err := pagination.Decode(cursor)
	if err != nil {
		return Page{}, err
	}
	q := store.Query{
		Pk:      keys.Sponsor(sponsorID),
		Forward: false,
		Limit:   pagination.ClampLimit(limit),
		Cursor:  after,
	}

	if status != "" && s.gsi1Available {
		q.SkPrefix = keys.GSI1StatusPrefix(status)
		page, err := s.store.QueryIndex(ctx, store.GSI1, q)
		if err != nil {
			return Page{}, err
		}
		return toPage(page), nil
	}

	q.SkPrefix = keys.EFTNotifyPrefix
	page, err := s.store.Query(ctx, q)
	if err != nil {
		return Page{}, err
	}
	out := toPage(page)
	if status != "" {
		filtered := out.Deposits[:0]
		for _, d := range out.Deposits {
			if d.Status == status {
				filtered = append(filtered, d)
			}
		}
		out.Deposits = filtered
	}
	return out, nil
}

// ListAdmin returns deposits across all sponsors from the admin mirror
// partition, newest first within a status band. An empty status spans
// every band.
func (s *Service) ListAdmin(ctx context.Context, status string, limit int, cursor string) (Page, error) {
	prefix := keys.StatusPrefix
	if status != "" {
		switch status {
		case StatusNew, StatusAllocated, StatusRejected:
			prefix = keys.EFTMirrorPrefix(status)
		default:
			return Page{}, ErrInvalidStatus
		}
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return Page{}, err
	}
	page, err := s.store.Query(ctx, store.Query{
		Pk:       keys.EFTAll,
		SkPrefix: prefix,
		Forward:  false,
		Limit:    pagination.ClampLimit(limit),
		Cursor:   after,
	})
	if err != nil {
		return Page{}, err
	}
	return toPage(page), nil
}

func toPage(page *store.Page) Page {
	out := Page{Deposits: make([]Deposit, 0, len(page.Items))}
	for _, item := range page.Items {
		out.Deposits = append(out.Deposits, fromItem(item))
	}
	out.NextCursor = pagination.Encode(page.LastKey)
	return out
}
