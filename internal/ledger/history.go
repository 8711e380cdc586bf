package ledger

import (
	"context"
	"iter"

	"github.com/google/uuid"

	"github.com/orbitpay/lnledger/internal/domain"
)

const historyPageSize = 100

// History streams a user's transactions newest first, fetching pages
// lazily. Ranging over the sequence again re-runs the query from the
// start; breaking out early stops fetching. A read error is yielded once
// as the final element.
func (s *Service) History(ctx context.Context, userID uuid.UUID, filter domain.HistoryFilter) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		offset := 0
		for {
			page, err := s.txs.List(ctx, userID, filter, historyPageSize, offset)
			if err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < historyPageSize {
				return
			}
			offset += historyPageSize
		}
	}
}
