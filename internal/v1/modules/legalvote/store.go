package legalvote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
)

// LegalVoteRow is the durable row shape of a finished vote:
// an opaque versioned JSON document keyed by LegalVoteId, queryable by
// room or by user. No SQL driver appears anywhere in the retrieval pack
// for this surface, so persistence is modeled behind this interface with
// an in-memory reference implementation — the one genuinely
// standard-library-shaped seam in this module (see DESIGN.md).
type LegalVoteRow struct {
	ID        types.LegalVoteID `json:"id"`
	CreatedBy types.UserID      `json:"created_by"`
	CreatedAt time.Time         `json:"created_at"`
	Room      types.RoomID      `json:"room"`
	Version   int               `json:"version"`
	Protocol  Protocol          `json:"protocol"`
}

// LegalVoteStore persists finished vote protocols durably.
type LegalVoteStore interface {
	Save(ctx context.Context, row LegalVoteRow) error
	ByRoom(ctx context.Context, room types.RoomID) ([]LegalVoteRow, error)
	ByUser(ctx context.Context, user types.UserID) ([]LegalVoteRow, error)
}

// InMemoryStore is the reference LegalVoteStore implementation used in
// tests and in single-instance deployments without a relational backend.
type InMemoryStore struct {
	mu   sync.Mutex
	rows []LegalVoteRow
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore { return &InMemoryStore{} }

func (s *InMemoryStore) Save(ctx context.Context, row LegalVoteRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row.Version = 1
	s.rows = append(s.rows, row)
	return nil
}

func (s *InMemoryStore) ByRoom(ctx context.Context, room types.RoomID) ([]LegalVoteRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LegalVoteRow
	for _, r := range s.rows {
		if r.Room == room {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ByUser(ctx context.Context, user types.UserID) ([]LegalVoteRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LegalVoteRow
	for _, r := range s.rows {
		if r.CreatedBy == user {
			out = append(out, r)
		}
	}
	return out, nil
}

// PdfRenderer renders a finished vote protocol to a PDF document. No PDF
// library appears anywhere in the retrieval pack, so this is modeled
// behind an interface with an in-memory reference implementation (see
// DESIGN.md).
type PdfRenderer interface {
	Render(ctx context.Context, protocol Protocol) ([]byte, error)
}

// AssetStore uploads a rendered asset and returns its opaque id.
type AssetStore interface {
	Upload(ctx context.Context, filename string, data []byte) (assetID string, err error)
}

// NullPdfRenderer is a reference PdfRenderer that renders a plain-text
// placeholder instead of a real PDF. Swap in a real renderer without
// touching the module once one is wired.
type NullPdfRenderer struct{}

func (NullPdfRenderer) Render(ctx context.Context, protocol Protocol) ([]byte, error) {
	return []byte(fmt.Sprintf("legal-vote protocol, %d entries", len(protocol.Entries))), nil
}

// InMemoryAssetStore is a reference AssetStore backed by a process-local
// map, standing in for object storage.
type InMemoryAssetStore struct {
	mu     sync.Mutex
	assets map[string][]byte
	seq    int
}

func NewInMemoryAssetStore() *InMemoryAssetStore {
	return &InMemoryAssetStore{assets: map[string][]byte{}}
}

func (s *InMemoryAssetStore) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("asset-%d-%s", s.seq, filename)
	s.assets[id] = data
	return id, nil
}
