package records

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process. All writes go through one mutex,
// which is the serialized write path per call_id.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*CallRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*CallRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateOrReplace(ctx context.Context, rec *CallRecord) (*CallRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next := rec.Clone()
	next.UpdatedAt = now
	if next.Timestamp.IsZero() {
		next.Timestamp = now
	}

	if existing, ok := s.records[rec.CallID]; ok {
		next.CreatedAt = existing.CreatedAt
		next.Version = existing.Version + 1
		next.ConversionStatus = existing.ConversionStatus
		next.FollowUpDate = existing.FollowUpDate
		keepDelivery(&next.NotificationPreferences, existing.NotificationPreferences)
	} else {
		next.CreatedAt = now
		next.Version = 1
		keepDelivery(&next.NotificationPreferences, NotificationPreferences{})
	}

	s.records[rec.CallID] = next
	return next.Clone(), nil
}

// keepDelivery copies delivery state from prev into p, leaving the requested
// channels and targets of p untouched.
func keepDelivery(p *NotificationPreferences, prev NotificationPreferences) {
	p.EmailSent, p.WhatsAppSent = prev.EmailSent, prev.WhatsAppSent
	p.EmailStatus, p.WhatsAppStatus = prev.EmailStatus, prev.WhatsAppStatus
	p.EmailError, p.WhatsAppError = prev.EmailError, prev.WhatsAppError
	p.EmailProviderRef, p.WhatsAppProviderRef = prev.EmailProviderRef, prev.WhatsAppProviderRef
}

func (s *MemoryStore) Get(ctx context.Context, callID string) (*CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) sorted() []*CallRecord {
	all := make([]*CallRecord, 0, len(s.records))
	for _, rec := range s.records {
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].CallID > all[j].CallID
		}
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	return all
}

func (s *MemoryStore) List(ctx context.Context, page, pageSize int) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.sorted()
	start := (page - 1) * pageSize
	if start > len(all) {
		start = len(all)
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}

	out := make([]*CallRecord, 0, end-start)
	for _, rec := range all[start:end] {
		out = append(out, rec.Clone())
	}
	return &Page{Records: out, Page: page, PageSize: pageSize, Total: int64(len(all))}, nil
}

func (s *MemoryStore) Summary(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conversions int64
	for _, rec := range s.records {
		if rec.ConversionStatus {
			conversions++
		}
	}
	return NewSummary(int64(len(s.records)), conversions), nil
}

func (s *MemoryStore) FindLatestByPhone(ctx context.Context, phone string) (*CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.sorted() {
		if rec.PhoneNumber == phone || rec.NotificationPreferences.WhatsAppNumber == phone {
			return rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Update(ctx context.Context, callID string, fn Mutation) (*CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[callID]
	if !ok {
		return nil, ErrNotFound
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	// Only the reply-driven fields are writable through Update.
	updated := current.Clone()
	updated.ConversionStatus = next.ConversionStatus
	updated.FollowUpDate = next.FollowUpDate
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now()
	updated.Version++

	s.records[callID] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) ClaimNotification(ctx context.Context, callID string, ch Channel, scope ClaimScope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[callID]
	if !ok {
		return false, ErrNotFound
	}
	prefs := rec.NotificationPreferences
	if !prefs.Wants(ch) || !scope.allows(prefs.Status(ch)) {
		return false, nil
	}

	rec.NotificationPreferences.markSending(ch)
	rec.Version++
	rec.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) CompleteNotification(ctx context.Context, callID string, ch Channel, providerRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[callID]
	if !ok {
		return ErrNotFound
	}
	if rec.NotificationPreferences.Sent(ch) {
		return nil
	}

	rec.NotificationPreferences.markSent(ch, providerRef)
	rec.Version++
	rec.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) FailNotification(ctx context.Context, callID string, ch Channel, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[callID]
	if !ok {
		return ErrNotFound
	}
	if rec.NotificationPreferences.Sent(ch) {
		return nil
	}

	rec.NotificationPreferences.markFailed(ch, reason)
	rec.Version++
	rec.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListPendingNotifications(ctx context.Context, createdBefore time.Time, limit int) ([]*CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*CallRecord
	for _, rec := range s.records {
		if !rec.CreatedAt.Before(createdBefore) {
			continue
		}
		if unattempted(rec.NotificationPreferences, ChannelEmail) || unattempted(rec.NotificationPreferences, ChannelWhatsApp) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i, rec := range out {
		out[i] = rec.Clone()
	}
	return out, nil
}

func unattempted(p NotificationPreferences, ch Channel) bool {
	return p.Wants(ch) && p.Status(ch) == DeliveryPending
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
