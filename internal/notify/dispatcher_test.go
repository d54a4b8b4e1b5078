package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/troikatech/callbridge/internal/records"
	"go.uber.org/zap"
)

type fakeEmail struct {
	mu    sync.Mutex
	sent  []EmailMessage
	err   error
	delay time.Duration
}

func (f *fakeEmail) SendEmail(ctx context.Context, msg EmailMessage) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "<msg-1@callbridge>", nil
}

func (f *fakeEmail) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type whatsAppCall struct {
	to, body, mediaURL string
}

type fakeWhatsApp struct {
	mu    sync.Mutex
	calls []whatsAppCall
	err   error
}

func (f *fakeWhatsApp) SendWhatsApp(ctx context.Context, to, body, mediaURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, whatsAppCall{to: to, body: body, mediaURL: mediaURL})
	return "SM1", nil
}

func (f *fakeWhatsApp) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func seedRecord(t *testing.T, store records.Store, prefs records.NotificationPreferences, followUp string) *records.CallRecord {
	t.Helper()
	rec, err := store.CreateOrReplace(context.Background(), &records.CallRecord{
		CallID:                  "conv_1",
		ClientName:              "Jane",
		PhoneNumber:             "+15551234567",
		Summary:                 "Jane wants the premium plan.",
		FollowUpDate:            followUp,
		NotificationPreferences: prefs,
		Timestamp:               time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return rec
}

var bothChannels = records.NotificationPreferences{
	NotifyEmail:    true,
	NotifyWhatsApp: true,
	EmailAddress:   "jane@example.com",
	WhatsAppNumber: "+15551234567",
}

func TestDispatchBothChannels(t *testing.T) {
	store := records.NewMemoryStore()
	email, wa := &fakeEmail{}, &fakeWhatsApp{}
	d := NewDispatcher(store, email, wa, Config{PublicBaseURL: "https://calls.example.com"}, zap.NewNop())
	rec := seedRecord(t, store, bothChannels, "2025-03-14")

	res, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)

	assert.True(t, res.Preferences.EmailSent)
	assert.True(t, res.Preferences.WhatsAppSent)
	assert.Equal(t, "<msg-1@callbridge>", res.Preferences.EmailProviderRef)
	assert.Equal(t, "SM1", res.Preferences.WhatsAppProviderRef)
	assert.Len(t, res.Attempts, 2)

	require.Equal(t, 1, email.count())
	msg := email.sent[0]
	assert.Equal(t, "Your Call Summary - Jane", msg.Subject)
	assert.Contains(t, msg.Text, "2025-03-14")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "Call_Summary.pdf", msg.Attachments[0].Name)

	require.Equal(t, 2, wa.count(), "summary plus the confirm/reschedule prompt")
	assert.Equal(t, "https://calls.example.com/static/calls/conv_1/summary.pdf", wa.calls[0].mediaURL)
	assert.Contains(t, wa.calls[1].body, "CONFIRM")
}

func TestDispatchFailureIsIsolatedAndRecorded(t *testing.T) {
	store := records.NewMemoryStore()
	email, wa := &fakeEmail{err: errors.New("550 mailbox unavailable")}, &fakeWhatsApp{}
	d := NewDispatcher(store, email, wa, Config{}, zap.NewNop())
	rec := seedRecord(t, store, bothChannels, "")

	res, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)

	assert.False(t, res.Preferences.EmailSent)
	assert.Equal(t, records.DeliveryFailed, res.Preferences.EmailStatus)
	assert.Contains(t, res.Preferences.EmailError, "550")
	assert.True(t, res.Preferences.WhatsAppSent)
	assert.Equal(t, 1, wa.count())
}

func TestDispatchMissingTargetFailsWithoutSending(t *testing.T) {
	store := records.NewMemoryStore()
	email := &fakeEmail{}
	d := NewDispatcher(store, email, &fakeWhatsApp{}, Config{}, zap.NewNop())
	rec := seedRecord(t, store, records.NotificationPreferences{NotifyEmail: true}, "")

	res, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)

	assert.Zero(t, email.count())
	assert.False(t, res.Preferences.EmailSent)
	assert.Equal(t, "missing email address", res.Preferences.EmailError)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, StatusFailed, res.Attempts[0].Status)
}

func TestDispatchTimeoutIsAFailedAttempt(t *testing.T) {
	store := records.NewMemoryStore()
	email := &fakeEmail{delay: time.Second}
	d := NewDispatcher(store, email, nil, Config{SendTimeout: 20 * time.Millisecond}, zap.NewNop())
	rec := seedRecord(t, store, records.NotificationPreferences{NotifyEmail: true, EmailAddress: "jane@example.com"}, "")

	res, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, res.Preferences.EmailSent)
	assert.Contains(t, res.Preferences.EmailError, "deadline exceeded")
}

func TestDispatchAttachmentTooLarge(t *testing.T) {
	brochure := filepath.Join(t.TempDir(), "brochure.pdf")
	require.NoError(t, os.WriteFile(brochure, make([]byte, 4096), 0o600))

	store := records.NewMemoryStore()
	email := &fakeEmail{}
	d := NewDispatcher(store, email, nil, Config{BrochurePath: brochure, MaxAttachmentBytes: 2048}, zap.NewNop())
	rec := seedRecord(t, store, records.NotificationPreferences{NotifyEmail: true, EmailAddress: "jane@example.com"}, "")

	res, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	assert.Zero(t, email.count())
	assert.Contains(t, res.Preferences.EmailError, "attachment exceeds size limit")
}

func TestDispatchIsAtMostOnce(t *testing.T) {
	store := records.NewMemoryStore()
	email, wa := &fakeEmail{delay: 10 * time.Millisecond}, &fakeWhatsApp{}
	d := NewDispatcher(store, email, wa, Config{}, zap.NewNop())
	rec := seedRecord(t, store, bothChannels, "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Dispatch(context.Background(), rec)
		}()
	}
	wg.Wait()

	// a later re-dispatch of the stale record copy is a no-op too
	_, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, 1, email.count())
	assert.Equal(t, 1, wa.count())
}

func TestDispatchSkipsUnrequestedChannels(t *testing.T) {
	store := records.NewMemoryStore()
	email, wa := &fakeEmail{}, &fakeWhatsApp{}
	d := NewDispatcher(store, email, wa, Config{}, zap.NewNop())
	rec := seedRecord(t, store, records.NotificationPreferences{EmailAddress: "jane@example.com"}, "")

	res, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	assert.Empty(t, res.Attempts)
	assert.Zero(t, email.count()+wa.count())
	assert.Equal(t, records.DeliveryPending, res.Preferences.EmailStatus)
}

func TestFailedChannelIsOnlyRetriedOnRequest(t *testing.T) {
	store := records.NewMemoryStore()
	email := &fakeEmail{err: errors.New("421 try again later")}
	d := NewDispatcher(store, email, nil, Config{}, zap.NewNop())
	rec := seedRecord(t, store, records.NotificationPreferences{NotifyEmail: true, EmailAddress: "jane@example.com"}, "")

	res, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, records.DeliveryFailed, res.Preferences.EmailStatus)

	email.mu.Lock()
	email.err = nil
	email.mu.Unlock()

	res, err = d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	assert.Empty(t, res.Attempts, "a failed send is terminal for automatic dispatch")
	assert.Zero(t, email.count())

	res, err = d.Retry(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, StatusSent, res.Attempts[0].Status)
	assert.True(t, res.Preferences.EmailSent)
	assert.Equal(t, 1, email.count())
}
