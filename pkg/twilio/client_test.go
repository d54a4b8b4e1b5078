package twilio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

type fakeREST struct {
	createCall    *api.CreateCallParams
	updatedSID    string
	updateCall    *api.UpdateCallParams
	createMessage *api.CreateMessageParams
	err           error
}

func strPtr(s string) *string { return &s }

func (f *fakeREST) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	f.createCall = params
	if f.err != nil {
		return nil, f.err
	}
	return &api.ApiV2010Call{Sid: strPtr("CA123")}, nil
}

func (f *fakeREST) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	f.updatedSID, f.updateCall = sid, params
	return &api.ApiV2010Call{Sid: strPtr(sid)}, f.err
}

func (f *fakeREST) CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error) {
	f.createMessage = params
	if f.err != nil {
		return nil, f.err
	}
	return &api.ApiV2010Message{Sid: strPtr("SM456")}, nil
}

func testClient(rest restAPI) *Client {
	return newClient(rest, Config{PhoneNumber: "+15550001111", WhatsAppNumber: "+14155238886"}, zap.NewNop())
}

func TestInitiateCall(t *testing.T) {
	rest := &fakeREST{}
	sid, err := testClient(rest).InitiateCall(context.Background(), InitiateCallRequest{
		To:       "+15551234567",
		TwiMLURL: "https://calls.example.com/outbound-call-twiml?client_name=Jane",
	})
	require.NoError(t, err)
	assert.Equal(t, "CA123", sid)
	assert.Equal(t, "+15551234567", *rest.createCall.To)
	assert.Equal(t, "+15550001111", *rest.createCall.From)
	assert.Equal(t, "https://calls.example.com/outbound-call-twiml?client_name=Jane", *rest.createCall.Url)
}

func TestEndCall(t *testing.T) {
	rest := &fakeREST{}
	require.NoError(t, testClient(rest).EndCall(context.Background(), "CA123"))
	assert.Equal(t, "CA123", rest.updatedSID)
	assert.Equal(t, "completed", *rest.updateCall.Status)
}

func TestSendWhatsApp(t *testing.T) {
	rest := &fakeREST{}
	sid, err := testClient(rest).SendWhatsApp(context.Background(), "+15551234567", "Your summary", "https://calls.example.com/static/brochure.pdf")
	require.NoError(t, err)
	assert.Equal(t, "SM456", sid)
	assert.Equal(t, "whatsapp:+15551234567", *rest.createMessage.To)
	assert.Equal(t, "whatsapp:+14155238886", *rest.createMessage.From)
	assert.Equal(t, []string{"https://calls.example.com/static/brochure.pdf"}, *rest.createMessage.MediaUrl)
}

func TestSendWhatsAppProviderError(t *testing.T) {
	rest := &fakeREST{err: errors.New("21211 invalid number")}
	_, err := testClient(rest).SendWhatsApp(context.Background(), "+1", "x", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "21211")
}

func TestInvokeHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := make(chan struct{})
	defer close(block)

	_, err := invoke(ctx, "test", func() (string, error) {
		<-block
		return "late", nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
