package feed

import (
	"strings"
	"testing"
)

func TestNewEnvelopeCarriesPayload(t *testing.T) {
	env, err := NewEnvelope(TypeItemProgress, ItemEvent{ItemID: "i1", Loaded: 42})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("expected valid envelope: %v", err)
	}
	if env.Type != TypeItemProgress || len(env.MsgID) != 16 {
		t.Fatalf("unexpected envelope metadata: %+v", env)
	}

	var ev ItemEvent
	if err := env.DecodePayload(&ev); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if ev.ItemID != "i1" || ev.Loaded != 42 {
		t.Fatalf("payload mangled: %+v", ev)
	}
}

func TestValidateBasicRejectsBadEnvelopes(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{"wrong version", Envelope{V: 99, Type: TypeServerNotice, MsgID: "x"}, "invalid feed version"},
		{"missing type", Envelope{V: FeedVersion, MsgID: "x"}, "type is required"},
		{"missing msg id", Envelope{V: FeedVersion, Type: TypeServerNotice}, "msg_id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.ValidateBasic()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q error, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	env := Envelope{V: FeedVersion, Type: TypeServerNotice, MsgID: NewMsgID()}
	var notice ServerNotice
	if err := env.DecodePayload(&notice); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}
