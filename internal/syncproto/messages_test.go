package syncproto

import (
	"strings"
	"testing"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name: "valid get",
			data: `{"id":"r1","op":"get","path":"calls/s1"}`,
		},
		{
			name: "valid merge",
			data: `{"id":"r2","op":"merge","path":"calls/s1","fields":{"offerSDP":"v=0"}}`,
		},
		{
			name: "valid subscribe",
			data: `{"id":"r3","op":"subscribeCol","path":"calls/s1/offerCandidates","subId":"sub-1"}`,
		},
		{
			name: "valid unsubscribe",
			data: `{"id":"r4","op":"unsubscribe","subId":"sub-1"}`,
		},
		{
			name:    "missing id",
			data:    `{"op":"get","path":"calls/s1"}`,
			wantErr: "missing id",
		},
		{
			name:    "merge without fields",
			data:    `{"id":"r5","op":"merge","path":"calls/s1"}`,
			wantErr: "missing fields",
		},
		{
			name:    "get with fields",
			data:    `{"id":"r6","op":"get","path":"calls/s1","fields":{"a":"b"}}`,
			wantErr: "unexpected fields",
		},
		{
			name:    "unknown op",
			data:    `{"id":"r7","op":"delete","path":"calls/s1"}`,
			wantErr: "unsupported op",
		},
		{
			name:    "unknown json key",
			data:    `{"id":"r8","op":"get","path":"calls/s1","extra":true}`,
			wantErr: "unknown field",
		},
		{
			name:    "trailing data",
			data:    `{"id":"r9","op":"get","path":"calls/s1"}{}`,
			wantErr: "trailing data",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.data))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ParseRequest: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ParseRequest err=%v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseServerMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{
			name: "success result",
			data: `{"type":"result","id":"r1","doc":{"exists":true,"fields":{"offerSDP":"v=0"}}}`,
		},
		{
			name: "error result",
			data: `{"type":"result","id":"r1","code":"not_found","message":"document not found"}`,
		},
		{
			name: "doc event",
			data: `{"type":"docEvent","subId":"sub-1","doc":{"exists":false}}`,
		},
		{
			name: "col event",
			data: `{"type":"colEvent","subId":"sub-1","record":{"id":"rec-1","fields":{"candidate":"{}"}}}`,
		},
		{
			name:    "result without id",
			data:    `{"type":"result"}`,
			wantErr: true,
		},
		{
			name:    "error result without message",
			data:    `{"type":"result","id":"r1","code":"not_found"}`,
			wantErr: true,
		},
		{
			name:    "doc event without doc",
			data:    `{"type":"docEvent","subId":"sub-1"}`,
			wantErr: true,
		},
		{
			name:    "col event without record id",
			data:    `{"type":"colEvent","subId":"sub-1","record":{"fields":{}}}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			data:    `{"type":"ping"}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseServerMessage([]byte(tt.data))
			if tt.wantErr && err == nil {
				t.Fatalf("ParseServerMessage accepted %s", tt.data)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("ParseServerMessage: %v", err)
			}
		})
	}
}
