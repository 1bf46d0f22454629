package main

import (
	"errors"
	"testing"

	"github.com/pliu/adyx/internal/models"
	"github.com/pliu/adyx/internal/session"
	"github.com/pliu/adyx/internal/transport"
)

func TestDescribe(t *testing.T) {
	typing := true
	secs := 30
	tests := []struct {
		name string
		ev   session.Event
		want string
	}{
		{"Text", session.Event{Kind: session.MessageReceived, Message: &session.Message{ID: "m1", From: models.RoleAdmin, Type: models.TypeText, Data: []byte("hi")}}, "admin [m1]: hi"},
		{"File", session.Event{Kind: session.MessageReceived, Message: &session.Message{From: models.RoleReceiver, Type: models.TypeFile, FileName: "../x/a.txt", FileType: "text/plain", Data: []byte("abc")}}, "receiver sent a.txt (text/plain, 3 bytes), saved"},
		{"Delivered", session.Event{Kind: session.MessageDelivered, Frame: &models.Frame{MessageID: "m1"}}, "  delivered m1"},
		{"Receipt", session.Event{Kind: session.MessageReceipt, Frame: &models.Frame{MessageID: "m1"}}, "  not delivered m1 (peer not connected)"},
		{"Typing", session.Event{Kind: session.PeerTyping, Frame: &models.Frame{IsTyping: &typing}}, "* peer is typing"},
		{"Stopped Typing", session.Event{Kind: session.PeerTyping, Frame: &models.Frame{}}, ""},
		{"Disappear", session.Event{Kind: session.DisappearChanged, Frame: &models.Frame{Seconds: &secs}}, "* messages disappear after 30s"},
		{"Closed", session.Event{Kind: session.StateChanged, State: transport.Closed, Err: errors.New("gone")}, "* " + transport.Closed.String() + ": gone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describe(tt.ev); got != tt.want {
				t.Errorf("describe() = %q, want %q", got, tt.want)
			}
		})
	}
}
