package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Command
		wantErr bool
	}{
		{
			name:    "init with room",
			payload: `{"type":"init","user":"alice","room":"general"}`,
			want:    Command{Kind: CommandInit, User: "alice", Room: "general"},
		},
		{
			name:    "init without room",
			payload: `{"type":"init","user":"alice"}`,
			want:    Command{Kind: CommandInit, User: "alice"},
		},
		{
			name:    "message",
			payload: `{"type":"message","user":"alice","text":"hi"}`,
			want:    Command{Kind: CommandSendMessage, User: "alice", Text: "hi"},
		},
		{name: "init without user", payload: `{"type":"init","room":"general"}`, wantErr: true},
		{name: "message without text", payload: `{"type":"message","user":"alice"}`, wantErr: true},
		{name: "unknown type", payload: `{"type":"typing","user":"alice"}`, wantErr: true},
		{name: "not json", payload: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand([]byte(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
