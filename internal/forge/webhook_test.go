package forge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"action":"closed"}`)
	sig := Sign("s3cret", body)

	assert.True(t, VerifySignature("s3cret", body, sig))
	assert.False(t, VerifySignature("wrong", body, sig))
	assert.False(t, VerifySignature("s3cret", []byte(`{"action":"opened"}`), sig))
	assert.False(t, VerifySignature("s3cret", body, ""))
	assert.False(t, VerifySignature("", body, sig))
}

func TestParseEventPullRequest(t *testing.T) {
	tests := []struct {
		name  string
		event string
		body  string
		want  EventKind
	}{
		{
			name:  "opened",
			event: "pull_request",
			body:  `{"action":"opened","pull_request":{"number":7,"html_url":"https://github.com/acme/joplin/pull/7","head":{"ref":"darwin/t1"}},"repository":{"full_name":"acme/joplin"}}`,
			want:  EventPROpened,
		},
		{
			name:  "merged",
			event: "pull_request",
			body:  `{"action":"closed","pull_request":{"number":7,"html_url":"https://github.com/acme/joplin/pull/7","merged":true},"repository":{"full_name":"acme/joplin"}}`,
			want:  EventPRMerged,
		},
		{
			name:  "closed without merge",
			event: "pull_request",
			body:  `{"action":"closed","pull_request":{"number":7,"html_url":"https://github.com/acme/joplin/pull/7","merged":false},"repository":{"full_name":"acme/joplin"}}`,
			want:  EventPRClosed,
		},
		{
			name:  "label change ignored",
			event: "pull_request",
			body:  `{"action":"labeled","pull_request":{"number":7,"html_url":"https://github.com/acme/joplin/pull/7"}}`,
			want:  EventIgnored,
		},
		{
			name:  "unrelated event ignored",
			event: "push",
			body:  `{"pull_request":{"html_url":"https://github.com/acme/joplin/pull/7"}}`,
			want:  EventIgnored,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent(tt.event, []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Kind)
		})
	}
}

func TestParseEventReview(t *testing.T) {
	body := `{
		"action": "submitted",
		"review": {"state": "CHANGES_REQUESTED", "body": "use early returns", "user": {"login": "alice"}},
		"pull_request": {"number": 7, "html_url": "https://github.com/acme/joplin/pull/7", "head": {"ref": "darwin/t1"}},
		"repository": {"full_name": "acme/joplin"}
	}`
	ev, err := ParseEvent("pull_request_review", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, EventChangesRequested, ev.Kind)
	assert.Equal(t, "alice", ev.Reviewer)
	assert.Equal(t, "use early returns", ev.Feedback)
	assert.Equal(t, "acme/joplin", ev.Repo)
	assert.Equal(t, 7, ev.PRNumber)
	assert.Equal(t, "darwin/t1", ev.Branch)
}

func TestParseEventMalformed(t *testing.T) {
	_, err := ParseEvent("pull_request", []byte("not json"))
	require.Error(t, err)
}
