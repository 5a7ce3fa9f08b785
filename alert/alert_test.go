package alert

import (
	"testing"
	"time"
)

func TestMessageHeadline(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{
			name: "single line",
			text: "db_pool exhausted",
			want: "db_pool exhausted",
		},
		{
			name: "multi line",
			text: "db_pool exhausted\nhost=web-3\ntenant=acme",
			want: "db_pool exhausted",
		},
		{
			name: "crlf",
			text: "db_pool exhausted\r\nhost=web-3",
			want: "db_pool exhausted",
		},
		{
			name: "empty",
			text: "",
			want: "",
		},
		{
			name: "leading newline",
			text: "\ndetails only",
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Message{Time: time.Now(), Text: tc.text}
			if got := m.Headline(); got != tc.want {
				t.Errorf("got headline %q, want %q", got, tc.want)
			}
		})
	}
}
