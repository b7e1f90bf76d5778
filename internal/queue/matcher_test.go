package queue

import "testing"

func TestMatcherChain(t *testing.T) {
	chain := DefaultMatchers()
	artists, err := NewPayload("sync:artists", map[string]int{"page": 1})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}

	cases := []struct {
		name    string
		payload []byte
		jobType string
		want    bool
	}{
		{"display name", artists, "sync:artists", true},
		{"other type", artists, "sync:albums", false},
		{"prefix is not a match when fields exist", artists, "sync:art", false},
		{"command name only", []byte(`{"data":{"commandName":"sync:genres"}}`), "sync:genres", true},
		{"type field", []byte(`{"type":"sync:labels"}`), "sync:labels", true},
		{"json without identity falls back", []byte(`{"args":"sync:labels"}`), "sync:labels", true},
		{"not json falls back", []byte(`O:12:"sync:labels"`), "sync:labels", true},
		{"not json and absent", []byte(`garbage`), "sync:labels", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := chain.Matches(tc.payload, tc.jobType); got != tc.want {
				t.Fatalf("Matches(%s, %s) = %v, want %v", tc.payload, tc.jobType, got, tc.want)
			}
		})
	}
}

func TestJobType(t *testing.T) {
	p, _ := NewPayload("sync:albums", nil)
	if got := JobType(p); got != "sync:albums" {
		t.Fatalf("JobType = %q", got)
	}
	if got := JobType([]byte("nope")); got != "" {
		t.Fatalf("expected empty job type, got %q", got)
	}
}
