package relay

import (
	"net/http"
	"testing"
)

func TestBearerSubprotocol(t *testing.T) {
	cases := []struct {
		name      string
		headers   []string
		wantToken string
		wantOffer string
	}{
		{
			name:      "single offer",
			headers:   []string{"waveline.bearer.abc123"},
			wantToken: "abc123",
			wantOffer: "waveline.bearer.abc123",
		},
		{
			name:      "among other offers",
			headers:   []string{"chat, waveline.bearer.tok , superchat"},
			wantToken: "tok",
			wantOffer: "waveline.bearer.tok",
		},
		{
			name:      "split across headers",
			headers:   []string{"chat", "waveline.bearer.tok"},
			wantToken: "tok",
			wantOffer: "waveline.bearer.tok",
		},
		{
			name:    "no bearer offer",
			headers: []string{"chat, superchat"},
		},
		{
			name:    "no header at all",
			headers: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, "/ws/r/p", nil)
			if err != nil {
				t.Fatalf("build request: %v", err)
			}
			for _, h := range tc.headers {
				req.Header.Add("Sec-WebSocket-Protocol", h)
			}

			token, offer := bearerSubprotocol(req)
			if token != tc.wantToken || offer != tc.wantOffer {
				t.Fatalf("got (%q, %q), want (%q, %q)", token, offer, tc.wantToken, tc.wantOffer)
			}
		})
	}
}

func TestLooseTxn(t *testing.T) {
	if txn := looseTxn([]byte(`{"txn":"t1","type":123}`)); txn != "t1" {
		t.Fatalf("got %q, want t1", txn)
	}
	if txn := looseTxn([]byte(`not json`)); txn != "" {
		t.Fatalf("got %q, want empty", txn)
	}
}
