package event

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/turnstream/turnstream-gateway/internal/validator"
)

func TestCompletedFrameOmitsReply(t *testing.T) {
	ev := Completed("t1", "r1", "the assembled reply text", validator.Result{OK: true, Reason: validator.ReasonOK})
	if ev.Reply == "" || ev.ReplyLen != len("the assembled reply text") {
		t.Fatalf("event should hold the reply in process: %+v", ev)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "assembled reply") {
		t.Fatalf("serialized frame resends the reply: %s", data)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, present := decoded["reply"]; present {
		t.Fatalf("serialized frame has a reply field: %s", data)
	}
	if decoded["reply_len"] != float64(len("the assembled reply text")) {
		t.Fatalf("reply_len missing or wrong: %s", data)
	}
}

func TestTerminal(t *testing.T) {
	cases := []struct {
		ev   StreamEvent
		want bool
	}{
		{Status("t1", "r1", StateQueued), false},
		{ContentDelta("t1", "r1", 1, "x"), false},
		{Heartbeat("t1", "r1"), false},
		{Completed("t1", "r1", "x", validator.Result{OK: true, Reason: validator.ReasonOK}), true},
		{Error("t1", "r1", CodeUpstreamFailure, "boom"), true},
	}
	for _, c := range cases {
		if c.ev.Terminal() != c.want {
			t.Fatalf("Terminal() = %t for %s, want %t", c.ev.Terminal(), c.ev.Type, c.want)
		}
	}
}
