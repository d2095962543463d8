package xmqtt

import (
	"fmt"
	"sync"
	"testing"

	"github.com/Allenxuxu/Xmqtt/internal/packets"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		match  bool
	}{
		// Exact matches
		{"test/topic", "test/topic", true},
		{"test/topic", "test/other", false},
		{"a/b", "a/b/c", false},

		// Single-level wildcard (+)
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"test/+", "test/topic", true},
		{"test/+", "test/topic/sub", false},
		{"a/+", "a/b/c", false},
		{"+/topic", "test/topic", true},
		{"+/+", "a/b", true},
		{"+/+", "a", false},

		// Multi-level wildcard (#)
		{"a/#", "a/b/c/d", true},
		{"a/#", "a", true},
		{"test/#", "other/topic", false},
		{"#", "any/topic/here", true},
		{"test/topic/#", "test/topic", true},
		{"test/topic/#", "test/topic/sub", true},

		// Combined wildcards
		{"+/+/#", "test/topic/sub/deep", true},
		{"test/+/#", "test/topic/sub", true},

		// $-prefixed topics never match filters starting with a wildcard
		{"#", "$SYS/broker", false},
		{"+/broker", "$SYS/broker", false},
		{"$SYS/#", "$SYS/broker", true},

		// Edge cases
		{"", "", true},
		{"test", "test", true},
		{"test/", "test/", true},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"_vs_"+tt.topic, func(t *testing.T) {
			result := MatchTopic(tt.filter, tt.topic)
			if result != tt.match {
				t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.filter, tt.topic, result, tt.match)
			}
		})
	}
}

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		wantErr bool
	}{
		{"plain", "a/b/c", false},
		{"single level wildcard", "a/+/c", false},
		{"multi level wildcard", "a/#", false},
		{"bare hash", "#", false},
		{"empty", "", true},
		{"plus inside level", "a/b+/c", true},
		{"hash inside level", "a/b#", true},
		{"hash not last", "a/#/c", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFilter(tt.filter)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateFilter(%q) error = %v, wantErr %v", tt.filter, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePublishTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr bool
	}{
		{"plain", "sensors/temp", false},
		{"empty", "", true},
		{"wildcard plus", "sensors/+/temp", true},
		{"wildcard hash", "sensors/#", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePublishTopic(tt.topic)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePublishTopic(%q) error = %v, wantErr %v", tt.topic, err, tt.wantErr)
			}
		})
	}
}

// receivedPublishes filters the PUBLISH packets out of everything the conn saw.
func receivedPublishes(t *testing.T, fc *fakeConn) []*packets.PublishPacket {
	t.Helper()

	var out []*packets.PublishPacket
	for _, pkt := range fc.sentPackets(t) {
		if pub, ok := pkt.(*packets.PublishPacket); ok {
			out = append(out, pub)
		}
	}
	return out
}

func TestTreePublishExact(t *testing.T) {
	sub, fc, tree := newBoundSession(t, "sub")

	tree.Subscribe("a/b", sub)
	tree.Publish("a/b", &Message{Topic: "a/b", Payload: []byte("x")})

	pubs := receivedPublishes(t, fc)
	if len(pubs) != 1 {
		t.Fatalf("got %d publishes, want 1", len(pubs))
	}
	if string(pubs[0].Payload) != "x" {
		t.Errorf("payload = %q, want %q", pubs[0].Payload, "x")
	}
}

func TestTreePublishWildcard(t *testing.T) {
	sub, fc, tree := newBoundSession(t, "sub")

	tree.Subscribe("sport/#", sub)
	tree.Publish("sport/football", &Message{Topic: "sport/football", Payload: []byte("goal")})
	tree.Publish("news/politics", &Message{Topic: "news/politics", Payload: []byte("ignored")})

	pubs := receivedPublishes(t, fc)
	if len(pubs) != 1 {
		t.Fatalf("got %d publishes, want 1", len(pubs))
	}
	if pubs[0].Topic != "sport/football" {
		t.Errorf("topic = %q, want %q", pubs[0].Topic, "sport/football")
	}
}

func TestTreeUnsubscribe(t *testing.T) {
	sub, fc, tree := newBoundSession(t, "sub")

	tree.Subscribe("a/b", sub)
	tree.Unsubscribe("a/b", sub)
	tree.Publish("a/b", &Message{Topic: "a/b", Payload: []byte("x")})

	if pubs := receivedPublishes(t, fc); len(pubs) != 0 {
		t.Errorf("got %d publishes after unsubscribe, want 0", len(pubs))
	}

	if _, ok := (*tree.topics.Load())["a/b"]; ok {
		t.Error("empty exact entry was not erased")
	}
}

func TestTreeRetainedDeliveredOnSubscribe(t *testing.T) {
	tree := NewTopicTree()
	tree.Publish("t", &Message{Topic: "t", Retain: true, Payload: []byte("x")})

	// A later exact subscriber receives the retained message.
	sub, fc, _ := newBoundSession(t, "sub")
	tree.Subscribe("t", sub)

	pubs := receivedPublishes(t, fc)
	if len(pubs) != 1 || string(pubs[0].Payload) != "x" {
		t.Fatalf("retained delivery: got %v", pubs)
	}

	// A wildcard subscriber scans the exact table.
	sub2, fc2, _ := newBoundSession(t, "sub2")
	tree.Subscribe("+", sub2)

	pubs2 := receivedPublishes(t, fc2)
	if len(pubs2) != 1 || string(pubs2[0].Payload) != "x" {
		t.Fatalf("retained wildcard delivery: got %v", pubs2)
	}
}

func TestTreeRetainedReplaceAndClear(t *testing.T) {
	tree := NewTopicTree()

	tree.Publish("t", &Message{Topic: "t", Retain: true, Payload: []byte("old")})
	tree.Publish("t", &Message{Topic: "t", Retain: true, Payload: []byte("new")})

	sub, fc, _ := newBoundSession(t, "sub")
	tree.Subscribe("t", sub)
	pubs := receivedPublishes(t, fc)
	if len(pubs) != 1 || string(pubs[0].Payload) != "new" {
		t.Fatalf("retained replace: got %v", pubs)
	}
	tree.Unsubscribe("t", sub)

	tree.DeleteRetained("t")

	sub2, fc2, _ := newBoundSession(t, "sub2")
	tree.Subscribe("t", sub2)
	if pubs := receivedPublishes(t, fc2); len(pubs) != 0 {
		t.Errorf("got %d publishes after retained clear, want 0", len(pubs))
	}
}

func TestTreeSnapshotIsolation(t *testing.T) {
	// Mutations concurrent with fan-out must not disturb a reader's
	// snapshot. Hammer both paths; the race detector does the judging.
	tree := NewTopicTree()
	sub, _, _ := newBoundSession(t, "sub")
	tree.Subscribe("base", sub)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s, _, _ := newBoundSession(t, fmt.Sprintf("churn-%d", i))
			tree.Subscribe("base", s)
			tree.Subscribe("churn/#", s)
			tree.Unsubscribe("base", s)
			tree.Unsubscribe("churn/#", s)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			tree.Publish("base", &Message{Topic: "base", Payload: []byte("p")})
		}
	}()

	wg.Wait()
}
