package schema

import (
	"errors"
	"testing"

	"github.com/campusops/syncengine/errs"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"eventId":"evt-1","eventType":"user.created","data":{"id":"u1"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.EventID != "evt-1" || env.EventType != "user.created" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if string(env.Data) != `{"id":"u1"}` {
		t.Fatalf("unexpected data: %s", env.Data)
	}
}

func TestParseEnvelopeMalformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":     `{"eventId":`,
		"missing event id": `{"eventType":"user.created","data":{}}`,
		"missing type":     `{"eventId":"evt-1","data":{}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(body))
			if err == nil {
				t.Fatal("expected error")
			}
			var envelope *errs.E
			if !errors.As(err, &envelope) || envelope.Code != errs.CodeMalformed {
				t.Fatalf("expected malformed code, got %v", err)
			}
		})
	}
}

func TestChecksumStableAcrossReplay(t *testing.T) {
	a, _ := ParseEnvelope([]byte(`{"eventId":"evt-1","eventType":"user.created","data":{"id":"u1"}}`))
	b, _ := ParseEnvelope([]byte(`{"eventId":"evt-1","eventType":"user.created","data":{"id":"u1"}}`))
	if a.Checksum() != b.Checksum() {
		t.Fatal("identical payloads must hash identically")
	}
	c, _ := ParseEnvelope([]byte(`{"eventId":"evt-1","eventType":"user.created","data":{"id":"u2"}}`))
	if a.Checksum() == c.Checksum() {
		t.Fatal("mutated payload must change the checksum")
	}
	if len(a.Checksum()) != 64 {
		t.Fatalf("expected hex sha-256, got %q", a.Checksum())
	}
}
