package codec

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type order struct {
	ID     string  `json:"id" msgpack:"id"`
	Amount float64 `json:"amount" msgpack:"amount"`
	Items  []string
}

func TestJSONRoundTrip(t *testing.T) {
	in := order{ID: "o-1", Amount: 42.5, Items: []string{"a", "b"}}

	data, err := (JSON{}).Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var out order
	if err := (JSON{}).Decode(data, &out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMsgPackRoundTrip(t *testing.T) {
	in := order{ID: "o-2", Amount: 7, Items: []string{"x"}}

	data, err := (MsgPack{}).Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var out order
	if err := (MsgPack{}).Decode(data, &out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestProtoRejectsNonProtoPayload(t *testing.T) {
	if _, err := (Proto{}).Encode(order{}); err == nil {
		t.Error("expected error for non-proto payload")
	}
	var out order
	if err := (Proto{}).Decode([]byte{}, &out); err == nil {
		t.Error("expected error for non-proto target")
	}
}

func TestRegistry(t *testing.T) {
	t.Run("json registered by default", func(t *testing.T) {
		c, ok := Get("application/json")
		if !ok {
			t.Fatal("expected json codec in registry")
		}
		if c.ContentType() != "application/json" {
			t.Errorf("unexpected content type %q", c.ContentType())
		}
	})

	t.Run("msgpack registered via init", func(t *testing.T) {
		if _, ok := Get("application/msgpack"); !ok {
			t.Error("expected msgpack codec in registry")
		}
	})

	t.Run("MustGet falls back to json", func(t *testing.T) {
		c := MustGet("application/unknown")
		if c.ContentType() != "application/json" {
			t.Errorf("expected json fallback, got %q", c.ContentType())
		}
	})
}
