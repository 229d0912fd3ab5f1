package hashid_test

import (
	"testing"

	"timelock/internal/domain"
	"timelock/internal/hashid"
)

func baseDescriptor() domain.Descriptor {
	return domain.Descriptor{
		Target:     "https://example.com/vault",
		Value:      42,
		Signature:  "withdraw(amount)",
		Data:       []byte{0xde, 0xad},
		WindowFrom: 1000,
		WindowTo:   2000,
	}
}

func TestDeriveDeterministic(t *testing.T) {
	a := hashid.Derive(baseDescriptor())
	b := hashid.Derive(baseDescriptor())
	if a != b {
		t.Fatalf("same descriptor derived %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("id length = %d", len(a))
	}
}

func TestDeriveFieldSensitivity(t *testing.T) {
	base := hashid.Derive(baseDescriptor())
	mutations := map[string]func(*domain.Descriptor){
		"target":    func(d *domain.Descriptor) { d.Target = "https://example.com/other" },
		"value":     func(d *domain.Descriptor) { d.Value++ },
		"signature": func(d *domain.Descriptor) { d.Signature = "deposit(amount)" },
		"data":      func(d *domain.Descriptor) { d.Data = []byte{0xde, 0xae} },
		"from":      func(d *domain.Descriptor) { d.WindowFrom++ },
		"to":        func(d *domain.Descriptor) { d.WindowTo++ },
	}
	for name, mutate := range mutations {
		d := baseDescriptor()
		mutate(&d)
		if hashid.Derive(d) == base {
			t.Fatalf("changing %s did not change the id", name)
		}
	}
}

func TestDeriveNoFieldBleed(t *testing.T) {
	// moving a byte between signature and data must change the id
	a := baseDescriptor()
	a.Signature = "ab"
	a.Data = []byte("c")
	b := baseDescriptor()
	b.Signature = "a"
	b.Data = []byte("bc")
	if hashid.Derive(a) == hashid.Derive(b) {
		t.Fatalf("field boundary collision")
	}

	// empty signature is distinct from any non-empty one
	empty := baseDescriptor()
	empty.Signature = ""
	if hashid.Derive(empty) == hashid.Derive(baseDescriptor()) {
		t.Fatalf("empty signature collided")
	}
}

func TestEmergencyKeyDisjoint(t *testing.T) {
	key := hashid.EmergencyKey("https://example.com/vault", "pause()")
	if key != hashid.EmergencyKey("https://example.com/vault", "pause()") {
		t.Fatalf("emergency key not deterministic")
	}
	if key == hashid.EmergencyKey("https://example.com/vault", "resume()") {
		t.Fatalf("distinct signatures collided")
	}
	d := domain.Descriptor{Target: "https://example.com/vault", Signature: "pause()"}
	if key == hashid.Derive(d) {
		t.Fatalf("emergency key collided with command id")
	}
}

func TestSelector(t *testing.T) {
	sel := hashid.Selector("pause()")
	if len(sel) != hashid.SelectorSize {
		t.Fatalf("selector length = %d", len(sel))
	}
	again := hashid.Selector("pause()")
	if string(sel) != string(again) {
		t.Fatalf("selector not deterministic")
	}
	if string(sel) == string(hashid.Selector("resume()")) {
		t.Fatalf("distinct signatures share a selector")
	}
}
