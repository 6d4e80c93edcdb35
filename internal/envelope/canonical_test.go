package envelope

import "testing"

func TestCanonicalSortsKeysAndStripsWhitespace(t *testing.T) {
	got, err := Canonical([]byte(`{ "b": [3, {"z": 1, "a": 2}], "a": "<tag> & more", "n": 1.50 }`))
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	want := `{"a":"<tag> & more","b":[3,{"a":2,"z":1}],"n":1.50}`
	if string(got) != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCanonicalIsStable(t *testing.T) {
	a, err := Canonical([]byte(`{"x":{"q":true,"p":null},"y":"v"}`))
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	b, err := Canonical([]byte("{\n  \"y\": \"v\",\n  \"x\": {\"p\": null, \"q\": true}\n}"))
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected identical encodings, got %s vs %s", a, b)
	}
}

func TestRedactorIsIdempotent(t *testing.T) {
	r := NewRedactor("redact")
	obj, err := DecodeObject([]byte(`{"token":"abc","nested":[{"api-key":"k"}],"ok":"Bearer abcdefghijklmnopqrstu"}`))
	if err != nil {
		t.Fatalf("DecodeObject: %v", err)
	}
	first, hits := r.Redact(obj)
	if hits != 3 {
		t.Fatalf("expected 3 hits, got %d", hits)
	}
	if _, again := r.Redact(first); again != 0 {
		t.Fatalf("expected no hits on second pass, got %d", again)
	}
}
