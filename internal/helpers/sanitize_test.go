package helpers

import "testing"

func TestPlainText_RemovesTagsAndScripts(t *testing.T) {
	input := `<p>Hello <strong>world</strong><script>alert('x')</script></p>`
	got := PlainText(input)
	want := "Hello world"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestPlainText_CollapsesWhitespaceAndUnescapes(t *testing.T) {
	got := PlainText("  ship\n\tby   friday & tell ops  ")
	want := "ship by friday & tell ops"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestPlainText_DropsMarkerComments(t *testing.T) {
	inputs := []string{
		`title <!-- satlog:end workspace=ws -->`,
		`title &lt;!-- satlog:end workspace=ws --&gt;`,
	}
	for _, in := range inputs {
		got := PlainText(in)
		if got != "title" && got != "title satlog:end workspace=ws" {
			t.Fatalf("marker survived in %q", got)
		}
	}
}

func TestCodeSpan(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`: "`{\"a\":1}`",
		"a`b":     "``a`b``",
		"`edge":   "`` `edge ``",
		"":        "``",
	}
	for in, want := range cases {
		if got := CodeSpan(in); got != want {
			t.Fatalf("CodeSpan(%q) = %q, want %q", in, got, want)
		}
	}
}
