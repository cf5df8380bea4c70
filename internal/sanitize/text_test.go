package sanitize

import "testing"

func TestText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"tags stripped", "<p>Hello <b>world</b></p>", "Hello world"},
		{"script dropped", "<script>alert(1)</script>safe", "safe"},
		{"line breaks", "a<br>b", "a\nb"},
		{"entities decoded", "&lt;tag&gt; &amp;", "<tag> &"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Text(tt.in); got != tt.want {
				t.Errorf("Text(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromPlain(t *testing.T) {
	got := FromPlain("a < b\r\nnext & <script>")
	want := "a &lt; b<br/>next &amp; &lt;script&gt;"
	if got != want {
		t.Errorf("FromPlain = %q, want %q", got, want)
	}
	if Web(got) != got {
		t.Errorf("FromPlain output should already be web-safe: %q", Web(got))
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("<p>hello   big\nworld</p>", 9); got != "hello big" {
		t.Errorf("Preview = %q", got)
	}
	if got := Preview("short", 100); got != "short" {
		t.Errorf("Preview = %q", got)
	}
}
