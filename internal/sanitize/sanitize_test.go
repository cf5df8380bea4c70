package sanitize

import (
	"strings"
	"testing"
)

var corpus = []string{
	"",
	"plain text",
	"Please visit <a href=\"/dashboard\">Dashboard</a>",
	`<a href="javascript:alert(1)">bad</a> <a href="/dashboard">Go to Dashboard</a>`,
	`<a href="JaVaScRiPt:alert(1)">x</a>`,
	`<a href=" java	script:alert(1)">tab</a>`,
	`<a href="&#106;avascript:alert(1)">entity</a>`,
	`<a href="vbscript:msgbox(1)">vb</a>`,
	`<a href="data:text/html;base64,PHNjcmlwdD4=">data</a>`,
	`<a href="https://example.com" onclick="steal()" style="color:red" target="_self">x</a>`,
	`<a href="//evil.example/path">proto-relative</a>`,
	`<a href="mailto:ops@example.com">mail</a> <a href="tel:+15550100">call</a>`,
	`<p onmouseover="x()">hi <b>bold</b> <i>it</i> <strong>s</strong> <em>e</em></p>`,
	`<script>alert(1)</script><style>p{}</style><iframe src="https://x"></iframe>ok`,
	`<ul><li>one</li><li>two<ol><li>nested</li></ol></li></ul>`,
	`<div><span>unwrapped</span></div><img src=x onerror=alert(1)>`,
	`<p>a<ul><li>b</li></ul></p>`,
	`<table><tr><td><li>cell<table><tr><td><li>inner</td></tr></table></td></tr></table>`,
	`unclosed <b>bold <i>both`,
	`<svg><a href="javascript:alert(1)">svg</a></svg>after`,
	`text with javascript:alert(1) inside`,
	`<pre>
 code</pre><br><br/>`,
	`<a href="https://example.com/?q=a&b=c" title="t &quot;q&quot;">amp</a>`,
	`<!-- comment --><!DOCTYPE html>&lt;escaped&gt; & "quotes" 'single'`,
	"<a href=\"/dash\x01board\">ctl</a>",
}

func TestWebIdempotent(t *testing.T) {
	for _, in := range corpus {
		once := Web(in)
		twice := Web(once)
		if once != twice {
			t.Errorf("Web not idempotent for %q:\n once=%q\ntwice=%q", in, once, twice)
		}
	}
}

func TestEmailIdempotent(t *testing.T) {
	for _, in := range corpus {
		once := Email(in, "https://app.test")
		twice := Email(once, "https://app.test")
		if once != twice {
			t.Errorf("Email not idempotent for %q:\n once=%q\ntwice=%q", in, once, twice)
		}
	}
}

func TestSchemeSafety(t *testing.T) {
	for _, in := range corpus {
		for name, out := range map[string]string{
			"web":   Web(in),
			"email": Email(in, "https://app.test"),
		} {
			lower := strings.ToLower(out)
			if strings.Contains(lower, "javascript:") || strings.Contains(lower, "vbscript:") {
				t.Errorf("%s output for %q contains a script scheme: %q", name, in, out)
			}
			if strings.Contains(lower, "data:text") {
				t.Errorf("%s output for %q kept a data: link: %q", name, in, out)
			}
			if strings.Contains(lower, "<script") || strings.Contains(lower, "onclick") || strings.Contains(lower, "onerror") || strings.Contains(lower, "style=") {
				t.Errorf("%s output for %q kept active content: %q", name, in, out)
			}
		}
	}
}

func TestWebLinkPreservation(t *testing.T) {
	out := Web(`<a href="/dashboard">Dashboard</a>`)
	if !strings.Contains(out, `href="/dashboard"`) {
		t.Errorf("missing relative href: %q", out)
	}
	if strings.Contains(out, `target="_blank"`) {
		t.Errorf("relative link should not open a new tab: %q", out)
	}
}

func TestWebExternalHardening(t *testing.T) {
	out := Web(`<a href="https://example.com">x</a>`)
	want := `<a href="https://example.com" target="_blank" rel="noopener noreferrer nofollow">x</a>`
	if out != want {
		t.Errorf("Web = %q, want %q", out, want)
	}
}

func TestExternalHardeningOverridesUserAttributes(t *testing.T) {
	out := Web(`<a href="http://example.com" target="_self" rel="opener">x</a>`)
	if strings.Contains(out, "_self") || strings.Contains(out, `rel="opener"`) {
		t.Errorf("user target/rel leaked: %q", out)
	}
	if !strings.Contains(out, `rel="noopener noreferrer nofollow"`) {
		t.Errorf("missing hardened rel: %q", out)
	}
}

func TestEmailRewritesRelativeLinks(t *testing.T) {
	out := Email(`<a href="/dashboard">Go</a>`, "https://app.test")
	if !strings.Contains(out, `href="https://app.test/dashboard"`) {
		t.Errorf("relative link not absolutized: %q", out)
	}
	if !strings.Contains(out, `target="_blank"`) || !strings.Contains(out, `rel="noopener noreferrer nofollow"`) {
		t.Errorf("rewritten link not hardened: %q", out)
	}
}

func TestEmailBaseURLTrailingSlash(t *testing.T) {
	out := Email(`<a href="/a/b?x=1">Go</a>`, "https://app.test/")
	if !strings.Contains(out, `href="https://app.test/a/b?x=1"`) {
		t.Errorf("got %q", out)
	}
}

func TestEmailWithoutUsableBaseDemotesRelativeLinks(t *testing.T) {
	for _, base := range []string{"", "app.test", "ftp://app.test", "javascript:alert(1)"} {
		out := Email(`<a href="/dashboard">Go</a>`, base)
		if out != "Go" {
			t.Errorf("Email(base=%q) = %q, want plain text", base, out)
		}
	}
}

func TestDangerousAnchorsAreDemoted(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`<a href="javascript:alert(1)">bad</a>`, "bad"},
		{`<a href="vbscript:x">vb</a>`, "vb"},
		{`<a href="//evil.example">pr</a>`, "pr"},
		{`<a name="anchor">named</a>`, "named"},
		{`<a href="relative/page">rel</a>`, "rel"},
		{`<a href="https://ok.example/?next=javascript:alert(1)">q</a>`, "q"},
	}
	for _, tt := range tests {
		if got := Web(tt.in); got != tt.want {
			t.Errorf("Web(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMailtoAndTelNotHardened(t *testing.T) {
	out := Web(`<a href="mailto:ops@example.com">mail</a>`)
	if out != `<a href="mailto:ops@example.com">mail</a>` {
		t.Errorf("got %q", out)
	}
}

func TestDroppedTagsLoseContent(t *testing.T) {
	out := Web(`<script>alert(1)</script><style>p{}</style>visible`)
	if out != "visible" {
		t.Errorf("got %q, want visible", out)
	}
}

func TestUnknownTagsAreUnwrapped(t *testing.T) {
	out := Web(`<div class="x"><span>kept</span></div>`)
	if out != "kept" {
		t.Errorf("got %q, want kept", out)
	}
}

func TestAllowedStructureKept(t *testing.T) {
	in := `<p>Hello <strong>there</strong><br/><em>friend</em></p><ul><li>a</li></ul>`
	want := `<p>Hello <strong>there</strong><br/><em>friend</em></p><ul><li>a</li></ul>`
	if got := Web(in); got != want {
		t.Errorf("Web = %q, want %q", got, want)
	}
}

func TestFailClosedOnOversizedInput(t *testing.T) {
	huge := strings.Repeat("a", MaxInputBytes+1)
	if got := Web(huge); got != "" {
		t.Errorf("oversized web output length %d, want 0", len(got))
	}
	if got := Email(huge, "https://app.test"); got != "" {
		t.Errorf("oversized email output length %d, want 0", len(got))
	}
	if Check(huge) != ErrTooLarge {
		t.Error("Check should report ErrTooLarge")
	}
}

func TestBusinessMessageScenario(t *testing.T) {
	out := Web(`Please visit <a href="/dashboard">Dashboard</a>`)
	if !strings.Contains(out, `href="/dashboard"`) {
		t.Errorf("got %q", out)
	}
	if strings.Contains(strings.ToLower(out), "javascript:") {
		t.Errorf("got %q", out)
	}
}

func TestLegacyNotificationScenario(t *testing.T) {
	out := Web(`<a href="javascript:alert(1)">bad</a> <a href="/dashboard">Go to Dashboard</a>`)
	if !strings.Contains(out, `href="/dashboard"`) {
		t.Errorf("got %q", out)
	}
	if strings.Contains(out, "javascript:") {
		t.Errorf("got %q", out)
	}
}

func TestSettledFallbackIsDefanged(t *testing.T) {
	out := settle(`<b>click</b> JavaScript:alert(1) <a href="/x">vbscript	:go</a>`)
	lower := strings.ToLower(out)
	for _, scheme := range []string{"javascript:", "vbscript:"} {
		if strings.Contains(lower, scheme) {
			t.Errorf("settle left %q in %q", scheme, out)
		}
	}
	if strings.ContainsAny(out, "<>") {
		t.Errorf("settle left markup in %q", out)
	}
	if !strings.Contains(out, "click") {
		t.Errorf("settle dropped text: %q", out)
	}
}
