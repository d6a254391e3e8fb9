package gate

import (
	"context"
	"html/template"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsconsole/internal/license"
	"opsconsole/internal/shared/testutil"
)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(RendererConfig{ContactURL: "mailto:admin@customer.example"}, nil)
	require.NoError(t, err)
	return r
}

func TestDecide(t *testing.T) {
	allowed := license.Verdict{Licensed: true, Message: "ok"}
	denied := license.Verdict{Licensed: false, Message: "nope"}

	tests := []struct {
		name    string
		verdict license.Verdict
		mode    Mode
		want    Presentation
	}{
		{"licensed overlay", allowed, ModeOverlay, PassThrough},
		{"licensed hide", allowed, ModeHide, PassThrough},
		{"licensed button", allowed, ModeButton, PassThrough},
		{"denied overlay", denied, ModeOverlay, Degraded},
		{"denied hide", denied, ModeHide, Hidden},
		{"denied menu", denied, ModeMenuItem, Degraded},
		{"denied button", denied, ModeButton, Degraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.verdict, tt.mode))
		})
	}
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeHide, ParseMode("hide"))
	assert.Equal(t, ModeMenuItem, ParseMode("menu_item"))
	assert.Equal(t, ModeButton, ParseMode("button"))
	assert.Equal(t, ModeOverlay, ParseMode(""))
	assert.Equal(t, ModeOverlay, ParseMode("whatever"))
}

func TestRenderer_Gate(t *testing.T) {
	r := newTestRenderer(t)
	children := template.HTML(`<table id="positions"><tr><td>42</td></tr></table>`)

	t.Run("pass through", func(t *testing.T) {
		var sb strings.Builder
		p, err := r.Gate(&sb, license.Verdict{Licensed: true}, Options{}, children)
		require.NoError(t, err)
		assert.Equal(t, PassThrough, p)
		assert.Equal(t, string(children), sb.String())
	})

	t.Run("hidden", func(t *testing.T) {
		var sb strings.Builder
		p, err := r.Gate(&sb, license.Verdict{Licensed: false, Message: "nope"}, Options{Mode: ModeHide}, children)
		require.NoError(t, err)
		assert.Equal(t, Hidden, p)
		assert.Empty(t, sb.String())
	})

	t.Run("degraded", func(t *testing.T) {
		var sb strings.Builder
		v := license.Verdict{Licensed: false, Message: "Upgrade to <Pro> & more"}
		p, err := r.Gate(&sb, v, Options{Title: "Positions"}, children)
		require.NoError(t, err)
		assert.Equal(t, Degraded, p)

		out := sb.String()
		assert.Contains(t, out, `data-license-gate="degraded"`)
		assert.Contains(t, out, `inert aria-hidden="true"`)
		assert.Contains(t, out, string(children), "children stay in the page, obscured")
		assert.Contains(t, out, "Upgrade to &lt;Pro&gt; &amp; more", "message is escaped")
		assert.Contains(t, out, "Positions")
		assert.Contains(t, out, `href="mailto:admin@customer.example"`)
		assert.Contains(t, out, DefaultContactLabel)
	})
}

func TestRenderer_GateWithoutContactURL(t *testing.T) {
	r, err := NewRenderer(RendererConfig{ContactLabel: "Ask your administrator"}, nil)
	require.NoError(t, err)

	var sb strings.Builder
	_, err = r.Gate(&sb, license.Verdict{Message: "nope"}, Options{}, "")
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "Ask your administrator")
	assert.NotContains(t, sb.String(), "<a ")
	assert.Contains(t, sb.String(), DefaultTitle)
}

func TestRenderer_MenuItem(t *testing.T) {
	r := newTestRenderer(t)

	var on strings.Builder
	require.NoError(t, r.MenuItem(&on, license.Verdict{Licensed: true}, "Reports", "/reports"))
	assert.Contains(t, on.String(), `<a href="/reports">Reports</a>`)
	assert.NotContains(t, on.String(), "aria-disabled")

	var off strings.Builder
	require.NoError(t, r.MenuItem(&off, license.Verdict{Message: "Reports require an active license"}, "Reports", "/reports"))
	assert.Contains(t, off.String(), `aria-disabled="true"`)
	assert.Contains(t, off.String(), `title="Reports require an active license"`)
	assert.Contains(t, off.String(), "nav-item__lock")
	assert.Contains(t, off.String(), "Reports")
	assert.NotContains(t, off.String(), "href=")
}

func TestRenderer_Button(t *testing.T) {
	r := newTestRenderer(t)

	var on strings.Builder
	require.NoError(t, r.Button(&on, license.Verdict{Licensed: true}, "Export", "exportPositions()"))
	assert.Contains(t, on.String(), `onclick="exportPositions()"`)
	assert.NotContains(t, on.String(), "disabled")

	var off strings.Builder
	require.NoError(t, r.Button(&off, license.Verdict{Message: "Export requires an active license"}, "Export", "exportPositions()"))
	assert.Contains(t, off.String(), "disabled")
	assert.Contains(t, off.String(), ">Export</button>")
	assert.NotContains(t, off.String(), "onclick")
	assert.NotContains(t, off.String(), "exportPositions")
}

// A non-exempt principal gating the fixed_income module against an expired
// license sees the authority's message on the overlay.
func TestGate_EndToEndContactAdmin(t *testing.T) {
	auth := testutil.NewFakeAuthority(testutil.ExpiredSnapshot())
	ctrl := testutil.NewSettledController(t, auth, testutil.StaffDomains...)
	r := newTestRenderer(t)

	v := ctrl.Verdict(context.Background(), testutil.CustomerPrincipal, license.ModuleRequest("fixed_income"))
	require.False(t, v.Licensed)

	var sb strings.Builder
	p, err := r.Gate(&sb, v, Options{}, "<div>bond ladder</div>")
	require.NoError(t, err)
	assert.Equal(t, Degraded, p)
	assert.Contains(t, sb.String(), `<p class="license-gate__message">Contact admin</p>`)

	staff := ctrl.Verdict(context.Background(), testutil.StaffPrincipal, license.ModuleRequest("fixed_income"))
	sb.Reset()
	p, err = r.Gate(&sb, staff, Options{}, "<div>bond ladder</div>")
	require.NoError(t, err)
	assert.Equal(t, PassThrough, p)
	assert.Equal(t, "<div>bond ladder</div>", sb.String())
}
