package rdp_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyan/rdprun/internal/rdp"
	"github.com/tomyan/rdprun/internal/testutil"
)

func TestServer_Version(t *testing.T) {
	browser := testutil.NewBrowser()
	defer browser.Close()

	info, err := rdp.NewServer(browser.Host, browser.Port).Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "FakeBrowser/1.0", info.Browser)
	assert.Equal(t, "1.3", info.Protocol)
}

func TestServer_NewTab_ListAndClose(t *testing.T) {
	browser := testutil.NewBrowser()
	defer browser.Close()
	srv := rdp.NewServer(browser.Host, browser.Port)
	ctx := context.Background()

	tab, err := srv.NewTab(ctx)
	require.NoError(t, err)
	assert.Equal(t, "page", tab.Type)
	assert.Contains(t, tab.WebSocketDebuggerURL, "/devtools/page/"+tab.ID)

	targets, err := srv.List(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, tab.ID, targets[0].ID)

	require.NoError(t, srv.ActivateTab(ctx, tab.ID))
	assert.Equal(t, []string{tab.ID}, browser.Activated())

	require.NoError(t, srv.CloseTab(ctx, tab.ID))
	targets, err = srv.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, targets)

	assert.Error(t, srv.CloseTab(ctx, tab.ID), "closing an unknown tab")
}

func TestServer_NewTab_FallsBackToGet(t *testing.T) {
	browser := testutil.NewBrowser()
	browser.RejectPut = true
	defer browser.Close()

	tab, err := rdp.NewServer(browser.Host, browser.Port).NewTab(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tab.ID)
}

func TestServer_CloseTabs(t *testing.T) {
	browser := testutil.NewBrowser()
	defer browser.Close()
	browser.NewPage()
	browser.NewPage()

	srv := rdp.NewServer(browser.Host, browser.Port)
	require.NoError(t, srv.CloseTabs(context.Background()))
	assert.Empty(t, browser.Pages())
}

func TestServer_Unreachable(t *testing.T) {
	_, err := rdp.NewServer("127.0.0.1", 1).List(context.Background())
	assert.ErrorContains(t, err, "browser not reachable")
}

func TestDial_FakeBrowserPage(t *testing.T) {
	browser := testutil.NewBrowser()
	defer browser.Close()
	ctx := context.Background()

	tab, err := rdp.NewServer(browser.Host, browser.Port).NewTab(ctx)
	require.NoError(t, err)

	m, err := rdp.Dial(ctx, tab.WebSocketDebuggerURL, rdp.TransportOptions{})
	require.NoError(t, err)
	defer m.Close()

	f := m.Fork("test")
	_, err = f.Call(ctx, "Page.navigate", map[string]string{"url": "file:///tmp/a.html"})
	require.NoError(t, err)
	assert.Equal(t, "file:///tmp/a.html", browser.Page(tab.ID).URL())

	require.NoError(t, m.Reset(ctx))
	_, err = f.Call(ctx, "Page.enable", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, browser.Page(tab.ID).Sockets())
}
