// Package testutil provides an in-process fake browser for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tomyan/rdprun/internal/instrument"
	"github.com/tomyan/rdprun/internal/rdp"
)

// Behavior scripts how fake pages react to the runner.
type Behavior struct {
	// OnNavigate runs after a Page.navigate response has been sent.
	OnNavigate func(p *Page, url string)
	// OnEvaluate runs after a Runtime.evaluate response has been sent.
	OnEvaluate func(p *Page, expression string)
}

// Browser is an in-process stand-in for a browser's remote debugging
// endpoint: the /json tab-control API plus one WebSocket per page.
type Browser struct {
	srv *httptest.Server

	Host string
	Port int

	// RejectPut makes /json/new answer PUT with 405, like older browsers.
	RejectPut bool

	mu        sync.Mutex
	behavior  Behavior
	pages     map[string]*Page
	order     []string
	nextID    int
	activated []string
}

// NewBrowser starts a fake browser. Close it when done.
func NewBrowser() *Browser {
	b := &Browser{pages: make(map[string]*Page)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /json/version", b.handleVersion)
	mux.HandleFunc("GET /json/list", b.handleList)
	mux.HandleFunc("/json/new", b.handleNew)
	mux.HandleFunc("GET /json/close/{id}", b.handleClose)
	mux.HandleFunc("GET /json/activate/{id}", b.handleActivate)
	mux.HandleFunc("GET /devtools/page/{id}", b.handleSocket)
	b.srv = httptest.NewServer(mux)

	host, port, _ := net.SplitHostPort(strings.TrimPrefix(b.srv.URL, "http://"))
	b.Host = host
	b.Port, _ = strconv.Atoi(port)
	return b
}

// SetBehavior replaces the page behavior.
func (b *Browser) SetBehavior(bh Behavior) {
	b.mu.Lock()
	b.behavior = bh
	b.mu.Unlock()
}

func (b *Browser) currentBehavior() Behavior {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.behavior
}

// NewPage opens a page directly, as if the user had.
func (b *Browser) NewPage() *Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	p := &Page{
		browser: b,
		ID:      fmt.Sprintf("PAGE%d", b.nextID),
		url:     "about:blank",
		conns:   make(map[*pageConn]struct{}),
	}
	b.pages[p.ID] = p
	b.order = append(b.order, p.ID)
	return p
}

// Pages returns open pages in creation order.
func (b *Browser) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	pages := make([]*Page, 0, len(b.order))
	for _, id := range b.order {
		pages = append(pages, b.pages[id])
	}
	return pages
}

// Page returns the open page with the given id.
func (b *Browser) Page(id string) *Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pages[id]
}

// Activated returns the ids passed to /json/activate.
func (b *Browser) Activated() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.activated...)
}

// Close drops every page socket and stops the server.
func (b *Browser) Close() {
	for _, p := range b.Pages() {
		p.disconnect()
	}
	b.srv.Close()
}

func (b *Browser) target(p *Page) rdp.Target {
	return rdp.Target{
		ID:                   p.ID,
		Type:                 "page",
		URL:                  p.URL(),
		WebSocketDebuggerURL: fmt.Sprintf("ws://%s/devtools/page/%s", b.srv.Listener.Addr(), p.ID),
	}
}

func (b *Browser) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, rdp.VersionInfo{
		Browser:              "FakeBrowser/1.0",
		Protocol:             "1.3",
		WebSocketDebuggerURL: fmt.Sprintf("ws://%s/devtools/browser/fake", b.srv.Listener.Addr()),
	})
}

func (b *Browser) handleList(w http.ResponseWriter, _ *http.Request) {
	targets := []rdp.Target{}
	for _, p := range b.Pages() {
		targets = append(targets, b.target(p))
	}
	writeJSON(w, targets)
}

func (b *Browser) handleNew(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut && b.RejectPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, b.target(b.NewPage()))
}

func (b *Browser) handleClose(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	p, ok := b.pages[r.PathValue("id")]
	if ok {
		delete(b.pages, p.ID)
		for i, id := range b.order {
			if id == p.ID {
				b.order = append(b.order[:i:i], b.order[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	p.disconnect()
	fmt.Fprint(w, "Target is closing")
}

func (b *Browser) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if b.Page(id) == nil {
		http.NotFound(w, r)
		return
	}
	b.mu.Lock()
	b.activated = append(b.activated, id)
	b.mu.Unlock()
	fmt.Fprint(w, "Target activated")
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (b *Browser) handleSocket(w http.ResponseWriter, r *http.Request) {
	p := b.Page(r.PathValue("id"))
	if p == nil {
		http.NotFound(w, r)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	pc := &pageConn{ws: ws}
	if !p.attach(pc) {
		ws.Close()
		return
	}
	defer p.detach(pc)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := rdp.ParseMessage(data)
		if err != nil || msg.ID == nil {
			continue
		}
		p.handle(pc, msg)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

type pageConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *pageConn) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.WriteMessage(websocket.TextMessage, data)
}

// Page is one fake tab.
type Page struct {
	browser *Browser
	ID      string

	mu         sync.Mutex
	url        string
	text       string
	conns      map[*pageConn]struct{}
	closed     bool
	sockets    int
	methods    []string
	evaluated  []string
	dispatched []string
}

// URL returns the last navigated URL.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// SetText sets what the page renders as text.
func (p *Page) SetText(text string) {
	p.mu.Lock()
	p.text = text
	p.mu.Unlock()
}

// Console logs text to the page console.
func (p *Page) Console(text string) {
	p.Emit("Console.messageAdded", map[string]interface{}{
		"message": map[string]string{"source": "console-api", "level": "log", "text": text},
	})
}

// Command logs an instrumentation envelope to the page console.
func (p *Page) Command(method string, args ...interface{}) {
	if args == nil {
		args = []interface{}{}
	}
	data, _ := json.Marshal(map[string]interface{}{"method": method, "args": args})
	p.Console(instrument.Marker + string(data))
}

// Emit sends a notification on every socket attached to the page.
func (p *Page) Emit(method string, params interface{}) {
	p.mu.Lock()
	conns := make([]*pageConn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	frame := map[string]interface{}{"method": method, "params": params}
	for _, c := range conns {
		c.send(frame)
	}
}

// Methods returns every request method received, in order.
func (p *Page) Methods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.methods...)
}

// Evaluated returns every evaluated expression, dispatches included.
func (p *Page) Evaluated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.evaluated...)
}

// Dispatched returns the protocol messages handed to the front end.
func (p *Page) Dispatched() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.dispatched...)
}

// Sockets returns how many WebSocket connections the page has accepted.
func (p *Page) Sockets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sockets
}

func (p *Page) attach(c *pageConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.conns[c] = struct{}{}
	p.sockets++
	return true
}

func (p *Page) detach(c *pageConn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	c.ws.Close()
}

func (p *Page) disconnect() {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make(map[*pageConn]struct{})
	p.mu.Unlock()
	for c := range conns {
		c.ws.Close()
	}
}

func (p *Page) handle(c *pageConn, req *rdp.Message) {
	var params struct {
		URL        string `json:"url"`
		Expression string `json:"expression"`
	}
	if len(req.Params) > 0 {
		json.Unmarshal(req.Params, &params)
	}

	p.mu.Lock()
	p.methods = append(p.methods, req.Method)
	p.mu.Unlock()

	var result interface{} = map[string]interface{}{}
	var after func()
	bh := p.browser.currentBehavior()

	switch req.Method {
	case "Page.navigate":
		p.mu.Lock()
		p.url = params.URL
		p.mu.Unlock()
		result = map[string]string{"frameId": p.ID}
		if bh.OnNavigate != nil {
			after = func() { bh.OnNavigate(p, params.URL) }
		}

	case "Page.addScriptToEvaluateOnLoad", "Page.addScriptToEvaluateOnNewDocument":
		result = map[string]string{"identifier": strconv.Itoa(len(p.Methods()))}

	case "Runtime.evaluate":
		p.mu.Lock()
		p.evaluated = append(p.evaluated, params.Expression)
		if payload, ok := instrument.DispatchedMessage(params.Expression); ok {
			p.dispatched = append(p.dispatched, payload)
		}
		text := p.text
		p.mu.Unlock()

		if params.Expression == instrument.RenderedTextExpression {
			result = map[string]interface{}{"result": map[string]string{"type": "string", "value": text}}
		} else {
			result = map[string]interface{}{"result": map[string]string{"type": "undefined"}}
		}
		if bh.OnEvaluate != nil {
			after = func() { bh.OnEvaluate(p, params.Expression) }
		}
	}

	c.send(map[string]interface{}{"id": *req.ID, "result": result})
	if after != nil {
		go after()
	}
}
