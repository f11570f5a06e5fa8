package coordination

import (
	"context"
	"path"
	"strings"
	"sync"
)

// fakeNode is one entry in the fake service's tree.
type fakeNode struct {
	value     []byte
	mode      Mode
	sessionID string
}

var _ Service = (*Fake)(nil)

// Fake is an in-memory Service used by package tests across the fabric; it
// is not a production coordination-service client. Simulate a session
// rollover with NewSession, which drops every Ephemeral node created under
// the old session, mirroring a real ZooKeeper client's behavior on
// reconnect.
type Fake struct {
	mu      sync.Mutex
	nodes   map[string]*fakeNode
	session string
	seq     int
}

// NewFake returns an empty Fake with a freshly minted session id.
func NewFake() *Fake {
	f := &Fake{nodes: map[string]*fakeNode{"/": {mode: Default}}}
	f.session = f.nextSessionLocked()
	return f
}

func (f *Fake) nextSessionLocked() string {
	f.seq++
	return "session-" + itoa(f.seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// NewSession simulates the fake's coordination client reconnecting under a
// new session, dropping every node that was ephemeral under the old one.
func (f *Fake) NewSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	old := f.session
	f.session = f.nextSessionLocked()
	for p, n := range f.nodes {
		if n.mode == Ephemeral && n.sessionID == old {
			delete(f.nodes, p)
		}
	}
}

func (f *Fake) GetSession() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func normalize(p string) string {
	p = path.Clean("/" + p)
	return p
}

func (f *Fake) Create(_ context.Context, p string, value []byte, mode Mode) error {
	p = normalize(p)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; ok {
		return ErrNodeExists
	}
	parent := path.Dir(p)
	if _, ok := f.nodes[parent]; !ok {
		return ErrNoNode
	}
	f.nodes[p] = &fakeNode{value: value, mode: mode, sessionID: f.session}
	return nil
}

func (f *Fake) GetOrCreate(_ context.Context, p string, value []byte, mode Mode) error {
	p = normalize(p)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; ok {
		return nil
	}
	parent := path.Dir(p)
	if _, ok := f.nodes[parent]; !ok {
		f.mkdirAllLocked(parent)
	}
	f.nodes[p] = &fakeNode{value: value, mode: mode, sessionID: f.session}
	return nil
}

func (f *Fake) mkdirAllLocked(p string) {
	if p == "/" {
		return
	}
	if _, ok := f.nodes[p]; ok {
		return
	}
	f.mkdirAllLocked(path.Dir(p))
	f.nodes[p] = &fakeNode{mode: Default, sessionID: f.session}
}

func (f *Fake) Delete(_ context.Context, p string, recursive bool) error {
	p = normalize(p)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return ErrNoNode
	}
	children := f.childrenLocked(p)
	if len(children) > 0 {
		if !recursive {
			return ErrNotEmpty
		}
		for _, c := range children {
			f.deleteRecursiveLocked(path.Join(p, c))
		}
	}
	delete(f.nodes, p)
	return nil
}

func (f *Fake) deleteRecursiveLocked(p string) {
	for _, c := range f.childrenLocked(p) {
		f.deleteRecursiveLocked(path.Join(p, c))
	}
	delete(f.nodes, p)
}

func (f *Fake) Get(_ context.Context, p string) ([]byte, error) {
	p = normalize(p)
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[p]
	if !ok {
		return nil, ErrNoNode
	}
	return n.value, nil
}

func (f *Fake) Children(_ context.Context, p string) ([]string, error) {
	p = normalize(p)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return nil, ErrNoNode
	}
	return f.childrenLocked(p), nil
}

func (f *Fake) childrenLocked(p string) []string {
	var out []string
	prefix := p
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}
	for candidate := range f.nodes {
		if candidate == p {
			continue
		}
		if !strings.HasPrefix(candidate, prefix) {
			continue
		}
		rest := strings.TrimPrefix(candidate, prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, rest)
	}
	return out
}
