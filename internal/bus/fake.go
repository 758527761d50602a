package bus

import "sort"

// FakeClient is an in-memory Client for tests, never used by cmd/. It keeps
// handlers sorted by priority and dispatches Dispatch calls to them in
// order, stopping at the first one that claims the message.
type FakeClient struct {
	handlers []fakeHandler
	Answers  []FakeAnswer
}

type fakeHandler struct {
	name     string
	priority int
	fn       HandlerFunc
}

// FakeAnswer records one call to Answer, for test assertions.
type FakeAnswer struct {
	Message *Message
	Handled bool
}

// NewFakeClient builds an empty FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

func (c *FakeClient) RegisterHandler(name string, priority int, fn HandlerFunc) error {
	c.handlers = append(c.handlers, fakeHandler{name: name, priority: priority, fn: fn})
	sort.SliceStable(c.handlers, func(i, j int) bool {
		return c.handlers[i].priority < c.handlers[j].priority
	})
	return nil
}

func (c *FakeClient) Answer(msg *Message, handled bool) error {
	c.Answers = append(c.Answers, FakeAnswer{Message: msg, Handled: handled})
	return nil
}

// Dispatch feeds msg through the handlers registered for msg.Name, in
// priority order, stopping at the first one that returns true. It reports
// whether any handler claimed the message, mirroring how the real bus would
// decide whether to try another listener.
func (c *FakeClient) Dispatch(msg *Message) bool {
	for _, h := range c.handlers {
		if h.name != msg.Name {
			continue
		}
		if h.fn(msg) {
			return true
		}
	}
	return false
}
