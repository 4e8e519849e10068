package channel

import "net/http"

// HandlerFuncs assembles a Handler from individual callbacks. Nil
// callbacks default to no-ops; a nil Authorize admits everyone.
type HandlerFuncs struct {
	Authorize func(r *http.Request, identity map[string]interface{}) bool
	Join      func(member *Member, topic TopicContext)
	Message   func(member *Member, msg Message, topic TopicContext)
	Leave     func(member *Member, topic TopicContext)
}

// OnAuthorize implements Handler.
func (h HandlerFuncs) OnAuthorize(r *http.Request, identity map[string]interface{}) bool {
	if h.Authorize == nil {
		return true
	}
	return h.Authorize(r, identity)
}

// OnJoin implements Handler.
func (h HandlerFuncs) OnJoin(member *Member, topic TopicContext) {
	if h.Join != nil {
		h.Join(member, topic)
	}
}

// OnMessage implements Handler.
func (h HandlerFuncs) OnMessage(member *Member, msg Message, topic TopicContext) {
	if h.Message != nil {
		h.Message(member, msg, topic)
	}
}

// OnLeave implements Handler.
func (h HandlerFuncs) OnLeave(member *Member, topic TopicContext) {
	if h.Leave != nil {
		h.Leave(member, topic)
	}
}
