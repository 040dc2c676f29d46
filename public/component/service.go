package component

import (
	"time"

	"github.com/social-interaction-cloud/sic-go/public/messages"
)

// ServiceHandler is the behavior of a transforming component: it consumes
// one or more input streams and produces an output stream. The framework
// time-aligns the inputs; Execute only ever sees messages that belong
// together.
type ServiceHandler interface {
	Definition() Definition
	Init(c *Component) error
	// Execute transforms one aligned input set. Returning a nil message
	// without error produces no output for this set.
	Execute(in *InputSet) (messages.Message, error)
	Cleanup()
}

// BaseService is a no-op base to embed in service handlers.
type BaseService struct{}

func (BaseService) Init(*Component) error { return nil }
func (BaseService) Cleanup()              {}

// Service adapts a ServiceHandler to the component model.
func Service(s ServiceHandler) Handler { return &serviceAdapter{ServiceHandler: s} }

// alignPollInterval bounds how long a completed set can sit unnoticed when
// the wakeup signal is missed under load.
const alignPollInterval = 100 * time.Millisecond

type serviceAdapter struct {
	ServiceHandler

	c       *Component
	aligner *aligner
	newData chan struct{}
}

func (a *serviceAdapter) Init(c *Component) error {
	a.c = c
	a.aligner = newAligner(c.Definition())
	a.newData = make(chan struct{}, 1)
	return a.ServiceHandler.Init(c)
}

func (a *serviceAdapter) OnMessage(m messages.Message) {
	key, dropped, warn := a.aligner.add(m)
	if warn {
		a.c.Log().Warnf("stream %s from %q is backing up, %d messages dropped",
			key.kind, key.source, dropped)
	}
	select {
	case a.newData <- struct{}{}:
	default:
	}
}

func (a *serviceAdapter) OnRequest(messages.Request) messages.Message { return nil }

func (a *serviceAdapter) run(c *Component) {
	for {
		select {
		case <-c.stop:
			return
		case <-a.newData:
		case <-time.After(alignPollInterval):
		}
		a.drain(c)
	}
}

func (a *serviceAdapter) drain(c *Component) {
	for !c.Stopping() {
		set, ok := a.aligner.take()
		if !ok {
			return
		}
		out, err := a.Execute(set)
		if err != nil {
			c.Log().Errorf("execute: %v", err)
			continue
		}
		if out == nil {
			continue
		}
		out.Head().Timestamp = set.Timestamp
		if err := c.Publish(out); err != nil {
			c.Log().Errorf("publish result: %v", err)
		}
	}
}
