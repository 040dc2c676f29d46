package component

import (
	"github.com/social-interaction-cloud/sic-go/public/messages"
)

// ActuatorHandler is the behavior of a request-driven component wrapping
// hardware: it does nothing until asked, then performs one action per
// request. Actuator definitions usually set Exclusive, since two clients
// moving the same motors cannot be interleaved.
type ActuatorHandler interface {
	Definition() Definition
	Init(c *Component) error
	// Execute performs one action. The returned message answers the
	// request; returning nil, nil acknowledges with a plain success.
	Execute(req messages.Request) (messages.Message, error)
	Cleanup()
}

// BaseActuator is a no-op base to embed in actuator handlers.
type BaseActuator struct{}

func (BaseActuator) Init(*Component) error { return nil }
func (BaseActuator) Cleanup()              {}

// Actuator adapts an ActuatorHandler to the component model.
func Actuator(a ActuatorHandler) Handler { return &actuatorAdapter{ActuatorHandler: a} }

type actuatorAdapter struct {
	ActuatorHandler

	c *Component
}

func (a *actuatorAdapter) Init(c *Component) error {
	a.c = c
	return a.ActuatorHandler.Init(c)
}

func (a *actuatorAdapter) OnMessage(messages.Message) {}

func (a *actuatorAdapter) OnRequest(req messages.Request) messages.Message {
	reply, err := a.Execute(req)
	if err != nil {
		a.c.Log().Errorf("execute %s: %v", req.Kind(), err)
		return messages.NewIgnore()
	}
	if reply == nil {
		reply = &messages.Success{}
	}
	return reply
}
