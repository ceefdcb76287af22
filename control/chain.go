package control

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jmorganca/advanced-controlnet/logutil"
	"github.com/jmorganca/advanced-controlnet/ml"
)

// Chain is an ordered list of controllers. Each step folds the controllers
// front to back into one guidance map; the controller at i sees the
// combined output of controllers 0..i-1.
//
// A Chain is not safe for concurrent use. Use Copy to run the same
// configuration in simultaneous generations.
type Chain struct {
	ID uuid.UUID

	controllers []Controller
	states      []*State
}

func NewChain(controllers ...Controller) *Chain {
	c := &Chain{ID: uuid.New()}
	for _, ctl := range controllers {
		c.Append(ctl)
	}

	return c
}

// Append adds ctl downstream of every controller already in the chain.
func (c *Chain) Append(ctl Controller) *Chain {
	c.controllers = append(c.controllers, ctl)
	c.states = append(c.states, &State{})
	return c
}

func (c *Chain) Len() int {
	return len(c.controllers)
}

func (c *Chain) Controller(i int) Controller {
	if i < 0 || i >= len(c.controllers) {
		return nil
	}

	return c.controllers[i]
}

// Previous returns the controller upstream of i, or nil for the first.
func (c *Chain) Previous(i int) Controller {
	return c.Controller(i - 1)
}

// Get runs every controller for one step.
func (c *Chain) Get(ctx ml.Context, step Step) (Map, error) {
	var acc Map
	for i, ctl := range c.controllers {
		out, err := ctl.Control(ctx, c.states[i], acc, step)
		if err != nil {
			return Map{}, fmt.Errorf("%s %d: %w", ctl.Kind(), i, err)
		}

		logutil.Trace("control", "chain", c.ID, "index", i, "kind", ctl.Kind(),
			"input", len(out.Input), "middle", len(out.Middle), "output", len(out.Output))
		acc = out
	}

	return acc, nil
}

// PreRun converts every controller's percent range to timesteps.
func (c *Chain) PreRun(percentToTimestep func(float64) float64) {
	for _, ctl := range c.controllers {
		ctl.Config().PreRun(percentToTimestep)
	}
}

// Cleanup drops cached hints and adapter features.
func (c *Chain) Cleanup() {
	for _, st := range c.states {
		st.Reset()
	}
}

// Copy returns a chain with the same configuration and empty caches.
func (c *Chain) Copy() *Chain {
	n := NewChain()
	for _, ctl := range c.controllers {
		n.Append(ctl.Copy())
	}

	return n
}

// Models returns the placement handles of every controller in the chain.
func (c *Chain) Models() []*ml.Patcher {
	var models []*ml.Patcher
	for _, ctl := range c.controllers {
		models = append(models, ctl.Models()...)
	}

	return models
}

// Load moves the networks of every controller to their compute device. The
// returned function parks them on their offload device again.
func (c *Chain) Load() (offload func() error, err error) {
	models := c.Models()
	offload = func() error {
		var errs []error
		for _, p := range models {
			if err := p.Offload(); err != nil {
				errs = append(errs, err)
			}
		}

		return errors.Join(errs...)
	}

	for _, p := range models {
		if err := p.Load(); err != nil {
			return nil, errors.Join(err, offload())
		}
	}

	return offload, nil
}
