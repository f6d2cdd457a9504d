// SPDX-License-Identifier: Apache-2.0

package step

import (
	"context"

	"github.com/ledgerflow/migrate/pkg/dbadapter"
)

// ScriptFunc is a scripted migration's apply or rollback payload: a Go
// function given the backend connection rather than a SQL string. It is an
// alias for Action.Script's signature.
type ScriptFunc = func(ctx context.Context, backend *dbadapter.Backend) error

// Collector is the explicit, first-class builder passed into a scripted
// migration's registered build function (see pkg/loader.RegisterSteps):
// ordinary method calls against a value the loader controls, with no
// call-stack introspection or module-global registration involved.
type Collector struct {
	handles         []Executable
	useTransactions bool
	depends         []string
	doc             string
}

// NewCollector returns an empty Collector. useTransactions seeds the
// Wrapper new Steps are built with until overridden by SetTransactional.
func NewCollector(useTransactions bool) *Collector {
	return &Collector{useTransactions: useTransactions}
}

// StepOption configures an individual Step or StepGroup's error tolerance.
type StepOption func(*stepOptions)

type stepOptions struct {
	ignoreErrors IgnoreErrors
}

// IgnoreErrorsOption sets a Step/StepGroup's per-direction error tolerance.
func IgnoreErrorsOption(ignore IgnoreErrors) StepOption {
	return func(o *stepOptions) { o.ignoreErrors = ignore }
}

func (c *Collector) wrapper() Wrapper {
	if c.useTransactions {
		return Transactional
	}
	return NonTransactional
}

// Step registers one apply/rollback pair, in the order called. It returns a
// handle (its 0-based index among everything registered so far) that a
// later Group call can reference.
func (c *Collector) Step(apply, rollback ScriptFunc, opts ...StepOption) int {
	o := &stepOptions{}
	for _, opt := range opts {
		opt(o)
	}
	s := &Step{
		ID:           len(c.handles),
		Wrapper:      c.wrapper(),
		IgnoreErrors: o.ignoreErrors,
	}
	if apply != nil {
		s.Apply = Action{Script: apply}
	}
	if rollback != nil {
		s.Rollback = Action{Script: rollback}
	}
	c.handles = append(c.handles, s)
	return len(c.handles) - 1
}

// Group consumes the step builders previously registered under the given
// handles (removing them from the top-level sequence) and replaces them
// with a single composite StepGroup handle.
func (c *Collector) Group(handles []int, opts ...StepOption) int {
	o := &stepOptions{}
	for _, opt := range opts {
		opt(o)
	}

	consume := make(map[int]bool, len(handles))
	for _, h := range handles {
		consume[h] = true
	}

	children := make([]Executable, 0, len(handles))
	kept := make([]Executable, 0, len(c.handles))
	for i, h := range c.handles {
		if consume[i] {
			children = append(children, h)
			continue
		}
		kept = append(kept, h)
	}

	group := &StepGroup{
		ID:           len(kept),
		Children:     children,
		Wrapper:      c.wrapper(),
		IgnoreErrors: o.ignoreErrors,
	}
	c.handles = append(kept, group)
	return len(c.handles) - 1
}

// SetDepends records the scripted migration's dependency ids, the
// equivalent of a SQL migration's "-- depends:" directive.
func (c *Collector) SetDepends(ids ...string) { c.depends = append(c.depends, ids...) }

// SetTransactional overrides the migration-level UseTransactions default
// that later Step/Group calls wrap their payload with. Calling it after
// Step/Group calls have already run does not retroactively change their
// Wrapper.
func (c *Collector) SetTransactional(v bool) { c.useTransactions = v }

// SetDoc records the scripted migration's documentation string.
func (c *Collector) SetDoc(doc string) { c.doc = doc }

// Build materializes the collected handles, along with the dependency ids,
// transactional flag and doc string accumulated via Set*.
func (c *Collector) Build() (steps []Executable, depends []string, useTransactions bool, doc string) {
	return c.handles, c.depends, c.useTransactions, c.doc
}
