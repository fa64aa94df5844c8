package orchestrator

import (
	"context"

	"github.com/fyrsmithlabs/forgeline/internal/process"
	"github.com/fyrsmithlabs/forgeline/internal/verifier"
)

type trackingRunner struct {
	verifier.Runner
	o *Orchestrator
}

func (t *trackingRunner) Start(ctx context.Context, c process.Command) (*process.Handle, error) {
	h, err := t.Runner.Start(ctx, c)
	if err != nil {
		return nil, err
	}
	t.o.track(ctx, h)
	return h, nil
}
