package supervisor

import (
	"context"

	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/signaling"
	"github.com/sua-org/cam-sentinel/internal/transport"
)

// Link é a visão que o supervisor tem de uma sessão conectada.
type Link interface {
	SessionID() string
	Events() <-chan transport.Event
	Probe(ctx context.Context) error
	// Done fecha quando a sessão deixa de estar conectada.
	Done() <-chan struct{}
	Err() error
	Close(reason string)
}

// Negotiator abre sessões para uma câmera e fecha as que sobrarem.
type Negotiator interface {
	Negotiate(ctx context.Context, cam core.CameraConfig, seqBase uint64) (Link, error)
	CloseCamera(cameraID string)
}

type coordinatorNegotiator struct {
	c *signaling.Coordinator
}

// FromCoordinator adapta o Coordinator de sinalização ao supervisor.
func FromCoordinator(c *signaling.Coordinator) Negotiator {
	return coordinatorNegotiator{c: c}
}

func (n coordinatorNegotiator) Negotiate(ctx context.Context, cam core.CameraConfig, seqBase uint64) (Link, error) {
	l, err := n.c.Negotiate(ctx, cam, seqBase)
	if err != nil {
		return nil, err
	}
	return coordinatorLink{l: l, c: n.c}, nil
}

func (n coordinatorNegotiator) CloseCamera(cameraID string) { n.c.CloseCamera(cameraID) }

type coordinatorLink struct {
	l *signaling.Link
	c *signaling.Coordinator
}

func (l coordinatorLink) SessionID() string               { return l.l.SessionID }
func (l coordinatorLink) Events() <-chan transport.Event  { return l.l.Media.Events() }
func (l coordinatorLink) Probe(ctx context.Context) error { return l.l.Media.Probe(ctx) }
func (l coordinatorLink) Done() <-chan struct{}           { return l.l.Done() }
func (l coordinatorLink) Err() error                      { return l.l.Err() }
func (l coordinatorLink) Close(reason string)             { l.c.Close(l.l.SessionID, reason) }
