package source

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tdbridge/pkg/treasuredata"
)

// TreasureDataOpener opens REST sessions.
type TreasureDataOpener struct {
	Logger *zap.Logger
}

// Open implements SessionOpener. No request is made until a query runs.
func (o TreasureDataOpener) Open(_ context.Context, opts SessionOptions) (Session, error) {
	s, err := treasuredata.Connect(treasuredata.ConnectOptions{
		APIKey:         opts.Credential,
		Dialect:        opts.Dialect,
		Database:       opts.Database,
		Endpoint:       opts.Endpoint,
		Progress:       opts.Progress,
		PollInterval:   opts.PollInterval,
		WaitTimeout:    opts.WaitTimeout,
		RequestTimeout: opts.RequestTimeout,
		Logger:         o.Logger,
	})
	if err != nil {
		return nil, err
	}
	return tdSession{s}, nil
}

type tdSession struct {
	*treasuredata.Session
}

func (s tdSession) Cursor() Cursor { return s.Session.Cursor() }
