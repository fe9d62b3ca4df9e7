package watcher

import (
	"context"
	"errors"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"lastpush.com/internal/deposit"
	"lastpush.com/pkg/common"
	"lastpush.com/pkg/logger"
	"lastpush.com/pkg/safe"
	"lastpush.com/pkg/xerr"
)

// Verdict is the watcher's final word on an intent.
type Verdict struct {
	IntentID string `json:"intent_id" binding:"required"`
	Reason   string `json:"reason,omitempty"`
}

// Reply answers a request-style verdict so the watcher knows whether to
// deliver it again.
type Reply struct {
	OK    bool          `json:"ok"`
	Code  int           `json:"code,omitempty"`
	Error string        `json:"error,omitempty"`
	State deposit.State `json:"state,omitempty"`
}

type Deposits interface {
	MarkConfirmed(ctx context.Context, intentID string) (*deposit.Intent, error)
	MarkFailed(ctx context.Context, intentID, reason string) (*deposit.Intent, error)
}

type Ingress struct {
	deposits Deposits
	broker   Broker
}

func NewIngress(d Deposits, b Broker) *Ingress {
	return &Ingress{deposits: d, broker: b}
}

var errUnknownSubject = errors.New("watcher: unknown subject")

// Confirm applies a positive verdict.
func (g *Ingress) Confirm(ctx context.Context, v Verdict) (*deposit.Intent, error) {
	return g.Apply(ctx, SubjectConfirmed, v)
}

// Fail applies a negative verdict.
func (g *Ingress) Fail(ctx context.Context, v Verdict) (*deposit.Intent, error) {
	return g.Apply(ctx, SubjectFailed, v)
}

func (g *Ingress) Apply(ctx context.Context, subject string, v Verdict) (*deposit.Intent, error) {
	if v.IntentID == "" {
		return nil, xerr.New(xerr.RequestParamsError, "intent_id is required")
	}
	switch subject {
	case SubjectConfirmed:
		return g.deposits.MarkConfirmed(ctx, v.IntentID)
	case SubjectFailed:
		reason := v.Reason
		if reason == "" {
			reason = "rejected by watcher"
		}
		return g.deposits.MarkFailed(ctx, v.IntentID, reason)
	}
	return nil, errUnknownSubject
}

// Run consumes verdicts from the broker until ctx is done.
func (g *Ingress) Run(ctx context.Context) error {
	ch, err := g.broker.Subscribe(ctx, []string{SubjectConfirmed, SubjectFailed})
	if err != nil {
		return err
	}
	logger.Info(ctx, "watcher ingress subscribed", zap.Strings("subjects", []string{SubjectConfirmed, SubjectFailed}))

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			if err := safe.Run(ctx, func(ctx context.Context) error { return g.handle(ctx, m) }); err != nil {
				logger.Error(ctx, "watcher verdict handler panicked", zap.String("subject", m.Subject), zap.Error(err))
			}
		}
	}
}

func (g *Ingress) handle(ctx context.Context, m Message) error {
	ctx = context.WithValue(ctx, common.CtxKeyRequestID, common.NewRequestID())

	var v Verdict
	var in *deposit.Intent
	err := json.Unmarshal(m.Data, &v)
	if err != nil {
		err = xerr.Wrap(err, xerr.RequestParamsError, "malformed verdict")
	} else {
		in, err = g.Apply(ctx, m.Subject, v)
	}

	reply := Reply{OK: err == nil}
	if in != nil {
		reply.State = in.State
	}
	if err != nil {
		reply.Code = xerr.CodeOf(err)
		reply.Error = err.Error()
		if st, ok := xerr.StateOf(err).(deposit.Intent); ok {
			reply.State = st.State
		}
		// the watcher redelivers anything it did not see acknowledged
		logger.Warn(ctx, "watcher verdict not applied",
			zap.String("subject", m.Subject), zap.String("intent_id", v.IntentID), zap.Error(err))
	}

	if m.Reply == "" {
		return nil
	}
	data, merr := json.Marshal(reply)
	if merr != nil {
		return merr
	}
	if rerr := g.broker.Respond(ctx, m, data); rerr != nil {
		logger.Error(ctx, "watcher reply failed", zap.String("reply", m.Reply), zap.Error(rerr))
	}
	return nil
}
