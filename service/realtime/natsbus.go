package realtime

import (
	"context"
	"time"

	"PPChat/service/natsx"
	"PPChat/tools/ids"
)

// NatsBus carries channels over NATS core subjects. With an IdemStore set,
// each subscription drops redeliveries of a message id it already handled.
type NatsBus struct {
	m       *natsx.NatsManager
	idem    natsx.IdemStore
	idemTTL time.Duration
}

func NewNatsBus(m *natsx.NatsManager, idem natsx.IdemStore, idemTTL time.Duration) *NatsBus {
	if idemTTL <= 0 {
		idemTTL = 10 * time.Minute
	}
	return &NatsBus{m: m, idem: idem, idemTTL: idemTTL}
}

func (b *NatsBus) Publish(ctx context.Context, msg Message) error {
	return b.m.Publish(ctx, msg.Subject, msg.Data, msg.ID)
}

func (b *NatsBus) Subscribe(subject string, h func(Message)) (Subscription, error) {
	var extra []natsx.NatsxMiddleware
	if b.idem != nil {
		extra = append(extra, natsx.NatsxIdemMiddleware(b.idem, b.idemTTL, "sub:"+ids.GenerateString()))
	}
	sub, err := b.m.Subscribe(subject, "", func(_ context.Context, m natsx.NatsxMessage) error {
		h(Message{Subject: m.Subject, Data: m.Data, ID: m.Header[natsx.HeaderMsgID]})
		return nil
	}, extra...)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
