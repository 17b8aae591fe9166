package chat

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/inbox"
	"github.com/matheus3301/relay/internal/receipts"
	"github.com/matheus3301/relay/internal/status"
	"github.com/matheus3301/relay/internal/transport"
)

// Inbox is the open conversation list.
type Inbox struct {
	client     *Client
	scope      *scope
	aggregator *inbox.Aggregator
	logger     *zap.Logger
}

// OpenInbox subscribes to the streams that change the conversation list and
// starts recomputing it. If any subscription fails the ones already acquired
// are released.
func (c *Client) OpenInbox(ctx context.Context) (*Inbox, error) {
	log := c.deps.Logger.Named("inbox")
	sc := c.newScope(ctx, "inbox")
	agg := inbox.New(c.deps.UserID, c.deps.Backend, c.receipts,
		inbox.WithBus(c.deps.Bus),
		inbox.WithClock(c.deps.Clock),
		inbox.WithLogger(log),
	)
	in := &Inbox{client: c, scope: sc, aggregator: agg, logger: log}

	handleReceipts := func(evt transport.Event) { c.receipts.Handle(sc.ctx, evt) }
	routes := []struct {
		topic    transport.Topic
		handlers []func(transport.Event)
	}{
		{transport.Rows(transport.TableParticipants, transport.Eq("user_id", c.deps.UserID)), []func(transport.Event){handleReceipts, agg.Handle}},
		{transport.Rows(transport.TableMessages, transport.Filter{}), []func(transport.Event){handleReceipts, agg.Handle}},
		{transport.Rows(transport.TableReadStatus, transport.Eq("reader_id", c.deps.UserID)), []func(transport.Event){handleReceipts, agg.Handle}},
		{transport.Rows(transport.TableConversations, transport.Filter{}), []func(transport.Event){agg.Handle}},
	}
	for _, r := range routes {
		if err := sc.route(r.topic, r.handlers...); err != nil {
			sc.close(log)
			return nil, fmt.Errorf("open inbox: %w", err)
		}
	}

	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		agg.Run(sc.ctx)
	}()
	agg.Trigger()
	c.Touch(ctx)
	return in, nil
}

// View returns the latest inbox snapshot.
func (in *Inbox) View() *inbox.View { return in.aggregator.View() }

// Refresh recomputes the inbox now.
func (in *Inbox) Refresh(ctx context.Context) (*inbox.View, error) {
	return in.aggregator.Recompute(ctx)
}

// Totals recomputes the aggregate unread count across all conversations.
func (in *Inbox) Totals(ctx context.Context) (receipts.Totals, error) {
	return in.client.receipts.AllTotals(ctx)
}

// Stale reports whether the list may be out of date.
func (in *Inbox) Stale() bool { return in.scope.stale() }

// Status returns the inbox's connectivity state.
func (in *Inbox) Status() status.State { return in.scope.state() }

// Close releases the inbox subscriptions. Safe to call more than once.
func (in *Inbox) Close() { in.scope.close(in.logger) }
