// internal/blockchain/solbc/subscription.go
package solbc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain"
)

// ErrSubscriptionClosed is returned by Recv once the stream has been unsubscribed.
var ErrSubscriptionClosed = errors.New("log subscription closed")

type logResult struct {
	res *ws.LogResult
	err error
}

// logSubscription adapts a solana-go logs subscription to blockchain.LogSubscription.
// The library's Recv blocks without a context, so a single pump goroutine
// drains it and Recv selects on the caller's ctx. Unsubscribe closes the
// library channels, which releases the pump.
type logSubscription struct {
	account solana.PublicKey
	logger  *zap.Logger

	recv        func() (*ws.LogResult, error)
	unsubscribe func()
	// onBroken is called when the stream fails while still in use.
	onBroken func()

	startOnce sync.Once
	closeOnce sync.Once
	notes     chan logResult
	done      chan struct{}
}

func newLogSubscription(account solana.PublicKey, recv func() (*ws.LogResult, error), unsubscribe, onBroken func(), logger *zap.Logger) *logSubscription {
	return &logSubscription{
		account:     account,
		logger:      logger,
		recv:        recv,
		unsubscribe: unsubscribe,
		onBroken:    onBroken,
		notes:       make(chan logResult),
		done:        make(chan struct{}),
	}
}

// SubscribeLogs открывает logsSubscribe (mentions) для аккаунта.
func (c *Client) SubscribeLogs(ctx context.Context, account solana.PublicKey, level rpc.CommitmentType) (blockchain.LogSubscription, error) {
	conn, err := c.wsConn(ctx)
	if err != nil {
		return nil, err
	}

	sub, err := conn.LogsSubscribeMentions(account, level)
	if err != nil {
		c.logger.Error("LogsSubscribeMentions error",
			zap.String("account", account.String()),
			zap.Error(err))
		return nil, fmt.Errorf("logs subscribe %s: %w", account, err)
	}

	return newLogSubscription(account, sub.Recv, sub.Unsubscribe,
		func() { c.dropConnection(conn) }, c.logger), nil
}

// wsConn lazily dials the websocket endpoint and reuses the connection.
func (c *Client) wsConn(ctx context.Context) (*ws.Client, error) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	if c.ws != nil {
		return c.ws, nil
	}
	conn, err := ws.Connect(ctx, c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	c.ws = conn
	return conn, nil
}

// dropConnection closes conn if it is still the cached connection, so the
// next subscription dials a fresh one.
func (c *Client) dropConnection(conn *ws.Client) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil && c.ws == conn {
		c.logger.Warn("Dropping broken websocket connection")
		c.ws.Close()
		c.ws = nil
	}
}

func (s *logSubscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *logSubscription) pump() {
	defer close(s.notes)
	for {
		res, err := s.recvStream()
		if res == nil && err == nil && s.closed() {
			return
		}
		select {
		case s.notes <- logResult{res: res, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// recvStream shields the pump from reads racing a concurrent Unsubscribe:
// a closed stream yields a nil result, which the library type-asserts.
func (s *logSubscription) recvStream() (res *ws.LogResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, ErrSubscriptionClosed
		}
	}()
	return s.recv()
}

func (s *logSubscription) Recv(ctx context.Context) (*blockchain.LogNotification, error) {
	s.startOnce.Do(func() { go s.pump() })

	var r logResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case n, ok := <-s.notes:
		if !ok {
			return nil, ErrSubscriptionClosed
		}
		r = n
	}

	if r.err != nil {
		if ctx.Err() == nil && !s.closed() && s.onBroken != nil {
			s.onBroken()
		}
		return nil, r.err
	}
	if r.res == nil {
		return nil, fmt.Errorf("empty notification for %s", s.account)
	}
	return &blockchain.LogNotification{
		Signature: r.res.Value.Signature.String(),
		Slot:      r.res.Context.Slot,
		Err:       r.res.Value.Err,
		Logs:      r.res.Value.Logs,
	}, nil
}

func (s *logSubscription) Unsubscribe() (err error) {
	s.closeOnce.Do(func() {
		close(s.done)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("unsubscribe %s: %v", s.account, r)
			}
		}()
		s.unsubscribe()
		s.logger.Debug("Unsubscribed from logs", zap.String("account", s.account.String()))
	})
	return err
}
