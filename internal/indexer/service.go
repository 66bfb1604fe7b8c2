package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/coldbell/escrow/backend/internal/swap"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

type orderLister interface {
	ListOrders(ctx context.Context, owner *solana.PublicKey) ([]*escrow.Order, error)
}

type slotReader interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// orderSink is the part of Store a sync pass writes through.
type orderSink interface {
	WithTx(ctx context.Context, fn func(*Tx) error) error
	UpsertOrderTx(ctx context.Context, tx *Tx, slot uint64, order *escrow.Order) (string, error)
	CloseMissingOrdersTx(ctx context.Context, tx *Tx, slot uint64, seen map[string]struct{}) ([]string, error)
	UpsertSyncStateTx(ctx context.Context, tx *Tx, slot uint64) error
	Close() error
}

type Service struct {
	cfg    config.IndexerConfig
	slots  slotReader
	orders orderLister
	store  orderSink
	logger *slog.Logger
}

func New(cfg config.IndexerConfig, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	client := rpc.New(cfg.RPCURL)
	return &Service{
		cfg:    cfg,
		slots:  client,
		orders: swap.NewRepository(client, cfg.ProgramID, cfg.Commitment, logger),
		store:  store,
		logger: logger,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	s.logger.Info("indexer started",
		"rpc", s.cfg.RPCURL,
		"db_driver", "postgres",
		"commitment", s.cfg.Commitment,
		"program", s.cfg.ProgramID.String(),
	)

	if err := s.syncOnce(ctx); err != nil {
		s.logger.Error("initial sync failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "err", err)
			}
		}
	}
}

func (s *Service) syncOnce(ctx context.Context) error {
	var slot uint64
	err := s.retryRPC(ctx, "get slot", func(ctx context.Context) error {
		var err error
		slot, err = s.slots.GetSlot(ctx, s.cfg.Commitment)
		return err
	})
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}

	var orders []*escrow.Order
	err = s.retryRPC(ctx, "list orders", func(ctx context.Context) error {
		var err error
		orders, err = s.orders.ListOrders(ctx, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}

	stats := map[string]int{}
	err = s.store.WithTx(ctx, func(tx *Tx) error {
		seen := make(map[string]struct{}, len(orders))
		for _, order := range orders {
			seen[order.Address.String()] = struct{}{}
			event, err := s.store.UpsertOrderTx(ctx, tx, slot, order)
			if err != nil {
				return fmt.Errorf("upsert order %s: %w", order.Address, err)
			}
			if event != "" {
				stats[event]++
			}
		}

		closed, err := s.store.CloseMissingOrdersTx(ctx, tx, slot, seen)
		if err != nil {
			return fmt.Errorf("close missing orders: %w", err)
		}
		stats[EventClosed] += len(closed)

		return s.store.UpsertSyncStateTx(ctx, tx, slot)
	})
	if err != nil {
		return err
	}

	s.logger.Info(
		"sync complete",
		"slot", slot,
		"open_orders", len(orders),
		"created", stats[EventCreated],
		"updated", stats[EventUpdated],
		"closed", stats[EventClosed],
	)

	return nil
}

func (s *Service) retryRPC(ctx context.Context, op string, fn func(context.Context) error) error {
	return retryWithBackoff(ctx, s.cfg.RPCMaxRetries, s.cfg.RPCRetryBaseDelay, s.cfg.RPCRetryMaxDelay, fn,
		func(attempt int, delay time.Duration, err error) {
			s.logger.Warn("rpc call failed, retrying",
				"op", op,
				"attempt", attempt,
				"retry_in", delay.String(),
				"err", err,
			)
		})
}

// retryWithBackoff runs fn up to maxRetries+1 times, doubling the delay from
// base up to maxDelay between attempts. It stops early when ctx is done.
func retryWithBackoff(
	ctx context.Context,
	maxRetries int,
	base time.Duration,
	maxDelay time.Duration,
	fn func(context.Context) error,
	onRetry func(attempt int, delay time.Duration, err error),
) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= maxRetries {
			return err
		}

		delay := backoffDelay(attempt, base, maxDelay)
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %w)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}
