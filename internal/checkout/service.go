package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-paypal-checkout/internal/orders"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// compensation steps get their own deadline so a cancelled request still
// releases its stock
const cleanupTimeout = 5 * time.Second

type PaymentGateway interface {
	CreateRemoteOrder(ctx context.Context, o orders.Order) (string, error)
	CaptureRemoteOrder(ctx context.Context, o orders.Order) (orders.Capture, error)
}

type Publisher interface {
	Publish(ctx context.Context, eventType, orderID string, payload any) error
}

type Service struct {
	inv     orders.Inventory
	store   orders.Store
	gateway PaymentGateway
	events  Publisher
	log     *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewService(inv orders.Inventory, store orders.Store, gw PaymentGateway, events Publisher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if events == nil {
		events = LogPublisher{Log: log}
	}
	return &Service{
		inv:     inv,
		store:   store,
		gateway: gw,
		events:  events,
		log:     log.Named("checkout"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

func (s *Service) Products(ctx context.Context) ([]orders.Product, error) {
	return s.inv.Products(ctx)
}

func (s *Service) Order(ctx context.Context, id string) (orders.Order, error) {
	return s.store.Get(ctx, id)
}

// PlaceOrder is the synchronous checkout: the cart is priced, its stock is
// taken for good and a CONFIRMED order is stored. No gateway is involved.
func (s *Service) PlaceOrder(ctx context.Context, userID string, cart []orders.CartLine, paymentRef string) (orders.Order, error) {
	items, total, err := orders.Price(ctx, s.inv, cart)
	if err != nil {
		return orders.Order{}, err
	}
	if paymentRef == "" {
		paymentRef = orders.DefaultPaymentRef
	}
	o := s.newOrder(userID, items, total, orders.StatusConfirmed)
	o.PaymentReference = paymentRef

	if err := s.inv.Reserve(ctx, o.ID, cart); err != nil {
		return orders.Order{}, err
	}
	if err := s.store.Append(ctx, o); err != nil {
		s.releaseDetached(ctx, o.ID)
		return orders.Order{}, fmt.Errorf("store order: %w", err)
	}
	if err := s.inv.Commit(ctx, o.ID); err != nil {
		// the order is stored and its stock is already out of the catalog
		s.log.Error("commit reservation", zap.String("order_id", o.ID), zap.Error(err))
	}

	s.publish(ctx, orders.EventOrderConfirmed, o.ID, orders.OrderConfirmedPayload{
		OrderID: o.ID, UserID: o.UserID, Items: o.Items, Total: o.Total, Currency: o.Currency, PaymentRef: o.PaymentReference,
	})
	s.log.Info("order confirmed", zap.String("order_id", o.ID), zap.String("total", o.Total.StringFixed(2)))
	return o, nil
}

// CreatePayment prices the cart, reserves its stock and creates the remote
// payment order. The order is stored as INITIATED before anything is
// reserved so the expiry sweep can always find a reservation's owner.
func (s *Service) CreatePayment(ctx context.Context, userID string, cart []orders.CartLine) (orders.Order, error) {
	items, total, err := orders.Price(ctx, s.inv, cart)
	if err != nil {
		return orders.Order{}, err
	}
	o := s.newOrder(userID, items, total, orders.StatusInitiated)
	if err := s.store.Append(ctx, o); err != nil {
		return orders.Order{}, fmt.Errorf("store order: %w", err)
	}

	if err := s.inv.Reserve(ctx, o.ID, cart); err != nil {
		s.transitionDetached(ctx, o.ID, orders.StatusInitiated, orders.StatusFailed)
		return orders.Order{}, err
	}

	ref, err := s.gateway.CreateRemoteOrder(ctx, o)
	if err != nil {
		s.fail(ctx, o, orders.StatusInitiated, orders.ReasonCreateFailed)
		return orders.Order{}, err
	}

	created, err := s.store.AttachPaymentRef(ctx, o.ID, ref)
	if err != nil {
		// most likely expired by the sweep while the gateway call was in flight
		s.log.Warn("attach payment reference", zap.String("order_id", o.ID), zap.String("payment_ref", ref), zap.Error(err))
		s.fail(ctx, o, orders.StatusInitiated, orders.ReasonCreateFailed)
		return orders.Order{}, err
	}

	s.publish(ctx, orders.EventPaymentOrderCreated, created.ID, orders.PaymentOrderCreatedPayload{
		OrderID: created.ID, UserID: created.UserID, PaymentRef: ref, Total: created.Total, Currency: created.Currency,
	})
	s.log.Info("payment order created", zap.String("order_id", created.ID), zap.String("payment_ref", ref))
	return created, nil
}

// CapturePayment captures the remote order. Only a CREATED order may be
// captured; the CREATED -> CAPTURING step is a compare-and-set, so a second
// capture request for the same order fails with ErrInvalidOrderState
// instead of reaching the processor.
func (s *Service) CapturePayment(ctx context.Context, paymentRef string) (orders.Order, orders.Capture, error) {
	o, err := s.store.GetByPaymentRef(ctx, paymentRef)
	if err != nil {
		return orders.Order{}, orders.Capture{}, err
	}
	o, err = s.store.Transition(ctx, o.ID, orders.StatusCreated, orders.StatusCapturing)
	if err != nil {
		return orders.Order{}, orders.Capture{}, err
	}
	return s.settleCapture(ctx, o)
}

// settleCapture sends the capture of an order the caller moved to CAPTURING
// and records the outcome.
func (s *Service) settleCapture(ctx context.Context, o orders.Order) (orders.Order, orders.Capture, error) {
	capture, err := s.gateway.CaptureRemoteOrder(ctx, o)
	switch {
	case err == nil:
	case errors.Is(err, orders.ErrPaymentDeclined):
		s.fail(ctx, o, orders.StatusCapturing, orders.ReasonCaptureFailed)
		return orders.Order{}, orders.Capture{}, err
	default:
		// outcome unknown: hand the order back so the capture can be sent
		// again with the same request id and the processor deduplicates it
		s.log.Warn("capture outcome unknown", zap.String("order_id", o.ID), zap.Error(err))
		s.transitionDetached(ctx, o.ID, orders.StatusCapturing, orders.StatusCreated)
		return orders.Order{}, orders.Capture{}, err
	}

	// the processor holds the funds; record it even if the caller is gone
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := s.inv.Commit(ctx, o.ID); err != nil {
		s.log.Error("commit reservation", zap.String("order_id", o.ID), zap.Error(err))
	}
	captured, err := s.store.Transition(ctx, o.ID, orders.StatusCapturing, orders.StatusCaptured)
	if err != nil {
		return orders.Order{}, orders.Capture{}, fmt.Errorf("record capture of %s: %w", o.ID, err)
	}

	s.publish(ctx, orders.EventPaymentCaptured, o.ID, orders.PaymentCapturedPayload{
		OrderID: o.ID, PaymentRef: o.PaymentReference, CaptureID: capture.ID, Amount: capture.Amount, Currency: capture.Currency,
	})
	s.log.Info("payment captured", zap.String("order_id", o.ID), zap.String("capture_id", capture.ID))
	return captured, capture, nil
}

// ExpireStale fails INITIATED and CREATED orders older than ttl and gives
// their stock back. It returns how many orders it expired. A CREATED order
// whose capture was already sent is not expired: the processor may hold its
// funds, so the capture is sent again instead and its answer decides.
func (s *Service) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	stale, err := s.store.Stale(ctx, []orders.Status{orders.StatusInitiated, orders.StatusCreated}, s.now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range stale {
		if o.Status == orders.StatusCreated && o.CaptureAttempted {
			s.recapture(ctx, o)
			continue
		}
		if _, err := s.store.Transition(ctx, o.ID, o.Status, orders.StatusFailed); err != nil {
			if !errors.Is(err, orders.ErrInvalidOrderState) {
				s.log.Error("expire order", zap.String("order_id", o.ID), zap.Error(err))
			}
			continue
		}
		released := s.inv.Release(ctx, o.ID) == nil
		s.publish(ctx, orders.EventPaymentFailed, o.ID, orders.PaymentFailedPayload{
			OrderID: o.ID, PaymentRef: o.PaymentReference, Reason: orders.ReasonExpired, StockReleased: released,
		})
		n++
	}
	if n > 0 {
		s.log.Info("expired stale orders", zap.Int("count", n))
	}
	return n, nil
}

// recapture resends the capture of an order whose last capture ended with
// an unknown outcome. An unknown outcome again leaves it CREATED for the
// next sweep.
func (s *Service) recapture(ctx context.Context, stale orders.Order) {
	o, err := s.store.Transition(ctx, stale.ID, orders.StatusCreated, orders.StatusCapturing)
	if err != nil {
		if !errors.Is(err, orders.ErrInvalidOrderState) {
			s.log.Error("recapture", zap.String("order_id", stale.ID), zap.Error(err))
		}
		return
	}
	if _, _, err := s.settleCapture(ctx, o); err != nil {
		s.log.Warn("recapture", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// RunSweeper calls ExpireStale every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval, ttl time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.ExpireStale(ctx, ttl); err != nil && ctx.Err() == nil {
				s.log.Error("sweep", zap.Error(err))
			}
		}
	}
}

func (s *Service) newOrder(userID string, items []orders.LineItem, total decimal.Decimal, st orders.Status) orders.Order {
	now := s.now().UTC()
	return orders.Order{
		ID:        s.newID(),
		UserID:    userID,
		Items:     items,
		Total:     total,
		Currency:  orders.CurrencyUSD,
		Status:    st,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// fail releases the order's stock, marks it FAILED and announces it. A
// failed release is left to the reconciler, which consumes the event.
func (s *Service) fail(ctx context.Context, o orders.Order, from orders.Status, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	relErr := s.inv.Release(ctx, o.ID)
	if relErr != nil {
		s.log.Error("release reservation", zap.String("order_id", o.ID), zap.Error(relErr))
	}
	if _, err := s.store.Transition(ctx, o.ID, from, orders.StatusFailed); err != nil {
		s.log.Warn("mark order failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	s.publish(ctx, orders.EventPaymentFailed, o.ID, orders.PaymentFailedPayload{
		OrderID: o.ID, PaymentRef: o.PaymentReference, Reason: reason, StockReleased: relErr == nil,
	})
}

func (s *Service) releaseDetached(ctx context.Context, orderID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.inv.Release(ctx, orderID); err != nil {
		s.log.Error("release reservation", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (s *Service) transitionDetached(ctx context.Context, id string, from, to orders.Status) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if _, err := s.store.Transition(ctx, id, from, to); err != nil {
		s.log.Warn("order transition", zap.String("order_id", id),
			zap.String("from", string(from)), zap.String("to", string(to)), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, eventType, orderID string, payload any) {
	if err := s.events.Publish(ctx, eventType, orderID, payload); err != nil {
		s.log.Warn("publish event", zap.String("event", eventType), zap.String("order_id", orderID), zap.Error(err))
	}
}
