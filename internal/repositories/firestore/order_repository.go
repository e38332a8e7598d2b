package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
	pfirestore "github.com/Digi9ReachInfoSystems/returns-api/internal/platform/firestore"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/repositories"
)

const (
	orderCollection = "orders"

	sweepDefaultPageSize = 100
	sweepMaxPageSize     = 500
)

// OrderRepository reads order projections and patches the return and SLA
// fields owned by this service. Everything else on the order belongs to the
// order management system and is never written here.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil)
	return &OrderRepository{provider: provider, base: base}, nil
}

// FindByID loads an order projection.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}

	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// PatchSKUReturn mirrors the active return onto the matching order line. Array
// elements cannot be addressed by field path, so the skus array is rewritten
// inside a transaction.
func (r *OrderRepository) PatchSKUReturn(ctx context.Context, orderID string, sku string, info *domain.SKUReturnInfo) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	sku = strings.TrimSpace(sku)
	if orderID == "" || sku == "" {
		return errors.New("order patch: order id and sku are required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		found := false
		for i := range doc.SKUs {
			if doc.SKUs[i].SKU != sku {
				continue
			}
			found = true
			if info == nil {
				doc.SKUs[i].Return = nil
				break
			}
			doc.SKUs[i].Return = &orderSKUReturnDoc{
				ReturnID:  strings.TrimSpace(info.ReturnID),
				Status:    string(info.Status),
				UpdatedAt: info.UpdatedAt.UTC(),
			}
			break
		}
		if !found {
			return status.Errorf(codes.NotFound, "order %s has no sku %s", orderID, sku)
		}
		return tx.Update(ref, []firestore.Update{{Path: "skus", Value: doc.SKUs}})
	})
	return pfirestore.WrapError("orders.patchSkuReturn", err)
}

// PatchSLASummary overwrites the order-level SLA summary block.
func (r *OrderRepository) PatchSLASummary(ctx context.Context, orderID string, summary domain.OrderSLASummary) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return errors.New("order patch: id is required")
	}

	doc := orderSLASummaryDoc{
		Violated:         summary.Violated,
		ViolationMinutes: summary.ViolationMinutes,
		ExpectedAt:       summary.ExpectedAt,
		ActualAt:         summary.ActualAt,
		LastCheckedAt:    summary.LastCheckedAt,
	}
	_, err := r.base.Update(ctx, orderID, []firestore.Update{{Path: "sla", Value: doc}})
	return err
}

// ListForSLASweep pages candidate orders by order date, oldest first, so a
// resumed sweep replays deterministically.
func (r *OrderRepository) ListForSLASweep(ctx context.Context, filter repositories.SLASweepFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize, sweepDefaultPageSize, sweepMaxPageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.slaSweep", err)
	}

	query := client.Collection(orderCollection).Query
	if !filter.OrderedAfter.IsZero() {
		query = query.Where("orderDate", ">=", filter.OrderedAfter.UTC())
	}
	if !filter.OrderedBefore.IsZero() {
		query = query.Where("orderDate", "<=", filter.OrderedBefore.UTC())
	}
	query = query.OrderBy("orderDate", firestore.Asc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeTimeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.slaSweep", err)
		}
		query = query.StartAfter(decoded.At, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.slaSweep", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeTimeCursor(timeCursor{At: last.OrderDate, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.slaSweep", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// Document model ------------------------------------------------------------

type orderDocument struct {
	CustomerID string              `firestore:"customerId"`
	Status     string              `firestore:"status"`
	OrderDate  time.Time           `firestore:"orderDate"`
	Payment    *orderPaymentDoc    `firestore:"payment,omitempty"`
	SKUs       []orderSKUDoc       `firestore:"skus"`
	SLA        *orderSLASummaryDoc `firestore:"sla,omitempty"`
	CreatedAt  time.Time           `firestore:"createdAt"`
	UpdatedAt  time.Time           `firestore:"updatedAt"`
}

type orderPaymentDoc struct {
	Provider       string `firestore:"provider"`
	PaymentID      string `firestore:"paymentId"`
	Amount         int64  `firestore:"amount"`
	Currency       string `firestore:"currency"`
	RefundedAmount int64  `firestore:"refundedAmount"`
}

type orderSKUDoc struct {
	SKU         string             `firestore:"sku"`
	ProductID   string             `firestore:"productId"`
	ProductName string             `firestore:"productName,omitempty"`
	Quantity    int                `firestore:"quantity"`
	UnitPrice   int64              `firestore:"unitPrice"`
	DealerID    string             `firestore:"dealerId"`
	Tracking    orderTrackingDoc   `firestore:"tracking"`
	Return      *orderSKUReturnDoc `firestore:"return,omitempty"`
}

type orderTrackingDoc struct {
	Status      string     `firestore:"status"`
	PackedAt    *time.Time `firestore:"packedAt,omitempty"`
	ShippedAt   *time.Time `firestore:"shippedAt,omitempty"`
	DeliveredAt *time.Time `firestore:"deliveredAt,omitempty"`
}

type orderSKUReturnDoc struct {
	ReturnID  string    `firestore:"returnId"`
	Status    string    `firestore:"status"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type orderSLASummaryDoc struct {
	Violated         bool       `firestore:"violated"`
	ViolationMinutes int64      `firestore:"violationMinutes"`
	ExpectedAt       *time.Time `firestore:"expectedFulfillmentAt,omitempty"`
	ActualAt         *time.Time `firestore:"actualFulfillmentAt,omitempty"`
	LastCheckedAt    *time.Time `firestore:"lastCheckedAt,omitempty"`
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:         id,
		CustomerID: d.CustomerID,
		Status:     d.Status,
		OrderDate:  d.OrderDate,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
	if d.Payment != nil {
		order.Payment = &domain.OrderPayment{
			Provider:       d.Payment.Provider,
			PaymentID:      d.Payment.PaymentID,
			Amount:         d.Payment.Amount,
			Currency:       d.Payment.Currency,
			RefundedAmount: d.Payment.RefundedAmount,
		}
	}
	if d.SLA != nil {
		order.SLA = &domain.OrderSLASummary{
			Violated:         d.SLA.Violated,
			ViolationMinutes: d.SLA.ViolationMinutes,
			ExpectedAt:       d.SLA.ExpectedAt,
			ActualAt:         d.SLA.ActualAt,
			LastCheckedAt:    d.SLA.LastCheckedAt,
		}
	}
	for _, sku := range d.SKUs {
		line := domain.OrderSKU{
			SKU:         sku.SKU,
			ProductID:   sku.ProductID,
			ProductName: sku.ProductName,
			Quantity:    sku.Quantity,
			UnitPrice:   sku.UnitPrice,
			DealerID:    sku.DealerID,
			Tracking: domain.SKUTracking{
				Status:      domain.SKUTrackingStatus(sku.Tracking.Status),
				PackedAt:    sku.Tracking.PackedAt,
				ShippedAt:   sku.Tracking.ShippedAt,
				DeliveredAt: sku.Tracking.DeliveredAt,
			},
		}
		if sku.Return != nil {
			line.Return = &domain.SKUReturnInfo{
				ReturnID:  sku.Return.ReturnID,
				Status:    domain.ReturnStatus(sku.Return.Status),
				UpdatedAt: sku.Return.UpdatedAt,
			}
		}
		order.SKUs = append(order.SKUs, line)
	}
	return order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
