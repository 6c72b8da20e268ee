package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createProduct(t *testing.T, s *Store, sku string, price int64) {
	t.Helper()
	_, err := s.CreateProduct(context.Background(), domain.Product{
		SKU:       sku,
		Name:      "Product " + sku,
		Price:     decimal.NewFromInt(price),
		CostPrice: decimal.NewFromInt(price / 2),
		Active:    true,
	})
	require.NoError(t, err)
}

func addStock(t *testing.T, s *Store, sku string, branchID string, qty int64) {
	t.Helper()
	require.NoError(t, s.AdjustStock(context.Background(), domain.StockAdjustment{
		SKU:      sku,
		BranchID: branchID,
		Quantity: qty,
		Notes:    "test stock",
	}))
}

func quantity(t *testing.T, s *Store, sku string, branchID string) int64 {
	t.Helper()
	qty, err := s.StockQuantity(context.Background(), sku, branchID)
	require.NoError(t, err)
	return qty
}

func cashSale(sku string, qty int64, unitPrice int64, shiftID string) domain.Sale {
	total := decimal.NewFromInt(unitPrice * qty)
	return domain.Sale{
		BranchID: "BR1",
		ShiftID:  shiftID,
		UserID:   "cashier",
		Subtotal: total,
		Total:    total,
		Items: []domain.SaleItem{{
			SKU:       sku,
			Quantity:  qty,
			UnitPrice: decimal.NewFromInt(unitPrice),
			Total:     total,
		}},
		Payments: []domain.Payment{{Method: "cash", Amount: total, ReceivedAmount: total}},
	}
}

func TestSaleVoidRestoresLedgerAndCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createProduct(t, s, "SKU-A", 3500)
	addStock(t, s, "SKU-A", "BR1", 10)

	sale, err := s.CreateSale(ctx, cashSale("SKU-A", 2, 3500, ""))
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("BR1-%d-000001", time.Now().UTC().Year()), sale.InvoiceNumber)
	require.EqualValues(t, 8, quantity(t, s, "SKU-A", "BR1"))

	voided, err := s.VoidSale(ctx, sale.ID, "manager", "wrong scan", time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, domain.SaleStatusVoided, voided.Status)
	require.Contains(t, voided.Notes, "VOIDED: wrong scan")
	require.EqualValues(t, 10, quantity(t, s, "SKU-A", "BR1"))

	_, err = s.VoidSale(ctx, sale.ID, "manager", "again", time.Now().UTC())
	require.ErrorIs(t, err, store.ErrSaleNotVoidable)

	discrepancies, err := s.ReconcileStock(ctx, "BR1")
	require.NoError(t, err)
	require.Empty(t, discrepancies)
}

func TestInvoiceSequenceIsPerBranch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateBranch(ctx, domain.Branch{ID: "BR2", Name: "Second", Active: true})
	require.NoError(t, err)
	createProduct(t, s, "SKU-A", 1000)
	addStock(t, s, "SKU-A", "BR1", 50)
	addStock(t, s, "SKU-A", "BR2", 50)

	year := time.Now().UTC().Year()
	for i := 1; i <= 2; i++ {
		sale, err := s.CreateSale(ctx, cashSale("SKU-A", 1, 1000, ""))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("BR1-%d-%06d", year, i), sale.InvoiceNumber)
	}

	br2 := cashSale("SKU-A", 1, 1000, "")
	br2.BranchID = "BR2"
	sale, err := s.CreateSale(ctx, br2)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("BR2-%d-000001", year), sale.InvoiceNumber)
}

func TestReturnSaleProratesRefundAndClassifies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createProduct(t, s, "SKU-A", 3500)
	addStock(t, s, "SKU-A", "BR1", 10)

	sale, err := s.CreateSale(ctx, cashSale("SKU-A", 4, 3500, ""))
	require.NoError(t, err)

	partial, err := s.ReturnSale(ctx, domain.SaleReturn{
		OriginalSaleID: sale.ID,
		UserID:         "cashier",
		Reason:         "damaged",
		RefundMethod:   "cash",
		Items:          []domain.ReturnItem{{SKU: "SKU-A", Quantity: 1}},
	}, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, partial.Total.Equal(decimal.NewFromInt(-3500)), "refund total %s", partial.Total)
	require.Len(t, partial.Items, 1)
	require.EqualValues(t, -1, partial.Items[0].Quantity)
	require.Len(t, partial.Payments, 1)
	require.True(t, partial.Payments[0].Amount.IsNegative())

	original, err := s.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SaleStatusPartialReturn, original.Status)
	require.EqualValues(t, 7, quantity(t, s, "SKU-A", "BR1"))

	_, err = s.ReturnSale(ctx, domain.SaleReturn{
		OriginalSaleID: sale.ID,
		UserID:         "cashier",
		Reason:         "rest",
		RefundMethod:   "cash",
		Items:          []domain.ReturnItem{{SKU: "SKU-A", Quantity: 3}},
	}, time.Now().UTC())
	require.NoError(t, err)

	original, err = s.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SaleStatusReturned, original.Status)
	require.EqualValues(t, 10, quantity(t, s, "SKU-A", "BR1"))

	_, err = s.ReturnSale(ctx, domain.SaleReturn{
		OriginalSaleID: sale.ID,
		UserID:         "cashier",
		Reason:         "too late",
		RefundMethod:   "cash",
		Items:          []domain.ReturnItem{{SKU: "SKU-A", Quantity: 1}},
	}, time.Now().UTC())
	require.ErrorIs(t, err, store.ErrSaleNotReturnable)
}

func TestReturnSaleRejectsCumulativeOverReturn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createProduct(t, s, "SKU-A", 2000)
	addStock(t, s, "SKU-A", "BR1", 10)

	sale, err := s.CreateSale(ctx, cashSale("SKU-A", 2, 2000, ""))
	require.NoError(t, err)

	_, err = s.ReturnSale(ctx, domain.SaleReturn{
		OriginalSaleID: sale.ID,
		Reason:         "first",
		RefundMethod:   "cash",
		Items:          []domain.ReturnItem{{SKU: "SKU-A", Quantity: 1}},
	}, time.Now().UTC())
	require.NoError(t, err)

	_, err = s.ReturnSale(ctx, domain.SaleReturn{
		OriginalSaleID: sale.ID,
		Reason:         "second",
		RefundMethod:   "cash",
		Items:          []domain.ReturnItem{{SKU: "SKU-A", Quantity: 2}},
	}, time.Now().UTC())
	require.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestTransferStockGuardsSourceQuantity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateBranch(ctx, domain.Branch{ID: "BR2", Name: "Second", Active: true})
	require.NoError(t, err)
	createProduct(t, s, "SKU-A", 1000)
	addStock(t, s, "SKU-A", "BR1", 5)

	err = s.TransferStock(ctx, domain.StockTransfer{
		SKU:          "SKU-A",
		FromBranchID: "BR1",
		ToBranchID:   "BR2",
		Quantity:     6,
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	require.EqualValues(t, 5, quantity(t, s, "SKU-A", "BR1"))
	require.EqualValues(t, 0, quantity(t, s, "SKU-A", "BR2"))

	require.NoError(t, s.TransferStock(ctx, domain.StockTransfer{
		SKU:          "SKU-A",
		FromBranchID: "BR1",
		ToBranchID:   "BR2",
		Quantity:     3,
	}))
	require.EqualValues(t, 2, quantity(t, s, "SKU-A", "BR1"))
	require.EqualValues(t, 3, quantity(t, s, "SKU-A", "BR2"))

	movements, err := s.ListMovements(ctx, "SKU-A", "BR2", 10)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, domain.MovementTransferIn, movements[0].Type)
}

func TestRebuildStockCacheRepairsDrift(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createProduct(t, s, "SKU-A", 1000)
	addStock(t, s, "SKU-A", "BR1", 12)

	// Corrupt the cache behind the ledger's back.
	_, err := s.db.Exec(`UPDATE branch_stock SET quantity = 999 WHERE sku = 'SKU-A' AND branch_id = 'BR1'`)
	require.NoError(t, err)

	discrepancies, err := s.ReconcileStock(ctx, "BR1")
	require.NoError(t, err)
	require.Len(t, discrepancies, 1)
	require.EqualValues(t, 999, discrepancies[0].CachedQty)
	require.EqualValues(t, 12, discrepancies[0].ActualQty)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.RebuildStockCache(ctx, "BR1"))
		discrepancies, err = s.ReconcileStock(ctx, "BR1")
		require.NoError(t, err)
		require.Empty(t, discrepancies, "rebuild run %d", i+1)
	}
	require.EqualValues(t, 12, quantity(t, s, "SKU-A", "BR1"))
}

func TestPurchaseLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	supplier, err := s.CreateSupplier(ctx, domain.Supplier{Name: "PT Sumber", Active: true})
	require.NoError(t, err)
	createProduct(t, s, "SKU-A", 3000)

	purchase, err := s.CreatePurchase(ctx, domain.PurchaseInvoice{
		SupplierID: supplier.ID,
		BranchID:   "BR1",
		// Client-sent subtotal is ignored and recomputed.
		Subtotal: decimal.NewFromInt(1),
		Items: []domain.PurchaseItem{
			{SKU: "SKU-A", Quantity: 20, UnitCost: decimal.NewFromInt(1500)},
		},
	})
	require.NoError(t, err)
	require.Equal(t, domain.PurchaseStatusDraft, purchase.Status)
	require.True(t, purchase.Subtotal.Equal(decimal.NewFromInt(30000)), "subtotal %s", purchase.Subtotal)
	require.EqualValues(t, 0, quantity(t, s, "SKU-A", "BR1"))

	received, err := s.ReceivePurchase(ctx, purchase.ID, "manager", time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, domain.PurchaseStatusReceived, received.Status)
	require.Equal(t, "manager", received.ReceivedBy)
	require.NotNil(t, received.ReceivedAt)
	require.EqualValues(t, 20, quantity(t, s, "SKU-A", "BR1"))

	_, err = s.ReceivePurchase(ctx, purchase.ID, "manager", time.Now().UTC())
	require.ErrorIs(t, err, store.ErrPurchaseNotDraft)
	require.ErrorIs(t, s.CancelPurchase(ctx, purchase.ID), store.ErrPurchaseNotDraft)

	draft, err := s.CreatePurchase(ctx, domain.PurchaseInvoice{
		SupplierID: supplier.ID,
		BranchID:   "BR1",
		Items:      []domain.PurchaseItem{{SKU: "SKU-A", Quantity: 5, UnitCost: decimal.NewFromInt(1500)}},
	})
	require.NoError(t, err)
	require.NoError(t, s.CancelPurchase(ctx, draft.ID))

	cancelled, err := s.GetPurchase(ctx, draft.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PurchaseStatusCancelled, cancelled.Status)
	require.EqualValues(t, 20, quantity(t, s, "SKU-A", "BR1"))
}

func TestShiftLifecycleComputesExpectedCash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createProduct(t, s, "SKU-A", 3500)
	addStock(t, s, "SKU-A", "BR1", 10)

	shift, err := s.OpenShift(ctx, domain.Shift{
		BranchID:    "BR1",
		UserID:      "cashier",
		OpeningCash: decimal.NewFromInt(100000),
	})
	require.NoError(t, err)

	_, err = s.OpenShift(ctx, domain.Shift{BranchID: "BR1", UserID: "cashier"})
	require.ErrorIs(t, err, store.ErrShiftAlreadyOpen)

	_, err = s.CreateSale(ctx, cashSale("SKU-A", 2, 3500, shift.ID))
	require.NoError(t, err)

	current, err := s.CurrentShift(ctx, "cashier", "BR1")
	require.NoError(t, err)
	require.EqualValues(t, 1, current.TotalTransactions)
	require.True(t, current.TotalSales.Equal(decimal.NewFromInt(7000)))

	closed, err := s.CloseShift(ctx, shift.ID, decimal.NewFromInt(107000), "counted", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, closed.ExpectedCash.Equal(decimal.NewFromInt(107000)), "expected cash %s", closed.ExpectedCash)
	require.True(t, closed.Difference.IsZero(), "difference %s", closed.Difference)

	_, err = s.CloseShift(ctx, shift.ID, decimal.NewFromInt(107000), "", time.Now().UTC())
	require.ErrorIs(t, err, store.ErrShiftNotOpen)

	// The next shift on the branch inherits the last closing count when
	// no opening cash is given.
	next, err := s.OpenShift(ctx, domain.Shift{BranchID: "BR1", UserID: "cashier"})
	require.NoError(t, err)
	require.True(t, next.OpeningCash.Equal(decimal.NewFromInt(107000)), "opening cash %s", next.OpeningCash)
}

func TestAutosaveKeepsOneSlotPerUserAndBranch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.SaveHeldSale(ctx, domain.HeldSale{
		BranchID: "BR1",
		UserID:   "cashier",
		Autosave: true,
		Cart:     domain.CartSnapshot{Items: []domain.CartLine{{SKU: "SKU-A", Quantity: 1}}},
	})
	require.NoError(t, err)

	second, err := s.SaveHeldSale(ctx, domain.HeldSale{
		BranchID: "BR1",
		UserID:   "cashier",
		Autosave: true,
		Cart: domain.CartSnapshot{Items: []domain.CartLine{
			{SKU: "SKU-A", Quantity: 1},
			{SKU: "SKU-B", Quantity: 2},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	saved, err := s.GetAutosave(ctx, "cashier", "BR1")
	require.NoError(t, err)
	require.Len(t, saved.Cart.Items, 2)

	named, err := s.SaveHeldSale(ctx, domain.HeldSale{
		BranchID: "BR1",
		UserID:   "cashier",
		Label:    "customer fetching wallet",
		Cart:     domain.CartSnapshot{Items: []domain.CartLine{{SKU: "SKU-A", Quantity: 3}}},
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, named.ID)

	held, err := s.ListHeldSales(ctx, "BR1")
	require.NoError(t, err)
	require.Len(t, held, 2)

	require.NoError(t, s.DeleteHeldSale(ctx, named.ID))
	_, err = s.GetAutosave(ctx, "cashier", "BR2")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDailySalesReportAggregatesByDay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createProduct(t, s, "SKU-A", 5000)
	addStock(t, s, "SKU-A", "BR1", 20)

	sale, err := s.CreateSale(ctx, cashSale("SKU-A", 2, 5000, ""))
	require.NoError(t, err)
	voidedSale, err := s.CreateSale(ctx, cashSale("SKU-A", 1, 5000, ""))
	require.NoError(t, err)
	_, err = s.VoidSale(ctx, voidedSale.ID, "manager", "test", time.Now().UTC())
	require.NoError(t, err)

	_, err = s.ReturnSale(ctx, domain.SaleReturn{
		OriginalSaleID: sale.ID,
		Reason:         "full return",
		RefundMethod:   "cash",
		Items:          []domain.ReturnItem{{SKU: "SKU-A", Quantity: 2}},
	}, time.Now().UTC())
	require.NoError(t, err)

	today := time.Now().UTC()
	rows, err := s.DailySalesReport(ctx, "BR1", today, today)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	require.Equal(t, today.Format("2006-01-02"), row.Date)
	// Voided sales drop out entirely; both the returned original and the
	// refund document count toward refunds.
	require.EqualValues(t, 0, row.TotalTransactions)
	require.True(t, row.TotalRefunds.Equal(decimal.NewFromInt(20000)), "refunds %s", row.TotalRefunds)
}
