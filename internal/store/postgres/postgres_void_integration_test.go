package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
)

func TestVoidSaleRestocksInventory(t *testing.T) {
	databaseURL := os.Getenv("TOKOPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TOKOPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	sku := fmt.Sprintf("SKU-VOID-IT-%d", stamp)
	branchID := fmt.Sprintf("BR-IT-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payments WHERE sale_id IN (SELECT id FROM sales WHERE branch_id = $1)`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id IN (SELECT id FROM sales WHERE branch_id = $1)`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE branch_id = $1`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE branch_id = $1`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM branch_stock WHERE branch_id = $1`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM settings WHERE key LIKE 'last_invoice_seq_' || $1 || '%'`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE sku = $1`, sku)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM branches WHERE id = $1`, branchID)
	})

	if _, err := s.CreateBranch(ctx, domain.Branch{ID: branchID, Name: "Integration Branch", Active: true}); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if _, err := s.CreateProduct(ctx, domain.Product{
		SKU:    sku,
		Name:   "Produk Void IT",
		Price:  decimal.NewFromInt(12000),
		Active: true,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}
	if err := s.AdjustStock(ctx, domain.StockAdjustment{
		SKU: sku, BranchID: branchID, Quantity: 10, Notes: "seed", UserID: "it",
	}); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	sale, err := s.CreateSale(ctx, domain.Sale{
		BranchID: branchID,
		UserID:   "it",
		Subtotal: decimal.NewFromInt(24000),
		Total:    decimal.NewFromInt(24000),
		Items: []domain.SaleItem{{
			SKU: sku, ProductName: "Produk Void IT", Quantity: 2,
			UnitPrice: decimal.NewFromInt(12000), Total: decimal.NewFromInt(24000),
		}},
		Payments: []domain.Payment{{
			Method: "cash", Amount: decimal.NewFromInt(24000),
		}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	qty, err := s.StockQuantity(ctx, sku, branchID)
	if err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if qty != 8 {
		t.Fatalf("expected stock 8 after sale, got %d", qty)
	}

	at := time.Now().UTC()
	if _, err := s.VoidSale(ctx, sale.ID, "it", "integration test void", at); err != nil {
		t.Fatalf("void sale: %v", err)
	}

	qty, err = s.StockQuantity(ctx, sku, branchID)
	if err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if qty != 10 {
		t.Fatalf("expected stock 10 after void restock, got %d", qty)
	}

	voided, err := s.GetSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if voided.Status != domain.SaleStatusVoided {
		t.Fatalf("expected sale status voided, got %s", voided.Status)
	}

	discrepancies, err := s.ReconcileStock(ctx, branchID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	for _, d := range discrepancies {
		if d.SKU == sku {
			t.Fatalf("cache drifted from ledger: cached=%d actual=%d", d.CachedQty, d.ActualQty)
		}
	}
}
