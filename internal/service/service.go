// Package service holds the business rules of the sales engine:
// request validation and normalization, role checks, the payment
// tolerance rule, the negative-stock policy, and best-effort audit
// logging. Everything transactional lives below it in the store.
package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/cache"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo              store.Repository
	reports           cache.ReportCache
	reportTTL         time.Duration
	defaultBranchID   string
	allowNegativeSale bool
}

func New(repo store.Repository, reports cache.ReportCache, reportTTL time.Duration, defaultBranchID string, allowNegativeSale bool) *Service {
	if defaultBranchID == "" {
		defaultBranchID = "BR1"
	}
	if reports == nil {
		reports = cache.NoopReportCache{}
	}

	return &Service{
		repo:              repo,
		reports:           reports,
		reportTTL:         reportTTL,
		defaultBranchID:   defaultBranchID,
		allowNegativeSale: allowNegativeSale,
	}
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("authentication required")
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("%s role required", strings.Join(roles, " or "))
}

// ---- catalog ----

func (s *Service) ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, activeOnly)
}

func (s *Service) GetProduct(ctx context.Context, sku string) (*domain.Product, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return nil, fmt.Errorf("%w: sku is required", store.ErrInvalidInput)
	}
	return s.repo.GetProductBySKU(ctx, sku)
}

// CreateProduct registers a product and optionally posts its opening
// stock as an ADJUSTMENT movement, so the ledger accounts for the very
// first unit.
func (s *Service) CreateProduct(ctx context.Context, product domain.Product, initialStock int64, branchID string) (domain.Product, error) {
	actor, err := requireRole(ctx, "admin", "manager")
	if err != nil {
		return domain.Product{}, err
	}

	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	product.Name = strings.TrimSpace(product.Name)
	if product.SKU == "" || product.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: sku and name are required", store.ErrInvalidInput)
	}
	if product.Price.IsNegative() || product.CostPrice.IsNegative() || product.TaxRate.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: price, cost price and tax rate must not be negative", store.ErrInvalidInput)
	}
	if initialStock < 0 {
		return domain.Product{}, fmt.Errorf("%w: initial stock must not be negative", store.ErrInvalidInput)
	}
	product.Active = true

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	if initialStock > 0 {
		if branchID == "" {
			branchID = s.defaultBranchID
		}
		err := s.repo.AdjustStock(ctx, domain.StockAdjustment{
			SKU:      created.SKU,
			BranchID: branchID,
			Quantity: initialStock,
			Notes:    "initial stock",
			UserID:   actor.Username,
		})
		if err != nil {
			return domain.Product{}, err
		}
	}

	s.logAudit(ctx, branchID, "product_create", "product", created.SKU, fmt.Sprintf("name=%s,price=%s,stock=%d", created.Name, created.Price, initialStock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if _, err := requireRole(ctx, "admin", "manager"); err != nil {
		return domain.Product{}, err
	}

	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	product.Name = strings.TrimSpace(product.Name)
	if product.SKU == "" || product.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: sku and name are required", store.ErrInvalidInput)
	}
	if product.Price.IsNegative() || product.CostPrice.IsNegative() || product.TaxRate.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: price, cost price and tax rate must not be negative", store.ErrInvalidInput)
	}

	saved, err := s.repo.UpdateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "", "product_update", "product", saved.SKU, fmt.Sprintf("active=%t,price=%s", saved.Active, saved.Price))
	return *saved, nil
}

func (s *Service) CreateBranch(ctx context.Context, branch domain.Branch) (domain.Branch, error) {
	if _, err := requireRole(ctx, "admin"); err != nil {
		return domain.Branch{}, err
	}
	branch.ID = strings.ToUpper(strings.TrimSpace(branch.ID))
	branch.Name = strings.TrimSpace(branch.Name)
	branch.Active = true

	created, err := s.repo.CreateBranch(ctx, branch)
	if err != nil {
		return domain.Branch{}, err
	}
	s.logAudit(ctx, created.ID, "branch_create", "branch", created.ID, created.Name)
	return *created, nil
}

func (s *Service) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	return s.repo.ListBranches(ctx)
}

func (s *Service) CreateSupplier(ctx context.Context, supplier domain.Supplier) (domain.Supplier, error) {
	if _, err := requireRole(ctx, "admin", "manager"); err != nil {
		return domain.Supplier{}, err
	}
	supplier.Name = strings.TrimSpace(supplier.Name)
	supplier.Active = true

	created, err := s.repo.CreateSupplier(ctx, supplier)
	if err != nil {
		return domain.Supplier{}, err
	}
	s.logAudit(ctx, "", "supplier_create", "supplier", created.ID, created.Name)
	return *created, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

// ---- sales ----

// CreateSale validates and normalizes the cart, enforces the payment
// tolerance and the negative-stock policy, then hands the sale to the
// store, which posts it atomically. Nothing is written when validation
// fails.
func (s *Service) CreateSale(ctx context.Context, sale domain.Sale) (domain.CreateSaleResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if ok && sale.UserID == "" {
		sale.UserID = actor.Username
	}
	if sale.BranchID == "" {
		sale.BranchID = s.defaultBranchID
	}
	if len(sale.Items) == 0 {
		return domain.CreateSaleResponse{}, fmt.Errorf("%w: sale has no items", store.ErrInvalidInput)
	}
	if len(sale.Payments) == 0 {
		return domain.CreateSaleResponse{}, fmt.Errorf("%w: sale has no payments", store.ErrInvalidInput)
	}

	for i := range sale.Items {
		item := &sale.Items[i]
		item.SKU = strings.ToUpper(strings.TrimSpace(item.SKU))
		if item.SKU == "" || item.Quantity <= 0 {
			return domain.CreateSaleResponse{}, fmt.Errorf("%w: each item needs a sku and a positive quantity", store.ErrInvalidInput)
		}
		product, err := s.repo.GetProductBySKU(ctx, item.SKU)
		if err != nil {
			return domain.CreateSaleResponse{}, err
		}
		if !product.Active {
			return domain.CreateSaleResponse{}, fmt.Errorf("%w: product %s is inactive", store.ErrInvalidInput, item.SKU)
		}
		// Snapshot product fields the client did not send.
		if item.ProductName == "" {
			item.ProductName = product.Name
		}
		if item.UnitPrice.IsZero() {
			item.UnitPrice = product.Price
		}
		if item.CostPrice.IsZero() {
			item.CostPrice = product.CostPrice
		}
		if item.TaxRate.IsZero() {
			item.TaxRate = product.TaxRate
		}
		if item.Total.IsZero() {
			qty := decimal.NewFromInt(item.Quantity)
			item.Total = item.UnitPrice.Mul(qty).Sub(item.DiscountAmount).Add(item.TaxAmount)
		}

		if !s.allowNegativeSale {
			onHand, err := s.repo.StockQuantity(ctx, item.SKU, sale.BranchID)
			if err != nil {
				return domain.CreateSaleResponse{}, err
			}
			if onHand < item.Quantity {
				return domain.CreateSaleResponse{}, fmt.Errorf("%w: %s at %s has %d on hand", store.ErrInsufficientStock, item.SKU, sale.BranchID, onHand)
			}
		}
	}

	paid := decimal.Zero
	for i := range sale.Payments {
		p := &sale.Payments[i]
		p.Method = strings.ToLower(strings.TrimSpace(p.Method))
		if p.Method == "" {
			p.Method = "cash"
		}
		if p.Method == "cash" && !p.ReceivedAmount.IsZero() && p.ChangeAmount.IsZero() {
			p.ChangeAmount = p.ReceivedAmount.Sub(p.Amount)
		}
		paid = paid.Add(p.Amount)
	}
	if paid.LessThan(sale.Total.Sub(domain.PaymentTolerance)) {
		return domain.CreateSaleResponse{}, fmt.Errorf("%w: paid %s of %s", store.ErrPaymentMismatch, paid, sale.Total)
	}

	sale.Status = domain.SaleStatusCompleted
	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.CreateSaleResponse{}, err
	}

	s.logAudit(ctx, created.BranchID, "sale_create", "sale", created.ID, fmt.Sprintf("invoice=%s,total=%s,items=%d", created.InvoiceNumber, created.Total, len(created.Items)))
	return domain.CreateSaleResponse{SaleID: created.ID, InvoiceNumber: created.InvoiceNumber}, nil
}

func (s *Service) VoidSale(ctx context.Context, saleID string, reason string) (*domain.Sale, error) {
	actor, err := requireRole(ctx, "admin", "manager")
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: void reason is required", store.ErrInvalidInput)
	}

	voided, err := s.repo.VoidSale(ctx, saleID, actor.Username, reason, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, voided.BranchID, "sale_void", "sale", voided.ID, reason)
	return voided, nil
}

func (s *Service) ReturnSale(ctx context.Context, ret domain.SaleReturn) (*domain.Sale, error) {
	actor, err := requireRole(ctx, "admin", "manager", "cashier")
	if err != nil {
		return nil, err
	}
	ret.UserID = actor.Username
	ret.Reason = strings.TrimSpace(ret.Reason)
	if ret.Reason == "" {
		return nil, fmt.Errorf("%w: return reason is required", store.ErrInvalidInput)
	}
	if len(ret.Items) == 0 {
		return nil, fmt.Errorf("%w: no items to return", store.ErrInvalidInput)
	}
	ret.RefundMethod = strings.ToLower(strings.TrimSpace(ret.RefundMethod))
	if ret.RefundMethod == "" {
		ret.RefundMethod = "cash"
	}
	for i := range ret.Items {
		ret.Items[i].SKU = strings.ToUpper(strings.TrimSpace(ret.Items[i].SKU))
	}

	returned, err := s.repo.ReturnSale(ctx, ret, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, returned.BranchID, "sale_return", "sale", returned.ID, fmt.Sprintf("original=%s,refund=%s", ret.OriginalSaleID, returned.Total.Abs()))
	return returned, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, id)
}

func (s *Service) GetSaleByInvoice(ctx context.Context, invoiceNumber string) (*domain.Sale, error) {
	invoiceNumber = strings.TrimSpace(invoiceNumber)
	if invoiceNumber == "" {
		return nil, fmt.Errorf("%w: invoice number is required", store.ErrInvalidInput)
	}
	return s.repo.GetSaleByInvoice(ctx, invoiceNumber)
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	if filter.BranchID == "" {
		filter.BranchID = s.defaultBranchID
	}
	return s.repo.ListSales(ctx, filter)
}

// ---- held sales ----

func (s *Service) HoldSale(ctx context.Context, held domain.HeldSale) (*domain.HeldSale, error) {
	actor, ok := ActorFromContext(ctx)
	if ok && held.UserID == "" {
		held.UserID = actor.Username
	}
	if held.BranchID == "" {
		held.BranchID = s.defaultBranchID
	}
	if len(held.Cart.Items) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", store.ErrInvalidInput)
	}

	saved, err := s.repo.SaveHeldSale(ctx, held)
	if err != nil {
		return nil, err
	}
	if !saved.Autosave {
		s.logAudit(ctx, saved.BranchID, "sale_hold", "held_sale", saved.ID, fmt.Sprintf("items=%d", len(saved.Cart.Items)))
	}
	return saved, nil
}

func (s *Service) ListHeldSales(ctx context.Context, branchID string) ([]domain.HeldSale, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	return s.repo.ListHeldSales(ctx, branchID)
}

func (s *Service) GetAutosave(ctx context.Context, branchID string) (*domain.HeldSale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	return s.repo.GetAutosave(ctx, actor.Username, branchID)
}

func (s *Service) DeleteHeldSale(ctx context.Context, id string) error {
	if err := s.repo.DeleteHeldSale(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "", "sale_hold_delete", "held_sale", id, "")
	return nil
}

// ---- inventory ----

func (s *Service) AdjustStock(ctx context.Context, adj domain.StockAdjustment) error {
	actor, err := requireRole(ctx, "admin", "manager")
	if err != nil {
		return err
	}
	adj.SKU = strings.ToUpper(strings.TrimSpace(adj.SKU))
	adj.Notes = strings.TrimSpace(adj.Notes)
	adj.UserID = actor.Username
	if adj.BranchID == "" {
		adj.BranchID = s.defaultBranchID
	}
	if adj.Notes == "" {
		return fmt.Errorf("%w: adjustment notes are required", store.ErrInvalidInput)
	}

	if err := s.repo.AdjustStock(ctx, adj); err != nil {
		return err
	}
	s.logAudit(ctx, adj.BranchID, "stock_adjust", "product", adj.SKU, fmt.Sprintf("qty=%d,notes=%s", adj.Quantity, adj.Notes))
	return nil
}

func (s *Service) TransferStock(ctx context.Context, transfer domain.StockTransfer) error {
	actor, err := requireRole(ctx, "admin", "manager")
	if err != nil {
		return err
	}
	transfer.SKU = strings.ToUpper(strings.TrimSpace(transfer.SKU))
	transfer.UserID = actor.Username
	if transfer.FromBranchID == "" || transfer.ToBranchID == "" {
		return fmt.Errorf("%w: source and destination branches are required", store.ErrInvalidInput)
	}

	if err := s.repo.TransferStock(ctx, transfer); err != nil {
		return err
	}
	s.logAudit(ctx, transfer.FromBranchID, "stock_transfer", "product", transfer.SKU, fmt.Sprintf("qty=%d,to=%s", transfer.Quantity, transfer.ToBranchID))
	return nil
}

func (s *Service) StockLevels(ctx context.Context, branchID string, lowStockOnly bool) ([]domain.StockLevel, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	return s.repo.StockLevels(ctx, branchID, lowStockOnly)
}

func (s *Service) StockHistory(ctx context.Context, sku string, branchID string, limit int) ([]domain.StockMovement, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	return s.repo.ListMovements(ctx, sku, branchID, limit)
}

// ReconcileStock reports (product, branch) pairs whose cached quantity
// disagrees with the ledger sum. Read-only.
func (s *Service) ReconcileStock(ctx context.Context, branchID string) ([]domain.StockDiscrepancy, error) {
	if _, err := requireRole(ctx, "admin", "manager"); err != nil {
		return nil, err
	}
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	return s.repo.ReconcileStock(ctx, branchID)
}

// FixStockCache overwrites the cache from the ledger. Running it twice
// in a row is harmless.
func (s *Service) FixStockCache(ctx context.Context, branchID string) error {
	actor, err := requireRole(ctx, "admin", "manager")
	if err != nil {
		return err
	}
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if err := s.repo.RebuildStockCache(ctx, branchID); err != nil {
		return err
	}
	s.logAudit(ctx, branchID, "stock_cache_rebuild", "branch", branchID, actor.Username)
	return nil
}

// ---- purchasing ----

func (s *Service) CreatePurchase(ctx context.Context, purchase domain.PurchaseInvoice) (*domain.PurchaseInvoice, error) {
	actor, err := requireRole(ctx, "admin", "manager")
	if err != nil {
		return nil, err
	}
	purchase.UserID = actor.Username
	if purchase.BranchID == "" {
		purchase.BranchID = s.defaultBranchID
	}
	for i := range purchase.Items {
		purchase.Items[i].SKU = strings.ToUpper(strings.TrimSpace(purchase.Items[i].SKU))
	}

	created, err := s.repo.CreatePurchase(ctx, purchase)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, created.BranchID, "purchase_create", "purchase", created.ID, fmt.Sprintf("supplier=%s,items=%d,subtotal=%s", created.SupplierID, len(created.Items), created.Subtotal))
	return created, nil
}

func (s *Service) ReceivePurchase(ctx context.Context, id string) (*domain.PurchaseInvoice, error) {
	actor, err := requireRole(ctx, "admin", "manager")
	if err != nil {
		return nil, err
	}
	received, err := s.repo.ReceivePurchase(ctx, id, actor.Username, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, received.BranchID, "purchase_receive", "purchase", received.ID, fmt.Sprintf("items=%d", len(received.Items)))
	return received, nil
}

func (s *Service) CancelPurchase(ctx context.Context, id string) error {
	if _, err := requireRole(ctx, "admin", "manager"); err != nil {
		return err
	}
	if err := s.repo.CancelPurchase(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "", "purchase_cancel", "purchase", id, "")
	return nil
}

func (s *Service) GetPurchase(ctx context.Context, id string) (*domain.PurchaseInvoice, error) {
	return s.repo.GetPurchase(ctx, id)
}

func (s *Service) ListPurchases(ctx context.Context, filter domain.PurchaseFilter) ([]domain.PurchaseInvoice, error) {
	if filter.BranchID == "" {
		filter.BranchID = s.defaultBranchID
	}
	return s.repo.ListPurchases(ctx, filter)
}

// ---- shifts ----

func (s *Service) OpenShift(ctx context.Context, branchID string, openingCash decimal.Decimal, notes string) (*domain.Shift, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if openingCash.IsNegative() {
		return nil, fmt.Errorf("%w: opening cash must not be negative", store.ErrInvalidInput)
	}

	opened, err := s.repo.OpenShift(ctx, domain.Shift{
		BranchID:    branchID,
		UserID:      actor.Username,
		OpeningCash: openingCash,
		Notes:       strings.TrimSpace(notes),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, branchID, "shift_open", "shift", opened.ID, fmt.Sprintf("opening_cash=%s", opened.OpeningCash))
	return opened, nil
}

func (s *Service) CloseShift(ctx context.Context, shiftID string, closingCash decimal.Decimal, notes string) (*domain.Shift, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return nil, fmt.Errorf("authentication required")
	}
	if closingCash.IsNegative() {
		return nil, fmt.Errorf("%w: closing cash must not be negative", store.ErrInvalidInput)
	}

	closed, err := s.repo.CloseShift(ctx, shiftID, closingCash, strings.TrimSpace(notes), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, closed.BranchID, "shift_close", "shift", closed.ID, fmt.Sprintf("closing_cash=%s,expected=%s,difference=%s", closed.ClosingCash, closed.ExpectedCash, closed.Difference))
	return closed, nil
}

func (s *Service) CurrentShift(ctx context.Context, branchID string) (*domain.Shift, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	return s.repo.CurrentShift(ctx, actor.Username, branchID)
}

func (s *Service) ListShifts(ctx context.Context, filter domain.ShiftFilter) ([]domain.Shift, error) {
	if filter.BranchID == "" {
		filter.BranchID = s.defaultBranchID
	}
	return s.repo.ListShifts(ctx, filter)
}

// ---- reporting & audit ----

// DailySalesReport serves from the report cache when possible. Cache
// failures are logged and swallowed; the store always has the answer.
func (s *Service) DailySalesReport(ctx context.Context, branchID string, from time.Time, to time.Time) ([]domain.DailySalesRow, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: report range end precedes start", store.ErrInvalidInput)
	}

	key := fmt.Sprintf("report:daily:%s:%s:%s", branchID, from.Format("2006-01-02"), to.Format("2006-01-02"))
	if rows, ok, err := s.reports.Get(ctx, key); err != nil {
		log.Printf("[report] WARN: cache get failed key=%s: %v", key, err)
	} else if ok {
		return rows, nil
	}

	rows, err := s.repo.DailySalesReport(ctx, branchID, from, to)
	if err != nil {
		return nil, err
	}
	if err := s.reports.Set(ctx, key, rows, s.reportTTL); err != nil {
		log.Printf("[report] WARN: cache set failed key=%s: %v", key, err)
	}
	return rows, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditLog, error) {
	if _, err := requireRole(ctx, "admin", "manager"); err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, filter)
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, details string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		UserID:     actor.Username,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		BranchID:   branchID,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
