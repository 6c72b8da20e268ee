package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrPaymentMismatch      = errors.New("payment total does not match bill total")
	ErrSaleNotVoidable      = errors.New("sale not found or already voided/returned")
	ErrOriginalSaleNotFound = errors.New("original sale not found")
	ErrSaleNotReturnable    = errors.New("sale cannot be returned")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrPurchaseNotDraft     = errors.New("purchase not found or already received")
	ErrShiftAlreadyOpen     = errors.New("an open shift already exists for this user and branch")
	ErrShiftNotOpen         = errors.New("shift not found or already closed")
)

// Repository is the persistence boundary for the stock ledger and sales
// engine. Multi-step operations (CreateSale, VoidSale, ReturnSale,
// TransferStock, ReceivePurchase, ...) are transactional: every write
// they perform commits together or not at all.
type Repository interface {
	// Catalog
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error)
	CreateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error)
	GetBranch(ctx context.Context, id string) (*domain.Branch, error)
	ListBranches(ctx context.Context) ([]domain.Branch, error)
	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)

	// Sales
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	VoidSale(ctx context.Context, saleID string, userID string, reason string, at time.Time) (*domain.Sale, error)
	ReturnSale(ctx context.Context, ret domain.SaleReturn, at time.Time) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	GetSaleByInvoice(ctx context.Context, invoiceNumber string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)

	// Held sales
	SaveHeldSale(ctx context.Context, held domain.HeldSale) (*domain.HeldSale, error)
	ListHeldSales(ctx context.Context, branchID string) ([]domain.HeldSale, error)
	GetAutosave(ctx context.Context, userID string, branchID string) (*domain.HeldSale, error)
	DeleteHeldSale(ctx context.Context, id string) error

	// Inventory
	AdjustStock(ctx context.Context, adj domain.StockAdjustment) error
	TransferStock(ctx context.Context, transfer domain.StockTransfer) error
	StockLevels(ctx context.Context, branchID string, lowStockOnly bool) ([]domain.StockLevel, error)
	StockQuantity(ctx context.Context, sku string, branchID string) (int64, error)
	ListMovements(ctx context.Context, sku string, branchID string, limit int) ([]domain.StockMovement, error)
	ReconcileStock(ctx context.Context, branchID string) ([]domain.StockDiscrepancy, error)
	RebuildStockCache(ctx context.Context, branchID string) error

	// Purchasing
	CreatePurchase(ctx context.Context, purchase domain.PurchaseInvoice) (*domain.PurchaseInvoice, error)
	ReceivePurchase(ctx context.Context, id string, userID string, at time.Time) (*domain.PurchaseInvoice, error)
	CancelPurchase(ctx context.Context, id string) error
	GetPurchase(ctx context.Context, id string) (*domain.PurchaseInvoice, error)
	ListPurchases(ctx context.Context, filter domain.PurchaseFilter) ([]domain.PurchaseInvoice, error)

	// Shifts
	OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	CloseShift(ctx context.Context, shiftID string, closingCash decimal.Decimal, notes string, at time.Time) (*domain.Shift, error)
	CurrentShift(ctx context.Context, userID string, branchID string) (*domain.Shift, error)
	ListShifts(ctx context.Context, filter domain.ShiftFilter) ([]domain.Shift, error)

	// Audit & reporting
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditLog, error)
	DailySalesReport(ctx context.Context, branchID string, from time.Time, to time.Time) ([]domain.DailySalesRow, error)

	// Users
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
