package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stock movement types. Quantity signs follow the physical direction of
// stock: negative leaves the branch, positive enters it.
const (
	MovementPurchase    = "PURCHASE"
	MovementSale        = "SALE"
	MovementReturn      = "RETURN"
	MovementAdjustment  = "ADJUSTMENT"
	MovementTransferOut = "TRANSFER_OUT"
	MovementTransferIn  = "TRANSFER_IN"
)

// Sale statuses. completed -> voided is terminal; completed ->
// partial_return -> returned is terminal; a full return in one step goes
// straight to returned.
const (
	SaleStatusCompleted     = "completed"
	SaleStatusVoided        = "voided"
	SaleStatusReturned      = "returned"
	SaleStatusPartialReturn = "partial_return"
)

const (
	PurchaseStatusDraft     = "draft"
	PurchaseStatusReceived  = "received"
	PurchaseStatusCancelled = "cancelled"
)

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

const (
	DiscountTypeFixed      = "fixed"
	DiscountTypePercentage = "percentage"
)

// PaymentTolerance is the accepted shortfall between payment total and
// bill total at sale creation, in currency units.
var PaymentTolerance = decimal.NewFromFloat(0.01)

type Product struct {
	SKU               string          `json:"sku"`
	Barcode           string          `json:"barcode,omitempty"`
	Name              string          `json:"name"`
	Category          string          `json:"category,omitempty"`
	Price             decimal.Decimal `json:"price"`
	CostPrice         decimal.Decimal `json:"cost_price"`
	TaxRate           decimal.Decimal `json:"tax_rate"`
	LowStockThreshold int64           `json:"low_stock_threshold"`
	Active            bool            `json:"active"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Branch IDs are short human codes ("BR1") and double as the invoice
// number prefix for the branch.
type Branch struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Supplier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Address   string    `json:"address,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// StockMovement is an append-only ledger row. Rows are never updated or
// deleted; reversals are posted as new movements with the opposite sign.
// The on-hand quantity of a (product, branch) pair is the sum of Quantity
// over all of its movements.
type StockMovement struct {
	ID            string    `json:"id"`
	SKU           string    `json:"sku"`
	BranchID      string    `json:"branch_id"`
	Type          string    `json:"type"`
	Quantity      int64     `json:"quantity"`
	ReferenceType string    `json:"reference_type,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// StockLevel is a branch_stock cache row joined with its product. The
// cache is a projection of the movement ledger, never the source of truth.
type StockLevel struct {
	SKU               string    `json:"sku"`
	ProductName       string    `json:"product_name"`
	BranchID          string    `json:"branch_id"`
	Quantity          int64     `json:"quantity"`
	LowStockThreshold int64     `json:"low_stock_threshold"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type StockDiscrepancy struct {
	SKU         string `json:"sku"`
	ProductName string `json:"product_name"`
	BranchID    string `json:"branch_id"`
	CachedQty   int64  `json:"cached_qty"`
	ActualQty   int64  `json:"actual_qty"`
}

// SaleItem is an immutable snapshot of the product at sale time; live
// product data is never re-read after creation. Quantity and Total are
// negative on return rows so that SUM-based reports net out returns.
type SaleItem struct {
	ID             string          `json:"id"`
	SaleID         string          `json:"sale_id"`
	SKU            string          `json:"sku"`
	ProductName    string          `json:"product_name"`
	Quantity       int64           `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	CostPrice      decimal.Decimal `json:"cost_price"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	Total          decimal.Decimal `json:"total"`
}

// Payment amounts are negative for refunds.
type Payment struct {
	ID             string          `json:"id"`
	SaleID         string          `json:"sale_id"`
	Method         string          `json:"method"`
	Amount         decimal.Decimal `json:"amount"`
	Reference      string          `json:"reference,omitempty"`
	ReceivedAmount decimal.Decimal `json:"received_amount"`
	ChangeAmount   decimal.Decimal `json:"change_amount"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Sale struct {
	ID             string          `json:"id"`
	InvoiceNumber  string          `json:"invoice_number"`
	BranchID       string          `json:"branch_id"`
	UserID         string          `json:"user_id"`
	ShiftID        string          `json:"shift_id,omitempty"`
	CustomerName   string          `json:"customer_name,omitempty"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	DiscountType   string          `json:"discount_type,omitempty"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	Total          decimal.Decimal `json:"total"`
	Status         string          `json:"status"`
	OriginalSaleID string          `json:"original_sale_id,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Items          []SaleItem      `json:"items,omitempty"`
	Payments       []Payment       `json:"payments,omitempty"`
}

type SaleFilter struct {
	BranchID string
	Status   string
	From     time.Time
	To       time.Time
	Limit    int
}

// ReturnItem quantities are positive; the engine stores them negated on
// the return sale row.
type ReturnItem struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}

type SaleReturn struct {
	OriginalSaleID string       `json:"original_sale_id"`
	UserID         string       `json:"user_id"`
	ShiftID        string       `json:"shift_id,omitempty"`
	Reason         string       `json:"reason"`
	RefundMethod   string       `json:"refund_method"`
	Items          []ReturnItem `json:"items"`
}

type CreateSaleResponse struct {
	SaleID        string `json:"sale_id"`
	InvoiceNumber string `json:"invoice_number"`
}

type StockAdjustment struct {
	SKU      string `json:"sku"`
	BranchID string `json:"branch_id"`
	Quantity int64  `json:"quantity"`
	Notes    string `json:"notes"`
	UserID   string `json:"user_id"`
}

type StockTransfer struct {
	SKU          string `json:"sku"`
	FromBranchID string `json:"from_branch_id"`
	ToBranchID   string `json:"to_branch_id"`
	Quantity     int64  `json:"quantity"`
	Notes        string `json:"notes,omitempty"`
	UserID       string `json:"user_id"`
}

type PurchaseItem struct {
	ID          string          `json:"id"`
	PurchaseID  string          `json:"purchase_id"`
	SKU         string          `json:"sku"`
	ProductName string          `json:"product_name"`
	Quantity    int64           `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Total       decimal.Decimal `json:"total"`
}

// PurchaseInvoice has no inventory effect while in draft; PURCHASE
// movements are posted only when the invoice is received.
type PurchaseInvoice struct {
	ID            string          `json:"id"`
	InvoiceNumber string          `json:"invoice_number"`
	SupplierID    string          `json:"supplier_id"`
	BranchID      string          `json:"branch_id"`
	Status        string          `json:"status"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Notes         string          `json:"notes,omitempty"`
	UserID        string          `json:"user_id"`
	CreatedAt     time.Time       `json:"created_at"`
	ReceivedAt    *time.Time      `json:"received_at,omitempty"`
	ReceivedBy    string          `json:"received_by,omitempty"`
	Items         []PurchaseItem  `json:"items,omitempty"`
}

type PurchaseFilter struct {
	BranchID string
	Status   string
	Limit    int
}

// Shift aggregates (TotalSales, TotalRefunds, TotalTransactions) are
// maintained incrementally by the sale engine. Invariant: each equals the
// sum over the shift's qualifying sales.
type Shift struct {
	ID                string          `json:"id"`
	BranchID          string          `json:"branch_id"`
	UserID            string          `json:"user_id"`
	OpeningCash       decimal.Decimal `json:"opening_cash"`
	ClosingCash       decimal.Decimal `json:"closing_cash"`
	ExpectedCash      decimal.Decimal `json:"expected_cash"`
	Difference        decimal.Decimal `json:"difference"`
	TotalSales        decimal.Decimal `json:"total_sales"`
	TotalRefunds      decimal.Decimal `json:"total_refunds"`
	TotalTransactions int64           `json:"total_transactions"`
	Status            string          `json:"status"`
	Notes             string          `json:"notes,omitempty"`
	OpenedAt          time.Time       `json:"opened_at"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
}

type ShiftFilter struct {
	BranchID string
	UserID   string
	Status   string
	Limit    int
}

type CartLine struct {
	SKU            string          `json:"sku"`
	ProductName    string          `json:"product_name"`
	Quantity       int64           `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

// CartSnapshot is a dump-and-restore picture of an in-progress cart. It
// is not validated and has no inventory effect.
type CartSnapshot struct {
	CustomerName   string          `json:"customer_name,omitempty"`
	Items          []CartLine      `json:"items"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	DiscountType   string          `json:"discount_type,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

type HeldSale struct {
	ID        string       `json:"id"`
	BranchID  string       `json:"branch_id"`
	UserID    string       `json:"user_id"`
	Label     string       `json:"label,omitempty"`
	Autosave  bool         `json:"autosave"`
	Cart      CartSnapshot `json:"cart"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	BranchID   string    `json:"branch_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type AuditFilter struct {
	BranchID string
	Action   string
	Limit    int
}

type DailySalesRow struct {
	Date              string          `json:"date"`
	TotalTransactions int64           `json:"total_transactions"`
	TotalSales        decimal.Decimal `json:"total_sales"`
	TotalRefunds      decimal.Decimal `json:"total_refunds"`
	TotalDiscounts    decimal.Decimal `json:"total_discounts"`
	TotalTax          decimal.Decimal `json:"total_tax"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type UserAccount struct {
	Username    string    `json:"username"`
	Password    string    `json:"-"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
