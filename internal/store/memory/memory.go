package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

type stockKey struct {
	sku      string
	branchID string
}

type stockEntry struct {
	quantity  int64
	updatedAt time.Time
}

// Store is a fully in-memory Repository. It backs unit tests and the
// dev-mode fallback when no database is configured. The single mutex
// makes every composite operation trivially atomic: validation happens
// before the first mutation, so a failed call leaves no partial state.
type Store struct {
	mu            sync.RWMutex
	products      map[string]domain.Product
	branches      map[string]domain.Branch
	suppliers     map[string]domain.Supplier
	movements     []domain.StockMovement
	stock         map[stockKey]stockEntry
	salesByID     map[string]*domain.Sale
	saleOrder     []string
	heldByID      map[string]domain.HeldSale
	purchasesByID map[string]*domain.PurchaseInvoice
	purchaseOrder []string
	shiftsByID    map[string]*domain.Shift
	shiftOrder    []string
	auditLogs     []domain.AuditLog
	settings      map[string]string
	users         map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:      make(map[string]domain.Product),
		branches:      make(map[string]domain.Branch),
		suppliers:     make(map[string]domain.Supplier),
		stock:         make(map[stockKey]stockEntry),
		salesByID:     make(map[string]*domain.Sale),
		heldByID:      make(map[string]domain.HeldSale),
		purchasesByID: make(map[string]*domain.PurchaseInvoice),
		shiftsByID:    make(map[string]*domain.Shift),
		settings:      make(map[string]string),
		users:         make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store pre-loaded with demo catalog data. Initial
// stock is loaded through ADJUSTMENT movements so the ledger and the
// cache agree from the first reconcile.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	branches := []domain.Branch{
		{ID: "BR1", Name: "Toko Utama", Address: "Jl. Melati 12", Active: true, CreatedAt: now},
		{ID: "BR2", Name: "Gudang", Address: "Jl. Kenanga 3", Active: true, CreatedAt: now},
	}
	for _, b := range branches {
		s.branches[b.ID] = b
	}

	products := []struct {
		sku   string
		name  string
		cat   string
		price int64
		cost  int64
		qty   int64
	}{
		{"SKU-MIE-01", "Mie Goreng Instan", "grocery", 3500, 2700, 120},
		{"SKU-TELUR-01", "Telur 10 Butir", "grocery", 26500, 23000, 40},
		{"SKU-SUSU-01", "Susu UHT 1L", "dairy", 18900, 13600, 36},
		{"SKU-ROTI-01", "Roti Tawar", "bakery", 17800, 12500, 18},
		{"SKU-KOPI-01", "Kopi Sachet", "beverage", 2600, 1700, 200},
		{"SKU-GULA-01", "Gula 1kg", "grocery", 17400, 15300, 55},
		{"SKU-TEH-01", "Teh Celup", "beverage", 9800, 7200, 70},
		{"SKU-AIR-01", "Air Mineral 600ml", "beverage", 3900, 3200, 150},
	}
	for _, p := range products {
		s.products[p.sku] = domain.Product{
			SKU:               p.sku,
			Name:              p.name,
			Category:          p.cat,
			Price:             decimal.NewFromInt(p.price),
			CostPrice:         decimal.NewFromInt(p.cost),
			TaxRate:           decimal.Zero,
			LowStockThreshold: 10,
			Active:            true,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		s.postMovementLocked(domain.StockMovement{
			SKU:           p.sku,
			BranchID:      "BR1",
			Type:          domain.MovementAdjustment,
			Quantity:      p.qty,
			ReferenceType: "seed",
			Notes:         "initial stock",
			CreatedAt:     now,
		})
	}

	s.suppliers["sup-seed-1"] = domain.Supplier{
		ID:        "sup-seed-1",
		Name:      "PT Sumber Rejeki",
		Phone:     "021-555-0101",
		Active:    true,
		CreatedAt: now,
	}

	s.users = seedUsers()
	return s
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// hardcoded dev defaults are used with a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ---- catalog ----

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if product.SKU == "" || product.Name == "" {
		return nil, fmt.Errorf("%w: sku and name are required", store.ErrInvalidInput)
	}
	if _, exists := s.products[product.SKU]; exists {
		return nil, fmt.Errorf("%w: sku already exists", store.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = product.CreatedAt
	s.products[product.SKU] = product
	out := product
	return &out, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.products[product.SKU]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.products[product.SKU] = product
	out := product
	return &out, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	product, ok := s.products[sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := product
	return &out, nil
}

func (s *Store) ListProducts(_ context.Context, activeOnly bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if activeOnly && !p.Active {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SKU < result[j].SKU })
	return result, nil
}

func (s *Store) CreateBranch(_ context.Context, branch domain.Branch) (*domain.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if branch.ID == "" || branch.Name == "" {
		return nil, fmt.Errorf("%w: branch id and name are required", store.ErrInvalidInput)
	}
	if _, exists := s.branches[branch.ID]; exists {
		return nil, fmt.Errorf("%w: branch id already exists", store.ErrInvalidInput)
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}
	s.branches[branch.ID] = branch
	out := branch
	return &out, nil
}

func (s *Store) GetBranch(_ context.Context, id string) (*domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	branch, ok := s.branches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := branch
	return &out, nil
}

func (s *Store) ListBranches(_ context.Context) ([]domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]domain.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if supplier.Name == "" {
		return nil, fmt.Errorf("%w: supplier name is required", store.ErrInvalidInput)
	}
	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}
	s.suppliers[supplier.ID] = supplier
	out := supplier
	return &out, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]domain.Supplier, 0, len(s.suppliers))
	for _, sup := range s.suppliers {
		result = append(result, sup)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// ---- ledger internals (callers hold s.mu) ----

// postMovementLocked appends one ledger row and moves the cache in
// lockstep. The cache row is created on first touch and never deleted.
func (s *Store) postMovementLocked(m domain.StockMovement) {
	if m.ID == "" {
		m.ID = xid.New("mov")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.movements = append(s.movements, m)
	key := stockKey{sku: m.SKU, branchID: m.BranchID}
	entry := s.stock[key]
	entry.quantity += m.Quantity
	entry.updatedAt = m.CreatedAt
	s.stock[key] = entry
}

// nextInvoiceLocked allocates the next per-branch-per-year invoice
// number from the settings counter. In-memory there is no transaction to
// roll back, so callers must finish all validation before calling.
func (s *Store) nextInvoiceLocked(branchID string, at time.Time) string {
	year := at.UTC().Year()
	key := fmt.Sprintf("last_invoice_seq_%s_%d", branchID, year)
	seq := int64(0)
	if raw, ok := s.settings[key]; ok {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			seq = parsed
		}
	}
	seq++
	s.settings[key] = strconv.FormatInt(seq, 10)
	return fmt.Sprintf("%s-%d-%06d", branchID, year, seq)
}

func (s *Store) ledgerSumLocked(sku string, branchID string) int64 {
	var sum int64
	for _, m := range s.movements {
		if m.SKU == sku && m.BranchID == branchID {
			sum += m.Quantity
		}
	}
	return sum
}

// ---- sales ----

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sale.Items) == 0 {
		return nil, fmt.Errorf("%w: sale has no items", store.ErrInvalidInput)
	}
	if _, ok := s.branches[sale.BranchID]; !ok {
		return nil, fmt.Errorf("%w: branch %s", store.ErrNotFound, sale.BranchID)
	}
	var shift *domain.Shift
	if sale.ShiftID != "" {
		sh, ok := s.shiftsByID[sale.ShiftID]
		if !ok {
			return nil, fmt.Errorf("%w: shift %s", store.ErrNotFound, sale.ShiftID)
		}
		shift = sh
	}

	now := sale.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if sale.ID == "" {
		sale.ID = xid.New("sal")
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}
	sale.InvoiceNumber = s.nextInvoiceLocked(sale.BranchID, now)
	sale.CreatedAt = now
	sale.UpdatedAt = now

	for i := range sale.Items {
		if sale.Items[i].ID == "" {
			sale.Items[i].ID = xid.New("sit")
		}
		sale.Items[i].SaleID = sale.ID
	}
	for i := range sale.Payments {
		if sale.Payments[i].ID == "" {
			sale.Payments[i].ID = xid.New("pay")
		}
		sale.Payments[i].SaleID = sale.ID
		if sale.Payments[i].CreatedAt.IsZero() {
			sale.Payments[i].CreatedAt = now
		}
	}

	for _, item := range sale.Items {
		s.postMovementLocked(domain.StockMovement{
			SKU:           item.SKU,
			BranchID:      sale.BranchID,
			Type:          domain.MovementSale,
			Quantity:      -item.Quantity,
			ReferenceType: "sale",
			ReferenceID:   sale.ID,
			UserID:        sale.UserID,
			CreatedAt:     now,
		})
	}

	if shift != nil {
		shift.TotalSales = shift.TotalSales.Add(sale.Total)
		shift.TotalTransactions++
	}

	stored := sale
	s.salesByID[sale.ID] = &stored
	s.saleOrder = append(s.saleOrder, sale.ID)
	return cloneSale(&stored), nil
}

func (s *Store) VoidSale(_ context.Context, saleID string, userID string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok || sale.Status != domain.SaleStatusCompleted {
		return nil, store.ErrSaleNotVoidable
	}

	sale.Status = domain.SaleStatusVoided
	sale.Notes = appendNote(sale.Notes, "VOIDED: "+reason)
	sale.UpdatedAt = at

	for _, item := range sale.Items {
		s.postMovementLocked(domain.StockMovement{
			SKU:           item.SKU,
			BranchID:      sale.BranchID,
			Type:          domain.MovementReturn,
			Quantity:      item.Quantity,
			ReferenceType: "void",
			ReferenceID:   sale.ID,
			Notes:         reason,
			UserID:        userID,
			CreatedAt:     at,
		})
	}

	if sale.ShiftID != "" {
		if shift, ok := s.shiftsByID[sale.ShiftID]; ok {
			shift.TotalSales = shift.TotalSales.Sub(sale.Total)
			shift.TotalTransactions--
		}
	}

	return cloneSale(sale), nil
}

func (s *Store) ReturnSale(_ context.Context, ret domain.SaleReturn, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.salesByID[ret.OriginalSaleID]
	if !ok {
		return nil, store.ErrOriginalSaleNotFound
	}
	if original.Status == domain.SaleStatusVoided || original.Status == domain.SaleStatusReturned {
		return nil, store.ErrSaleNotReturnable
	}
	if len(ret.Items) == 0 {
		return nil, fmt.Errorf("%w: no items to return", store.ErrInvalidInput)
	}

	originalQty := originalQuantities(original)
	alreadyReturned := s.returnedQuantitiesLocked(original.ID)

	// Validate every line before any mutation.
	type line struct {
		item   domain.SaleItem
		qty    int64
		refund decimal.Decimal
		tax    decimal.Decimal
	}
	lines := make([]line, 0, len(ret.Items))
	refundTotal := decimal.Zero
	taxTotal := decimal.Zero
	for _, r := range ret.Items {
		if r.Quantity <= 0 {
			return nil, fmt.Errorf("%w: return quantity must be positive", store.ErrInvalidInput)
		}
		item, ok := findSaleItem(original, r.SKU)
		if !ok {
			return nil, fmt.Errorf("%w: product %s not on original sale", store.ErrInvalidInput, r.SKU)
		}
		if alreadyReturned[r.SKU]+r.Quantity > originalQty[r.SKU] {
			return nil, fmt.Errorf("%w: return quantity exceeds sold quantity for %s", store.ErrInvalidInput, r.SKU)
		}
		qtyDec := decimal.NewFromInt(r.Quantity)
		origQtyDec := decimal.NewFromInt(item.Quantity)
		lineRefund := item.Total.Mul(qtyDec).Div(origQtyDec).Round(2)
		lineTax := item.TaxAmount.Mul(qtyDec).Div(origQtyDec).Round(2)
		lines = append(lines, line{item: item, qty: r.Quantity, refund: lineRefund, tax: lineTax})
		refundTotal = refundTotal.Add(lineRefund)
		taxTotal = taxTotal.Add(lineTax)
	}

	returnSale := domain.Sale{
		ID:             xid.New("sal"),
		InvoiceNumber:  s.nextInvoiceLocked(original.BranchID, at),
		BranchID:       original.BranchID,
		UserID:         ret.UserID,
		ShiftID:        ret.ShiftID,
		CustomerName:   original.CustomerName,
		Subtotal:       refundTotal.Sub(taxTotal).Neg(),
		TaxAmount:      taxTotal.Neg(),
		Total:          refundTotal.Neg(),
		Status:         domain.SaleStatusReturned,
		OriginalSaleID: original.ID,
		Notes:          ret.Reason,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	for _, l := range lines {
		returnSale.Items = append(returnSale.Items, domain.SaleItem{
			ID:          xid.New("sit"),
			SaleID:      returnSale.ID,
			SKU:         l.item.SKU,
			ProductName: l.item.ProductName,
			Quantity:    -l.qty,
			UnitPrice:   l.item.UnitPrice,
			CostPrice:   l.item.CostPrice,
			TaxRate:     l.item.TaxRate,
			TaxAmount:   l.tax.Neg(),
			Total:       l.refund.Neg(),
		})
	}
	returnSale.Payments = []domain.Payment{{
		ID:        xid.New("pay"),
		SaleID:    returnSale.ID,
		Method:    ret.RefundMethod,
		Amount:    refundTotal.Neg(),
		CreatedAt: at,
	}}

	for _, l := range lines {
		s.postMovementLocked(domain.StockMovement{
			SKU:           l.item.SKU,
			BranchID:      original.BranchID,
			Type:          domain.MovementReturn,
			Quantity:      l.qty,
			ReferenceType: "return",
			ReferenceID:   returnSale.ID,
			Notes:         ret.Reason,
			UserID:        ret.UserID,
			CreatedAt:     at,
		})
	}

	stored := returnSale
	s.salesByID[returnSale.ID] = &stored
	s.saleOrder = append(s.saleOrder, returnSale.ID)

	// Classification aggregates all returns per product across events;
	// the >= comparison tolerates multiple partials against one line.
	returnedNow := s.returnedQuantitiesLocked(original.ID)
	fully := true
	for sku, qty := range originalQty {
		if returnedNow[sku] < qty {
			fully = false
			break
		}
	}
	if fully {
		original.Status = domain.SaleStatusReturned
	} else {
		original.Status = domain.SaleStatusPartialReturn
	}
	original.UpdatedAt = at

	if ret.ShiftID != "" {
		if shift, ok := s.shiftsByID[ret.ShiftID]; ok {
			shift.TotalRefunds = shift.TotalRefunds.Add(refundTotal)
		}
	}

	return cloneSale(&stored), nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) GetSaleByInvoice(_ context.Context, invoiceNumber string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sale := range s.salesByID {
		if sale.InvoiceNumber == invoiceNumber {
			return cloneSale(sale), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	result := make([]domain.Sale, 0, limit)
	for i := len(s.saleOrder) - 1; i >= 0 && len(result) < limit; i-- {
		sale := s.salesByID[s.saleOrder[i]]
		if filter.BranchID != "" && sale.BranchID != filter.BranchID {
			continue
		}
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && sale.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && sale.CreatedAt.After(filter.To) {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	return result, nil
}

// returnedQuantitiesLocked sums |quantity| per product over every return
// sale that references originalID.
func (s *Store) returnedQuantitiesLocked(originalID string) map[string]int64 {
	out := make(map[string]int64)
	for _, sale := range s.salesByID {
		if sale.OriginalSaleID != originalID {
			continue
		}
		for _, item := range sale.Items {
			qty := item.Quantity
			if qty < 0 {
				qty = -qty
			}
			out[item.SKU] += qty
		}
	}
	return out
}

func originalQuantities(sale *domain.Sale) map[string]int64 {
	out := make(map[string]int64)
	for _, item := range sale.Items {
		out[item.SKU] += item.Quantity
	}
	return out
}

func findSaleItem(sale *domain.Sale, sku string) (domain.SaleItem, bool) {
	for _, item := range sale.Items {
		if item.SKU == sku {
			return item, true
		}
	}
	return domain.SaleItem{}, false
}

func appendNote(existing string, note string) string {
	if strings.TrimSpace(existing) == "" {
		return note
	}
	return existing + " | " + note
}

// ---- held sales ----

func (s *Store) SaveHeldSale(_ context.Context, held domain.HeldSale) (*domain.HeldSale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if held.Autosave {
		for id, existing := range s.heldByID {
			if existing.Autosave && existing.UserID == held.UserID && existing.BranchID == held.BranchID {
				existing.Cart = held.Cart
				existing.Label = held.Label
				existing.UpdatedAt = now
				s.heldByID[id] = existing
				out := existing
				return &out, nil
			}
		}
	}
	if held.ID == "" {
		held.ID = xid.New("hld")
	}
	held.CreatedAt = now
	held.UpdatedAt = now
	s.heldByID[held.ID] = held
	out := held
	return &out, nil
}

func (s *Store) ListHeldSales(_ context.Context, branchID string) ([]domain.HeldSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]domain.HeldSale, 0)
	for _, held := range s.heldByID {
		if branchID != "" && held.BranchID != branchID {
			continue
		}
		result = append(result, held)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	return result, nil
}

func (s *Store) GetAutosave(_ context.Context, userID string, branchID string) (*domain.HeldSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, held := range s.heldByID {
		if held.Autosave && held.UserID == userID && held.BranchID == branchID {
			out := held
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) DeleteHeldSale(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.heldByID[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.heldByID, id)
	return nil
}

// ---- inventory ----

func (s *Store) AdjustStock(_ context.Context, adj domain.StockAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if adj.Quantity == 0 {
		return fmt.Errorf("%w: adjustment quantity must be non-zero", store.ErrInvalidInput)
	}
	if _, ok := s.products[adj.SKU]; !ok {
		return fmt.Errorf("%w: product %s", store.ErrNotFound, adj.SKU)
	}
	if _, ok := s.branches[adj.BranchID]; !ok {
		return fmt.Errorf("%w: branch %s", store.ErrNotFound, adj.BranchID)
	}
	s.postMovementLocked(domain.StockMovement{
		SKU:           adj.SKU,
		BranchID:      adj.BranchID,
		Type:          domain.MovementAdjustment,
		Quantity:      adj.Quantity,
		ReferenceType: "adjustment",
		Notes:         adj.Notes,
		UserID:        adj.UserID,
	})
	return nil
}

func (s *Store) TransferStock(_ context.Context, transfer domain.StockTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if transfer.Quantity <= 0 {
		return fmt.Errorf("%w: transfer quantity must be positive", store.ErrInvalidInput)
	}
	if transfer.FromBranchID == transfer.ToBranchID {
		return fmt.Errorf("%w: source and destination branch are the same", store.ErrInvalidInput)
	}
	if _, ok := s.products[transfer.SKU]; !ok {
		return fmt.Errorf("%w: product %s", store.ErrNotFound, transfer.SKU)
	}
	for _, branchID := range []string{transfer.FromBranchID, transfer.ToBranchID} {
		if _, ok := s.branches[branchID]; !ok {
			return fmt.Errorf("%w: branch %s", store.ErrNotFound, branchID)
		}
	}
	if s.stock[stockKey{sku: transfer.SKU, branchID: transfer.FromBranchID}].quantity < transfer.Quantity {
		return store.ErrInsufficientStock
	}

	refID := xid.New("trf")
	now := time.Now().UTC()
	s.postMovementLocked(domain.StockMovement{
		SKU:           transfer.SKU,
		BranchID:      transfer.FromBranchID,
		Type:          domain.MovementTransferOut,
		Quantity:      -transfer.Quantity,
		ReferenceType: "transfer",
		ReferenceID:   refID,
		Notes:         transfer.Notes,
		UserID:        transfer.UserID,
		CreatedAt:     now,
	})
	s.postMovementLocked(domain.StockMovement{
		SKU:           transfer.SKU,
		BranchID:      transfer.ToBranchID,
		Type:          domain.MovementTransferIn,
		Quantity:      transfer.Quantity,
		ReferenceType: "transfer",
		ReferenceID:   refID,
		Notes:         transfer.Notes,
		UserID:        transfer.UserID,
		CreatedAt:     now,
	})
	return nil
}

func (s *Store) StockLevels(_ context.Context, branchID string, lowStockOnly bool) ([]domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]domain.StockLevel, 0, len(s.products))
	for sku, product := range s.products {
		if !product.Active {
			continue
		}
		entry := s.stock[stockKey{sku: sku, branchID: branchID}]
		if lowStockOnly && entry.quantity > product.LowStockThreshold {
			continue
		}
		result = append(result, domain.StockLevel{
			SKU:               sku,
			ProductName:       product.Name,
			BranchID:          branchID,
			Quantity:          entry.quantity,
			LowStockThreshold: product.LowStockThreshold,
			UpdatedAt:         entry.updatedAt,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SKU < result[j].SKU })
	return result, nil
}

func (s *Store) StockQuantity(_ context.Context, sku string, branchID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stock[stockKey{sku: sku, branchID: branchID}].quantity, nil
}

func (s *Store) ListMovements(_ context.Context, sku string, branchID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	result := make([]domain.StockMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(result) < limit; i-- {
		m := s.movements[i]
		if sku != "" && m.SKU != sku {
			continue
		}
		if branchID != "" && m.BranchID != branchID {
			continue
		}
		result = append(result, m)
	}
	return result, nil
}

func (s *Store) ReconcileStock(_ context.Context, branchID string) ([]domain.StockDiscrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]domain.StockDiscrepancy, 0)
	for sku, product := range s.products {
		if !product.Active {
			continue
		}
		cached := s.stock[stockKey{sku: sku, branchID: branchID}].quantity
		actual := s.ledgerSumLocked(sku, branchID)
		if cached != actual {
			result = append(result, domain.StockDiscrepancy{
				SKU:         sku,
				ProductName: product.Name,
				BranchID:    branchID,
				CachedQty:   cached,
				ActualQty:   actual,
			})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SKU < result[j].SKU })
	return result, nil
}

func (s *Store) RebuildStockCache(_ context.Context, branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for sku, product := range s.products {
		if !product.Active {
			continue
		}
		key := stockKey{sku: sku, branchID: branchID}
		actual := s.ledgerSumLocked(sku, branchID)
		entry, exists := s.stock[key]
		if exists && entry.quantity == actual {
			continue
		}
		entry.quantity = actual
		entry.updatedAt = now
		s.stock[key] = entry
	}
	return nil
}

// ---- purchasing ----

func (s *Store) CreatePurchase(_ context.Context, purchase domain.PurchaseInvoice) (*domain.PurchaseInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(purchase.Items) == 0 {
		return nil, fmt.Errorf("%w: purchase has no items", store.ErrInvalidInput)
	}
	if _, ok := s.suppliers[purchase.SupplierID]; !ok {
		return nil, fmt.Errorf("%w: supplier %s", store.ErrNotFound, purchase.SupplierID)
	}
	if _, ok := s.branches[purchase.BranchID]; !ok {
		return nil, fmt.Errorf("%w: branch %s", store.ErrNotFound, purchase.BranchID)
	}
	now := time.Now().UTC()
	if purchase.ID == "" {
		purchase.ID = xid.New("pur")
	}
	if purchase.InvoiceNumber == "" {
		purchase.InvoiceNumber = strings.ToUpper(purchase.ID)
	}
	purchase.Status = domain.PurchaseStatusDraft
	purchase.CreatedAt = now
	purchase.ReceivedAt = nil
	purchase.ReceivedBy = ""

	// Subtotal is always recomputed server-side; client totals are
	// never trusted.
	subtotal := decimal.Zero
	for i := range purchase.Items {
		item := &purchase.Items[i]
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: purchase item quantity must be positive", store.ErrInvalidInput)
		}
		if product, ok := s.products[item.SKU]; ok {
			if item.ProductName == "" {
				item.ProductName = product.Name
			}
		} else {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, item.SKU)
		}
		if item.ID == "" {
			item.ID = xid.New("pit")
		}
		item.PurchaseID = purchase.ID
		item.Total = item.UnitCost.Mul(decimal.NewFromInt(item.Quantity))
		subtotal = subtotal.Add(item.Total)
	}
	purchase.Subtotal = subtotal

	stored := purchase
	s.purchasesByID[purchase.ID] = &stored
	s.purchaseOrder = append(s.purchaseOrder, purchase.ID)
	return clonePurchase(&stored), nil
}

func (s *Store) ReceivePurchase(_ context.Context, id string, userID string, at time.Time) (*domain.PurchaseInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purchase, ok := s.purchasesByID[id]
	if !ok || purchase.Status != domain.PurchaseStatusDraft {
		return nil, store.ErrPurchaseNotDraft
	}

	for _, item := range purchase.Items {
		s.postMovementLocked(domain.StockMovement{
			SKU:           item.SKU,
			BranchID:      purchase.BranchID,
			Type:          domain.MovementPurchase,
			Quantity:      item.Quantity,
			ReferenceType: "purchase",
			ReferenceID:   purchase.ID,
			UserID:        userID,
			CreatedAt:     at,
		})
	}

	purchase.Status = domain.PurchaseStatusReceived
	receivedAt := at
	purchase.ReceivedAt = &receivedAt
	purchase.ReceivedBy = userID
	return clonePurchase(purchase), nil
}

func (s *Store) CancelPurchase(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	purchase, ok := s.purchasesByID[id]
	if !ok || purchase.Status != domain.PurchaseStatusDraft {
		return store.ErrPurchaseNotDraft
	}
	purchase.Status = domain.PurchaseStatusCancelled
	return nil
}

func (s *Store) GetPurchase(_ context.Context, id string) (*domain.PurchaseInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	purchase, ok := s.purchasesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePurchase(purchase), nil
}

func (s *Store) ListPurchases(_ context.Context, filter domain.PurchaseFilter) ([]domain.PurchaseInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	result := make([]domain.PurchaseInvoice, 0, limit)
	for i := len(s.purchaseOrder) - 1; i >= 0 && len(result) < limit; i-- {
		purchase := s.purchasesByID[s.purchaseOrder[i]]
		if filter.BranchID != "" && purchase.BranchID != filter.BranchID {
			continue
		}
		if filter.Status != "" && purchase.Status != filter.Status {
			continue
		}
		result = append(result, *clonePurchase(purchase))
	}
	return result, nil
}

// ---- shifts ----

func (s *Store) OpenShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.shiftsByID {
		if existing.Status == domain.ShiftStatusOpen && existing.UserID == shift.UserID && existing.BranchID == shift.BranchID {
			return nil, store.ErrShiftAlreadyOpen
		}
	}
	if _, ok := s.branches[shift.BranchID]; !ok {
		return nil, fmt.Errorf("%w: branch %s", store.ErrNotFound, shift.BranchID)
	}

	// Opening cash defaults to the branch's most recent closing count.
	if shift.OpeningCash.IsZero() {
		var latest *domain.Shift
		for i := len(s.shiftOrder) - 1; i >= 0; i-- {
			candidate := s.shiftsByID[s.shiftOrder[i]]
			if candidate.BranchID == shift.BranchID && candidate.Status == domain.ShiftStatusClosed {
				latest = candidate
				break
			}
		}
		if latest != nil {
			shift.OpeningCash = latest.ClosingCash
		}
	}

	if shift.ID == "" {
		shift.ID = xid.New("shf")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen
	shift.TotalSales = decimal.Zero
	shift.TotalRefunds = decimal.Zero
	shift.TotalTransactions = 0

	stored := shift
	s.shiftsByID[shift.ID] = &stored
	s.shiftOrder = append(s.shiftOrder, shift.ID)
	out := stored
	return &out, nil
}

func (s *Store) CloseShift(_ context.Context, shiftID string, closingCash decimal.Decimal, notes string, at time.Time) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shift, ok := s.shiftsByID[shiftID]
	if !ok || shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrShiftNotOpen
	}

	cash := decimal.Zero
	for _, sale := range s.salesByID {
		if sale.ShiftID != shiftID || sale.Status == domain.SaleStatusVoided {
			continue
		}
		for _, p := range sale.Payments {
			if p.Method == "cash" {
				cash = cash.Add(p.Amount)
			}
		}
	}

	shift.ExpectedCash = shift.OpeningCash.Add(cash).Sub(shift.TotalRefunds)
	shift.ClosingCash = closingCash
	shift.Difference = closingCash.Sub(shift.ExpectedCash)
	shift.Status = domain.ShiftStatusClosed
	shift.Notes = appendNote(shift.Notes, notes)
	closedAt := at
	shift.ClosedAt = &closedAt

	out := *shift
	return &out, nil
}

func (s *Store) CurrentShift(_ context.Context, userID string, branchID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, shift := range s.shiftsByID {
		if shift.Status == domain.ShiftStatusOpen && shift.UserID == userID && shift.BranchID == branchID {
			out := *shift
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListShifts(_ context.Context, filter domain.ShiftFilter) ([]domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	result := make([]domain.Shift, 0, limit)
	for i := len(s.shiftOrder) - 1; i >= 0 && len(result) < limit; i-- {
		shift := s.shiftsByID[s.shiftOrder[i]]
		if filter.BranchID != "" && shift.BranchID != filter.BranchID {
			continue
		}
		if filter.UserID != "" && shift.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && shift.Status != filter.Status {
			continue
		}
		result = append(result, *shift)
	}
	return result, nil
}

// ---- audit & reporting ----

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, filter domain.AuditFilter) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if filter.BranchID != "" && entry.BranchID != filter.BranchID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) DailySalesReport(_ context.Context, branchID string, from time.Time, to time.Time) ([]domain.DailySalesRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fromDay := from.UTC().Format("2006-01-02")
	toDay := to.UTC().Format("2006-01-02")
	rows := make(map[string]*domain.DailySalesRow)
	for _, sale := range s.salesByID {
		if sale.BranchID != branchID || sale.Status == domain.SaleStatusVoided {
			continue
		}
		day := sale.CreatedAt.UTC().Format("2006-01-02")
		if day < fromDay || day > toDay {
			continue
		}
		row, ok := rows[day]
		if !ok {
			row = &domain.DailySalesRow{Date: day}
			rows[day] = row
		}
		switch sale.Status {
		case domain.SaleStatusCompleted:
			row.TotalTransactions++
			row.TotalSales = row.TotalSales.Add(sale.Total)
			row.TotalDiscounts = row.TotalDiscounts.Add(sale.DiscountAmount)
			row.TotalTax = row.TotalTax.Add(sale.TaxAmount)
		case domain.SaleStatusReturned, domain.SaleStatusPartialReturn:
			row.TotalRefunds = row.TotalRefunds.Add(sale.Total.Abs())
		}
	}

	result := make([]domain.DailySalesRow, 0, len(rows))
	for _, row := range rows {
		result = append(result, *row)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date > result[j].Date })
	return result, nil
}

// ---- users ----

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.Username == "" {
		return fmt.Errorf("%w: username is required", store.ErrInvalidInput)
	}
	if _, exists := s.users[user.Username]; exists {
		return fmt.Errorf("%w: username already exists", store.ErrInvalidInput)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		result = append(result, user)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

// ---- clone helpers ----

func cloneSale(sale *domain.Sale) *domain.Sale {
	out := *sale
	out.Items = append([]domain.SaleItem(nil), sale.Items...)
	out.Payments = append([]domain.Payment(nil), sale.Payments...)
	return &out
}

func clonePurchase(purchase *domain.PurchaseInvoice) *domain.PurchaseInvoice {
	out := *purchase
	out.Items = append([]domain.PurchaseItem(nil), purchase.Items...)
	if purchase.ReceivedAt != nil {
		receivedAt := *purchase.ReceivedAt
		out.ReceivedAt = &receivedAt
	}
	return &out
}
