// Package postgres implements store.Repository on PostgreSQL via the
// pgx stdlib driver. Schema lives in schema.sql and is applied by the
// operator; the store never migrates.
//
// Multi-step operations run serializable and lock the rows they are
// about to move (settings counters, cache rows, the sale or shift under
// mutation) with FOR UPDATE, so concurrent terminals serialize cleanly.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---- catalog ----

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" {
		return nil, fmt.Errorf("%w: sku and name are required", store.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = product.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (sku, barcode, name, category, price, cost_price, tax_rate, low_stock_threshold, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, product.SKU, product.Barcode, product.Name, product.Category, product.Price, product.CostPrice,
		product.TaxRate, product.LowStockThreshold, product.Active, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sku %s already exists", store.ErrInvalidInput, product.SKU)
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET barcode = $2, name = $3, category = $4, price = $5, cost_price = $6,
			tax_rate = $7, low_stock_threshold = $8, active = $9, updated_at = now()
		WHERE sku = $1
	`, product.SKU, product.Barcode, product.Name, product.Category, product.Price, product.CostPrice,
		product.TaxRate, product.LowStockThreshold, product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetProductBySKU(ctx, product.SKU)
}

const productColumns = `sku, barcode, name, category, price, cost_price, tax_rate, low_stock_threshold, active, created_at, updated_at`

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+` FROM products WHERE sku = $1
	`, sku).Scan(&p.SKU, &p.Barcode, &p.Name, &p.Category, &p.Price, &p.CostPrice,
		&p.TaxRate, &p.LowStockThreshold, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	if activeOnly {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY sku`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Barcode, &p.Name, &p.Category, &p.Price, &p.CostPrice,
			&p.TaxRate, &p.LowStockThreshold, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) CreateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error) {
	if branch.ID == "" || branch.Name == "" {
		return nil, fmt.Errorf("%w: branch id and name are required", store.ErrInvalidInput)
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, name, address, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, branch.ID, branch.Name, branch.Address, branch.Active, branch.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: branch %s already exists", store.ErrInvalidInput, branch.ID)
		}
		return nil, err
	}
	created := branch
	return &created, nil
}

func (s *Store) GetBranch(ctx context.Context, id string) (*domain.Branch, error) {
	var b domain.Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, address, active, created_at FROM branches WHERE id = $1
	`, id).Scan(&b.ID, &b.Name, &b.Address, &b.Active, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, address, active, created_at FROM branches ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	branches := make([]domain.Branch, 0, 8)
	for rows.Next() {
		var b domain.Branch
		if err := rows.Scan(&b.ID, &b.Name, &b.Address, &b.Active, &b.CreatedAt); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if supplier.Name == "" {
		return nil, fmt.Errorf("%w: supplier name is required", store.ErrInvalidInput)
	}
	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (id, name, phone, email, address, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, supplier.ID, supplier.Name, supplier.Phone, supplier.Email, supplier.Address, supplier.Active, supplier.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := supplier
	return &created, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, email, address, active, created_at FROM suppliers ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 16)
	for rows.Next() {
		var sup domain.Supplier
		if err := rows.Scan(&sup.ID, &sup.Name, &sup.Phone, &sup.Email, &sup.Address, &sup.Active, &sup.CreatedAt); err != nil {
			return nil, err
		}
		suppliers = append(suppliers, sup)
	}
	return suppliers, rows.Err()
}

// ---- ledger internals ----

func postMovementTx(ctx context.Context, tx *sql.Tx, m domain.StockMovement) error {
	if m.ID == "" {
		m.ID = xid.New("mov")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, sku, branch_id, type, quantity, reference_type, reference_id, notes, user_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, m.ID, m.SKU, m.BranchID, m.Type, m.Quantity, m.ReferenceType, m.ReferenceID, m.Notes, m.UserID, m.CreatedAt)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO branch_stock (sku, branch_id, quantity, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (sku, branch_id) DO UPDATE SET
			quantity = branch_stock.quantity + EXCLUDED.quantity,
			updated_at = EXCLUDED.updated_at
	`, m.SKU, m.BranchID, m.Quantity, m.CreatedAt)
	return err
}

func nextInvoiceTx(ctx context.Context, tx *sql.Tx, branchID string, at time.Time) (string, error) {
	year := at.UTC().Year()
	key := fmt.Sprintf("last_invoice_seq_%s_%d", branchID, year)

	var raw string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, '1')
		ON CONFLICT (key) DO UPDATE SET value = (settings.value::bigint + 1)::text
		RETURNING value
	`, key).Scan(&raw)
	if err != nil {
		return "", err
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("corrupt invoice counter %s: %w", key, err)
	}
	return fmt.Sprintf("%s-%d-%06d", branchID, year, seq), nil
}

func branchExistsTx(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM branches WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: branch %s", store.ErrNotFound, id)
	}
	return err
}

// ---- sales ----

const saleColumns = `id, invoice_number, branch_id, user_id, shift_id, customer_name, subtotal,
	discount_amount, discount_type, tax_amount, total, status, original_sale_id, notes, created_at, updated_at`

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, fmt.Errorf("%w: sale has no items", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := branchExistsTx(ctx, tx, sale.BranchID); err != nil {
		return nil, err
	}
	if sale.ShiftID != "" {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM shifts WHERE id = $1 FOR UPDATE`, sale.ShiftID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: shift %s", store.ErrNotFound, sale.ShiftID)
		}
		if err != nil {
			return nil, err
		}
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
	sale.CreatedAt = now
	sale.UpdatedAt = now

	sale.InvoiceNumber, err = nextInvoiceTx(ctx, tx, sale.BranchID, now)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, sale.ID, sale.InvoiceNumber, sale.BranchID, sale.UserID, sale.ShiftID, sale.CustomerName,
		sale.Subtotal, sale.DiscountAmount, sale.DiscountType, sale.TaxAmount, sale.Total,
		sale.Status, sale.OriginalSaleID, sale.Notes, now, now)
	if err != nil {
		return nil, err
	}

	for i := range sale.Items {
		item := &sale.Items[i]
		if item.ID == "" {
			item.ID = xid.New("sit")
		}
		item.SaleID = sale.ID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, sku, product_name, quantity, unit_price, cost_price, discount_amount, tax_rate, tax_amount, total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, item.ID, item.SaleID, item.SKU, item.ProductName, item.Quantity, item.UnitPrice,
			item.CostPrice, item.DiscountAmount, item.TaxRate, item.TaxAmount, item.Total)
		if err != nil {
			return nil, err
		}
		err = postMovementTx(ctx, tx, domain.StockMovement{
			SKU:           item.SKU,
			BranchID:      sale.BranchID,
			Type:          domain.MovementSale,
			Quantity:      -item.Quantity,
			ReferenceType: "sale",
			ReferenceID:   sale.ID,
			UserID:        sale.UserID,
			CreatedAt:     now,
		})
		if err != nil {
			return nil, err
		}
	}

	for i := range sale.Payments {
		p := &sale.Payments[i]
		if p.ID == "" {
			p.ID = xid.New("pay")
		}
		p.SaleID = sale.ID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payments (id, sale_id, method, amount, reference, received_amount, change_amount, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, p.ID, p.SaleID, p.Method, p.Amount, p.Reference, p.ReceivedAmount, p.ChangeAmount, p.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	if sale.ShiftID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE shifts SET total_sales = total_sales + $2, total_transactions = total_transactions + 1
			WHERE id = $1
		`, sale.ShiftID, sale.Total)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) VoidSale(ctx context.Context, saleID string, userID string, reason string, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := getSaleForUpdateTx(ctx, tx, saleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrSaleNotVoidable
		}
		return nil, err
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, store.ErrSaleNotVoidable
	}

	sale.Status = domain.SaleStatusVoided
	sale.Notes = appendNote(sale.Notes, "VOIDED: "+reason)
	sale.UpdatedAt = at
	_, err = tx.ExecContext(ctx, `
		UPDATE sales SET status = $2, notes = $3, updated_at = $4 WHERE id = $1
	`, sale.ID, sale.Status, sale.Notes, at)
	if err != nil {
		return nil, err
	}

	for _, item := range sale.Items {
		err = postMovementTx(ctx, tx, domain.StockMovement{
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
		if err != nil {
			return nil, err
		}
	}

	if sale.ShiftID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE shifts SET total_sales = total_sales - $2, total_transactions = total_transactions - 1
			WHERE id = $1
		`, sale.ShiftID, sale.Total)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) ReturnSale(ctx context.Context, ret domain.SaleReturn, at time.Time) (*domain.Sale, error) {
	if len(ret.Items) == 0 {
		return nil, fmt.Errorf("%w: no items to return", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	original, err := getSaleForUpdateTx(ctx, tx, ret.OriginalSaleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrOriginalSaleNotFound
		}
		return nil, err
	}
	if original.Status == domain.SaleStatusVoided || original.Status == domain.SaleStatusReturned {
		return nil, store.ErrSaleNotReturnable
	}

	alreadyReturned, err := returnedQuantitiesTx(ctx, tx, original.ID)
	if err != nil {
		return nil, err
	}
	originalQty := make(map[string]int64)
	itemBySKU := make(map[string]domain.SaleItem)
	for _, item := range original.Items {
		originalQty[item.SKU] += item.Quantity
		if _, ok := itemBySKU[item.SKU]; !ok {
			itemBySKU[item.SKU] = item
		}
	}

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
		item, ok := itemBySKU[r.SKU]
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

	invoiceNumber, err := nextInvoiceTx(ctx, tx, original.BranchID, at)
	if err != nil {
		return nil, err
	}

	returnSale := domain.Sale{
		ID:             xid.New("sal"),
		InvoiceNumber:  invoiceNumber,
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
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,'',$8,$9,$10,$11,$12,$13,$14)
	`, returnSale.ID, returnSale.InvoiceNumber, returnSale.BranchID, returnSale.UserID, returnSale.ShiftID,
		returnSale.CustomerName, returnSale.Subtotal, returnSale.TaxAmount, returnSale.Total,
		returnSale.Status, returnSale.OriginalSaleID, returnSale.Notes, at, at)
	if err != nil {
		return nil, err
	}

	for _, l := range lines {
		item := domain.SaleItem{
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
		}
		returnSale.Items = append(returnSale.Items, item)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, sku, product_name, quantity, unit_price, cost_price, discount_amount, tax_rate, tax_amount, total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9,$10)
		`, item.ID, item.SaleID, item.SKU, item.ProductName, item.Quantity, item.UnitPrice,
			item.CostPrice, item.TaxRate, item.TaxAmount, item.Total)
		if err != nil {
			return nil, err
		}
		err = postMovementTx(ctx, tx, domain.StockMovement{
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
		if err != nil {
			return nil, err
		}
	}

	payment := domain.Payment{
		ID:        xid.New("pay"),
		SaleID:    returnSale.ID,
		Method:    ret.RefundMethod,
		Amount:    refundTotal.Neg(),
		CreatedAt: at,
	}
	returnSale.Payments = []domain.Payment{payment}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, sale_id, method, amount, reference, received_amount, change_amount, created_at)
		VALUES ($1,$2,$3,$4,'',0,0,$5)
	`, payment.ID, payment.SaleID, payment.Method, payment.Amount, at)
	if err != nil {
		return nil, err
	}

	returnedNow, err := returnedQuantitiesTx(ctx, tx, original.ID)
	if err != nil {
		return nil, err
	}
	newStatus := domain.SaleStatusReturned
	for sku, qty := range originalQty {
		if returnedNow[sku] < qty {
			newStatus = domain.SaleStatusPartialReturn
			break
		}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sales SET status = $2, updated_at = $3 WHERE id = $1
	`, original.ID, newStatus, at)
	if err != nil {
		return nil, err
	}

	if ret.ShiftID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE shifts SET total_refunds = total_refunds + $2 WHERE id = $1
		`, ret.ShiftID, refundTotal)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &returnSale, nil
}

func returnedQuantitiesTx(ctx context.Context, tx *sql.Tx, originalID string) (map[string]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT si.sku, COALESCE(SUM(ABS(si.quantity)), 0)
		FROM sale_items si
		JOIN sales s ON si.sale_id = s.id
		WHERE s.original_sale_id = $1
		GROUP BY si.sku
	`, originalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var sku string
		var qty int64
		if err := rows.Scan(&sku, &qty); err != nil {
			return nil, err
		}
		out[sku] = qty
	}
	return out, rows.Err()
}

func getSaleForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*domain.Sale, error) {
	var sale domain.Sale
	err := tx.QueryRowContext(ctx, `
		SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE
	`, id).Scan(&sale.ID, &sale.InvoiceNumber, &sale.BranchID, &sale.UserID, &sale.ShiftID,
		&sale.CustomerName, &sale.Subtotal, &sale.DiscountAmount, &sale.DiscountType,
		&sale.TaxAmount, &sale.Total, &sale.Status, &sale.OriginalSaleID, &sale.Notes,
		&sale.CreatedAt, &sale.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := loadSaleChildren(ctx, tx, &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadSaleChildren(ctx context.Context, q queryer, sale *domain.Sale) error {
	itemRows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, sku, product_name, quantity, unit_price, cost_price, discount_amount, tax_rate, tax_amount, total
		FROM sale_items WHERE sale_id = $1
	`, sale.ID)
	if err != nil {
		return err
	}
	for itemRows.Next() {
		var item domain.SaleItem
		if err := itemRows.Scan(&item.ID, &item.SaleID, &item.SKU, &item.ProductName, &item.Quantity,
			&item.UnitPrice, &item.CostPrice, &item.DiscountAmount, &item.TaxRate, &item.TaxAmount, &item.Total); err != nil {
			_ = itemRows.Close()
			return err
		}
		sale.Items = append(sale.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	payRows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, method, amount, reference, received_amount, change_amount, created_at
		FROM payments WHERE sale_id = $1
	`, sale.ID)
	if err != nil {
		return err
	}
	defer payRows.Close()
	for payRows.Next() {
		var p domain.Payment
		if err := payRows.Scan(&p.ID, &p.SaleID, &p.Method, &p.Amount, &p.Reference,
			&p.ReceivedAmount, &p.ChangeAmount, &p.CreatedAt); err != nil {
			return err
		}
		sale.Payments = append(sale.Payments, p)
	}
	return payRows.Err()
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+` FROM sales WHERE id = $1
	`, id).Scan(&sale.ID, &sale.InvoiceNumber, &sale.BranchID, &sale.UserID, &sale.ShiftID,
		&sale.CustomerName, &sale.Subtotal, &sale.DiscountAmount, &sale.DiscountType,
		&sale.TaxAmount, &sale.Total, &sale.Status, &sale.OriginalSaleID, &sale.Notes,
		&sale.CreatedAt, &sale.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := loadSaleChildren(ctx, s.db, &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSaleByInvoice(ctx context.Context, invoiceNumber string) (*domain.Sale, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sales WHERE invoice_number = $1`, invoiceNumber).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return s.GetSale(ctx, id)
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.BranchID != "" {
		query += ` AND branch_id = ` + arg(filter.BranchID)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(filter.Status)
	}
	if !filter.From.IsZero() {
		query += ` AND created_at >= ` + arg(filter.From)
	}
	if !filter.To.IsZero() {
		query += ` AND created_at <= ` + arg(filter.To)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.InvoiceNumber, &sale.BranchID, &sale.UserID, &sale.ShiftID,
			&sale.CustomerName, &sale.Subtotal, &sale.DiscountAmount, &sale.DiscountType,
			&sale.TaxAmount, &sale.Total, &sale.Status, &sale.OriginalSaleID, &sale.Notes,
			&sale.CreatedAt, &sale.UpdatedAt); err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

// ---- held sales ----

const heldColumns = `id, branch_id, user_id, label, autosave, cart_json, created_at, updated_at`

func (s *Store) SaveHeldSale(ctx context.Context, held domain.HeldSale) (*domain.HeldSale, error) {
	cartJSON, err := json.Marshal(held.Cart)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	if held.Autosave {
		if held.ID == "" {
			held.ID = xid.New("hld")
		}
		var id string
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO held_sales (id, branch_id, user_id, label, autosave, cart_json, created_at, updated_at)
			VALUES ($1,$2,$3,$4,true,$5,$6,$6)
			ON CONFLICT (user_id, branch_id) WHERE autosave DO UPDATE SET
				label = EXCLUDED.label,
				cart_json = EXCLUDED.cart_json,
				updated_at = EXCLUDED.updated_at
			RETURNING id
		`, held.ID, held.BranchID, held.UserID, held.Label, cartJSON, now).Scan(&id)
		if err != nil {
			return nil, err
		}
		return s.getHeldSale(ctx, id)
	}

	if held.ID == "" {
		held.ID = xid.New("hld")
	}
	held.CreatedAt = now
	held.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO held_sales (id, branch_id, user_id, label, autosave, cart_json, created_at, updated_at)
		VALUES ($1,$2,$3,$4,false,$5,$6,$6)
	`, held.ID, held.BranchID, held.UserID, held.Label, cartJSON, now)
	if err != nil {
		return nil, err
	}
	created := held
	return &created, nil
}

func (s *Store) getHeldSale(ctx context.Context, id string) (*domain.HeldSale, error) {
	return scanHeldSale(s.db.QueryRowContext(ctx, `
		SELECT `+heldColumns+` FROM held_sales WHERE id = $1
	`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHeldSale(row rowScanner) (*domain.HeldSale, error) {
	var held domain.HeldSale
	var cartJSON []byte
	err := row.Scan(&held.ID, &held.BranchID, &held.UserID, &held.Label, &held.Autosave,
		&cartJSON, &held.CreatedAt, &held.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(cartJSON, &held.Cart); err != nil {
		return nil, err
	}
	return &held, nil
}

func (s *Store) ListHeldSales(ctx context.Context, branchID string) ([]domain.HeldSale, error) {
	query := `SELECT ` + heldColumns + ` FROM held_sales`
	args := []any{}
	if branchID != "" {
		query += ` WHERE branch_id = $1`
		args = append(args, branchID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	held := make([]domain.HeldSale, 0, 8)
	for rows.Next() {
		h, err := scanHeldSale(rows)
		if err != nil {
			return nil, err
		}
		held = append(held, *h)
	}
	return held, rows.Err()
}

func (s *Store) GetAutosave(ctx context.Context, userID string, branchID string) (*domain.HeldSale, error) {
	return scanHeldSale(s.db.QueryRowContext(ctx, `
		SELECT `+heldColumns+` FROM held_sales WHERE autosave AND user_id = $1 AND branch_id = $2
	`, userID, branchID))
}

func (s *Store) DeleteHeldSale(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM held_sales WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---- inventory ----

func (s *Store) AdjustStock(ctx context.Context, adj domain.StockAdjustment) error {
	if adj.Quantity == 0 {
		return fmt.Errorf("%w: adjustment quantity must be non-zero", store.ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := productNameTx(ctx, tx, adj.SKU); err != nil {
		return err
	}
	if err := branchExistsTx(ctx, tx, adj.BranchID); err != nil {
		return err
	}

	err = postMovementTx(ctx, tx, domain.StockMovement{
		SKU:           adj.SKU,
		BranchID:      adj.BranchID,
		Type:          domain.MovementAdjustment,
		Quantity:      adj.Quantity,
		ReferenceType: "adjustment",
		Notes:         adj.Notes,
		UserID:        adj.UserID,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

func productNameTx(ctx context.Context, tx *sql.Tx, sku string) (string, error) {
	var name string
	err := tx.QueryRowContext(ctx, `SELECT name FROM products WHERE sku = $1`, sku).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: product %s", store.ErrNotFound, sku)
	}
	return name, err
}

func (s *Store) TransferStock(ctx context.Context, transfer domain.StockTransfer) error {
	if transfer.Quantity <= 0 {
		return fmt.Errorf("%w: transfer quantity must be positive", store.ErrInvalidInput)
	}
	if transfer.FromBranchID == transfer.ToBranchID {
		return fmt.Errorf("%w: source and destination branch are the same", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := productNameTx(ctx, tx, transfer.SKU); err != nil {
		return err
	}
	for _, branchID := range []string{transfer.FromBranchID, transfer.ToBranchID} {
		if err := branchExistsTx(ctx, tx, branchID); err != nil {
			return err
		}
	}

	var available int64
	err = tx.QueryRowContext(ctx, `
		SELECT quantity FROM branch_stock WHERE sku = $1 AND branch_id = $2 FOR UPDATE
	`, transfer.SKU, transfer.FromBranchID).Scan(&available)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if available < transfer.Quantity {
		return store.ErrInsufficientStock
	}

	refID := xid.New("trf")
	now := time.Now().UTC()
	legs := []domain.StockMovement{
		{SKU: transfer.SKU, BranchID: transfer.FromBranchID, Type: domain.MovementTransferOut,
			Quantity: -transfer.Quantity, ReferenceType: "transfer", ReferenceID: refID,
			Notes: transfer.Notes, UserID: transfer.UserID, CreatedAt: now},
		{SKU: transfer.SKU, BranchID: transfer.ToBranchID, Type: domain.MovementTransferIn,
			Quantity: transfer.Quantity, ReferenceType: "transfer", ReferenceID: refID,
			Notes: transfer.Notes, UserID: transfer.UserID, CreatedAt: now},
	}
	for _, leg := range legs {
		if err := postMovementTx(ctx, tx, leg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) StockLevels(ctx context.Context, branchID string, lowStockOnly bool) ([]domain.StockLevel, error) {
	query := `
		SELECT p.sku, p.name, COALESCE(bs.quantity, 0), p.low_stock_threshold, bs.updated_at
		FROM products p
		LEFT JOIN branch_stock bs ON bs.sku = p.sku AND bs.branch_id = $1
		WHERE p.active = true`
	if lowStockOnly {
		query += ` AND COALESCE(bs.quantity, 0) <= p.low_stock_threshold`
	}
	query += ` ORDER BY p.sku`

	rows, err := s.db.QueryContext(ctx, query, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := make([]domain.StockLevel, 0, 128)
	for rows.Next() {
		var level domain.StockLevel
		var updatedAt sql.NullTime
		if err := rows.Scan(&level.SKU, &level.ProductName, &level.Quantity, &level.LowStockThreshold, &updatedAt); err != nil {
			return nil, err
		}
		level.BranchID = branchID
		if updatedAt.Valid {
			level.UpdatedAt = updatedAt.Time.UTC()
		}
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

func (s *Store) StockQuantity(ctx context.Context, sku string, branchID string) (int64, error) {
	var qty int64
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity FROM branch_stock WHERE sku = $1 AND branch_id = $2
	`, sku, branchID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return qty, nil
}

func (s *Store) ListMovements(ctx context.Context, sku string, branchID string, limit int) ([]domain.StockMovement, error) {
	query := `
		SELECT id, sku, branch_id, type, quantity, reference_type, reference_id, notes, user_id, created_at
		FROM stock_movements WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if sku != "" {
		query += ` AND sku = ` + arg(sku)
	}
	if branchID != "" {
		query += ` AND branch_id = ` + arg(branchID)
	}
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.SKU, &m.BranchID, &m.Type, &m.Quantity,
			&m.ReferenceType, &m.ReferenceID, &m.Notes, &m.UserID, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) ReconcileStock(ctx context.Context, branchID string) ([]domain.StockDiscrepancy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.sku, p.name, COALESCE(bs.quantity, 0), COALESCE(m.total, 0)
		FROM products p
		LEFT JOIN branch_stock bs ON bs.sku = p.sku AND bs.branch_id = $1
		LEFT JOIN (
			SELECT sku, SUM(quantity) AS total FROM stock_movements WHERE branch_id = $1 GROUP BY sku
		) m ON m.sku = p.sku
		WHERE p.active = true AND COALESCE(bs.quantity, 0) != COALESCE(m.total, 0)
		ORDER BY p.sku
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	discrepancies := make([]domain.StockDiscrepancy, 0, 4)
	for rows.Next() {
		var d domain.StockDiscrepancy
		if err := rows.Scan(&d.SKU, &d.ProductName, &d.CachedQty, &d.ActualQty); err != nil {
			return nil, err
		}
		d.BranchID = branchID
		discrepancies = append(discrepancies, d)
	}
	return discrepancies, rows.Err()
}

// RebuildStockCache repairs one product per transaction. A crash
// mid-loop leaves already-repaired products repaired; rerunning is
// harmless.
func (s *Store) RebuildStockCache(ctx context.Context, branchID string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT sku FROM products WHERE active = true ORDER BY sku`)
	if err != nil {
		return err
	}
	skus := make([]string, 0, 128)
	for rows.Next() {
		var sku string
		if err := rows.Scan(&sku); err != nil {
			_ = rows.Close()
			return err
		}
		skus = append(skus, sku)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, sku := range skus {
		if err := s.rebuildOne(ctx, sku, branchID); err != nil {
			return fmt.Errorf("rebuild %s: %w", sku, err)
		}
	}
	return nil
}

func (s *Store) rebuildOne(ctx context.Context, sku string, branchID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var actual int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM stock_movements WHERE sku = $1 AND branch_id = $2
	`, sku, branchID).Scan(&actual)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO branch_stock (sku, branch_id, quantity, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (sku, branch_id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			updated_at = CASE WHEN branch_stock.quantity != EXCLUDED.quantity THEN EXCLUDED.updated_at ELSE branch_stock.updated_at END
	`, sku, branchID, actual)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ---- purchasing ----

const purchaseColumns = `id, invoice_number, supplier_id, branch_id, status, subtotal, notes, user_id, created_at, received_at, received_by`

func (s *Store) CreatePurchase(ctx context.Context, purchase domain.PurchaseInvoice) (*domain.PurchaseInvoice, error) {
	if len(purchase.Items) == 0 {
		return nil, fmt.Errorf("%w: purchase has no items", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM suppliers WHERE id = $1`, purchase.SupplierID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: supplier %s", store.ErrNotFound, purchase.SupplierID)
	}
	if err != nil {
		return nil, err
	}
	if err := branchExistsTx(ctx, tx, purchase.BranchID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if purchase.ID == "" {
		purchase.ID = xid.New("pur")
	}
	if purchase.InvoiceNumber == "" {
		purchase.InvoiceNumber = "PO-" + purchase.ID
	}
	purchase.Status = domain.PurchaseStatusDraft
	purchase.CreatedAt = now
	purchase.ReceivedAt = nil
	purchase.ReceivedBy = ""

	subtotal := decimal.Zero
	for i := range purchase.Items {
		item := &purchase.Items[i]
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: purchase item quantity must be positive", store.ErrInvalidInput)
		}
		name, err := productNameTx(ctx, tx, item.SKU)
		if err != nil {
			return nil, err
		}
		if item.ProductName == "" {
			item.ProductName = name
		}
		if item.ID == "" {
			item.ID = xid.New("pit")
		}
		item.PurchaseID = purchase.ID
		item.Total = item.UnitCost.Mul(decimal.NewFromInt(item.Quantity))
		subtotal = subtotal.Add(item.Total)
	}
	purchase.Subtotal = subtotal

	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchase_invoices (`+purchaseColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULL,'')
	`, purchase.ID, purchase.InvoiceNumber, purchase.SupplierID, purchase.BranchID,
		purchase.Status, purchase.Subtotal, purchase.Notes, purchase.UserID, now)
	if err != nil {
		return nil, err
	}
	for _, item := range purchase.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchase_items (id, purchase_id, sku, product_name, quantity, unit_cost, total)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, item.ID, item.PurchaseID, item.SKU, item.ProductName, item.Quantity, item.UnitCost, item.Total)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := purchase
	return &created, nil
}

func (s *Store) ReceivePurchase(ctx context.Context, id string, userID string, at time.Time) (*domain.PurchaseInvoice, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	purchase, err := getPurchaseForUpdateTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrPurchaseNotDraft
		}
		return nil, err
	}
	if purchase.Status != domain.PurchaseStatusDraft {
		return nil, store.ErrPurchaseNotDraft
	}

	for _, item := range purchase.Items {
		err = postMovementTx(ctx, tx, domain.StockMovement{
			SKU:           item.SKU,
			BranchID:      purchase.BranchID,
			Type:          domain.MovementPurchase,
			Quantity:      item.Quantity,
			ReferenceType: "purchase",
			ReferenceID:   purchase.ID,
			UserID:        userID,
			CreatedAt:     at,
		})
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE purchase_invoices SET status = $2, received_at = $3, received_by = $4 WHERE id = $1
	`, id, domain.PurchaseStatusReceived, at, userID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	purchase.Status = domain.PurchaseStatusReceived
	receivedAt := at
	purchase.ReceivedAt = &receivedAt
	purchase.ReceivedBy = userID
	return purchase, nil
}

func (s *Store) CancelPurchase(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchase_invoices SET status = $2 WHERE id = $1 AND status = $3
	`, id, domain.PurchaseStatusCancelled, domain.PurchaseStatusDraft)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrPurchaseNotDraft
	}
	return nil
}

func getPurchaseForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*domain.PurchaseInvoice, error) {
	var p domain.PurchaseInvoice
	var receivedAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchase_invoices WHERE id = $1 FOR UPDATE
	`, id).Scan(&p.ID, &p.InvoiceNumber, &p.SupplierID, &p.BranchID, &p.Status,
		&p.Subtotal, &p.Notes, &p.UserID, &p.CreatedAt, &receivedAt, &p.ReceivedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if receivedAt.Valid {
		t := receivedAt.Time.UTC()
		p.ReceivedAt = &t
	}
	if err := loadPurchaseItems(ctx, tx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func loadPurchaseItems(ctx context.Context, q queryer, p *domain.PurchaseInvoice) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, purchase_id, sku, product_name, quantity, unit_cost, total
		FROM purchase_items WHERE purchase_id = $1
	`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.PurchaseItem
		if err := rows.Scan(&item.ID, &item.PurchaseID, &item.SKU, &item.ProductName,
			&item.Quantity, &item.UnitCost, &item.Total); err != nil {
			return err
		}
		p.Items = append(p.Items, item)
	}
	return rows.Err()
}

func (s *Store) GetPurchase(ctx context.Context, id string) (*domain.PurchaseInvoice, error) {
	var p domain.PurchaseInvoice
	var receivedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchase_invoices WHERE id = $1
	`, id).Scan(&p.ID, &p.InvoiceNumber, &p.SupplierID, &p.BranchID, &p.Status,
		&p.Subtotal, &p.Notes, &p.UserID, &p.CreatedAt, &receivedAt, &p.ReceivedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if receivedAt.Valid {
		t := receivedAt.Time.UTC()
		p.ReceivedAt = &t
	}
	if err := loadPurchaseItems(ctx, s.db, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPurchases(ctx context.Context, filter domain.PurchaseFilter) ([]domain.PurchaseInvoice, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchase_invoices WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.BranchID != "" {
		query += ` AND branch_id = ` + arg(filter.BranchID)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchases := make([]domain.PurchaseInvoice, 0, limit)
	for rows.Next() {
		var p domain.PurchaseInvoice
		var receivedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.InvoiceNumber, &p.SupplierID, &p.BranchID, &p.Status,
			&p.Subtotal, &p.Notes, &p.UserID, &p.CreatedAt, &receivedAt, &p.ReceivedBy); err != nil {
			return nil, err
		}
		if receivedAt.Valid {
			t := receivedAt.Time.UTC()
			p.ReceivedAt = &t
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

// ---- shifts ----

const shiftColumns = `id, branch_id, user_id, opening_cash, closing_cash, expected_cash, difference,
	total_sales, total_refunds, total_transactions, status, notes, opened_at, closed_at`

func (s *Store) OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := branchExistsTx(ctx, tx, shift.BranchID); err != nil {
		return nil, err
	}

	var openCount int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM shifts WHERE status = $1 AND user_id = $2 AND branch_id = $3
	`, domain.ShiftStatusOpen, shift.UserID, shift.BranchID).Scan(&openCount)
	if err != nil {
		return nil, err
	}
	if openCount > 0 {
		return nil, store.ErrShiftAlreadyOpen
	}

	if shift.OpeningCash.IsZero() {
		var lastClosing decimal.Decimal
		err = tx.QueryRowContext(ctx, `
			SELECT closing_cash FROM shifts
			WHERE branch_id = $1 AND status = $2 ORDER BY closed_at DESC LIMIT 1
		`, shift.BranchID, domain.ShiftStatusClosed).Scan(&lastClosing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if err == nil {
			shift.OpeningCash = lastClosing
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO shifts (id, branch_id, user_id, opening_cash, closing_cash, expected_cash, difference,
			total_sales, total_refunds, total_transactions, status, notes, opened_at, closed_at)
		VALUES ($1,$2,$3,$4,0,0,0,0,0,0,$5,$6,$7,NULL)
	`, shift.ID, shift.BranchID, shift.UserID, shift.OpeningCash, shift.Status, shift.Notes, shift.OpenedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := shift
	return &created, nil
}

func (s *Store) CloseShift(ctx context.Context, shiftID string, closingCash decimal.Decimal, notes string, at time.Time) (*domain.Shift, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	shift, err := scanShift(tx.QueryRowContext(ctx, `
		SELECT `+shiftColumns+` FROM shifts WHERE id = $1 FOR UPDATE
	`, shiftID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrShiftNotOpen
		}
		return nil, err
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrShiftNotOpen
	}

	var cash decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(p.amount), 0)
		FROM payments p
		JOIN sales s ON p.sale_id = s.id
		WHERE s.shift_id = $1 AND s.status != $2 AND p.method = 'cash'
	`, shiftID, domain.SaleStatusVoided).Scan(&cash)
	if err != nil {
		return nil, err
	}

	shift.ExpectedCash = shift.OpeningCash.Add(cash).Sub(shift.TotalRefunds)
	shift.ClosingCash = closingCash
	shift.Difference = closingCash.Sub(shift.ExpectedCash)
	shift.Status = domain.ShiftStatusClosed
	shift.Notes = appendNote(shift.Notes, notes)
	closedAt := at
	shift.ClosedAt = &closedAt

	_, err = tx.ExecContext(ctx, `
		UPDATE shifts SET closing_cash = $2, expected_cash = $3, difference = $4, status = $5, notes = $6, closed_at = $7
		WHERE id = $1
	`, shiftID, shift.ClosingCash, shift.ExpectedCash, shift.Difference, shift.Status, shift.Notes, at)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return shift, nil
}

func scanShift(row rowScanner) (*domain.Shift, error) {
	var shift domain.Shift
	var closedAt sql.NullTime
	err := row.Scan(&shift.ID, &shift.BranchID, &shift.UserID, &shift.OpeningCash, &shift.ClosingCash,
		&shift.ExpectedCash, &shift.Difference, &shift.TotalSales, &shift.TotalRefunds,
		&shift.TotalTransactions, &shift.Status, &shift.Notes, &shift.OpenedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		shift.ClosedAt = &t
	}
	return &shift, nil
}

func (s *Store) CurrentShift(ctx context.Context, userID string, branchID string) (*domain.Shift, error) {
	return scanShift(s.db.QueryRowContext(ctx, `
		SELECT `+shiftColumns+` FROM shifts WHERE status = $1 AND user_id = $2 AND branch_id = $3
	`, domain.ShiftStatusOpen, userID, branchID))
}

func (s *Store) ListShifts(ctx context.Context, filter domain.ShiftFilter) ([]domain.Shift, error) {
	query := `SELECT ` + shiftColumns + ` FROM shifts WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.BranchID != "" {
		query += ` AND branch_id = ` + arg(filter.BranchID)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ` + arg(filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY opened_at DESC LIMIT ` + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shifts := make([]domain.Shift, 0, limit)
	for rows.Next() {
		shift, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, *shift)
	}
	return shifts, rows.Err()
}

// ---- audit & reporting ----

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, action, entity_type, entity_id, branch_id, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.UserID, entry.Action, entry.EntityType, entry.EntityID,
		entry.BranchID, entry.Details, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditLog, error) {
	query := `
		SELECT id, user_id, action, entity_type, entity_id, branch_id, details, created_at
		FROM audit_logs WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.BranchID != "" {
		query += ` AND branch_id = ` + arg(filter.BranchID)
	}
	if filter.Action != "" {
		query += ` AND action = ` + arg(filter.Action)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Action, &entry.EntityType,
			&entry.EntityID, &entry.BranchID, &entry.Details, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) DailySalesReport(ctx context.Context, branchID string, from time.Time, to time.Time) ([]domain.DailySalesRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(created_at::date, 'YYYY-MM-DD') AS day,
			COUNT(*) FILTER (WHERE status = 'completed'),
			COALESCE(SUM(total) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(ABS(total)) FILTER (WHERE status IN ('returned', 'partial_return')), 0),
			COALESCE(SUM(discount_amount) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(tax_amount) FILTER (WHERE status = 'completed'), 0)
		FROM sales
		WHERE branch_id = $1 AND created_at::date >= $2::date AND created_at::date <= $3::date
			AND status != 'voided'
		GROUP BY created_at::date
		ORDER BY day DESC
	`, branchID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	report := make([]domain.DailySalesRow, 0, 31)
	for rows.Next() {
		var row domain.DailySalesRow
		if err := rows.Scan(&row.Date, &row.TotalTransactions, &row.TotalSales,
			&row.TotalRefunds, &row.TotalDiscounts, &row.TotalTax); err != nil {
			return nil, err
		}
		report = append(report, row)
	}
	return report, rows.Err()
}

// ---- users ----

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" {
		return fmt.Errorf("%w: username is required", store.ErrInvalidInput)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, display_name, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.Username, user.Password, user.DisplayName, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: username %s already exists", store.ErrInvalidInput, user.Username)
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, display_name, role, active, created_at FROM users ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.DisplayName, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func appendNote(existing string, note string) string {
	if existing == "" {
		return note
	}
	return existing + " | " + note
}
