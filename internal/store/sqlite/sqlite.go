// Package sqlite implements store.Repository on an embedded SQLite
// database. It is the default store for single-terminal deployments:
// one writer process, WAL journaling, busy-timeout for cooperative
// serialization.
//
// Append-only enforcement: there are no UPDATE or DELETE statements on
// stock_movements. Reversals are posted as new rows with opposite sign.
// The branch_stock table is a rebuildable projection of the ledger.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection avoids table-lock errors from the driver's
	// connection pool; SQLite is single-writer anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS branches (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS products (
		sku TEXT PRIMARY KEY,
		barcode TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		price NUMERIC NOT NULL DEFAULT 0,
		cost_price NUMERIC NOT NULL DEFAULT 0,
		tax_rate NUMERIC NOT NULL DEFAULT 0,
		low_stock_threshold INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS suppliers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- Append-only ledger. Never updated, never deleted.
	CREATE TABLE IF NOT EXISTS stock_movements (
		id TEXT PRIMARY KEY,
		sku TEXT NOT NULL REFERENCES products(sku),
		branch_id TEXT NOT NULL REFERENCES branches(id),
		type TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		reference_type TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_movements_sku_branch
		ON stock_movements(sku, branch_id);
	CREATE INDEX IF NOT EXISTS idx_movements_created
		ON stock_movements(created_at DESC);

	-- Quantity cache, one row per (sku, branch). Projection of the
	-- ledger; rebuildable at any time.
	CREATE TABLE IF NOT EXISTS branch_stock (
		sku TEXT NOT NULL REFERENCES products(sku),
		branch_id TEXT NOT NULL REFERENCES branches(id),
		quantity INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (sku, branch_id)
	);

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		invoice_number TEXT NOT NULL UNIQUE,
		branch_id TEXT NOT NULL REFERENCES branches(id),
		user_id TEXT NOT NULL DEFAULT '',
		shift_id TEXT NOT NULL DEFAULT '',
		customer_name TEXT NOT NULL DEFAULT '',
		subtotal NUMERIC NOT NULL DEFAULT 0,
		discount_amount NUMERIC NOT NULL DEFAULT 0,
		discount_type TEXT NOT NULL DEFAULT '',
		tax_amount NUMERIC NOT NULL DEFAULT 0,
		total NUMERIC NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		original_sale_id TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sales_branch_created
		ON sales(branch_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_sales_original
		ON sales(original_sale_id) WHERE original_sale_id != '';
	CREATE INDEX IF NOT EXISTS idx_sales_shift
		ON sales(shift_id) WHERE shift_id != '';

	CREATE TABLE IF NOT EXISTS sale_items (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		sku TEXT NOT NULL,
		product_name TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price NUMERIC NOT NULL DEFAULT 0,
		cost_price NUMERIC NOT NULL DEFAULT 0,
		discount_amount NUMERIC NOT NULL DEFAULT 0,
		tax_rate NUMERIC NOT NULL DEFAULT 0,
		tax_amount NUMERIC NOT NULL DEFAULT 0,
		total NUMERIC NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sale_items_sale ON sale_items(sale_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		method TEXT NOT NULL,
		amount NUMERIC NOT NULL DEFAULT 0,
		reference TEXT NOT NULL DEFAULT '',
		received_amount NUMERIC NOT NULL DEFAULT 0,
		change_amount NUMERIC NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_sale ON payments(sale_id);

	CREATE TABLE IF NOT EXISTS shifts (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL REFERENCES branches(id),
		user_id TEXT NOT NULL,
		opening_cash NUMERIC NOT NULL DEFAULT 0,
		closing_cash NUMERIC NOT NULL DEFAULT 0,
		expected_cash NUMERIC NOT NULL DEFAULT 0,
		difference NUMERIC NOT NULL DEFAULT 0,
		total_sales NUMERIC NOT NULL DEFAULT 0,
		total_refunds NUMERIC NOT NULL DEFAULT 0,
		total_transactions INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		opened_at TEXT NOT NULL,
		closed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_shifts_branch ON shifts(branch_id, opened_at DESC);

	CREATE TABLE IF NOT EXISTS purchase_invoices (
		id TEXT PRIMARY KEY,
		invoice_number TEXT NOT NULL,
		supplier_id TEXT NOT NULL REFERENCES suppliers(id),
		branch_id TEXT NOT NULL REFERENCES branches(id),
		status TEXT NOT NULL,
		subtotal NUMERIC NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		received_at TEXT,
		received_by TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_purchases_branch
		ON purchase_invoices(branch_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS purchase_items (
		id TEXT PRIMARY KEY,
		purchase_id TEXT NOT NULL REFERENCES purchase_invoices(id),
		sku TEXT NOT NULL,
		product_name TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_cost NUMERIC NOT NULL DEFAULT 0,
		total NUMERIC NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_purchase_items_purchase
		ON purchase_items(purchase_id);

	CREATE TABLE IF NOT EXISTS held_sales (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		autosave INTEGER NOT NULL DEFAULT 0,
		cart_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	-- One autosave slot per (user, branch).
	CREATE UNIQUE INDEX IF NOT EXISTS idx_held_autosave
		ON held_sales(user_id, branch_id) WHERE autosave = 1;

	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL DEFAULT '',
		branch_id TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_logs(created_at DESC);

	-- Generic key-value store; holds the invoice sequence counters
	-- (last_invoice_seq_{branch}_{year}).
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.seedDefaultBranch()
}

// seedDefaultBranch guarantees at least one branch so the first sale can
// allocate an invoice number on a fresh database.
func (s *Store) seedDefaultBranch() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM branches`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO branches (id, name, address, active, created_at) VALUES (?, ?, '', 1, ?)`,
		"BR1", "Main Branch", fmtTime(time.Now().UTC()),
	)
	return err
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, raw)
	return t
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		product.SKU, product.Barcode, product.Name, product.Category,
		product.Price, product.CostPrice, product.TaxRate,
		product.LowStockThreshold, boolInt(product.Active),
		fmtTime(product.CreatedAt), fmtTime(product.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}
	out := product
	return &out, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE products SET barcode = ?, name = ?, category = ?, price = ?, cost_price = ?,
			tax_rate = ?, low_stock_threshold = ?, active = ?, updated_at = ?
		WHERE sku = ?`,
		product.Barcode, product.Name, product.Category, product.Price, product.CostPrice,
		product.TaxRate, product.LowStockThreshold, boolInt(product.Active),
		fmtTime(product.UpdatedAt), product.SKU,
	)
	if err != nil {
		return nil, fmt.Errorf("update product: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetProductBySKU(ctx, product.SKU)
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sku, barcode, name, category, price, cost_price, tax_rate, low_stock_threshold, active, created_at, updated_at
		FROM products WHERE sku = ?`, sku)
	return scanProduct(row)
}

func (s *Store) ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error) {
	query := `
		SELECT sku, barcode, name, category, price, cost_price, tax_rate, low_stock_threshold, active, created_at, updated_at
		FROM products`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY sku`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var result []domain.Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *product)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	var active int
	var createdAt, updatedAt string
	err := row.Scan(&p.SKU, &p.Barcode, &p.Name, &p.Category, &p.Price, &p.CostPrice,
		&p.TaxRate, &p.LowStockThreshold, &active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan product: %w", err)
	}
	p.Active = active == 1
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (s *Store) CreateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error) {
	if branch.ID == "" || branch.Name == "" {
		return nil, fmt.Errorf("%w: branch id and name are required", store.ErrInvalidInput)
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, name, address, active, created_at) VALUES (?, ?, ?, ?, ?)`,
		branch.ID, branch.Name, branch.Address, boolInt(branch.Active), fmtTime(branch.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}
	out := branch
	return &out, nil
}

func (s *Store) GetBranch(ctx context.Context, id string) (*domain.Branch, error) {
	var b domain.Branch
	var active int
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, address, active, created_at FROM branches WHERE id = ?`, id,
	).Scan(&b.ID, &b.Name, &b.Address, &active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get branch: %w", err)
	}
	b.Active = active == 1
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, address, active, created_at FROM branches ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var result []domain.Branch
	for rows.Next() {
		var b domain.Branch
		var active int
		var createdAt string
		if err := rows.Scan(&b.ID, &b.Name, &b.Address, &active, &createdAt); err != nil {
			return nil, err
		}
		b.Active = active == 1
		b.CreatedAt = parseTime(createdAt)
		result = append(result, b)
	}
	return result, rows.Err()
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
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		supplier.ID, supplier.Name, supplier.Phone, supplier.Email, supplier.Address,
		boolInt(supplier.Active), fmtTime(supplier.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("create supplier: %w", err)
	}
	out := supplier
	return &out, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, phone, email, address, active, created_at FROM suppliers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list suppliers: %w", err)
	}
	defer rows.Close()

	var result []domain.Supplier
	for rows.Next() {
		var sup domain.Supplier
		var active int
		var createdAt string
		if err := rows.Scan(&sup.ID, &sup.Name, &sup.Phone, &sup.Email, &sup.Address, &active, &createdAt); err != nil {
			return nil, err
		}
		sup.Active = active == 1
		sup.CreatedAt = parseTime(createdAt)
		result = append(result, sup)
	}
	return result, rows.Err()
}

// ---- ledger internals ----

// postMovementTx appends one ledger row and moves the cache in lockstep,
// inside the caller's transaction. The cache row is created on first
// touch and never deleted.
func postMovementTx(tx *sql.Tx, m domain.StockMovement) error {
	if m.ID == "" {
		m.ID = xid.New("mov")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(`
		INSERT INTO stock_movements (id, sku, branch_id, type, quantity, reference_type, reference_id, notes, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SKU, m.BranchID, m.Type, m.Quantity,
		m.ReferenceType, m.ReferenceID, m.Notes, m.UserID, fmtTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("post movement: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO branch_stock (sku, branch_id, quantity, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (sku, branch_id) DO UPDATE SET
			quantity = branch_stock.quantity + excluded.quantity,
			updated_at = excluded.updated_at`,
		m.SKU, m.BranchID, m.Quantity, fmtTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("update stock cache: %w", err)
	}
	return nil
}

// nextInvoiceTx allocates the next invoice number for the branch and
// year from the settings counter, inside the caller's transaction. If
// the transaction rolls back, the counter write rolls back with it.
func nextInvoiceTx(tx *sql.Tx, branchID string, at time.Time) (string, error) {
	year := at.UTC().Year()
	key := fmt.Sprintf("last_invoice_seq_%s_%d", branchID, year)

	var raw string
	seq := int64(0)
	err := tx.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("read invoice sequence: %w", err)
	}
	if err == nil {
		if parsed, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			seq = parsed
		}
	}
	seq++
	_, err = tx.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, strconv.FormatInt(seq, 10),
	)
	if err != nil {
		return "", fmt.Errorf("write invoice sequence: %w", err)
	}
	return fmt.Sprintf("%s-%d-%06d", branchID, year, seq), nil
}

// ---- sales ----

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, fmt.Errorf("%w: sale has no items", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sale: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM branches WHERE id = ?`, sale.BranchID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: branch %s", store.ErrNotFound, sale.BranchID)
	}
	if sale.ShiftID != "" {
		if err := tx.QueryRow(`SELECT COUNT(*) FROM shifts WHERE id = ?`, sale.ShiftID).Scan(&exists); err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, fmt.Errorf("%w: shift %s", store.ErrNotFound, sale.ShiftID)
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

	sale.InvoiceNumber, err = nextInvoiceTx(tx, sale.BranchID, now)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		INSERT INTO sales (id, invoice_number, branch_id, user_id, shift_id, customer_name, subtotal,
			discount_amount, discount_type, tax_amount, total, status, original_sale_id, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sale.ID, sale.InvoiceNumber, sale.BranchID, sale.UserID, sale.ShiftID, sale.CustomerName,
		sale.Subtotal, sale.DiscountAmount, sale.DiscountType, sale.TaxAmount, sale.Total,
		sale.Status, sale.OriginalSaleID, sale.Notes, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert sale: %w", err)
	}

	for i := range sale.Items {
		item := &sale.Items[i]
		if item.ID == "" {
			item.ID = xid.New("sit")
		}
		item.SaleID = sale.ID
		_, err = tx.Exec(`
			INSERT INTO sale_items (id, sale_id, sku, product_name, quantity, unit_price, cost_price,
				discount_amount, tax_rate, tax_amount, total)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.SaleID, item.SKU, item.ProductName, item.Quantity,
			item.UnitPrice, item.CostPrice, item.DiscountAmount, item.TaxRate, item.TaxAmount, item.Total,
		)
		if err != nil {
			return nil, fmt.Errorf("insert sale item: %w", err)
		}
		err = postMovementTx(tx, domain.StockMovement{
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
		_, err = tx.Exec(`
			INSERT INTO payments (id, sale_id, method, amount, reference, received_amount, change_amount, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.SaleID, p.Method, p.Amount, p.Reference, p.ReceivedAmount, p.ChangeAmount, fmtTime(p.CreatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("insert payment: %w", err)
		}
	}

	if sale.ShiftID != "" {
		_, err = tx.Exec(`
			UPDATE shifts SET total_sales = total_sales + ?, total_transactions = total_transactions + 1
			WHERE id = ?`, sale.Total, sale.ShiftID)
		if err != nil {
			return nil, fmt.Errorf("update shift totals: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sale: %w", err)
	}
	out := sale
	return &out, nil
}

func (s *Store) VoidSale(ctx context.Context, saleID string, userID string, reason string, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin void: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := getSaleTx(ctx, tx, saleID)
	if err != nil {
		if err == store.ErrNotFound {
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
	_, err = tx.Exec(`UPDATE sales SET status = ?, notes = ?, updated_at = ? WHERE id = ?`,
		sale.Status, sale.Notes, fmtTime(at), sale.ID)
	if err != nil {
		return nil, fmt.Errorf("void sale: %w", err)
	}

	for _, item := range sale.Items {
		err = postMovementTx(tx, domain.StockMovement{
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
		_, err = tx.Exec(`
			UPDATE shifts SET total_sales = total_sales - ?, total_transactions = total_transactions - 1
			WHERE id = ?`, sale.Total, sale.ShiftID)
		if err != nil {
			return nil, fmt.Errorf("reverse shift totals: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit void: %w", err)
	}
	return sale, nil
}

func (s *Store) ReturnSale(ctx context.Context, ret domain.SaleReturn, at time.Time) (*domain.Sale, error) {
	if len(ret.Items) == 0 {
		return nil, fmt.Errorf("%w: no items to return", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin return: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	original, err := getSaleTx(ctx, tx, ret.OriginalSaleID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, store.ErrOriginalSaleNotFound
		}
		return nil, err
	}
	if original.Status == domain.SaleStatusVoided || original.Status == domain.SaleStatusReturned {
		return nil, store.ErrSaleNotReturnable
	}

	alreadyReturned, err := returnedQuantitiesTx(tx, original.ID)
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

	invoiceNumber, err := nextInvoiceTx(tx, original.BranchID, at)
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
	_, err = tx.Exec(`
		INSERT INTO sales (id, invoice_number, branch_id, user_id, shift_id, customer_name, subtotal,
			discount_amount, discount_type, tax_amount, total, status, original_sale_id, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?, ?, ?, ?, ?, ?)`,
		returnSale.ID, returnSale.InvoiceNumber, returnSale.BranchID, returnSale.UserID, returnSale.ShiftID,
		returnSale.CustomerName, returnSale.Subtotal, returnSale.TaxAmount, returnSale.Total,
		returnSale.Status, returnSale.OriginalSaleID, returnSale.Notes, fmtTime(at), fmtTime(at),
	)
	if err != nil {
		return nil, fmt.Errorf("insert return sale: %w", err)
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
		_, err = tx.Exec(`
			INSERT INTO sale_items (id, sale_id, sku, product_name, quantity, unit_price, cost_price,
				discount_amount, tax_rate, tax_amount, total)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			item.ID, item.SaleID, item.SKU, item.ProductName, item.Quantity,
			item.UnitPrice, item.CostPrice, item.TaxRate, item.TaxAmount, item.Total,
		)
		if err != nil {
			return nil, fmt.Errorf("insert return item: %w", err)
		}
		err = postMovementTx(tx, domain.StockMovement{
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
	_, err = tx.Exec(`
		INSERT INTO payments (id, sale_id, method, amount, reference, received_amount, change_amount, created_at)
		VALUES (?, ?, ?, ?, '', 0, 0, ?)`,
		payment.ID, payment.SaleID, payment.Method, payment.Amount, fmtTime(at),
	)
	if err != nil {
		return nil, fmt.Errorf("insert refund payment: %w", err)
	}

	// Reclassify the original by aggregating every return against it,
	// including this one; >= per product tolerates stacked partials.
	returnedNow, err := returnedQuantitiesTx(tx, original.ID)
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
	_, err = tx.Exec(`UPDATE sales SET status = ?, updated_at = ? WHERE id = ?`,
		newStatus, fmtTime(at), original.ID)
	if err != nil {
		return nil, fmt.Errorf("update original status: %w", err)
	}

	if ret.ShiftID != "" {
		_, err = tx.Exec(`UPDATE shifts SET total_refunds = total_refunds + ? WHERE id = ?`,
			refundTotal, ret.ShiftID)
		if err != nil {
			return nil, fmt.Errorf("update shift refunds: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit return: %w", err)
	}
	return &returnSale, nil
}

func returnedQuantitiesTx(tx *sql.Tx, originalID string) (map[string]int64, error) {
	rows, err := tx.Query(`
		SELECT si.sku, COALESCE(SUM(ABS(si.quantity)), 0)
		FROM sale_items si
		JOIN sales s ON si.sale_id = s.id
		WHERE s.original_sale_id = ?
		GROUP BY si.sku`, originalID)
	if err != nil {
		return nil, fmt.Errorf("sum returned quantities: %w", err)
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

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getSaleTx(ctx context.Context, q queryer, id string) (*domain.Sale, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, invoice_number, branch_id, user_id, shift_id, customer_name, subtotal,
			discount_amount, discount_type, tax_amount, total, status, original_sale_id, notes, created_at, updated_at
		FROM sales WHERE id = ?`, id)
	sale, err := scanSale(row)
	if err != nil {
		return nil, err
	}
	if err := loadSaleChildren(ctx, q, sale); err != nil {
		return nil, err
	}
	return sale, nil
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var createdAt, updatedAt string
	err := row.Scan(&sale.ID, &sale.InvoiceNumber, &sale.BranchID, &sale.UserID, &sale.ShiftID,
		&sale.CustomerName, &sale.Subtotal, &sale.DiscountAmount, &sale.DiscountType,
		&sale.TaxAmount, &sale.Total, &sale.Status, &sale.OriginalSaleID, &sale.Notes,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sale: %w", err)
	}
	sale.CreatedAt = parseTime(createdAt)
	sale.UpdatedAt = parseTime(updatedAt)
	return &sale, nil
}

func loadSaleChildren(ctx context.Context, q queryer, sale *domain.Sale) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, sku, product_name, quantity, unit_price, cost_price, discount_amount, tax_rate, tax_amount, total
		FROM sale_items WHERE sale_id = ?`, sale.ID)
	if err != nil {
		return fmt.Errorf("load sale items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.SKU, &item.ProductName, &item.Quantity,
			&item.UnitPrice, &item.CostPrice, &item.DiscountAmount, &item.TaxRate, &item.TaxAmount, &item.Total); err != nil {
			return err
		}
		sale.Items = append(sale.Items, item)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	payRows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, method, amount, reference, received_amount, change_amount, created_at
		FROM payments WHERE sale_id = ?`, sale.ID)
	if err != nil {
		return fmt.Errorf("load payments: %w", err)
	}
	defer payRows.Close()
	for payRows.Next() {
		var p domain.Payment
		var createdAt string
		if err := payRows.Scan(&p.ID, &p.SaleID, &p.Method, &p.Amount, &p.Reference,
			&p.ReceivedAmount, &p.ChangeAmount, &createdAt); err != nil {
			return err
		}
		p.CreatedAt = parseTime(createdAt)
		sale.Payments = append(sale.Payments, p)
	}
	return payRows.Err()
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return getSaleTx(ctx, s.db, id)
}

func (s *Store) GetSaleByInvoice(ctx context.Context, invoiceNumber string) (*domain.Sale, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sales WHERE invoice_number = ?`, invoiceNumber).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sale by invoice: %w", err)
	}
	return getSaleTx(ctx, s.db, id)
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	query := `
		SELECT id, invoice_number, branch_id, user_id, shift_id, customer_name, subtotal,
			discount_amount, discount_type, tax_amount, total, status, original_sale_id, notes, created_at, updated_at
		FROM sales WHERE 1=1`
	args := []any{}
	if filter.BranchID != "" {
		query += ` AND branch_id = ?`
		args = append(args, filter.BranchID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if !filter.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, fmtTime(filter.From))
	}
	if !filter.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, fmtTime(filter.To))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	defer rows.Close()

	var result []domain.Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sale)
	}
	return result, rows.Err()
}

// ---- held sales ----

func (s *Store) SaveHeldSale(ctx context.Context, held domain.HeldSale) (*domain.HeldSale, error) {
	cartJSON, err := json.Marshal(held.Cart)
	if err != nil {
		return nil, fmt.Errorf("encode cart: %w", err)
	}
	now := time.Now().UTC()

	if held.Autosave {
		var existingID string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM held_sales WHERE autosave = 1 AND user_id = ? AND branch_id = ?`,
			held.UserID, held.BranchID).Scan(&existingID)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("find autosave: %w", err)
		}
		if err == nil {
			_, err = s.db.ExecContext(ctx,
				`UPDATE held_sales SET cart_json = ?, label = ?, updated_at = ? WHERE id = ?`,
				string(cartJSON), held.Label, fmtTime(now), existingID)
			if err != nil {
				return nil, fmt.Errorf("update autosave: %w", err)
			}
			return s.getHeldSale(ctx, existingID)
		}
	}

	if held.ID == "" {
		held.ID = xid.New("hld")
	}
	held.CreatedAt = now
	held.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO held_sales (id, branch_id, user_id, label, autosave, cart_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		held.ID, held.BranchID, held.UserID, held.Label, boolInt(held.Autosave),
		string(cartJSON), fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert held sale: %w", err)
	}
	out := held
	return &out, nil
}

func (s *Store) getHeldSale(ctx context.Context, id string) (*domain.HeldSale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, user_id, label, autosave, cart_json, created_at, updated_at
		FROM held_sales WHERE id = ?`, id)
	return scanHeldSale(row)
}

func scanHeldSale(row rowScanner) (*domain.HeldSale, error) {
	var held domain.HeldSale
	var autosave int
	var cartJSON, createdAt, updatedAt string
	err := row.Scan(&held.ID, &held.BranchID, &held.UserID, &held.Label, &autosave,
		&cartJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan held sale: %w", err)
	}
	held.Autosave = autosave == 1
	if err := json.Unmarshal([]byte(cartJSON), &held.Cart); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	held.CreatedAt = parseTime(createdAt)
	held.UpdatedAt = parseTime(updatedAt)
	return &held, nil
}

func (s *Store) ListHeldSales(ctx context.Context, branchID string) ([]domain.HeldSale, error) {
	query := `
		SELECT id, branch_id, user_id, label, autosave, cart_json, created_at, updated_at
		FROM held_sales`
	args := []any{}
	if branchID != "" {
		query += ` WHERE branch_id = ?`
		args = append(args, branchID)
	}
	query += ` ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list held sales: %w", err)
	}
	defer rows.Close()

	var result []domain.HeldSale
	for rows.Next() {
		held, err := scanHeldSale(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *held)
	}
	return result, rows.Err()
}

func (s *Store) GetAutosave(ctx context.Context, userID string, branchID string) (*domain.HeldSale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, user_id, label, autosave, cart_json, created_at, updated_at
		FROM held_sales WHERE autosave = 1 AND user_id = ? AND branch_id = ?`, userID, branchID)
	return scanHeldSale(row)
}

func (s *Store) DeleteHeldSale(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM held_sales WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete held sale: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---- inventory ----

func (s *Store) AdjustStock(ctx context.Context, adj domain.StockAdjustment) error {
	if adj.Quantity == 0 {
		return fmt.Errorf("%w: adjustment quantity must be non-zero", store.ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin adjust: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireRow(tx, `SELECT COUNT(*) FROM products WHERE sku = ?`, adj.SKU); err != nil {
		return fmt.Errorf("%w: product %s", err, adj.SKU)
	}
	if err := requireRow(tx, `SELECT COUNT(*) FROM branches WHERE id = ?`, adj.BranchID); err != nil {
		return fmt.Errorf("%w: branch %s", err, adj.BranchID)
	}

	err = postMovementTx(tx, domain.StockMovement{
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

func (s *Store) TransferStock(ctx context.Context, transfer domain.StockTransfer) error {
	if transfer.Quantity <= 0 {
		return fmt.Errorf("%w: transfer quantity must be positive", store.ErrInvalidInput)
	}
	if transfer.FromBranchID == transfer.ToBranchID {
		return fmt.Errorf("%w: source and destination branch are the same", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireRow(tx, `SELECT COUNT(*) FROM products WHERE sku = ?`, transfer.SKU); err != nil {
		return fmt.Errorf("%w: product %s", err, transfer.SKU)
	}
	for _, branchID := range []string{transfer.FromBranchID, transfer.ToBranchID} {
		if err := requireRow(tx, `SELECT COUNT(*) FROM branches WHERE id = ?`, branchID); err != nil {
			return fmt.Errorf("%w: branch %s", err, branchID)
		}
	}

	// The one non-negative guard in the system: the source branch must
	// hold enough cached stock before the transfer mutates anything.
	var available int64
	err = tx.QueryRow(`SELECT COALESCE(quantity, 0) FROM branch_stock WHERE sku = ? AND branch_id = ?`,
		transfer.SKU, transfer.FromBranchID).Scan(&available)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read source stock: %w", err)
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
		if err := postMovementTx(tx, leg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func requireRow(tx *sql.Tx, query string, arg string) error {
	var count int
	if err := tx.QueryRow(query, arg).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) StockLevels(ctx context.Context, branchID string, lowStockOnly bool) ([]domain.StockLevel, error) {
	query := `
		SELECT p.sku, p.name, COALESCE(bs.quantity, 0), p.low_stock_threshold, COALESCE(bs.updated_at, '')
		FROM products p
		LEFT JOIN branch_stock bs ON bs.sku = p.sku AND bs.branch_id = ?
		WHERE p.active = 1`
	if lowStockOnly {
		query += ` AND COALESCE(bs.quantity, 0) <= p.low_stock_threshold`
	}
	query += ` ORDER BY p.sku`

	rows, err := s.db.QueryContext(ctx, query, branchID)
	if err != nil {
		return nil, fmt.Errorf("stock levels: %w", err)
	}
	defer rows.Close()

	var result []domain.StockLevel
	for rows.Next() {
		var level domain.StockLevel
		var updatedAt string
		if err := rows.Scan(&level.SKU, &level.ProductName, &level.Quantity, &level.LowStockThreshold, &updatedAt); err != nil {
			return nil, err
		}
		level.BranchID = branchID
		if updatedAt != "" {
			level.UpdatedAt = parseTime(updatedAt)
		}
		result = append(result, level)
	}
	return result, rows.Err()
}

func (s *Store) StockQuantity(ctx context.Context, sku string, branchID string) (int64, error) {
	var qty int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(quantity, 0) FROM branch_stock WHERE sku = ? AND branch_id = ?`,
		sku, branchID).Scan(&qty)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stock quantity: %w", err)
	}
	return qty, nil
}

func (s *Store) ListMovements(ctx context.Context, sku string, branchID string, limit int) ([]domain.StockMovement, error) {
	query := `
		SELECT id, sku, branch_id, type, quantity, reference_type, reference_id, notes, user_id, created_at
		FROM stock_movements WHERE 1=1`
	args := []any{}
	if sku != "" {
		query += ` AND sku = ?`
		args = append(args, sku)
	}
	if branchID != "" {
		query += ` AND branch_id = ?`
		args = append(args, branchID)
	}
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()

	var result []domain.StockMovement
	for rows.Next() {
		var m domain.StockMovement
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SKU, &m.BranchID, &m.Type, &m.Quantity,
			&m.ReferenceType, &m.ReferenceID, &m.Notes, &m.UserID, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		result = append(result, m)
	}
	return result, rows.Err()
}

// ReconcileStock compares the cache against ledger sums for every active
// product. Read-only; drift is a repairable condition, not an error.
func (s *Store) ReconcileStock(ctx context.Context, branchID string) ([]domain.StockDiscrepancy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.sku, p.name, COALESCE(bs.quantity, 0), COALESCE(m.total, 0)
		FROM products p
		LEFT JOIN branch_stock bs ON bs.sku = p.sku AND bs.branch_id = ?
		LEFT JOIN (
			SELECT sku, SUM(quantity) AS total FROM stock_movements WHERE branch_id = ? GROUP BY sku
		) m ON m.sku = p.sku
		WHERE p.active = 1 AND COALESCE(bs.quantity, 0) != COALESCE(m.total, 0)
		ORDER BY p.sku`, branchID, branchID)
	if err != nil {
		return nil, fmt.Errorf("reconcile stock: %w", err)
	}
	defer rows.Close()

	var result []domain.StockDiscrepancy
	for rows.Next() {
		var d domain.StockDiscrepancy
		if err := rows.Scan(&d.SKU, &d.ProductName, &d.CachedQty, &d.ActualQty); err != nil {
			return nil, err
		}
		d.BranchID = branchID
		result = append(result, d)
	}
	return result, rows.Err()
}

// RebuildStockCache overwrites each active product's cache row with the
// ledger sum. Each product runs in its own transaction: a crash mid-loop
// leaves already-fixed products fixed, and a follow-up ReconcileStock
// finds the rest. Idempotent.
func (s *Store) RebuildStockCache(ctx context.Context, branchID string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT sku FROM products WHERE active = 1 ORDER BY sku`)
	if err != nil {
		return fmt.Errorf("list skus: %w", err)
	}
	var skus []string
	for rows.Next() {
		var sku string
		if err := rows.Scan(&sku); err != nil {
			rows.Close()
			return err
		}
		skus = append(skus, sku)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, sku := range skus {
		if err := s.rebuildOne(ctx, sku, branchID); err != nil {
			return fmt.Errorf("rebuild %s: %w", sku, err)
		}
	}
	return nil
}

func (s *Store) rebuildOne(ctx context.Context, sku string, branchID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var actual int64
	err = tx.QueryRow(`SELECT COALESCE(SUM(quantity), 0) FROM stock_movements WHERE sku = ? AND branch_id = ?`,
		sku, branchID).Scan(&actual)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO branch_stock (sku, branch_id, quantity, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (sku, branch_id) DO UPDATE SET
			quantity = excluded.quantity,
			updated_at = CASE WHEN branch_stock.quantity != excluded.quantity THEN excluded.updated_at ELSE branch_stock.updated_at END`,
		sku, branchID, actual, fmtTime(time.Now().UTC()),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ---- purchasing ----

func (s *Store) CreatePurchase(ctx context.Context, purchase domain.PurchaseInvoice) (*domain.PurchaseInvoice, error) {
	if len(purchase.Items) == 0 {
		return nil, fmt.Errorf("%w: purchase has no items", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin purchase: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireRow(tx, `SELECT COUNT(*) FROM suppliers WHERE id = ?`, purchase.SupplierID); err != nil {
		return nil, fmt.Errorf("%w: supplier %s", err, purchase.SupplierID)
	}
	if err := requireRow(tx, `SELECT COUNT(*) FROM branches WHERE id = ?`, purchase.BranchID); err != nil {
		return nil, fmt.Errorf("%w: branch %s", err, purchase.BranchID)
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

	// Subtotal is recomputed server-side; client totals are never
	// trusted.
	subtotal := decimal.Zero
	for i := range purchase.Items {
		item := &purchase.Items[i]
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: purchase item quantity must be positive", store.ErrInvalidInput)
		}
		var name string
		err := tx.QueryRow(`SELECT name FROM products WHERE sku = ?`, item.SKU).Scan(&name)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, item.SKU)
		}
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

	_, err = tx.Exec(`
		INSERT INTO purchase_invoices (id, invoice_number, supplier_id, branch_id, status, subtotal, notes, user_id, created_at, received_at, received_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '')`,
		purchase.ID, purchase.InvoiceNumber, purchase.SupplierID, purchase.BranchID,
		purchase.Status, purchase.Subtotal, purchase.Notes, purchase.UserID, fmtTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert purchase: %w", err)
	}
	for _, item := range purchase.Items {
		_, err = tx.Exec(`
			INSERT INTO purchase_items (id, purchase_id, sku, product_name, quantity, unit_cost, total)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.PurchaseID, item.SKU, item.ProductName, item.Quantity, item.UnitCost, item.Total,
		)
		if err != nil {
			return nil, fmt.Errorf("insert purchase item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit purchase: %w", err)
	}
	out := purchase
	return &out, nil
}

func (s *Store) ReceivePurchase(ctx context.Context, id string, userID string, at time.Time) (*domain.PurchaseInvoice, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin receive: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	purchase, err := getPurchaseTx(ctx, tx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, store.ErrPurchaseNotDraft
		}
		return nil, err
	}
	if purchase.Status != domain.PurchaseStatusDraft {
		return nil, store.ErrPurchaseNotDraft
	}

	for _, item := range purchase.Items {
		err = postMovementTx(tx, domain.StockMovement{
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

	_, err = tx.Exec(`UPDATE purchase_invoices SET status = ?, received_at = ?, received_by = ? WHERE id = ?`,
		domain.PurchaseStatusReceived, fmtTime(at), userID, id)
	if err != nil {
		return nil, fmt.Errorf("receive purchase: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit receive: %w", err)
	}
	purchase.Status = domain.PurchaseStatusReceived
	receivedAt := at
	purchase.ReceivedAt = &receivedAt
	purchase.ReceivedBy = userID
	return purchase, nil
}

func (s *Store) CancelPurchase(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchase_invoices SET status = ? WHERE id = ? AND status = ?`,
		domain.PurchaseStatusCancelled, id, domain.PurchaseStatusDraft)
	if err != nil {
		return fmt.Errorf("cancel purchase: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return store.ErrPurchaseNotDraft
	}
	return nil
}

func getPurchaseTx(ctx context.Context, q queryer, id string) (*domain.PurchaseInvoice, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, invoice_number, supplier_id, branch_id, status, subtotal, notes, user_id, created_at, received_at, received_by
		FROM purchase_invoices WHERE id = ?`, id)
	purchase, err := scanPurchase(row)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, purchase_id, sku, product_name, quantity, unit_cost, total
		FROM purchase_items WHERE purchase_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load purchase items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.PurchaseItem
		if err := rows.Scan(&item.ID, &item.PurchaseID, &item.SKU, &item.ProductName,
			&item.Quantity, &item.UnitCost, &item.Total); err != nil {
			return nil, err
		}
		purchase.Items = append(purchase.Items, item)
	}
	return purchase, rows.Err()
}

func scanPurchase(row rowScanner) (*domain.PurchaseInvoice, error) {
	var p domain.PurchaseInvoice
	var createdAt string
	var receivedAt sql.NullString
	err := row.Scan(&p.ID, &p.InvoiceNumber, &p.SupplierID, &p.BranchID, &p.Status,
		&p.Subtotal, &p.Notes, &p.UserID, &createdAt, &receivedAt, &p.ReceivedBy)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan purchase: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	if receivedAt.Valid && receivedAt.String != "" {
		t := parseTime(receivedAt.String)
		p.ReceivedAt = &t
	}
	return &p, nil
}

func (s *Store) GetPurchase(ctx context.Context, id string) (*domain.PurchaseInvoice, error) {
	return getPurchaseTx(ctx, s.db, id)
}

func (s *Store) ListPurchases(ctx context.Context, filter domain.PurchaseFilter) ([]domain.PurchaseInvoice, error) {
	query := `
		SELECT id, invoice_number, supplier_id, branch_id, status, subtotal, notes, user_id, created_at, received_at, received_by
		FROM purchase_invoices WHERE 1=1`
	args := []any{}
	if filter.BranchID != "" {
		query += ` AND branch_id = ?`
		args = append(args, filter.BranchID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var result []domain.PurchaseInvoice
	for rows.Next() {
		purchase, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *purchase)
	}
	return result, rows.Err()
}

// ---- shifts ----

func (s *Store) OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin open shift: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireRow(tx, `SELECT COUNT(*) FROM branches WHERE id = ?`, shift.BranchID); err != nil {
		return nil, fmt.Errorf("%w: branch %s", err, shift.BranchID)
	}

	var open int
	err = tx.QueryRow(`SELECT COUNT(*) FROM shifts WHERE status = ? AND user_id = ? AND branch_id = ?`,
		domain.ShiftStatusOpen, shift.UserID, shift.BranchID).Scan(&open)
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, store.ErrShiftAlreadyOpen
	}

	// Opening cash defaults to the branch's most recent closing count.
	if shift.OpeningCash.IsZero() {
		var lastClosing decimal.Decimal
		err = tx.QueryRow(`
			SELECT closing_cash FROM shifts
			WHERE branch_id = ? AND status = ? ORDER BY closed_at DESC LIMIT 1`,
			shift.BranchID, domain.ShiftStatusClosed).Scan(&lastClosing)
		if err != nil && err != sql.ErrNoRows {
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

	_, err = tx.Exec(`
		INSERT INTO shifts (id, branch_id, user_id, opening_cash, closing_cash, expected_cash, difference,
			total_sales, total_refunds, total_transactions, status, notes, opened_at, closed_at)
		VALUES (?, ?, ?, ?, 0, 0, 0, 0, 0, 0, ?, ?, ?, NULL)`,
		shift.ID, shift.BranchID, shift.UserID, shift.OpeningCash,
		shift.Status, shift.Notes, fmtTime(shift.OpenedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert shift: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit open shift: %w", err)
	}
	out := shift
	return &out, nil
}

func (s *Store) CloseShift(ctx context.Context, shiftID string, closingCash decimal.Decimal, notes string, at time.Time) (*domain.Shift, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin close shift: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	shift, err := scanShift(tx.QueryRow(shiftSelect+` WHERE id = ?`, shiftID))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, store.ErrShiftNotOpen
		}
		return nil, err
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrShiftNotOpen
	}

	var cash decimal.Decimal
	err = tx.QueryRow(`
		SELECT COALESCE(SUM(p.amount), 0)
		FROM payments p
		JOIN sales s ON p.sale_id = s.id
		WHERE s.shift_id = ? AND s.status != ? AND p.method = 'cash'`,
		shiftID, domain.SaleStatusVoided).Scan(&cash)
	if err != nil {
		return nil, fmt.Errorf("sum cash payments: %w", err)
	}

	shift.ExpectedCash = shift.OpeningCash.Add(cash).Sub(shift.TotalRefunds)
	shift.ClosingCash = closingCash
	shift.Difference = closingCash.Sub(shift.ExpectedCash)
	shift.Status = domain.ShiftStatusClosed
	shift.Notes = appendNote(shift.Notes, notes)
	closedAt := at
	shift.ClosedAt = &closedAt

	_, err = tx.Exec(`
		UPDATE shifts SET closing_cash = ?, expected_cash = ?, difference = ?, status = ?, notes = ?, closed_at = ?
		WHERE id = ?`,
		shift.ClosingCash, shift.ExpectedCash, shift.Difference, shift.Status, shift.Notes,
		fmtTime(at), shiftID,
	)
	if err != nil {
		return nil, fmt.Errorf("close shift: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit close shift: %w", err)
	}
	return shift, nil
}

const shiftSelect = `
	SELECT id, branch_id, user_id, opening_cash, closing_cash, expected_cash, difference,
		total_sales, total_refunds, total_transactions, status, notes, opened_at, closed_at
	FROM shifts`

func scanShift(row rowScanner) (*domain.Shift, error) {
	var shift domain.Shift
	var openedAt string
	var closedAt sql.NullString
	err := row.Scan(&shift.ID, &shift.BranchID, &shift.UserID, &shift.OpeningCash, &shift.ClosingCash,
		&shift.ExpectedCash, &shift.Difference, &shift.TotalSales, &shift.TotalRefunds,
		&shift.TotalTransactions, &shift.Status, &shift.Notes, &openedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan shift: %w", err)
	}
	shift.OpenedAt = parseTime(openedAt)
	if closedAt.Valid && closedAt.String != "" {
		t := parseTime(closedAt.String)
		shift.ClosedAt = &t
	}
	return &shift, nil
}

func (s *Store) CurrentShift(ctx context.Context, userID string, branchID string) (*domain.Shift, error) {
	return scanShift(s.db.QueryRowContext(ctx,
		shiftSelect+` WHERE status = ? AND user_id = ? AND branch_id = ?`,
		domain.ShiftStatusOpen, userID, branchID))
}

func (s *Store) ListShifts(ctx context.Context, filter domain.ShiftFilter) ([]domain.Shift, error) {
	query := shiftSelect + ` WHERE 1=1`
	args := []any{}
	if filter.BranchID != "" {
		query += ` AND branch_id = ?`
		args = append(args, filter.BranchID)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY opened_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list shifts: %w", err)
	}
	defer rows.Close()

	var result []domain.Shift
	for rows.Next() {
		shift, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *shift)
	}
	return result, rows.Err()
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Action, entry.EntityType, entry.EntityID,
		entry.BranchID, entry.Details, fmtTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditLog, error) {
	query := `
		SELECT id, user_id, action, entity_type, entity_id, branch_id, details, created_at
		FROM audit_logs WHERE 1=1`
	args := []any{}
	if filter.BranchID != "" {
		query += ` AND branch_id = ?`
		args = append(args, filter.BranchID)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var result []domain.AuditLog
	for rows.Next() {
		var entry domain.AuditLog
		var createdAt string
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Action, &entry.EntityType,
			&entry.EntityID, &entry.BranchID, &entry.Details, &createdAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = parseTime(createdAt)
		result = append(result, entry)
	}
	return result, rows.Err()
}

// DailySalesReport leans on the sign convention: return rows carry
// negative totals, so SUM-based rollups net out without special cases.
func (s *Store) DailySalesReport(ctx context.Context, branchID string, from time.Time, to time.Time) ([]domain.DailySalesRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DATE(created_at) AS day,
			COUNT(CASE WHEN status = 'completed' THEN 1 END),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN total ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('returned', 'partial_return') THEN ABS(total) ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN discount_amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN tax_amount ELSE 0 END), 0)
		FROM sales
		WHERE branch_id = ? AND DATE(created_at) >= DATE(?) AND DATE(created_at) <= DATE(?)
			AND status != 'voided'
		GROUP BY DATE(created_at)
		ORDER BY day DESC`,
		branchID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, fmt.Errorf("daily sales report: %w", err)
	}
	defer rows.Close()

	var result []domain.DailySalesRow
	for rows.Next() {
		var row domain.DailySalesRow
		if err := rows.Scan(&row.Date, &row.TotalTransactions, &row.TotalSales,
			&row.TotalRefunds, &row.TotalDiscounts, &row.TotalTax); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
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
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.Username, user.Password, user.DisplayName, user.Role,
		boolInt(user.Active), fmtTime(user.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, password, display_name, role, active, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var result []domain.UserAccount
	for rows.Next() {
		var user domain.UserAccount
		var active int
		var createdAt string
		if err := rows.Scan(&user.Username, &user.Password, &user.DisplayName, &user.Role, &active, &createdAt); err != nil {
			return nil, err
		}
		user.Active = active == 1
		user.CreatedAt = parseTime(createdAt)
		result = append(result, user)
	}
	return result, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = ? WHERE username = ?`, password, username)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func appendNote(existing string, note string) string {
	if existing == "" {
		return note
	}
	return existing + " | " + note
}
