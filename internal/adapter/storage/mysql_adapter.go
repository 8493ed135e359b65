package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/medstock/internal/core/domain"
	"github.com/rl1809/medstock/internal/port"
)

//go:embed schema.sql
var schema string

// MySQL server error numbers mapped to domain.ErrConflict.
const (
	mysqlLockWaitTimeout = 1205
	mysqlDuplicateEntry  = 1062
	mysqlDeadlock        = 1213
)

const (
	itemColumns = `item_id, location_id, facility_id, sku, name, item_type,
		quantity_on_hand, quantity_reserved, quantity_available,
		reorder_level, reorder_quantity, max_stock_level, status, version, created_at, updated_at`

	batchColumns = `batch_id, item_id, location_id, facility_id, batch_number,
		quantity_received, quantity_on_hand, quantity_reserved, quantity_dispensed, quantity_adjusted,
		expiry_date, received_date, supplier_id, unit_cost, status, version, updated_at`

	reservationColumns = `reservation_id, item_id, location_id, facility_id, batch_number,
		quantity, quantity_committed, reservation_type, reference, status, reserved_at, expires_at,
		reserved_by, committed_by, rolled_back_by, rollback_reason, resolved_at`

	movementColumns = `seq, movement_id, item_id, location_id, batch_number, movement_type,
		quantity_change, quantity_before, quantity_after, from_location, to_location,
		reference, reason, performed_by, performed_at`
)

type MySQLAdapter struct {
	db *sql.DB
}

var _ port.Store = (*MySQLAdapter)(nil)

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the tables if they do not exist.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQLAdapter) GetItem(ctx context.Context, itemID, locationID string) (*domain.InventoryItem, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+itemColumns+`
		FROM inventory_items WHERE item_id = ? AND location_id = ?`, itemID, locationID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: item %s at %s", domain.ErrNotFound, itemID, locationID)
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return item, nil
}

func (m *MySQLAdapter) ListItemLocations(ctx context.Context, itemID, facilityID string) ([]domain.InventoryItem, error) {
	query := `SELECT ` + itemColumns + ` FROM inventory_items WHERE item_id = ?`
	args := []any{itemID}
	if facilityID != "" {
		query += ` AND facility_id = ?`
		args = append(args, facilityID)
	}
	return queryItems(ctx, m.db, query+` ORDER BY location_id`, args...)
}

func (m *MySQLAdapter) ListBatches(ctx context.Context, itemID, locationID string) ([]domain.StockBatch, error) {
	return queryBatches(ctx, m.db, `SELECT `+batchColumns+`
		FROM stock_batches WHERE item_id = ? AND location_id = ? ORDER BY batch_id`, itemID, locationID)
}

func (m *MySQLAdapter) GetReservation(ctx context.Context, reservationID string) (*domain.StockReservation, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+reservationColumns+`
		FROM stock_reservations WHERE reservation_id = ?`, reservationID)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: reservation %s", domain.ErrNotFound, reservationID)
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	return r, nil
}

func (m *MySQLAdapter) ListLowStockItems(ctx context.Context, facilityID string) ([]domain.InventoryItem, error) {
	query := `SELECT ` + itemColumns + ` FROM inventory_items
		WHERE status <> ? AND quantity_available <= reorder_level`
	args := []any{domain.ItemStatusDiscontinued}
	if facilityID != "" {
		query += ` AND facility_id = ?`
		args = append(args, facilityID)
	}
	return queryItems(ctx, m.db, query, args...)
}

func (m *MySQLAdapter) ListExpiringBatches(ctx context.Context, facilityID string, until time.Time) ([]domain.StockBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM stock_batches
		WHERE status = ? AND expiry_date IS NOT NULL AND expiry_date <= ?`
	args := []any{domain.BatchStatusActive, until}
	if facilityID != "" {
		query += ` AND facility_id = ?`
		args = append(args, facilityID)
	}
	return queryBatches(ctx, m.db, query, args...)
}

func (m *MySQLAdapter) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.StockReservation, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+reservationColumns+`
		FROM stock_reservations
		WHERE status = ? AND expires_at < ?
		ORDER BY expires_at, reservation_id
		LIMIT ?`, domain.ReservationStatusActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired reservations: %w", err)
	}
	defer rows.Close()

	var result []domain.StockReservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func (m *MySQLAdapter) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if filter.ItemID != "" {
		add("item_id = ?", filter.ItemID)
	}
	if filter.LocationID != "" {
		add("location_id = ?", filter.LocationID)
	}
	if filter.BatchNumber != "" {
		add("batch_number = ?", filter.BatchNumber)
	}
	if filter.Reference != "" {
		add("reference = ?", filter.Reference)
	}
	if !filter.From.IsZero() {
		add("performed_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		add("performed_at <= ?", filter.To)
	}
	if len(filter.Types) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(filter.Types)), ",")
		where = append(where, "movement_type IN ("+marks+")")
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}

	query := `SELECT ` + movementColumns + ` FROM stock_movements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query movements: %w", err)
	}
	defer rows.Close()

	var result []domain.StockMovement
	for rows.Next() {
		var mv domain.StockMovement
		err := rows.Scan(&mv.Sequence, &mv.MovementID, &mv.ItemID, &mv.LocationID, &mv.BatchNumber,
			&mv.MovementType, &mv.QuantityChange, &mv.QuantityBefore, &mv.QuantityAfter,
			&mv.FromLocation, &mv.ToLocation, &mv.Reference, &mv.Reason, &mv.PerformedBy, &mv.PerformedAt)
		if err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		result = append(result, mv)
	}
	return result, rows.Err()
}

// mysqlTx holds row locks through SELECT ... FOR UPDATE until the
// transaction ends.
type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) LockItem(ctx context.Context, itemID, locationID string) (*domain.InventoryItem, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+itemColumns+`
		FROM inventory_items WHERE item_id = ? AND location_id = ? FOR UPDATE`, itemID, locationID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: item %s at %s", domain.ErrNotFound, itemID, locationID)
	}
	if err != nil {
		return nil, mapDriverError(err, "select item for update")
	}
	return item, nil
}

func (t *mysqlTx) InsertItem(ctx context.Context, item domain.InventoryItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_items (item_id, location_id, facility_id, sku, name, item_type,
			quantity_on_hand, quantity_reserved, reorder_level, reorder_quantity, max_stock_level,
			status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ItemID, item.LocationID, item.FacilityID, item.SKU, item.Name, item.Type,
		item.QuantityOnHand, item.QuantityReserved, item.ReorderLevel, item.ReorderQuantity, item.MaxStockLevel,
		item.Status, item.Version, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return mapDriverError(err, "insert item")
	}
	return nil
}

func (t *mysqlTx) UpdateItem(ctx context.Context, item domain.InventoryItem) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE inventory_items
		SET sku = ?, name = ?, item_type = ?, quantity_on_hand = ?, quantity_reserved = ?,
			reorder_level = ?, reorder_quantity = ?, max_stock_level = ?, status = ?, version = ?, updated_at = ?
		WHERE item_id = ? AND location_id = ?`,
		item.SKU, item.Name, item.Type, item.QuantityOnHand, item.QuantityReserved,
		item.ReorderLevel, item.ReorderQuantity, item.MaxStockLevel, item.Status, item.Version, item.UpdatedAt,
		item.ItemID, item.LocationID,
	)
	if err != nil {
		return mapDriverError(err, "update item")
	}
	return requireOneRow(result, fmt.Sprintf("item %s at %s", item.ItemID, item.LocationID))
}

func (t *mysqlTx) LockBatches(ctx context.Context, itemID, locationID string) ([]domain.StockBatch, error) {
	batches, err := queryBatches(ctx, t.tx, `SELECT `+batchColumns+`
		FROM stock_batches WHERE item_id = ? AND location_id = ? ORDER BY batch_id FOR UPDATE`, itemID, locationID)
	if err != nil {
		return nil, mapDriverError(err, "select batches for update")
	}
	return batches, nil
}

func (t *mysqlTx) InsertBatch(ctx context.Context, b domain.StockBatch) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_batches (batch_id, item_id, location_id, facility_id, batch_number,
			quantity_received, quantity_on_hand, quantity_reserved, quantity_dispensed, quantity_adjusted,
			expiry_date, received_date, supplier_id, unit_cost, status, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BatchID, b.ItemID, b.LocationID, b.FacilityID, b.BatchNumber,
		b.QuantityReceived, b.QuantityOnHand, b.QuantityReserved, b.QuantityDispensed, b.QuantityAdjusted,
		nullTime(b.ExpiryDate), b.ReceivedDate, b.SupplierID, b.UnitCost, b.Status, b.Version, b.UpdatedAt,
	)
	if err != nil {
		return mapDriverError(err, "insert batch")
	}
	return nil
}

func (t *mysqlTx) UpdateBatch(ctx context.Context, b domain.StockBatch) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE stock_batches
		SET quantity_received = ?, quantity_on_hand = ?, quantity_reserved = ?, quantity_dispensed = ?,
			quantity_adjusted = ?, unit_cost = ?, status = ?, version = ?, updated_at = ?
		WHERE batch_id = ?`,
		b.QuantityReceived, b.QuantityOnHand, b.QuantityReserved, b.QuantityDispensed,
		b.QuantityAdjusted, b.UnitCost, b.Status, b.Version, b.UpdatedAt,
		b.BatchID,
	)
	if err != nil {
		return mapDriverError(err, "update batch")
	}
	return requireOneRow(result, "batch "+b.BatchID)
}

func (t *mysqlTx) LockReservation(ctx context.Context, reservationID string) (*domain.StockReservation, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+reservationColumns+`
		FROM stock_reservations WHERE reservation_id = ? FOR UPDATE`, reservationID)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: reservation %s", domain.ErrNotFound, reservationID)
	}
	if err != nil {
		return nil, mapDriverError(err, "select reservation for update")
	}
	return r, nil
}

func (t *mysqlTx) InsertReservation(ctx context.Context, r domain.StockReservation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_reservations (reservation_id, item_id, location_id, facility_id, batch_number,
			quantity, quantity_committed, reservation_type, reference, status, reserved_at, expires_at, reserved_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReservationID, r.ItemID, r.LocationID, r.FacilityID, r.BatchNumber,
		r.Quantity, r.QuantityCommitted, r.ReservationType, r.Reference, r.Status, r.ReservedAt, r.ExpiresAt, r.ReservedBy,
	)
	if err != nil {
		return mapDriverError(err, "insert reservation")
	}
	return nil
}

func (t *mysqlTx) TransitionReservation(ctx context.Context, r domain.StockReservation) (bool, error) {
	var resolvedAt sql.NullTime
	if r.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *r.ResolvedAt, Valid: true}
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE stock_reservations
		SET status = ?, quantity_committed = ?, committed_by = ?, rolled_back_by = ?,
			rollback_reason = ?, resolved_at = ?
		WHERE reservation_id = ? AND status = ?`,
		r.Status, r.QuantityCommitted, r.CommittedBy, r.RolledBackBy,
		r.RollbackReason, resolvedAt,
		r.ReservationID, domain.ReservationStatusActive,
	)
	if err != nil {
		return false, fmt.Errorf("update reservation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (t *mysqlTx) AppendMovement(ctx context.Context, mv domain.StockMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (movement_id, item_id, location_id, batch_number, movement_type,
			quantity_change, quantity_before, quantity_after, from_location, to_location,
			reference, reason, performed_by, performed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mv.MovementID, mv.ItemID, mv.LocationID, mv.BatchNumber, mv.MovementType,
		mv.QuantityChange, mv.QuantityBefore, mv.QuantityAfter, mv.FromLocation, mv.ToLocation,
		mv.Reference, mv.Reason, mv.PerformedBy, mv.PerformedAt,
	)
	if err != nil {
		return mapDriverError(err, "insert movement")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanItem(row rowScanner) (*domain.InventoryItem, error) {
	var i domain.InventoryItem
	err := row.Scan(&i.ItemID, &i.LocationID, &i.FacilityID, &i.SKU, &i.Name, &i.Type,
		&i.QuantityOnHand, &i.QuantityReserved, &i.QuantityAvailable,
		&i.ReorderLevel, &i.ReorderQuantity, &i.MaxStockLevel, &i.Status, &i.Version, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func scanBatch(row rowScanner) (*domain.StockBatch, error) {
	var (
		b      domain.StockBatch
		expiry sql.NullTime
	)
	err := row.Scan(&b.BatchID, &b.ItemID, &b.LocationID, &b.FacilityID, &b.BatchNumber,
		&b.QuantityReceived, &b.QuantityOnHand, &b.QuantityReserved, &b.QuantityDispensed, &b.QuantityAdjusted,
		&expiry, &b.ReceivedDate, &b.SupplierID, &b.UnitCost, &b.Status, &b.Version, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		b.ExpiryDate = expiry.Time
	}
	return &b, nil
}

func scanReservation(row rowScanner) (*domain.StockReservation, error) {
	var (
		r          domain.StockReservation
		resolvedAt sql.NullTime
	)
	err := row.Scan(&r.ReservationID, &r.ItemID, &r.LocationID, &r.FacilityID, &r.BatchNumber,
		&r.Quantity, &r.QuantityCommitted, &r.ReservationType, &r.Reference, &r.Status, &r.ReservedAt, &r.ExpiresAt,
		&r.ReservedBy, &r.CommittedBy, &r.RolledBackBy, &r.RollbackReason, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return &r, nil
}

func queryItems(ctx context.Context, q querier, query string, args ...any) ([]domain.InventoryItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var result []domain.InventoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		result = append(result, *item)
	}
	return result, rows.Err()
}

func queryBatches(ctx context.Context, q querier, query string, args ...any) ([]domain.StockBatch, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var result []domain.StockBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		result = append(result, *b)
	}
	return result, rows.Err()
}

func requireOneRow(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	return nil
}

// mapDriverError turns a duplicate key, a deadlock victim or a lock wait
// timeout into domain.ErrConflict. The unit of work is rolled back and may be
// retried.
func mapDriverError(err error, op string) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlDuplicateEntry, mysqlDeadlock, mysqlLockWaitTimeout:
			return fmt.Errorf("%w: %s: %s", domain.ErrConflict, op, mysqlErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
