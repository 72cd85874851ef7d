package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lox/rentalweather/internal/models"
)

const contractTimeLayout = "2006-01-02 15:04:05"

func (s *Store) UpsertTransaction(ctx context.Context, tx models.POSTransaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pos_transactions (contract_no, store_code, contract_date, status, customer_no, rent_amt, sale_amt)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contract_no) DO UPDATE SET
			store_code = excluded.store_code,
			contract_date = excluded.contract_date,
			status = excluded.status,
			customer_no = excluded.customer_no,
			rent_amt = excluded.rent_amt,
			sale_amt = excluded.sale_amt
	`, tx.ContractNo, tx.StoreCode, tx.ContractDate.Format(contractTimeLayout), tx.Status, tx.CustomerNo, tx.RentAmt, tx.SaleAmt)
	return err
}

func (s *Store) UpsertTransactionItem(ctx context.Context, it models.POSTransactionItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pos_transaction_items (contract_no, line_no, item_num, description, qty, rent_amt, sale_amt)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contract_no, line_no) DO UPDATE SET
			item_num = excluded.item_num,
			description = excluded.description,
			qty = excluded.qty,
			rent_amt = excluded.rent_amt,
			sale_amt = excluded.sale_amt
	`, it.ContractNo, it.LineNo, it.ItemNum, it.Description, it.Qty, it.RentAmt, it.SaleAmt)
	return err
}

func (s *Store) UpsertEquipment(ctx context.Context, eq models.POSEquipment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pos_equipment (item_num, name, category, department, store_code)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(item_num) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			department = excluded.department,
			store_code = excluded.store_code
	`, eq.ItemNum, eq.Name, eq.Category, eq.Department, eq.StoreCode)
	return err
}

func (s *Store) ListEquipment(ctx context.Context) ([]models.POSEquipment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_num, name, COALESCE(category, ''), COALESCE(department, ''), COALESCE(store_code, '')
		FROM pos_equipment
		ORDER BY item_num
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.POSEquipment
	for rows.Next() {
		var eq models.POSEquipment
		if err := rows.Scan(&eq.ItemNum, &eq.Name, &eq.Category, &eq.Department, &eq.StoreCode); err != nil {
			return nil, err
		}
		out = append(out, eq)
	}
	return out, rows.Err()
}

// DailyBusiness aggregates POS line items by contract day. An empty storeCode
// spans all stores; an empty segment spans all equipment.
func (s *Store) DailyBusiness(ctx context.Context, start, end time.Time, storeCode string, segment models.Segment) ([]models.BusinessDay, error) {
	var (
		where []string
		args  []any
		join  string
	)
	where = append(where, "date(t.contract_date) >= ?", "date(t.contract_date) <= ?")
	args = append(args, formatDate(start), formatDate(end))
	if storeCode != "" {
		where = append(where, "t.store_code = ?")
		args = append(args, storeCode)
	}
	if segment != "" {
		join = "JOIN equipment_categorization ec ON ec.item_num = i.item_num"
		where = append(where, "ec.industry_segment = ?")
		args = append(args, string(segment))
	}

	query := fmt.Sprintf(`
		SELECT date(t.contract_date) AS day,
		       SUM(i.rent_amt + i.sale_amt),
		       COUNT(DISTINCT i.contract_no),
		       COUNT(*)
		FROM pos_transaction_items i
		JOIN pos_transactions t ON t.contract_no = i.contract_no
		%s
		WHERE %s
		GROUP BY day
		ORDER BY day ASC
	`, join, strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BusinessDay
	for rows.Next() {
		var (
			bd  models.BusinessDay
			day string
		)
		if err := rows.Scan(&day, &bd.Revenue, &bd.Contracts, &bd.Items); err != nil {
			return nil, err
		}
		if bd.Date, err = parseDate(day); err != nil {
			return nil, fmt.Errorf("parse contract day %q: %w", day, err)
		}
		bd.StoreCode = storeCode
		bd.Segment = segment
		out = append(out, bd)
	}
	return out, rows.Err()
}

// TransactionFacts returns contract revenue split by equipment segment.
// Items without a categorization are reported as uncategorized.
func (s *Store) TransactionFacts(ctx context.Context, start, end time.Time, storeCode string) ([]models.TransactionFact, error) {
	args := []any{formatDate(start), formatDate(end)}
	storeFilter := ""
	if storeCode != "" {
		storeFilter = "AND t.store_code = ?"
		args = append(args, storeCode)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT date(t.contract_date), t.store_code, t.contract_no,
		       COALESCE(ec.industry_segment, 'uncategorized') AS segment,
		       COALESCE(ec.weather_dependent, FALSE) AS weather_dependent,
		       SUM(i.rent_amt + i.sale_amt)
		FROM pos_transaction_items i
		JOIN pos_transactions t ON t.contract_no = i.contract_no
		LEFT JOIN equipment_categorization ec ON ec.item_num = i.item_num
		WHERE date(t.contract_date) >= ? AND date(t.contract_date) <= ? %s
		GROUP BY t.contract_no, segment, weather_dependent
		ORDER BY date(t.contract_date) ASC, t.contract_no ASC
	`, storeFilter), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TransactionFact
	for rows.Next() {
		var (
			f       models.TransactionFact
			day     string
			segment string
		)
		if err := rows.Scan(&day, &f.StoreCode, &f.ContractNo, &segment, &f.WeatherDependent, &f.Revenue); err != nil {
			return nil, err
		}
		if f.Date, err = parseDate(day); err != nil {
			return nil, fmt.Errorf("parse contract day %q: %w", day, err)
		}
		f.Segment = models.Segment(segment)
		out = append(out, f)
	}
	return out, rows.Err()
}
