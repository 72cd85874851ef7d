package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/shopspring/decimal"

	"github.com/lox/rentalweather/internal/config"
	"github.com/lox/rentalweather/internal/metrics"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/store"
)

// ExportSource lists and opens POS CSV exports.
type ExportSource interface {
	List(ctx context.Context) ([]string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Close() error
}

// FTPSource reads exports from the POS vendor's FTP drop.
type FTPSource struct {
	conn *ftp.ServerConn
	dir  string
}

func DialFTPSource(ctx context.Context, cfg config.POSImport) (*FTPSource, error) {
	conn, err := ftp.Dial(cfg.FTPHost, ftp.DialWithTimeout(30*time.Second), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	user, pass := cfg.FTPUser, cfg.FTPPassword
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	return &FTPSource{conn: conn, dir: cfg.Directory}, nil
}

func (f *FTPSource) List(ctx context.Context) ([]string, error) {
	entries, err := f.conn.List(f.dir)
	if err != nil {
		return nil, fmt.Errorf("ftp list: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type == ftp.EntryTypeFile && strings.HasSuffix(strings.ToLower(e.Name), ".csv") {
			names = append(names, e.Name)
		}
	}
	return names, nil
}

func (f *FTPSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := f.conn.Retr(path.Join(f.dir, name))
	if err != nil {
		return nil, fmt.Errorf("ftp retr: %w", err)
	}
	// The control connection is busy until the response is drained, so buffer it.
	defer resp.Close()
	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *FTPSource) Close() error {
	return f.conn.Quit()
}

// DirSource reads exports from a local directory.
type DirSource struct {
	Dir string
}

func (d DirSource) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".csv") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (d DirSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(d.Dir, name))
}

func (d DirSource) Close() error { return nil }

type exportKind int

const (
	kindUnknown exportKind = iota
	kindEquipment
	kindTransactions
	kindItems
)

func classifyExport(name string) exportKind {
	lower := strings.ToLower(filepath.Base(name))
	switch {
	case strings.HasPrefix(lower, "equipment") || strings.HasPrefix(lower, "equip"):
		return kindEquipment
	case strings.HasPrefix(lower, "transaction_items") || strings.HasPrefix(lower, "items") || strings.HasPrefix(lower, "transitems"):
		return kindItems
	case strings.HasPrefix(lower, "transactions") || strings.HasPrefix(lower, "contracts"):
		return kindTransactions
	}
	return kindUnknown
}

type ImportSummary struct {
	Files        int
	Equipment    int
	Transactions int
	Items        int
	RowErrors    int
}

type POSImporter struct {
	store *store.Store
	loc   *time.Location
}

func NewPOSImporter(s *store.Store, loc *time.Location) *POSImporter {
	return &POSImporter{store: s, loc: loc}
}

// Import loads every recognised export from src. Equipment is loaded before
// transactions, and transactions before their line items.
func (p *POSImporter) Import(ctx context.Context, src ExportSource) (ImportSummary, error) {
	var summary ImportSummary
	names, err := src.List(ctx)
	if err != nil {
		return summary, err
	}
	sort.SliceStable(names, func(i, j int) bool {
		return classifyExport(names[i]) < classifyExport(names[j])
	})

	for _, name := range names {
		kind := classifyExport(name)
		if kind == kindUnknown {
			log.Printf("pos: skipping unrecognised export %s", name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		stored, rowErrs, err := p.importFile(ctx, src, name, kind)
		summary.RowErrors += rowErrs
		if err != nil {
			log.Printf("pos: import %s: %v", name, err)
			continue
		}
		summary.Files++
		switch kind {
		case kindEquipment:
			summary.Equipment += stored
		case kindTransactions:
			summary.Transactions += stored
		case kindItems:
			summary.Items += stored
		}
	}
	log.Printf("pos: imported %d files: %d equipment, %d transactions, %d items (%d row errors)",
		summary.Files, summary.Equipment, summary.Transactions, summary.Items, summary.RowErrors)
	return summary, nil
}

func (p *POSImporter) importFile(ctx context.Context, src ExportSource, name string, kind exportKind) (int, int, error) {
	run, err := p.store.StartIngestRun(ctx, "pos", name, "")
	if err != nil {
		return 0, 0, fmt.Errorf("start ingest run: %w", err)
	}

	rc, err := src.Open(ctx, name)
	if err != nil {
		run.Fail(err)
		p.store.CompleteIngestRun(ctx, run)
		return 0, 0, err
	}
	defer rc.Close()

	var handle func(context.Context, row) error
	var table string
	switch kind {
	case kindEquipment:
		handle, table = p.equipmentRow, "pos_equipment"
	case kindTransactions:
		handle, table = p.transactionRow, "pos_transactions"
	default:
		handle, table = p.itemRow, "pos_transaction_items"
	}

	parsed, stored, rowErrs, err := readRows(ctx, rc, handle)
	run.RecordsParsed = sql.NullInt64{Int64: int64(parsed), Valid: true}
	run.RecordsStored = sql.NullInt64{Int64: int64(stored), Valid: true}
	run.ParseErrors = sql.NullInt64{Int64: int64(rowErrs), Valid: rowErrs > 0}
	run.Success = err == nil
	if err != nil {
		run.Fail(err)
	}
	if cerr := p.store.CompleteIngestRun(ctx, run); cerr != nil {
		log.Printf("pos: complete ingest run: %v", cerr)
	}
	metrics.POSRowsImported.WithLabelValues(table).Add(float64(stored))
	return stored, rowErrs, err
}

// row is one CSV record addressed by normalised header name.
type row map[string]string

func (r row) get(keys ...string) string {
	for _, k := range keys {
		if v, ok := r[k]; ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func normaliseHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.NewReplacer(" ", "_", "-", "_", "#", "num").Replace(h)
	return h
}

var errEmptyExport = errors.New("export has no header row")

func readRows(ctx context.Context, r io.Reader, handle func(context.Context, row) error) (parsed, stored, rowErrs int, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return 0, 0, 0, errEmptyExport
	}
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = normaliseHeader(header[i])
	}

	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			rowErrs++
			log.Printf("pos: line %d: %v", line, err)
			continue
		}
		parsed++
		values := make(row, len(header))
		for i, h := range header {
			if i < len(rec) {
				values[h] = rec[i]
			}
		}
		if err := handle(ctx, values); err != nil {
			rowErrs++
			log.Printf("pos: line %d: %v", line, err)
			continue
		}
		stored++
	}
	return parsed, stored, rowErrs, nil
}

func (p *POSImporter) equipmentRow(ctx context.Context, r row) error {
	eq := models.POSEquipment{
		ItemNum:    r.get("item_num", "itemnum", "item_number"),
		Name:       r.get("name", "description", "item_name"),
		Category:   r.get("category"),
		Department: r.get("department", "dept"),
		StoreCode:  r.get("store_code", "store", "current_store"),
	}
	if eq.ItemNum == "" || eq.Name == "" {
		return errors.New("equipment row missing item number or name")
	}
	return p.store.UpsertEquipment(ctx, eq)
}

func (p *POSImporter) transactionRow(ctx context.Context, r row) error {
	tx := models.POSTransaction{
		ContractNo: r.get("contract_no", "contract_num", "contract"),
		StoreCode:  r.get("store_code", "store", "store_no"),
		Status:     r.get("status"),
		CustomerNo: r.get("customer_no", "customer_num", "customer"),
	}
	if tx.ContractNo == "" || tx.StoreCode == "" {
		return errors.New("transaction row missing contract or store")
	}
	var err error
	if tx.ContractDate, err = ParseContractDate(r.get("contract_date", "date"), p.loc); err != nil {
		return err
	}
	if tx.RentAmt, err = ParseMoney(r.get("rent_amt", "rent_amount", "rent")); err != nil {
		return fmt.Errorf("rent amount: %w", err)
	}
	if tx.SaleAmt, err = ParseMoney(r.get("sale_amt", "sale_amount", "sale")); err != nil {
		return fmt.Errorf("sale amount: %w", err)
	}
	return p.store.UpsertTransaction(ctx, tx)
}

func (p *POSImporter) itemRow(ctx context.Context, r row) error {
	it := models.POSTransactionItem{
		ContractNo:  r.get("contract_no", "contract_num", "contract"),
		ItemNum:     r.get("item_num", "itemnum", "item_number"),
		Description: r.get("description", "desc", "name"),
		Qty:         1,
	}
	if it.ContractNo == "" || it.ItemNum == "" {
		return errors.New("item row missing contract or item number")
	}
	lineNo, err := strconv.Atoi(r.get("line_no", "line_number", "line"))
	if err != nil {
		return fmt.Errorf("line number: %w", err)
	}
	it.LineNo = lineNo
	if q := r.get("qty", "quantity"); q != "" {
		qty, err := decimal.NewFromString(q)
		if err != nil {
			return fmt.Errorf("quantity: %w", err)
		}
		it.Qty = qty.InexactFloat64()
	}
	if it.RentAmt, err = ParseMoney(r.get("rent_amt", "rent_amount", "price", "rent")); err != nil {
		return fmt.Errorf("rent amount: %w", err)
	}
	if it.SaleAmt, err = ParseMoney(r.get("sale_amt", "sale_amount", "sale")); err != nil {
		return fmt.Errorf("sale amount: %w", err)
	}
	return p.store.UpsertTransactionItem(ctx, it)
}

// ParseMoney parses a POS money column like "$1,234.50" or "(12.00)" to cents
// precision. Empty values are zero.
func ParseMoney(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	negative := strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
	s = strings.Trim(s, "()")
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	if negative {
		d = d.Neg()
	}
	return d.Round(2).InexactFloat64(), nil
}

var contractDateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"1/2/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 15:04",
	"1/2/2006 3:04 PM",
	"1/2/2006",
}

// ParseContractDate accepts the date formats seen in POS exports, interpreted in loc.
func ParseContractDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range contractDateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised contract date %q", s)
}
