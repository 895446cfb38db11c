package generator

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/basket/simfleet/internal/persistence"
)

// DefaultLimit caps how many tasks one generate call may produce.
const DefaultLimit = 1_000_000

// ErrTooManyTasks is returned when the space expands past the limit.
var ErrTooManyTasks = errors.New("parameter space exceeds task limit")

// Row is one generated configuration before it gets an id.
type Row struct {
	Params map[string]any
	Label  int
}

// Combinations expands space into its cartesian product. Names are iterated
// in sorted order and the last name varies fastest, so output is stable.
func Combinations(space Space, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	size := space.Size(limit)
	if size < 0 {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyTasks, limit)
	}
	names := space.Names()
	rows := make([]Row, 0, size)
	idx := make([]int, len(names))
	for n := 0; n < size; n++ {
		params := make(map[string]any, len(names))
		for i, name := range names {
			params[name] = space[name][idx[i]]
		}
		rows = append(rows, Row{Params: params})
		for i := len(names) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(space[names[i]]) {
				break
			}
			idx[i] = 0
		}
	}
	return rows, nil
}

// Label sets Label=1 on every row holding at least one anomalous value.
func Label(rows []Row, anomalies Space) {
	for i := range rows {
		for name, bad := range anomalies {
			v, ok := rows[i].Params[name]
			if !ok {
				continue
			}
			if containsValue(bad, v) {
				rows[i].Label = 1
				break
			}
		}
	}
}

func containsValue(vals []any, v any) bool {
	for _, candidate := range vals {
		if candidate == v {
			return true
		}
	}
	return false
}

// ReadCSV reads an explicit experiment: a header row of parameter names and
// one configuration per line. Numbers and booleans are parsed; everything
// else stays a string. A "label" column, if present, sets the label.
func ReadCSV(r io.Reader, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	labelCol := -1
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
		if header[i] == "" {
			return nil, fmt.Errorf("csv header column %d is empty", i+1)
		}
		if strings.EqualFold(header[i], "label") {
			labelCol = i
		}
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if len(rows) >= limit {
			return nil, fmt.Errorf("%w (%d)", ErrTooManyTasks, limit)
		}
		row := Row{Params: make(map[string]any, len(header))}
		for i, cell := range rec {
			if i == labelCol {
				label, err := strconv.Atoi(strings.TrimSpace(cell))
				if err != nil || (label != 0 && label != 1) {
					return nil, fmt.Errorf("csv line %d: label must be 0 or 1, got %q", line, cell)
				}
				row.Label = label
				continue
			}
			row.Params[header[i]] = parseCell(cell)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseCell(cell string) any {
	cell = strings.TrimSpace(cell)
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(cell); err == nil {
		return b
	}
	return cell
}

// Plan selects the generation source. Exactly one of SpacePath and CSVPath
// must be set.
type Plan struct {
	SpacePath     string
	AnomaliesPath string
	CSVPath       string
	Limit         int
}

// Inserter is the part of the ledger generation needs.
type Inserter interface {
	MaxTaskID(ctx context.Context) (int64, error)
	InsertTasks(ctx context.Context, tasks []persistence.NewTask) (int64, error)
}

// Summary reports what Generate inserted.
type Summary struct {
	Inserted  int64 `json:"inserted"`
	FirstID   int64 `json:"first_id"`
	LastID    int64 `json:"last_id"`
	Anomalous int   `json:"anomalous"`
}

// Build produces the rows described by plan without touching the ledger.
func Build(plan Plan) ([]Row, error) {
	switch {
	case plan.SpacePath != "" && plan.CSVPath != "":
		return nil, errors.New("choose either a parameter space or a csv experiment, not both")
	case plan.CSVPath != "":
		f, err := os.Open(plan.CSVPath)
		if err != nil {
			return nil, fmt.Errorf("open csv: %w", err)
		}
		defer f.Close()
		return ReadCSV(f, plan.Limit)
	case plan.SpacePath != "":
		space, err := LoadSpace(plan.SpacePath)
		if err != nil {
			return nil, err
		}
		rows, err := Combinations(space, plan.Limit)
		if err != nil {
			return nil, err
		}
		if plan.AnomaliesPath != "" {
			anomalies, err := LoadAnomalies(plan.AnomaliesPath)
			if err != nil {
				return nil, err
			}
			Label(rows, anomalies)
		}
		return rows, nil
	default:
		return nil, errors.New("no parameter space or csv experiment given")
	}
}

// Generate builds the rows for plan and appends them to the ledger with ids
// continuing after the current maximum.
func Generate(ctx context.Context, ledger Inserter, plan Plan) (Summary, error) {
	rows, err := Build(plan)
	if err != nil {
		return Summary{}, err
	}
	if len(rows) == 0 {
		return Summary{}, nil
	}
	maxID, err := ledger.MaxTaskID(ctx)
	if err != nil {
		return Summary{}, err
	}
	tasks := make([]persistence.NewTask, len(rows))
	sum := Summary{FirstID: maxID + 1, LastID: maxID + int64(len(rows))}
	for i, row := range rows {
		tasks[i] = persistence.NewTask{ID: maxID + 1 + int64(i), Params: row.Params, Label: row.Label}
		sum.Anomalous += row.Label
	}
	n, err := ledger.InsertTasks(ctx, tasks)
	if err != nil {
		return Summary{}, fmt.Errorf("insert generated tasks: %w", err)
	}
	sum.Inserted = n
	return sum, nil
}
