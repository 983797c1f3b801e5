package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/berfenger/battrig/internal/core/domain"

	"gopkg.in/yaml.v3"
)

var ErrInvalidRecipe = errors.New("invalid recipe")

const (
	COLUMN_STEP_TYPE       = "step_type"
	COLUMN_TIMEOUT_SECONDS = "timeout_seconds"
	COLUMN_CAPACITY_LIMIT  = "capacity_limit"
)

type recipeRow struct {
	StepType       string  `yaml:"step_type"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
	CapacityLimit  float64 `yaml:"capacity_limit"`
}

// LoadRecipeFile picks the parser from the file extension (.csv, .yaml, .yml).
func LoadRecipeFile(path string) (domain.Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadRecipeCSV(f)
	case ".yaml", ".yml":
		return LoadRecipeYAML(f)
	default:
		return nil, fmt.Errorf("%w: unsupported recipe file %s", ErrInvalidRecipe, path)
	}
}

// LoadRecipeCSV reads a table with a header row. Column order is free and
// capacity_limit may be omitted.
func LoadRecipeCSV(r io.Reader) (domain.Recipe, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty recipe", ErrInvalidRecipe)
		}
		return nil, fmt.Errorf("%w: read header: %v", ErrInvalidRecipe, err)
	}
	headerMap := make(map[string]int)
	for i, h := range headers {
		headerMap[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range []string{COLUMN_STEP_TYPE, COLUMN_TIMEOUT_SECONDS} {
		if _, ok := headerMap[col]; !ok {
			return nil, fmt.Errorf("%w: missing column %s", ErrInvalidRecipe, col)
		}
	}

	var rows []recipeRow
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidRecipe, line, err)
		}
		get := func(col string) string {
			if idx, ok := headerMap[col]; ok && idx < len(record) {
				return strings.TrimSpace(record[idx])
			}
			return ""
		}
		if get(COLUMN_STEP_TYPE) == "" && get(COLUMN_TIMEOUT_SECONDS) == "" {
			continue
		}
		row := recipeRow{StepType: get(COLUMN_STEP_TYPE)}
		if row.TimeoutSeconds, err = strconv.ParseFloat(get(COLUMN_TIMEOUT_SECONDS), 64); err != nil {
			return nil, fmt.Errorf("%w: line %d: timeout_seconds: %v", ErrInvalidRecipe, line, err)
		}
		if v := get(COLUMN_CAPACITY_LIMIT); v != "" {
			if row.CapacityLimit, err = strconv.ParseFloat(v, 64); err != nil {
				return nil, fmt.Errorf("%w: line %d: capacity_limit: %v", ErrInvalidRecipe, line, err)
			}
		}
		rows = append(rows, row)
	}
	return buildRecipe(rows, "line", 2)
}

// LoadRecipeYAML reads a list of {step_type, timeout_seconds, capacity_limit}.
func LoadRecipeYAML(r io.Reader) (domain.Recipe, error) {
	var rows []recipeRow
	if err := yaml.NewDecoder(r).Decode(&rows); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty recipe", ErrInvalidRecipe)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipe, err)
	}
	return buildRecipe(rows, "step", 1)
}

func buildRecipe(rows []recipeRow, unit string, first int) (domain.Recipe, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrInvalidRecipe)
	}
	recipe := make(domain.Recipe, 0, len(rows))
	for i, row := range rows {
		stepType, err := ParseStepType(row.StepType)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %d: %v", ErrInvalidRecipe, unit, first+i, err)
		}
		if row.TimeoutSeconds <= 0 || math.IsNaN(row.TimeoutSeconds) || math.IsInf(row.TimeoutSeconds, 0) {
			return nil, fmt.Errorf("%w: %s %d: timeout_seconds must be > 0", ErrInvalidRecipe, unit, first+i)
		}
		if row.CapacityLimit < 0 || math.IsNaN(row.CapacityLimit) {
			return nil, fmt.Errorf("%w: %s %d: capacity_limit must be >= 0", ErrInvalidRecipe, unit, first+i)
		}
		recipe = append(recipe, domain.Step{
			Type:          stepType,
			Timeout:       time.Duration(row.TimeoutSeconds * float64(time.Second)),
			CapacityLimit: row.CapacityLimit,
		})
	}
	return recipe, nil
}

// ParseStepType accepts "CC Charge", "CC Discharge" and "Rest" in any case,
// with spaces or underscores.
func ParseStepType(s string) (domain.StepType, error) {
	norm := strings.ToUpper(strings.Join(strings.Fields(strings.ReplaceAll(s, "_", " ")), "_"))
	switch domain.StepType(norm) {
	case domain.STEP_CC_CHARGE, domain.STEP_CC_DISCHARGE, domain.STEP_REST:
		return domain.StepType(norm), nil
	}
	return "", fmt.Errorf("unknown step type %q", s)
}
