// Package history turns the series an engine recorded during loading into a
// SimulationResult.
//
// The engine can only hand its recorded series out through a file, so every
// extraction is a scoped round trip:
//
//	Export() → artifact (disk) → Parse() → []strain, []stress → delete artifact
//
// The artifact is removed on every exit path, including a failed export that
// left a partial file behind, so nothing leaks into the next request.
package history

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/ashita-ai/shiken/internal/model"
)

// PaToMPa converts the engine's native pressure unit to the caller's.
const PaToMPa = 1e-6

// dataColumns is step, strain, stress.
const dataColumns = 3

var (
	// ErrMalformedLine is returned when a data line has the wrong number of
	// columns, a non-numeric token or an out-of-order step.
	ErrMalformedLine = errors.New("history: malformed line")

	// ErrEmptySeries is returned when the artifact holds no data rows.
	ErrEmptySeries = errors.New("history: no samples recorded")
)

// Exporter is the engine capability the pipeline needs.
type Exporter interface {
	ExportHistory(ctx context.Context, path string) error
}

// Config configures a Pipeline.
type Config struct {
	// Path of the transient artifact. Required.
	Path string
	// StressFactor multiplies every native stress value. Default: PaToMPa.
	StressFactor float64
	// Signed keeps the sign of strain and stress. By default magnitudes are
	// reported, since the engine records compression as negative.
	Signed bool
	Logger *slog.Logger
}

// Pipeline performs export → parse → delete.
type Pipeline struct {
	path   string
	factor float64
	signed bool
	logger *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("history: artifact path is required")
	}
	if cfg.StressFactor == 0 {
		cfg.StressFactor = PaToMPa
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		path:   cfg.Path,
		factor: cfg.StressFactor,
		signed: cfg.Signed,
		logger: cfg.Logger,
	}, nil
}

// Path returns the artifact path.
func (p *Pipeline) Path() string {
	return p.path
}

// Extract exports the engine history, parses it and deletes the artifact.
// The returned result is a success result whenever err is nil.
func (p *Pipeline) Extract(ctx context.Context, ex Exporter) (res model.SimulationResult, err error) {
	// A crash of an earlier process may have left an artifact behind; the
	// engine must never append to or be confused by a stale file.
	if rmErr := p.remove(); rmErr != nil {
		return model.SimulationResult{}, fmt.Errorf("history: clear stale artifact: %w", rmErr)
	}
	defer func() {
		if rmErr := p.remove(); rmErr != nil {
			p.logger.Error("history: artifact cleanup failed", "path", p.path, "error", rmErr)
			err = multierror.Append(err, fmt.Errorf("history: remove artifact: %w", rmErr)).ErrorOrNil()
			res = model.SimulationResult{}
		}
	}()

	if err := p.Export(ctx, ex); err != nil {
		return model.SimulationResult{}, err
	}
	strain, stress, err := p.Parse(p.path)
	if err != nil {
		return model.SimulationResult{}, err
	}
	p.logger.Debug("history: parsed artifact", "path", p.path, "samples", len(strain))
	return model.SuccessResult(strain, stress), nil
}

// Export commands the engine to write its history to the artifact path.
func (p *Pipeline) Export(ctx context.Context, ex Exporter) error {
	if err := ex.ExportHistory(ctx, p.path); err != nil {
		return fmt.Errorf("history: export: %w", err)
	}
	if _, err := os.Stat(p.path); err != nil {
		return fmt.Errorf("history: export produced no artifact: %w", err)
	}
	return nil
}

// Parse reads the artifact at path. The caller owns deletion.
func (p *Pipeline) Parse(path string) (strain, stress []float64, err error) {
	f, err := os.Open(path) //nolint:gosec // path comes from server configuration
	if err != nil {
		return nil, nil, fmt.Errorf("history: open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseSeries(f, p.factor, p.signed)
}

func (p *Pipeline) remove() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ParseSeries parses columnar history text: leading header lines (those
// whose first token is not a number) are skipped, then every non-blank line
// must hold exactly step, strain and stress, with strictly increasing steps. Stress is multiplied by factor.
// Lines starting with ';' are comments anywhere in the file.
func ParseSeries(r io.Reader, factor float64, signed bool) (strain, stress []float64, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	inHeader := true
	lastStep := math.Inf(-1)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		if inHeader && !isDataRow(line) {
			continue
		}
		inHeader = false
		step, e, s, perr := parseRow(line)
		if perr != nil {
			return nil, nil, fmt.Errorf("%w: line %d: %v", ErrMalformedLine, lineNo, perr)
		}
		if step <= lastStep {
			return nil, nil, fmt.Errorf("%w: line %d: step %g does not follow step %g", ErrMalformedLine, lineNo, step, lastStep)
		}
		lastStep = step
		if !signed {
			e, s = math.Abs(e), math.Abs(s)
		}
		strain = append(strain, e)
		stress = append(stress, s*factor)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("history: read artifact: %w", err)
	}
	if len(strain) == 0 {
		return nil, nil, ErrEmptySeries
	}
	return strain, stress, nil
}

// isDataRow reports whether the first token of line is a number.
func isDataRow(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	_, err := strconv.ParseFloat(fields[0], 64)
	return err == nil
}

func parseRow(line string) (step, strain, stress float64, err error) {
	fields := strings.Fields(line)
	if len(fields) != dataColumns {
		return 0, 0, 0, fmt.Errorf("want %d columns, got %d", dataColumns, len(fields))
	}
	var vals [dataColumns]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, 0, 0, fmt.Errorf("column %d: %q is not a finite number", i+1, f)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], nil
}
