// Package export renders finished study runs to files, for handoff to the
// analysis step that consumes them.
package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/probelab/surveyor/pkg/study"
)

// Format selects the export encoding.
type Format string

const (
	// FormatJSON writes the run as one indented JSON document.
	FormatJSON Format = "json"
	// FormatJSONL writes a header line followed by one line per query
	// result, for streaming consumers.
	FormatJSONL Format = "jsonl"
	// FormatYAML writes the run as one YAML document.
	FormatYAML Format = "yaml"
)

// header is the first JSONL line: the run minus its per-query results.
type header struct {
	StudyID   string `json:"study_id"`
	Surface   string `json:"surface"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Aborted   bool   `json:"aborted"`
	Reason    string `json:"reason,omitempty"`
}

// Write renders the run to w. The caller owns w.
func Write(w io.Writer, format Format, res *study.Result) error {
	bw := bufio.NewWriter(w)

	switch format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("encode run: %w", err)
		}
		if _, err := bw.Write(append(data, '\n')); err != nil {
			return err
		}

	case FormatJSONL:
		enc := json.NewEncoder(bw)
		if err := enc.Encode(header{
			StudyID:   res.StudyID,
			Surface:   res.Surface,
			Completed: res.Completed,
			Total:     res.Total,
			Aborted:   res.Aborted,
			Reason:    res.Reason,
		}); err != nil {
			return fmt.Errorf("encode run header: %w", err)
		}
		for _, qr := range res.Results {
			if err := enc.Encode(qr); err != nil {
				return fmt.Errorf("encode query %d: %w", qr.QueryIndex, err)
			}
		}

	case FormatYAML:
		enc := yaml.NewEncoder(bw)
		enc.SetIndent(2)
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("encode run: %w", err)
		}
		if err := enc.Close(); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}

	return bw.Flush()
}
