package messaging

import (
	"encoding/json"
	"fmt"
	"os"
)

// AppendReportLine appends the report as one JSON line to the given file,
// creating it when missing. One line per run keeps the file greppable and
// safely appendable across processes.
func AppendReportLine(path string, report Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open report file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append report line: %w", err)
	}
	return nil
}
