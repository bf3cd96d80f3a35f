package ledger

import (
	"bytes"
	"fmt"
	"os"
)

// Repair truncates a torn final line (bytes after the last newline) left by a
// crash mid-append. It returns the number of bytes removed. Only that one,
// unambiguous shape of damage is repaired; any other corruption still fails
// the next Open and must be handled by an operator.
func Repair(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read ledger %s: %w", path, err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return 0, nil
	}

	keep := bytes.LastIndexByte(data, '\n') + 1
	removed := int64(len(data) - keep)

	if err := os.Truncate(path, int64(keep)); err != nil {
		return 0, fmt.Errorf("truncate ledger %s: %w", path, err)
	}
	return removed, nil
}
