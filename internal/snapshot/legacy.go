package snapshot

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
)

var fileRe = regexp.MustCompile(`^page_(\d+)_(.+)\.json$`)

// parseFilename splits a snapshot file name into its unit number and the
// remainder between the unit and the extension.
func parseFilename(name string) (unit int, rest string, ok bool) {
	m := fileRe.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	unit, err := strconv.Atoi(m[1])
	if err != nil || unit < 1 {
		return 0, "", false
	}
	return unit, m[2], true
}

// statusFromName infers a unit status from the file naming convention:
// anything that does not say completed is still in progress.
func statusFromName(name string) investor.UnitStatus {
	if strings.Contains(name, "completed") {
		return investor.UnitCompleted
	}
	return investor.UnitInProgress
}

// parseLegacy reads the bare-array format, where the file body is the item
// list and unit and status come from the file name.
func parseLegacy(name string, data []byte) (Snapshot, error) {
	unit, _, ok := parseFilename(name)
	if !ok {
		return Snapshot{}, fmt.Errorf("legacy snapshot %q has no page number in its name", name)
	}
	var items []investor.Record
	if err := json.Unmarshal(data, &items); err != nil {
		return Snapshot{}, fmt.Errorf("decoding legacy snapshot: %w", err)
	}
	if items == nil {
		items = []investor.Record{}
	}
	return Snapshot{
		Unit:   unit,
		Status: statusFromName(name),
		Total:  len(items),
		Items:  items,
		Legacy: true,
	}, nil
}
