package stopper

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Record tracks a container whose stop was issued asynchronously.
type Record struct {
	ContainerID string
	Deadline    time.Time
}

// RecordsPath is the per service and destination records file under runDirectory.
func RecordsPath(runDirectory, service, destination string) string {
	name := service
	if destination != "" {
		name += "-" + destination
	}
	return path.Join(runDirectory, name+"-async_stop_records")
}

// ParseRecords decodes "containerId,deadline" lines. Blank lines are skipped;
// malformed lines are returned separately so callers can report them.
func ParseRecords(data string) ([]Record, []string) {
	var records []Record
	var malformed []string
	seen := make(map[string]struct{})

	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, stamp, ok := strings.Cut(line, ",")
		if !ok || id == "" {
			malformed = append(malformed, line)
			continue
		}
		deadline, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			malformed = append(malformed, line)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		records = append(records, Record{ContainerID: id, Deadline: deadline.UTC()})
	}

	return records, malformed
}

// FormatRecords encodes records one per line.
func FormatRecords(records []Record) string {
	var b strings.Builder
	for _, record := range records {
		fmt.Fprintf(&b, "%s,%s\n", record.ContainerID, record.Deadline.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// sameContainer matches full and truncated container IDs.
func sameContainer(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

func containsContainer(ids []string, id string) bool {
	for _, candidate := range ids {
		if sameContainer(candidate, id) {
			return true
		}
	}
	return false
}

func recorded(records []Record, id string) bool {
	for _, record := range records {
		if sameContainer(record.ContainerID, id) {
			return true
		}
	}
	return false
}
