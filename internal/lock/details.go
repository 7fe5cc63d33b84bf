package lock

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Details describes who holds a deploy lock and why.
type Details struct {
	LockedBy string
	LockedAt time.Time
	Version  string
	Message  string
}

// String renders the details the way operators see them.
func (d Details) String() string {
	return fmt.Sprintf("Locked by: %s at %s\nVersion: %s\nMessage: %s",
		d.LockedBy, d.LockedAt.UTC().Format(time.RFC3339), d.Version, d.Message)
}

// Encode returns the base64 blob stored in the lock directory.
func (d Details) Encode() string {
	return base64.StdEncoding.EncodeToString([]byte(d.String()))
}

// DecodeDetails parses a blob written by Encode. Unknown lines are ignored.
// The message runs to the end of the blob and may span several lines.
func DecodeDetails(blob string) (Details, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return Details{}, fmt.Errorf("decode lock details: %w", err)
	}

	var d Details
	text := string(raw)
	for text != "" {
		var line string
		line, text, _ = strings.Cut(text, "\n")
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "Locked by":
			holder, stamp, found := strings.Cut(value, " at ")
			d.LockedBy = holder
			if found {
				if at, err := time.Parse(time.RFC3339, stamp); err == nil {
					d.LockedAt = at
				}
			}
		case "Version":
			d.Version = value
		case "Message":
			if text != "" {
				value += "\n" + text
			}
			d.Message = value
			text = ""
		}
	}
	return d, nil
}
