package rclone

import (
	"regexp"
	"strconv"
)

// The copy log format is an external dependency pinned by the tests in this
// package. rclone has no structured output for copy, so transferred files and
// byte totals are recovered from its -vv stderr.
var (
	copiedRe      = regexp.MustCompile(`INFO  : ([\w\-. /]+): (Multi-thread )?Copied`)
	dryRunRe      = regexp.MustCompile(`NOTICE: ([\w\-. /]+): Skipped copy as --dry-run is set`)
	transferredRe = regexp.MustCompile(`Transferred: .+/ ([0-9.]+) ([KMGTP])?i?Bytes`)
)

var unitFactor = map[string]float64{
	"K": 1 << 10,
	"M": 1 << 20,
	"G": 1 << 30,
	"T": 1 << 40,
	"P": 1 << 50,
}

// ParseCopyLog extracts the copied file paths and the transferred byte total
// from rclone copy stderr. In dry-run mode rclone logs skip notices instead
// of copy lines.
func ParseCopyLog(stderr string, dryRun bool) ([]string, int64) {
	copied := []string{}
	if dryRun {
		for _, m := range dryRunRe.FindAllStringSubmatch(stderr, -1) {
			copied = append(copied, m[1])
		}
	} else {
		for _, m := range copiedRe.FindAllStringSubmatch(stderr, -1) {
			copied = append(copied, m[1])
		}
	}

	var transferred int64
	if m := transferredRe.FindStringSubmatch(stderr); m != nil {
		value, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			if factor, ok := unitFactor[m[2]]; ok {
				value *= factor
			}
			transferred = int64(value)
		}
	}
	return copied, transferred
}
