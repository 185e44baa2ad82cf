package ftpconn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gonzalop/ftpengine/listing"
)

// ListingParser parses one line of a LIST response. now is the time the
// listing was received, used to complete dates that omit the year.
type ListingParser interface {
	Parse(line string, now time.Time) (listing.Entry, bool)
}

func defaultParsers() []ListingParser {
	return []ListingParser{
		&EPLFParser{},
		&DOSParser{},
		&UnixParser{},
	}
}

// List returns the entries of the specified path.
// If path is empty, it lists the current directory.
//
// The parser supports multiple directory listing formats for maximum compatibility:
//
//   - Unix-style (9-field): perms links owner group size month day time/year name
//   - Unix-style (8-field): perms links owner size month day time/year name (no group)
//   - Unix-style (numeric): 644 links owner group size month day time/year name
//   - DOS/Windows: MM-DD-YY HH:MMAM/PM size|<DIR> filename
//   - EPLF: +facts\tname or +facts name
//
// Lines no parser recognizes are skipped, as are the "." and ".." entries.
//
// Example:
//
//	entries, err := conn.List(ctx, "/pub")
//	if err != nil {
//	    return err
//	}
//	for _, entry := range entries {
//	    fmt.Printf("%s: %d bytes (dir=%t)\n", entry.Name, entry.Size, entry.Dir)
//	}
func (c *Conn) List(ctx context.Context, path string) ([]listing.Entry, error) {
	var args []string
	if path != "" {
		args = append(args, path)
	}

	var entries []listing.Entry
	err := c.transfer(ctx, func(dataConn net.Conn) error {
		now := time.Now()
		scanner := bufio.NewScanner(c.limitReader(ctx, dataConn))
		for scanner.Scan() {
			line := scanner.Text()
			entry, ok := c.parseListLine(line, now)
			if !ok {
				continue
			}
			if entry.Name == "." || entry.Name == ".." {
				continue
			}
			entries = append(entries, entry)
		}
		return scanner.Err()
	}, "LIST", args...)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Conn) parseListLine(line string, now time.Time) (listing.Entry, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return listing.Entry{}, false
	}

	for _, parser := range c.parsers {
		if entry, ok := parser.Parse(trimmed, now); ok && entry.Name != "" {
			return entry, true
		}
	}

	c.logger.Debug("unable to parse LIST line, unknown format", "raw", line)
	return listing.Entry{}, false
}

// UnixParser parses Unix-style directory entries.
type UnixParser struct{}

func (p *UnixParser) Parse(line string, now time.Time) (listing.Entry, bool) {
	fields := strings.Fields(line)
	// Supports both 9-field and 8-field formats (and numeric perms)
	if len(fields) < 8 {
		return listing.Entry{}, false
	}

	perms := fields[0]
	isSymbolic := strings.IndexByte("-dlbcps", perms[0]) >= 0 && len(perms) >= 10

	isNumeric := len(perms) >= 3 && len(perms) <= 4
	for _, ch := range perms {
		if ch < '0' || ch > '7' {
			isNumeric = false
			break
		}
	}

	if !isSymbolic && !isNumeric {
		return listing.Entry{}, false
	}

	entry := listing.Entry{Permissions: perms}
	if isSymbolic {
		entry.Dir = perms[0] == 'd'
		entry.Link = perms[0] == 'l'
	}

	// 9-field: perms links owner group size month day time/year name
	// 8-field: perms links owner size month day time/year name
	var sizeIdx int
	switch {
	case len(fields) >= 9 && isSize(fields[4]) && isMonth(fields[5]):
		sizeIdx = 4
		entry.OwnerGroup = fields[2] + " " + fields[3]
	case isSize(fields[3]) && isMonth(fields[4]):
		sizeIdx = 3
		entry.OwnerGroup = fields[2]
	default:
		return listing.Entry{}, false
	}

	size, err := parseSize(fields[sizeIdx])
	if err != nil {
		return listing.Entry{}, false
	}
	entry.Size = size

	t, precision, ok := parseUnixDate(fields[sizeIdx+1], fields[sizeIdx+2], fields[sizeIdx+3], now)
	if !ok {
		return listing.Entry{}, false
	}
	entry.Time = t
	entry.Precision = precision

	if len(fields) <= sizeIdx+4 {
		return listing.Entry{}, false
	}
	fullName := nameAfterFields(line, sizeIdx+4)

	// For links, extract the actual name and target (format: "name -> target")
	if before, after, found := strings.Cut(fullName, " -> "); found && entry.Link {
		entry.Name = before
		entry.Target = after
	} else {
		entry.Name = fullName
	}
	return entry, true
}

// nameAfterFields returns the remainder of line after skipping n
// whitespace-separated fields, preserving runs of spaces inside the name.
func nameAfterFields(line string, n int) string {
	rest := line
	for range n {
		rest = strings.TrimLeft(rest, " \t")
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			return ""
		}
		rest = rest[idx:]
	}
	return strings.TrimLeft(rest, " \t")
}

// parseUnixDate parses the "Jan 2 15:04" and "Jan 2 2006" forms. Dates
// without a year are placed in the year before now when they would
// otherwise lie more than a day in the future.
func parseUnixDate(month, day, timeOrYear string, now time.Time) (time.Time, listing.Precision, bool) {
	if strings.Contains(timeOrYear, ":") {
		year := now.Year()
		t, err := time.Parse("Jan 2 2006 15:04", fmt.Sprintf("%s %s %d %s", month, day, year, timeOrYear))
		if err != nil {
			return time.Time{}, listing.PrecisionNone, false
		}
		if t.After(now.Add(24 * time.Hour)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t, listing.PrecisionDateTime, true
	}

	t, err := time.Parse("Jan 2 2006", fmt.Sprintf("%s %s %s", month, day, timeOrYear))
	if err != nil {
		return time.Time{}, listing.PrecisionNone, false
	}
	return t, listing.PrecisionDate, true
}

func isMonth(s string) bool {
	_, err := time.Parse("Jan", s)
	return err == nil
}

func isSize(s string) bool {
	_, err := parseSize(s)
	return err == nil
}

// DOSParser parses DOS/Windows-style directory entries.
type DOSParser struct{}

func (p *DOSParser) Parse(line string, _ time.Time) (listing.Entry, bool) {
	// DOS format: date time size-or-<DIR> filename...
	// Example: "12-14-23  12:22PM           1037794 large-document.pdf"
	// Example: "09-24-24  10:30AM       <DIR>          logger"
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return listing.Entry{}, false
	}

	date, ok := parseDOSDate(fields[0])
	if !ok {
		return listing.Entry{}, false
	}

	entry := listing.Entry{
		Name:      nameAfterFields(line, 3),
		Time:      date,
		Precision: listing.PrecisionDate,
	}
	if clock, ok := parseDOSTime(fields[1]); ok {
		entry.Time = date.Add(clock)
		entry.Precision = listing.PrecisionDateTime
	}

	if fields[2] == "<DIR>" {
		entry.Dir = true
		entry.Size = -1
		return entry, true
	}

	size, err := parseSize(fields[2])
	if err != nil {
		return listing.Entry{}, false
	}
	entry.Size = size
	return entry, true
}

// parseDOSDate parses MM-DD-YY, MM-DD-YYYY, MM/DD/YY and MM/DD/YYYY.
// Two-digit years below 70 are in the 2000s.
func parseDOSDate(s string) (time.Time, bool) {
	sep := "-"
	if strings.Contains(s, "/") {
		sep = "/"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 3 {
		return time.Time{}, false
	}

	var nums [3]int
	for i, part := range parts {
		if len(part) < 1 || len(part) > 4 || (i < 2 && len(part) > 2) {
			return time.Time{}, false
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return time.Time{}, false
		}
		nums[i] = n
	}

	month, day, year := nums[0], nums[1], nums[2]
	switch len(parts[2]) {
	case 2:
		if year < 70 {
			year += 2000
		} else {
			year += 1900
		}
	case 4:
	default:
		return time.Time{}, false
	}

	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
}

func parseDOSTime(s string) (time.Duration, bool) {
	for _, layout := range []string{"3:04PM", "15:04"} {
		if t, err := time.Parse(layout, strings.ToUpper(s)); err == nil {
			return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, true
		}
	}
	return 0, false
}

// EPLFParser parses EPLF entries.
// Format: +facts\tname or +facts name
// Facts are comma-separated, e.g.: i=inode, m=mtime, s=size, /, r, etc.
// Example: "+i8388621.48594,m825718503,r,s280,\tdjb.html"
type EPLFParser struct{}

func (p *EPLFParser) Parse(line string, _ time.Time) (listing.Entry, bool) {
	if !strings.HasPrefix(line, "+") {
		return listing.Entry{}, false
	}

	facts, name, ok := strings.Cut(line[1:], "\t")
	if !ok {
		facts, name, ok = strings.Cut(line[1:], " ")
		if !ok {
			return listing.Entry{}, false
		}
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return listing.Entry{}, false
	}

	entry := listing.Entry{Name: name, Size: -1}
	for fact := range strings.SplitSeq(facts, ",") {
		if fact == "" {
			continue
		}

		switch fact[0] {
		case '/':
			entry.Dir = true
		case 's':
			if size, err := parseSize(fact[1:]); err == nil {
				entry.Size = size
			}
		case 'm':
			if secs, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
				entry.Time = time.Unix(secs, 0).UTC()
				entry.Precision = listing.PrecisionDateTime
			}
		case 'u':
			// up: permissions in octal
			if strings.HasPrefix(fact, "up") {
				entry.Permissions = fact[2:]
			}
		}
	}
	return entry, true
}

// parseSize parses a size string from a directory listing.
func parseSize(sizeStr string) (int64, error) {
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, fmt.Errorf("negative size %d", size)
	}
	return size, nil
}

// ChangeDir changes the current working directory.
func (c *Conn) ChangeDir(ctx context.Context, path string) error {
	_, err := c.expect2xx(ctx, "CWD", path)
	return err
}

// CurrentDir returns the current working directory.
func (c *Conn) CurrentDir(ctx context.Context) (string, error) {
	resp, err := c.expect2xx(ctx, "PWD")
	if err != nil {
		return "", err
	}

	// Example: 257 "/home/user" is the current directory
	msg := resp.Message
	start := strings.Index(msg, "\"")
	if start == -1 {
		return "", fmt.Errorf("invalid PWD response: %s", msg)
	}
	end := strings.LastIndex(msg, "\"")
	if end <= start {
		return "", fmt.Errorf("invalid PWD response: %s", msg)
	}

	// Embedded quotes are doubled
	return strings.ReplaceAll(msg[start+1:end], `""`, `"`), nil
}

// Size returns the size of a file in bytes.
func (c *Conn) Size(ctx context.Context, path string) (int64, error) {
	if err := c.Type(ctx, "I"); err != nil {
		return 0, err
	}

	resp, err := c.expect2xx(ctx, "SIZE", path)
	if err != nil {
		return 0, err
	}

	size, err := parseSize(strings.TrimSpace(resp.Message))
	if err != nil {
		return 0, fmt.Errorf("invalid SIZE response: %s", resp.Message)
	}
	return size, nil
}
