package ftpconn

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gonzalop/ftpengine/listing"
)

// Features queries the server for supported features using the FEAT command.
// Returns a map of feature names to their parameters (if any).
// This implements RFC 2389 - Feature negotiation mechanism for FTP.
//
// The result is cached; later calls do not contact the server. A server that
// rejects FEAT has no features.
//
// Example:
//
//	feats, err := conn.Features(ctx)
//	if err != nil {
//	    return err
//	}
//	if _, ok := feats["UTF8"]; ok {
//	    fmt.Println("Server supports UTF8")
//	}
func (c *Conn) Features(ctx context.Context) (map[string]string, error) {
	if c.features != nil {
		return c.features, nil
	}

	resp, err := c.sendCommand(ctx, "FEAT")
	if err != nil {
		return nil, err
	}

	if resp.Code != 211 {
		c.logger.Debug("FEAT not supported", "code", resp.Code)
		c.features = map[string]string{}
		return c.features, nil
	}

	c.features = parseFeatureLines(resp.Lines)
	return c.features, nil
}

// HasFeature reports whether a previous Features call found feature.
func (c *Conn) HasFeature(feature string) bool {
	_, ok := c.features[strings.ToUpper(feature)]
	return ok
}

// parseFeatureLines parses the lines of a FEAT response.
// Supports both formats:
// - RFC 2389: "211-Features:\r\n FEAT1\r\n FEAT2 params\r\n211 End"
// - Traditional: "211-Features\r\n211-FEAT1\r\n211-FEAT2 params\r\n211 End"
func parseFeatureLines(lines []string) map[string]string {
	features := make(map[string]string)
	for i, line := range lines {
		var featureLine string
		switch {
		case len(line) > 0 && line[0] == ' ':
			featureLine = strings.TrimSpace(line)
		case i > 0 && i < len(lines)-1 && len(line) >= 4 && line[3] == '-':
			featureLine = strings.TrimSpace(line[4:])
		default:
			// "211-Features:" and "211 End"
			continue
		}
		if featureLine == "" {
			continue
		}

		name, params, _ := strings.Cut(featureLine, " ")
		features[strings.ToUpper(name)] = params
	}
	return features
}

// MLList returns a machine-readable directory listing using the MLSD command.
// This implements RFC 3659 - Extensions to FTP.
//
// Entries carry the exact modification time from the "modify" fact, so their
// precision is listing.PrecisionDateTime. The "cdir" and "pdir" entries are
// skipped, as are malformed lines.
//
// Example:
//
//	entries, err := conn.MLList(ctx, "/pub")
//	if err != nil {
//	    return err
//	}
//	for _, entry := range entries {
//	    fmt.Printf("%s: %d bytes\n", entry.Name, entry.Size)
//	}
func (c *Conn) MLList(ctx context.Context, path string) ([]listing.Entry, error) {
	var args []string
	if path != "" {
		args = append(args, path)
	}

	var entries []listing.Entry
	err := c.transfer(ctx, func(dataConn net.Conn) error {
		scanner := bufio.NewScanner(c.limitReader(ctx, dataConn))
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}

			entry, ok := parseMLEntry(line)
			if !ok {
				c.logger.Debug("unable to parse MLSD line", "raw", line)
				continue
			}
			entries = append(entries, entry)
		}
		return scanner.Err()
	}, "MLSD", args...)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// parseMLEntry parses a single MLST/MLSD entry line.
// Format: "facts entry-name"
// Facts format: "fact1=value1;fact2=value2;fact3=value3; "
func parseMLEntry(line string) (listing.Entry, bool) {
	factsStr, name, ok := strings.Cut(line, " ")
	if !ok || name == "" {
		return listing.Entry{}, false
	}

	facts := make(map[string]string)
	for pair := range strings.SplitSeq(factsStr, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		facts[strings.ToLower(key)] = value
	}

	entry := listing.Entry{Name: name, Size: -1}

	// Types other than these, such as "OS.name=type", are listed as files
	rawType := facts["type"]
	switch typ := strings.ToLower(rawType); {
	case typ == "cdir" || typ == "pdir":
		return listing.Entry{}, false
	case typ == "dir":
		entry.Dir = true
	case strings.HasPrefix(typ, "os.unix=slink"), strings.HasPrefix(typ, "os.unix=symlink"):
		entry.Link = true
		_, entry.Target, _ = strings.Cut(rawType, ":")
	}

	if sizeVal, ok := facts["size"]; ok {
		if size, err := strconv.ParseInt(sizeVal, 10, 64); err == nil {
			entry.Size = size
		}
	}

	if modifyVal, ok := facts["modify"]; ok {
		// Format: YYYYMMDDHHMMSS or YYYYMMDDHHMMSS.sss
		timestamp, _, _ := strings.Cut(modifyVal, ".")
		if len(timestamp) == 14 {
			if modTime, err := time.Parse("20060102150405", timestamp); err == nil {
				entry.Time = modTime.UTC()
				entry.Precision = listing.PrecisionDateTime
			}
		}
	}

	if mode, ok := facts["unix.mode"]; ok {
		entry.Permissions = mode
	} else {
		entry.Permissions = facts["perm"]
	}

	owner, group := facts["unix.owner"], facts["unix.group"]
	entry.OwnerGroup = strings.TrimSpace(owner + " " + group)
	return entry, true
}
