package monitoring

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"scanmeter/internal/quota/models"
	dErrors "scanmeter/pkg/domain-errors"
)

const exportPrefix = "scanmeter_quota_"

// ExportMetrics renders buffered samples as exposition-style text lines:
//
//	scanmeter_quota_<metric>{label="value",...} <value> <unix_ms>
//
// Labels are sorted so output is deterministic and round-trips through
// ParseMetrics.
func (r *Recorder) ExportMetrics() string {
	r.mu.RLock()
	samples := r.samples.items()
	r.mu.RUnlock()

	var b strings.Builder
	for _, m := range samples {
		b.WriteString(exportPrefix)
		b.WriteString(m.Metric)
		writeLabels(&b, m)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(m.Value, 'f', -1, 64))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(m.Timestamp.UnixMilli(), 10))
		b.WriteByte('\n')
	}
	return b.String()
}

func writeLabels(b *strings.Builder, m *models.PerformanceMetric) {
	labels := make(map[string]string, len(m.Tags)+1)
	for k, v := range m.Tags {
		labels[k] = v
	}
	if m.TenantID != "" {
		labels["tenant_id"] = m.TenantID
	}
	if len(labels) == 0 {
		return
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
}

// ParseMetrics reads export-format lines back into metric samples. Blank lines
// and comments are skipped; malformed lines fail the whole parse.
func ParseMetrics(text string) ([]*models.PerformanceMetric, error) {
	var out []*models.PerformanceMetric
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m, err := parseLine(line)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, fmt.Sprintf("metrics line %d", i+1))
		}
		out = append(out, m)
	}
	return out, nil
}

func parseLine(line string) (*models.PerformanceMetric, error) {
	if !strings.HasPrefix(line, exportPrefix) {
		return nil, fmt.Errorf("missing %q prefix", exportPrefix)
	}
	rest := strings.TrimPrefix(line, exportPrefix)

	var name, labelPart string
	if open := strings.IndexByte(rest, '{'); open >= 0 {
		closing := strings.IndexByte(rest, '}')
		if closing < open {
			return nil, fmt.Errorf("unterminated label set")
		}
		name = rest[:open]
		labelPart = rest[open+1 : closing]
		rest = strings.TrimSpace(rest[closing+1:])
	} else {
		fields := strings.SplitN(rest, " ", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("missing value and timestamp")
		}
		name = fields[0]
		rest = fields[1]
	}

	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return nil, fmt.Errorf("want value and timestamp, got %d fields", len(fields))
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil, fmt.Errorf("parse value: %w", err)
	}
	ms, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}

	m := &models.PerformanceMetric{
		Metric:    name,
		Value:     value,
		Timestamp: time.UnixMilli(ms).UTC(),
	}
	if labelPart != "" {
		for _, pair := range strings.Split(labelPart, ",") {
			key, raw, found := strings.Cut(pair, "=")
			if !found {
				return nil, fmt.Errorf("malformed label %q", pair)
			}
			val, err := strconv.Unquote(raw)
			if err != nil {
				return nil, fmt.Errorf("unquote label %q: %w", pair, err)
			}
			if key == "tenant_id" {
				m.TenantID = val
				continue
			}
			if m.Tags == nil {
				m.Tags = make(map[string]string)
			}
			m.Tags[key] = val
		}
	}
	return m, nil
}
