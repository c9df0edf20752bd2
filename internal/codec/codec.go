// Package codec converts rule snapshots to and from the versioned YAML
// export format. JSON documents are accepted on import since JSON is a
// subset of YAML.
// Package codec 在规则快照与带版本的 YAML 导出格式之间转换。导入时也接受 JSON。
package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MaxSonchik/DevOS/internal/rules"
	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
	fwerrors "github.com/MaxSonchik/DevOS/pkg/errors"
)

// CurrentVersion is the format version written by Export.
const CurrentVersion = 1

var nowFunc = time.Now

// document is the on-disk layout.
type document struct {
	Version    int       `yaml:"version"`
	ExportedAt time.Time `yaml:"exported_at"`
	Rules      []entry   `yaml:"rules"`
}

type entry struct {
	IP        string     `yaml:"ip"`
	Action    string     `yaml:"action"`
	Reason    string     `yaml:"reason,omitempty"`
	Origin    string     `yaml:"origin"`
	CreatedAt time.Time  `yaml:"created_at"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty"`
}

// Warning describes one skipped or adjusted entry.
// Warning 描述一条被跳过或调整的条目。
type Warning struct {
	// Index is the 0-based position in the rules list, or -1 for document level warnings.
	Index   int    `json:"index"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	if w.Index < 0 {
		return w.Message
	}
	return fmt.Sprintf("entry %d: %s", w.Index, w.Message)
}

// Result is the outcome of a successful import.
type Result struct {
	Version  int
	Records  []rules.Record
	Warnings []Warning
}

// Export renders the active records of snapshot, in snapshot order.
// Export 按快照顺序输出快照中处于活动状态的记录。
func Export(snapshot []rules.Record) ([]byte, error) {
	doc := document{
		Version:    CurrentVersion,
		ExportedAt: normalize(nowFunc()),
		Rules:      make([]entry, 0, len(snapshot)),
	}
	for _, rec := range snapshot {
		if rec.State != rules.StateActive {
			continue
		}
		e := entry{
			IP:        rec.IP.String(),
			Action:    string(rules.ActionBlock),
			Reason:    rec.Reason,
			Origin:    string(rec.Origin),
			CreatedAt: normalize(rec.CreatedAt),
		}
		if rec.ExpiresAt != nil {
			t := normalize(*rec.ExpiresAt)
			e.ExpiresAt = &t
		}
		doc.Rules = append(doc.Rules, e)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}
	return buf.Bytes(), nil
}

// Import parses an exported document. The whole document is rejected with a
// format error when it is not YAML, lacks a version, has a version below 1
// or has no rules list. Individual malformed entries are skipped and
// reported as warnings. Unknown fields are ignored.
// Import 解析导出文档。文档不是 YAML、缺少版本、版本小于 1 或没有规则列表时整体以格式错误拒绝；
// 单条格式错误的条目被跳过并作为警告报告；未知字段被忽略。
func Import(data []byte) (*Result, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fwerrors.NewFormatError("not a valid YAML/JSON document", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fwerrors.NewFormatError("document is not a mapping", nil)
	}
	top := root.Content[0]

	versionNode := lookup(top, "version")
	if versionNode == nil {
		return nil, fwerrors.NewFormatError("missing version", nil)
	}
	version, err := strconv.Atoi(versionNode.Value)
	if err != nil || versionNode.Kind != yaml.ScalarNode {
		return nil, fwerrors.NewFormatError(fmt.Sprintf("invalid version %q", versionNode.Value), nil)
	}
	if version < 1 {
		return nil, fwerrors.NewFormatError(fmt.Sprintf("unsupported version %d", version), nil)
	}

	rulesNode := lookup(top, "rules")
	if rulesNode == nil || rulesNode.Kind != yaml.SequenceNode {
		return nil, fwerrors.NewFormatError("missing rules list", nil)
	}

	res := &Result{Version: version}
	if version > CurrentVersion {
		res.Warnings = append(res.Warnings, Warning{
			Index:   -1,
			Message: fmt.Sprintf("document version %d is newer than supported version %d; unknown fields ignored", version, CurrentVersion),
		})
	}

	now := normalize(nowFunc())
	seen := make(map[iputil.Address]int)
	for i, n := range rulesNode.Content {
		rec, err := decodeEntry(n, now)
		if err != nil {
			res.Warnings = append(res.Warnings, Warning{Index: i, Message: err.Error()})
			continue
		}
		if pos, dup := seen[rec.IP]; dup {
			res.Warnings = append(res.Warnings, Warning{Index: i, Message: fmt.Sprintf("duplicate ip %s replaces an earlier entry", rec.IP)})
			res.Records[pos] = rec
			continue
		}
		seen[rec.IP] = len(res.Records)
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

func decodeEntry(n *yaml.Node, now time.Time) (rules.Record, error) {
	if n.Kind != yaml.MappingNode {
		return rules.Record{}, fmt.Errorf("entry is not a mapping")
	}
	fields, err := scalarFields(n, "ip", "action", "reason", "origin", "created_at", "expires_at")
	if err != nil {
		return rules.Record{}, err
	}

	if fields["ip"] == "" {
		return rules.Record{}, fmt.Errorf("missing ip")
	}
	ip, err := iputil.ParseAddress(fields["ip"])
	if err != nil {
		return rules.Record{}, fmt.Errorf("invalid ip %q", fields["ip"])
	}

	action := rules.ActionBlock
	if fields["action"] != "" {
		if action, err = rules.ParseAction(fields["action"]); err != nil {
			return rules.Record{}, fmt.Errorf("invalid action %q", fields["action"])
		}
	}

	origin, err := rules.ParseOrigin(fields["origin"])
	if err != nil {
		return rules.Record{}, fmt.Errorf("invalid origin %q", fields["origin"])
	}

	created := now
	if v := fields["created_at"]; v != "" {
		if created, err = parseTime(v); err != nil {
			return rules.Record{}, fmt.Errorf("invalid created_at %q", v)
		}
	}

	rec := rules.Record{
		IP:        ip,
		Action:    action,
		CreatedAt: created,
		Reason:    fields["reason"],
		Origin:    origin,
	}
	if v := fields["expires_at"]; v != "" {
		expires, err := parseTime(v)
		if err != nil {
			return rules.Record{}, fmt.Errorf("invalid expires_at %q", v)
		}
		if expires.Before(created) {
			return rules.Record{}, fmt.Errorf("expires_at %s is before created_at %s", v, formatTime(created))
		}
		rec.ExpiresAt = &expires
	}
	return rec, nil
}

// scalarFields collects the known keys of a mapping as raw scalar strings.
// Null values count as absent; other keys are ignored.
func scalarFields(n *yaml.Node, known ...string) (map[string]string, error) {
	want := make(map[string]bool, len(known))
	for _, k := range known {
		want[k] = true
	}
	out := make(map[string]string, len(known))
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i].Value, n.Content[i+1]
		if !want[key] {
			continue
		}
		if val.Kind == yaml.AliasNode && val.Alias != nil {
			val = val.Alias
		}
		if val.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("field %s must be a scalar", key)
		}
		if val.Tag == "!!null" {
			continue
		}
		out[key] = strings.TrimSpace(val.Value)
	}
	return out, nil
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// normalize drops the monotonic reading and location so times compare
// equal after a round trip.
func normalize(t time.Time) time.Time {
	return t.Round(0).UTC()
}

func formatTime(t time.Time) string {
	return normalize(t).Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
