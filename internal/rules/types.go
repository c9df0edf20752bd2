// Package rules owns the authoritative set of IP block rules and keeps it
// consistent with the backend under concurrent block, allow, expiry and
// import.
// Package rules 持有权威的 IP 封禁规则集合，并在并发的封禁、放行、过期和导入下保持与后端一致。
package rules

import (
	"strings"
	"time"

	"github.com/MaxSonchik/DevOS/internal/backend"
	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
	fwerrors "github.com/MaxSonchik/DevOS/pkg/errors"
)

// ID is an opaque rule identifier, unique for the lifetime of the process.
type ID string

// Action is what a rule does to matching traffic.
type Action string

const (
	ActionBlock Action = "block"
	// ActionAllow only appears in import files, where it removes a prior block.
	// ActionAllow 仅出现在导入文件中，用于移除先前的封禁。
	ActionAllow Action = "allow"
)

// ParseAction parses an action name, case-insensitively.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionBlock:
		return ActionBlock, nil
	case ActionAllow:
		return ActionAllow, nil
	}
	return "", fwerrors.NewActionError(s)
}

// Origin records where a rule came from. Audit only.
type Origin string

const (
	OriginManual   Origin = "manual"
	OriginImported Origin = "imported"
	OriginAuto     Origin = "auto"
)

// ParseOrigin parses an origin name. An empty string yields OriginImported.
// ParseOrigin 解析来源名称，空字符串返回 OriginImported。
func ParseOrigin(s string) (Origin, error) {
	switch o := Origin(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return OriginImported, nil
	case OriginManual, OriginImported, OriginAuto:
		return o, nil
	}
	return "", fwerrors.NewOriginError(s)
}

// State is a rule's position in its lifecycle:
// Pending -> Active -> Expiring -> Removed, plus Active -> Removed on allow
// and Pending -> Removed when the backend refuses the rule.
// State 是规则在生命周期中的位置。
type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateExpiring State = "expiring"
	StateRemoved  State = "removed"
)

// Record is one block rule. Values handed out by the store are copies.
// Record 是一条封禁规则。存储对外提供的都是副本。
type Record struct {
	ID        ID             `json:"id"`
	IP        iputil.Address `json:"ip"`
	Action    Action         `json:"action"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Origin    Origin         `json:"origin"`
	State     State          `json:"state"`

	handle backend.Handle
}

// IsTemporary reports whether the rule has a deadline.
func (r Record) IsTemporary() bool { return r.ExpiresAt != nil }

// Remaining returns the time left before expiry; zero for permanent or overdue rules.
// Remaining 返回距离过期的剩余时间；永久或已超时的规则返回零。
func (r Record) Remaining(now time.Time) time.Duration {
	if r.ExpiresAt == nil {
		return 0
	}
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// clone returns a deep copy safe to hand out.
func (r Record) clone() Record {
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		r.ExpiresAt = &t
	}
	return r
}

// ReconcileResult summarises a reconcile run.
// ReconcileResult 汇总一次对账的结果。
type ReconcileResult struct {
	Installed int `json:"installed"`
	Retracted int `json:"retracted"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}
