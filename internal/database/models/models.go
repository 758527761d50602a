// Package models holds the plain data types loaded from and saved to the
// routing engine's two databases (stage-1 extension data, stage-2 dial-in
// data).
package models

import (
	"strings"
	"time"
)

// ExtensionType classifies how an Extension terminates a call.
type ExtensionType string

const (
	ExtensionSimple    ExtensionType = "SIMPLE"
	ExtensionMultiring ExtensionType = "MULTIRING"
	ExtensionGroup     ExtensionType = "GROUP"
	ExtensionExternal  ExtensionType = "EXTERNAL"
	ExtensionTrunk     ExtensionType = "TRUNK"
)

// ForwardingMode controls whether and when an Extension's forward target
// takes over call handling.
type ForwardingMode string

const (
	ForwardingDisabled     ForwardingMode = "DISABLED"
	ForwardingEnabled      ForwardingMode = "ENABLED"
	ForwardingOnBusy       ForwardingMode = "ON_BUSY"
	ForwardingOnUnavailable ForwardingMode = "ON_UNAVAILABLE"
)

// ForkRankMode describes how a rank's separator is emitted in the generated
// dialplan.
type ForkRankMode string

const (
	RankModeDefault ForkRankMode = "DEFAULT"
	RankModeNext    ForkRankMode = "NEXT"
	RankModeDrop    ForkRankMode = "DROP"
)

// RankMemberType marks a fork rank member as a plain ring target or a
// special calltype (auxiliary/persistent) that the switch dials differently.
type RankMemberType string

const (
	MemberDefault    RankMemberType = "DEFAULT"
	MemberAuxiliary  RankMemberType = "AUXILIARY"
	MemberPersistent RankMemberType = "PERSISTENT"
)

// IsSpecialCalltype reports whether this member type needs a non-default
// calltype parameter on its fork leg.
func (t RankMemberType) IsSpecialCalltype() bool {
	return t != MemberDefault
}

// ForkCalltype returns the lowercase calltype value placed on the fork leg.
func (t RankMemberType) ForkCalltype() string {
	switch t {
	case MemberAuxiliary:
		return "auxiliary"
	case MemberPersistent:
		return "persistent"
	default:
		return "default"
	}
}

// SwitchHost is a call-switch instance the routing engine knows about, used
// to tell direct-ring targets on the local switch apart from ones that must
// be reached through a remote connection.
type SwitchHost struct {
	ID           int64
	Hostname     string
	Identifier   string
	VoipListener string
}

// Extension is a dialable number in the stage-1 extension graph: a phone, a
// ring group, an external number, or a trunk prefix.
type Extension struct {
	ID                     int64
	SwitchHostID           *int64
	Extension              string
	Name                   string
	ShortName              string
	Type                   ExtensionType
	OutgoingExtension      string
	OutgoingName           string
	DialoutAllowed         bool
	Ringback               string
	ForwardingMode         ForwardingMode
	ForwardingDelay        *int
	ForwardingExtensionID  *int64
	Lang                   string

	// Populated by callers that walk the graph; not part of the stored row.
	ForwardingExtension *Extension
	ForkRanks           []ForkRank

	// TreeIdentifier and Logs are runtime-only bookkeeping set by the
	// discovery walk, one occurrence per position in the call's routing
	// tree rather than once per database row.
	TreeIdentifier string
	Logs           []LogEntry
}

// LogEntry is one routing-log line attached to a node occurrence in a
// discovered routing tree, for after-the-fact introspection of why a call
// was routed the way it was.
type LogEntry struct {
	Msg               string
	Level             string
	RelatedIdentifier string
}

// Log appends a routing-log entry to this node occurrence.
func (e *Extension) Log(msg, level string, related *Extension) {
	entry := LogEntry{Msg: msg, Level: level}
	if related != nil {
		entry.RelatedIdentifier = related.TreeIdentifier
	}
	e.Logs = append(e.Logs, entry)
}

// CreateExternal builds a synthetic Extension representing an off-net caller
// whose number has no matching row, so a call from outside the network still
// has a source Extension to derive its caller parameters from.
func CreateExternal(extension, name string) *Extension {
	if name == "" {
		name = "External"
	}
	return &Extension{
		Extension:      extension,
		Name:           name,
		Type:           ExtensionExternal,
		ForwardingMode: ForwardingDisabled,
	}
}

// CreateUnknown builds a synthetic Extension for a source (caller) number
// that has no matching row at all, so routing can proceed with an "Unknown"
// caller instead of failing outright.
func CreateUnknown(extension string) *Extension {
	return &Extension{
		Extension:      extension,
		Name:           "Unknown",
		Type:           ExtensionSimple,
		ForwardingMode: ForwardingDisabled,
	}
}

// ImmediateForward reports whether this extension forwards with zero delay,
// meaning the forward target takes over before any ring rank is tried.
func (e *Extension) ImmediateForward() bool {
	return e.ForwardingMode == ForwardingEnabled && e.ForwardingDelay != nil && *e.ForwardingDelay == 0
}

// HasActiveGroupMembers reports whether any fork rank has at least one
// active member, i.e. whether this extension has anyone left to ring.
func (e *Extension) HasActiveGroupMembers() bool {
	for _, rank := range e.ForkRanks {
		for _, m := range rank.Members {
			if m.Active {
				return true
			}
		}
	}
	return false
}

// ForkRank is one ring stage of a GROUP/MULTIRING extension: a set of
// members rung together, with a mode controlling the separator emitted
// before its members in the generated dialplan.
type ForkRank struct {
	ID          int64
	ExtensionID int64
	Index       int
	Mode        ForkRankMode
	Delay       *int
	Members     []RankMember

	TreeIdentifier string
	Logs           []LogEntry
}

// Log appends a routing-log entry to this fork rank occurrence.
func (r *ForkRank) Log(msg, level string, related *Extension) {
	entry := LogEntry{Msg: msg, Level: level}
	if related != nil {
		entry.RelatedIdentifier = related.TreeIdentifier
	}
	r.Logs = append(r.Logs, entry)
}

// RankMember is one ringing target within a ForkRank.
type RankMember struct {
	Type      RankMemberType
	Active    bool
	Extension Extension
}

// User is a stage-2 dial-in identity: a SIP user account or a trunk prefix
// owner, depending on Trunk.
type User struct {
	Username        string
	DisplayName     string
	InUse           int
	Type            string
	StaticTarget    string
	DectDisplayMode string
	Trunk           bool
	CallWaiting     bool
}

// Registration is one known network location for a User.
type Registration struct {
	ID             int64
	Username       string
	Location       string
	OConnectionID  string
	Expires        time.Time
}

// CallTarget rewrites the registered location for a trunk user, replacing
// the trunk's own username in the SIP URI with the number actually dialed
// so the call reaches the right remote extension.
func (r Registration) CallTarget(trunk bool, username, dialedNumber string) string {
	if !trunk {
		return r.Location
	}
	old := username + "@"
	idx := strings.Index(r.Location, old)
	if idx < 0 {
		return r.Location
	}
	return r.Location[:idx] + dialedNumber + "@" + r.Location[idx+len(old):]
}

// ActiveCall records that a given eventphone call id is currently ringing or
// connected at a user, used to detect a duplicate leg of the same call
// arriving at the same destination twice.
type ActiveCall struct {
	ID             int64
	Username       string
	XEventphoneID  string
}
