package routing

import (
	"errors"
	"strconv"
	"strings"
)

// Channel name suffixes and prefixes below follow the namespace and an
// underscore, e.g. "ccerp_database_private-user.42".
const (
	ChannelLaravel      = "laravelchannel"
	ChannelNotification = "notification"
	PrefixPrivateUser   = "private-user."
	PrefixPrivateAudit  = "private-auditor."
)

var (
	// ErrUnrecognizedChannel marks a channel outside the naming convention.
	ErrUnrecognizedChannel = errors.New("unrecognized channel")
	// ErrInvalidChannelID marks a private channel whose id is not a base-10 integer.
	ErrInvalidChannelID = errors.New("invalid channel id")
)

// Kind tags a routing decision.
type Kind int

const (
	Unrecognized Kind = iota
	Broadcast
	TargetedUser
	TargetedAuditor
)

func (k Kind) String() string {
	switch k {
	case Broadcast:
		return "broadcast"
	case TargetedUser:
		return "user"
	case TargetedAuditor:
		return "auditor"
	default:
		return "unrecognized"
	}
}

// Decision is the outcome of classifying a channel name. ID is set for the
// targeted kinds; Reason is set for Unrecognized.
type Decision struct {
	Kind   Kind
	ID     int64
	Reason error
}

// Scheme describes the channel names of one namespace.
type Scheme struct {
	Namespace string
	Broadcast []string
}

// DefaultScheme returns the scheme with the two standard broadcast channels.
func DefaultScheme(namespace string) Scheme {
	return Scheme{
		Namespace: namespace,
		Broadcast: []string{ChannelLaravel, ChannelNotification},
	}
}

func (s Scheme) prefix() string {
	return s.Namespace + "_"
}

// ExactChannels lists the fully qualified broadcast channels.
func (s Scheme) ExactChannels() []string {
	out := make([]string, 0, len(s.Broadcast))
	for _, name := range s.Broadcast {
		out = append(out, s.prefix()+name)
	}
	return out
}

// UserPattern is the glob matching every private user channel.
func (s Scheme) UserPattern() string {
	return s.prefix() + PrefixPrivateUser + "*"
}

// AuditorPattern is the glob matching every private auditor channel.
func (s Scheme) AuditorPattern() string {
	return s.prefix() + PrefixPrivateAudit + "*"
}

// UserChannel returns the private channel of user id.
func (s Scheme) UserChannel(id int64) string {
	return s.prefix() + PrefixPrivateUser + strconv.FormatInt(id, 10)
}

// AuditorChannel returns the private channel of auditor id.
func (s Scheme) AuditorChannel(id int64) string {
	return s.prefix() + PrefixPrivateAudit + strconv.FormatInt(id, 10)
}

// Classify maps channel to a decision. It is total and has no side effects.
func (s Scheme) Classify(channel string) Decision {
	rest, ok := strings.CutPrefix(channel, s.prefix())
	if !ok {
		return Decision{Kind: Unrecognized, Reason: ErrUnrecognizedChannel}
	}

	for _, name := range s.Broadcast {
		if rest == name {
			return Decision{Kind: Broadcast}
		}
	}

	if suffix, ok := strings.CutPrefix(rest, PrefixPrivateUser); ok {
		return targeted(TargetedUser, suffix)
	}
	if suffix, ok := strings.CutPrefix(rest, PrefixPrivateAudit); ok {
		return targeted(TargetedAuditor, suffix)
	}
	return Decision{Kind: Unrecognized, Reason: ErrUnrecognizedChannel}
}

// Classify applies the default scheme of namespace to channel.
func Classify(namespace, channel string) Decision {
	return DefaultScheme(namespace).Classify(channel)
}

func targeted(kind Kind, suffix string) Decision {
	id, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return Decision{Kind: Unrecognized, Reason: ErrInvalidChannelID}
	}
	return Decision{Kind: kind, ID: id}
}
