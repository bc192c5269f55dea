package dispatcher

import (
	"strings"

	"github.com/goliatone/go-hub/lifecycle"
)

// TopicSeparator splits topic segments.
const TopicSeparator = "/"

// Pattern wildcards: SingleLevel matches exactly one segment, MultiLevel
// matches zero or more.
const (
	SingleLevel = "+"
	MultiLevel  = "#"
)

// Topic is the routing key of an event: kind/source_system/operation.
func Topic(evt lifecycle.Event) string {
	if evt.Message == nil {
		return string(evt.Kind) + TopicSeparator + TopicSeparator
	}
	return strings.Join([]string{
		string(evt.Kind),
		string(evt.Message.SourceSystem),
		evt.Message.Operation,
	}, TopicSeparator)
}

// Match reports whether topic satisfies pattern. Segments compare
// case-insensitively; "*" is accepted as SingleLevel.
func Match(pattern, topic string) bool {
	if strings.EqualFold(pattern, topic) {
		return true
	}
	pp := strings.Split(pattern, TopicSeparator)
	tp := strings.Split(topic, TopicSeparator)

	// matched[j] reports whether the pattern prefix consumed so far matches
	// the first j topic segments.
	matched := make([]bool, len(tp)+1)
	next := make([]bool, len(tp)+1)
	matched[0] = true
	for _, seg := range pp {
		next[0] = seg == MultiLevel && matched[0]
		for j := 1; j <= len(tp); j++ {
			switch seg {
			case MultiLevel:
				next[j] = matched[j] || next[j-1]
			case SingleLevel, "*":
				next[j] = matched[j-1]
			default:
				next[j] = matched[j-1] && strings.EqualFold(seg, tp[j-1])
			}
		}
		matched, next = next, matched
	}
	return matched[len(tp)]
}
