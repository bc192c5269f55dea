package dispatcher_test

import (
	"testing"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/dispatcher"
	"github.com/goliatone/go-hub/lifecycle"
)

func TestMatch(t *testing.T) {
	testCases := []struct {
		name    string
		pattern string
		topic   string
		want    bool
	}{
		{"Exact match", "failed/CRM/setCustomer", "failed/CRM/setCustomer", true},
		{"Exact mismatch", "failed/CRM/setCustomer", "failed/CRM/setOrder", false},
		{"Case insensitive", "FAILED/crm/SETCUSTOMER", "failed/CRM/setCustomer", true},

		{"Single wildcard middle", "failed/+/setCustomer", "failed/CRM/setCustomer", true},
		{"Single wildcard start", "+/CRM/setCustomer", "completed/CRM/setCustomer", true},
		{"Multiple single wildcards", "+/+/+", "failed/CRM/setCustomer", true},
		{"Single wildcard too few topic segments", "failed/+/+/+", "failed/CRM/setCustomer", false},
		{"Single wildcard too many topic segments", "failed/+", "failed/CRM/setCustomer", false},
		{"Star aliases single wildcard", "failed/*/setCustomer", "failed/CRM/setCustomer", true},

		{"Multi wildcard matches everything", "#", "failed/CRM/setCustomer", true},
		{"Multi wildcard at end", "failed/#", "failed/CRM/setCustomer", true},
		{"Multi wildcard matches parent", "failed/#", "failed", true},
		{"Multi wildcard wrong prefix", "failed/#", "completed/CRM/setCustomer", false},
		{"Multi wildcard middle", "failed/#/setCustomer", "failed/CRM/setCustomer", true},
		{"Multi wildcard with single", "+/#", "postponed/ERP/x", true},

		{"Empty segment", "failed//", "failed//", true},
		{"Empty segment wildcard", "failed/+/+", "failed//", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := dispatcher.Match(tc.pattern, tc.topic); got != tc.want {
				t.Fatalf("Match(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
			}
		})
	}
}

func TestTopic(t *testing.T) {
	evt := lifecycle.Event{
		Kind:    lifecycle.EventFailed,
		Message: &hub.Message{SourceSystem: "CRM", Operation: "setCustomer"},
	}
	if got := dispatcher.Topic(evt); got != "failed/CRM/setCustomer" {
		t.Fatalf("unexpected topic %q", got)
	}

	if got := dispatcher.Topic(lifecycle.Event{Kind: lifecycle.EventCancelled}); got != "cancelled//" {
		t.Fatalf("unexpected topic without message %q", got)
	}
}
