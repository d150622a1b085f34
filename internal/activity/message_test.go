package activity

import (
	"strings"
	"testing"
	"time"

	"github.com/freightwatch/freightwatch/internal/workflow"
)

func delayFacts() DelayFacts {
	eta := time.Date(2026, 9, 7, 15, 4, 0, 0, time.UTC) // Monday
	return DelayFacts{
		CustomerName: "Maria",
		ShipmentID:   "sh_123",
		OriginalETA:  eta,
		NewETA:       eta.Add(45 * time.Minute),
		DelayMinutes: 45,
		Congestion:   workflow.CongestionHigh,
	}
}

func TestFormatETA(t *testing.T) {
	eta := time.Date(2026, 9, 7, 15, 4, 0, 0, time.UTC)
	if got := FormatETA(eta); got != "Monday, September 7 at 3:04 PM" {
		t.Errorf("FormatETA() = %q", got)
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(delayFacts())

	for _, want := range []string{
		"Customer name: Maria",
		"Shipment ID: sh_123",
		"Delay: 45 minutes",
		"Cause: high traffic congestion",
		"New estimated arrival: Monday, September 7 at 3:49 PM",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("BuildPrompt() missing %q", want)
		}
	}
}

func TestFallbackMessage(t *testing.T) {
	msg := FallbackMessage(delayFacts())

	if !strings.HasPrefix(msg, "Dear Maria,") {
		t.Errorf("FallbackMessage() prefix = %q", msg[:20])
	}
	for _, want := range []string{
		"We regret to inform you",
		"ID: sh_123",
		"high traffic conditions",
		"Monday, September 7 at 3:49 PM",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("FallbackMessage() missing %q", want)
		}
	}
}

func TestFallbackMessageDefaultsName(t *testing.T) {
	f := delayFacts()
	f.CustomerName = ""
	if !strings.HasPrefix(FallbackMessage(f), "Dear customer,") {
		t.Error("FallbackMessage() should default the customer name")
	}
}

// Same facts must always yield byte-identical text.
func TestFallbackMessageDeterministic(t *testing.T) {
	a := FallbackMessage(delayFacts())
	b := FallbackMessage(delayFacts())
	if a != b {
		t.Error("FallbackMessage() not deterministic")
	}
}
