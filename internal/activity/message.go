package activity

import (
	"fmt"
	"strings"
	"time"
)

// FallbackCustomerName is used in the fallback template when the directory
// could not resolve a name before the compose budget ran out.
const FallbackCustomerName = "customer"

// FormatETA renders an ETA for customer-facing text, e.g.
// "Monday, January 2 at 3:04 PM".
func FormatETA(t time.Time) string {
	return t.Format("Monday, January 2 at 3:04 PM")
}

// BuildPrompt assembles the language-model prompt for a delay message.
func BuildPrompt(f DelayFacts) string {
	var b strings.Builder
	b.WriteString("Write a friendly, professional notification message to inform a customer about a delivery delay.\n\n")
	fmt.Fprintf(&b, "Customer name: %s\n", f.CustomerName)
	fmt.Fprintf(&b, "Shipment ID: %s\n", f.ShipmentID)
	fmt.Fprintf(&b, "Original estimated arrival: %s\n", FormatETA(f.OriginalETA))
	fmt.Fprintf(&b, "New estimated arrival: %s\n", FormatETA(f.NewETA))
	fmt.Fprintf(&b, "Delay: %d minutes\n", f.DelayMinutes)
	fmt.Fprintf(&b, "Cause: %s traffic congestion\n\n", f.Congestion)
	b.WriteString("The message should:\n")
	b.WriteString("1. Be concise (2-3 short paragraphs)\n")
	b.WriteString("2. Be apologetic but professional\n")
	b.WriteString("3. Clearly state the new estimated arrival time\n")
	b.WriteString("4. Provide the shipment ID for reference\n")
	b.WriteString("5. End with an offer to contact support if needed")
	return b.String()
}

// FallbackMessage is the deterministic template used when message generation
// exhausts its retry budget. Same inputs always produce the same text.
func FallbackMessage(f DelayFacts) string {
	name := f.CustomerName
	if name == "" {
		name = FallbackCustomerName
	}
	return fmt.Sprintf(
		"Dear %s,\n\n"+
			"We regret to inform you that your shipment (ID: %s) will be delayed due to %s traffic conditions. "+
			"The delivery originally scheduled for %s is now expected to arrive at %s.\n\n"+
			"We apologize for any inconvenience this may cause. If you need further assistance, please contact our customer support team.\n\n"+
			"Thank you for your understanding.",
		name, f.ShipmentID, f.Congestion, FormatETA(f.OriginalETA), FormatETA(f.NewETA),
	)
}
