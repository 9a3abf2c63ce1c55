package notify

import (
	"fmt"
	"time"
)

// Template names. Each has a typed payload below; renderers take the
// payload struct directly so a missing field is a compile error, not a
// blank in the outgoing message.
const (
	TemplateConfirmationRequest = "confirmation_request"
	TemplateReminder            = "confirmation_reminder"
	TemplateGroupConfirmed      = "group_confirmed"
	TemplateGroupCancelled      = "group_cancelled"
	TemplateFollowUpNudge       = "follow_up_nudge"
	TemplatePricingUpdate       = "pricing_update"
)

// ConfirmationRequest asks a matched member to confirm their spot.
type ConfirmationRequest struct {
	UserName    string
	GroupName   string
	Destination string
	DateFrom    time.Time
	DateTo      time.Time
	Price       float64
	Deposit     float64
	ConfirmURL  string
	Deadline    time.Time
}

func (d ConfirmationRequest) Render() Message {
	return Message{
		Subject: fmt.Sprintf("Your group for %s is ready — confirm your spot", d.Destination),
		Body: fmt.Sprintf(
			"Hi %s,\n\nGood news: %q is forming for %s, %s to %s.\n"+
				"Price per person: %.2f (deposit %.2f due on confirmation).\n\n"+
				"Confirm here by %s: %s\n",
			d.UserName, d.GroupName, d.Destination,
			d.DateFrom.Format("Jan 2"), d.DateTo.Format("Jan 2, 2006"),
			d.Price, d.Deposit,
			d.Deadline.Format("Jan 2 15:04"), d.ConfirmURL),
	}
}

// Reminder nudges a member who has not replied yet.
type Reminder struct {
	UserName   string
	GroupName  string
	ConfirmURL string
	Deadline   time.Time
}

func (d Reminder) Render() Message {
	return Message{
		Subject: fmt.Sprintf("Reminder: confirm your spot in %s", d.GroupName),
		Body: fmt.Sprintf(
			"Hi %s,\n\nYour spot in %q is still waiting. The confirmation window closes %s.\n\n%s\n",
			d.UserName, d.GroupName, d.Deadline.Format("Jan 2 15:04"), d.ConfirmURL),
	}
}

// GroupConfirmed tells a confirmed member the trip is on.
type GroupConfirmed struct {
	UserName    string
	GroupName   string
	Destination string
	DateFrom    time.Time
	FinalPrice  float64
}

func (d GroupConfirmed) Render() Message {
	return Message{
		Subject: fmt.Sprintf("%s is confirmed!", d.GroupName),
		Body: fmt.Sprintf(
			"Hi %s,\n\n%q to %s is confirmed for %s. Final price per person: %.2f.\n",
			d.UserName, d.GroupName, d.Destination,
			d.DateFrom.Format("Jan 2, 2006"), d.FinalPrice),
	}
}

// GroupCancelled tells a member the group did not make it.
// RefundInitiated means the refund is queued with the provider, not
// that the money has landed.
type GroupCancelled struct {
	UserName        string
	GroupName       string
	Reason          string
	RefundInitiated bool
}

func (d GroupCancelled) Render() Message {
	body := fmt.Sprintf("Hi %s,\n\nUnfortunately %q was cancelled (%s).", d.UserName, d.GroupName, d.Reason)
	if d.RefundInitiated {
		body += " A refund of your deposit has been initiated and will be processed shortly."
	}
	body += " Your travel interest is back in the matching pool.\n"
	return Message{
		Subject: fmt.Sprintf("%s was cancelled", d.GroupName),
		Body:    body,
	}
}

// FollowUpNudge re-engages a declined or expired member after the dust
// settles.
type FollowUpNudge struct {
	UserName    string
	Destination string
}

func (d FollowUpNudge) Render() Message {
	return Message{
		Subject: fmt.Sprintf("Still thinking about %s?", d.Destination),
		Body: fmt.Sprintf(
			"Hi %s,\n\nYour last group for %s didn't work out, but new groups form all the time. "+
				"Your interest stays active and we'll match you again.\n",
			d.UserName, d.Destination),
	}
}

// PricingUpdate tells pending members the price improved as the group
// grew.
type PricingUpdate struct {
	UserName  string
	GroupName string
	OldPrice  float64
	NewPrice  float64
}

func (d PricingUpdate) Render() Message {
	return Message{
		Subject: fmt.Sprintf("Price drop for %s", d.GroupName),
		Body: fmt.Sprintf(
			"Hi %s,\n\n%q grew, and so did the group discount: %.2f -> %.2f per person.\n",
			d.UserName, d.GroupName, d.OldPrice, d.NewPrice),
	}
}
