package membership

import (
	"fmt"

	"github.com/membermatters/billing/pkg/billing"
)

// Notification templates understood by the mail worker.
const (
	TemplateNotification   = "notification"
	TemplateWelcome        = "welcome"
	TemplateAccessEnabled  = "access_enabled"
	TemplateAccessDisabled = "access_disabled"
)

// Messages renders member and admin notifications for a site.
type Messages struct {
	SiteName  string
	SiteOwner string
}

func notice(subject, preheader, message string) billing.Notification {
	return billing.Notification{
		Template:  TemplateNotification,
		Subject:   subject,
		Title:     subject,
		Preheader: preheader,
		Message:   message,
	}
}

// PaymentActivated is sent when a payment arrives and the member can be activated.
func (Messages) PaymentActivated() billing.Notification {
	return notice("Your payment was successful.", "",
		"Thanks for making a membership payment using our online payment system. "+
			"You've already met all of the requirements for activating your site access. "+
			"Please check for another email message confirming this was successful.")
}

// PaymentPending is sent when a payment arrives but signup steps are outstanding.
func (Messages) PaymentPending() billing.Notification {
	return notice("Your payment was successful.", "",
		"Thanks for making a membership payment using our online payment system. "+
			"You haven't yet met all of the requirements for activating your site access. "+
			"Once this happens, you'll receive an email confirmation that your access card was activated. "+
			"If you are unsure how to proceed, or this email is unexpected, please contact us.")
}

// PaymentFailed is sent for a failed invoice payment.
func (Messages) PaymentFailed() billing.Notification {
	return notice("Your membership payment failed", "",
		"Hi there, we tried to collect your membership payment via our online payment system but "+
			"weren't successful. Please update your billing information via the member portal or contact "+
			"us to resolve this issue. We'll try again, but if we're unable to collect your payment, your "+
			"membership may be cancelled.")
}

// MembershipCancelled is sent to the member when their subscription ends.
func (Messages) MembershipCancelled() billing.Notification {
	return notice("Your membership has been cancelled", "",
		"You will receive another email shortly confirming that your access has been deactivated. "+
			"Your membership was cancelled because we couldn't collect your payment, or you chose not to renew it.")
}

// MembershipCancelledAdmin tells the admins a subscription ended.
func (Messages) MembershipCancelledAdmin(m *billing.Member) billing.Notification {
	return notice(fmt.Sprintf("The membership for %s was just cancelled", m.FullName), "",
		fmt.Sprintf("The Stripe subscription for %s ended, so their membership has been cancelled. "+
			"Their site access has been turned off.", m.FullName))
}

// ApplicationSubmitted is sent to a member who became an applicant.
func (Messages) ApplicationSubmitted() billing.Notification {
	return notice("Your membership application has been submitted", "",
		"Thanks for submitting your membership application! Your membership application has been submitted "+
			"and you are now a 'member applicant'. Your membership will be officially accepted after 7 days, "+
			"but we have granted site access immediately. You will receive an email confirming that your access "+
			"card has been enabled. If for some reason your membership is rejected within this period, you will "+
			"receive an email with further information.")
}

// ApplicationSubmittedAdmin tells the admins about a new applicant.
func (Messages) ApplicationSubmittedAdmin(m *billing.Member) billing.Notification {
	return notice(fmt.Sprintf("A new person just became a member applicant: %s", m.FullName), "",
		fmt.Sprintf("%s just completed all steps required to sign up and is now a member applicant. "+
			"Their site access has been enabled and membership will automatically be accepted within 7 days "+
			"without objection from the executive.", m.FullName))
}

// CardAdded confirms a saved payment card.
func (msg Messages) CardAdded() billing.Notification {
	subject := fmt.Sprintf("You just added a payment card to your %s account.", msg.SiteOwner)
	return notice(subject, subject,
		"Don't worry, your card details are stored safe with Stripe and are not on our servers. "+
			fmt.Sprintf("You can remove this card at any time via the %s.", msg.SiteName))
}

// Welcome greets a newly activated member.
func (msg Messages) Welcome(m *billing.Member) billing.Notification {
	n := notice(fmt.Sprintf("Welcome to %s!", msg.SiteOwner), "",
		fmt.Sprintf("Hi %s, your membership is active. You can manage it any time via the %s.", m.FullName, msg.SiteName))
	n.Template = TemplateWelcome
	return n
}

// AccessEnabled confirms the member's access card works.
func (msg Messages) AccessEnabled() billing.Notification {
	n := notice("Your site access has been enabled", "",
		fmt.Sprintf("Your access card is now active at %s.", msg.SiteOwner))
	n.Template = TemplateAccessEnabled
	return n
}

// AccessDisabled confirms the member's access card was turned off.
func (msg Messages) AccessDisabled() billing.Notification {
	n := notice("Your site access has been deactivated", "",
		fmt.Sprintf("Your access card no longer opens doors or interlocks at %s.", msg.SiteOwner))
	n.Template = TemplateAccessDisabled
	return n
}
