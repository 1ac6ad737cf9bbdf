package notify

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message is a rendered email.
type Message struct {
	Subject string
	Body    string
}

func init() {
	lang := language.English

	message.SetString(lang, "email.verification.subject", "Verify your email address")
	message.SetString(lang, "email.verification.body", "Hi %s,\n\nConfirm your email address by opening the link below. It expires in 24 hours.\n\n%s\n\nIf you did not create an account you can ignore this message.\n")
	message.SetString(lang, "email.welcome.subject", "Welcome aboard")
	message.SetString(lang, "email.welcome.body", "Hi %s,\n\nYour email address is verified and your account is ready.\n")
	message.SetString(lang, "email.login.subject", "New sign-in to your account")
	message.SetString(lang, "email.login.body", "Hi %s,\n\nYour account was signed in to at %s (UTC). If this was not you, reset your password.\n")
	message.SetString(lang, "email.reset_otp.subject", "Your password reset code")
	message.SetString(lang, "email.reset_otp.body", "Hi %s,\n\nYour password reset code is %s. It expires in %d minutes.\n\nIf you did not ask for a reset you can ignore this message.\n")
	message.SetString(lang, "email.reset_done.subject", "Your password was changed")
	message.SetString(lang, "email.reset_done.body", "Hi %s,\n\nYour password was just changed. If this was not you, contact support immediately.\n")
}

// Catalog renders the account emails for one language.
type Catalog struct {
	p *message.Printer
}

func NewCatalog(tag language.Tag) *Catalog {
	return &Catalog{p: message.NewPrinter(tag)}
}

func (c *Catalog) Verification(name, link string) Message {
	return Message{
		Subject: c.p.Sprintf("email.verification.subject"),
		Body:    c.p.Sprintf("email.verification.body", name, link),
	}
}

func (c *Catalog) Welcome(name string) Message {
	return Message{
		Subject: c.p.Sprintf("email.welcome.subject"),
		Body:    c.p.Sprintf("email.welcome.body", name),
	}
}

func (c *Catalog) LoginNotice(name, when string) Message {
	return Message{
		Subject: c.p.Sprintf("email.login.subject"),
		Body:    c.p.Sprintf("email.login.body", name, when),
	}
}

func (c *Catalog) ResetOTP(name, otp string, minutes int) Message {
	return Message{
		Subject: c.p.Sprintf("email.reset_otp.subject"),
		Body:    c.p.Sprintf("email.reset_otp.body", name, otp, minutes),
	}
}

func (c *Catalog) ResetConfirmation(name string) Message {
	return Message{
		Subject: c.p.Sprintf("email.reset_done.subject"),
		Body:    c.p.Sprintf("email.reset_done.body", name),
	}
}
