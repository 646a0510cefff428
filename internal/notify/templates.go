package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"account-security/internal/models"
)

//go:embed templates/*.html
var templateFS embed.FS

var otpTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type otpTemplate struct {
	subject string
	file    string
}

var otpTemplateByPurpose = map[models.OtpPurpose]otpTemplate{
	models.PurposeActivation:    {subject: "Your OTP Code", file: "activation.html"},
	models.PurposePasswordReset: {subject: "Your password reset code", file: "password_reset.html"},
}

type otpView struct {
	Code    string
	Minutes int
}

// RenderOtp builds the purpose-specific email carrying code.
func RenderOtp(to string, purpose models.OtpPurpose, code string, validity time.Duration) (Message, error) {
	tpl, ok := otpTemplateByPurpose[purpose]
	if !ok {
		return Message{}, fmt.Errorf("no template for otp purpose %d", purpose)
	}

	var buf bytes.Buffer
	view := otpView{Code: code, Minutes: minutesLeft(validity)}
	if err := otpTemplates.ExecuteTemplate(&buf, tpl.file, view); err != nil {
		return Message{}, fmt.Errorf("failed to render %s: %w", tpl.file, err)
	}

	return Message{To: to, Subject: tpl.subject, Body: buf.String(), IsHTML: true}, nil
}

// minutesLeft rounds up so a code with 90 seconds left reads "2 minutes", never 0.
func minutesLeft(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
