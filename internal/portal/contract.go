// Package portal implements the session client and page contract for the
// Santa Monica guest-permit portal.
package portal

import (
	"strconv"
	"strings"
	"time"

	"github.com/parkpass/permitd/internal/permit"
)

// Portal contract, version 2024-etims. Field names, paths, and rejection
// markers are defined by the portal, not by this service; re-verify them if
// the portal changes.
const (
	DefaultBaseURL = "https://wmq.etimspayments.com"
	IntakePath     = "/pbw/include/santamonica/rppguestinput.jsp"

	fieldAccountNumber = "accountNo"
	fieldZipCode       = "zip"
	fieldLastName      = "lastName"
	fieldCaptchaText   = "captchaSText"
	fieldPermitCount   = "permitCount"
	fieldPermitMonth   = "permitMonth"
	fieldPermitDay     = "permitDay"
	fieldPermitYear    = "permitYear"
	fieldEmail         = "email"
	fieldEmailConfirm  = "emailConfirm"
	fieldRequestType   = "requestType"
	fieldSubmit        = "submit"
)

// captchaRejectedMarker is the exact text the portal renders when the captcha
// answer did not match.
const captchaRejectedMarker = "Please Enter Valid Captcha Text"

// validationRejectedMarkers are body fragments the portal renders when the
// submitted account data fails validation. Any match is fatal for the item.
var validationRejectedMarkers = []string{
	"Please enter valid account",
	"No records found for the information entered",
	"information entered does not match our records",
}

// AccountFields builds the account-lookup overrides for an item. The portal
// only accepts the first five digits of the zip code.
func AccountFields(p permit.ItemParams) map[string]string {
	zip := p.ZipCode
	if len(zip) > 5 {
		zip = zip[:5]
	}
	return map[string]string{
		fieldAccountNumber: p.AccountNumber,
		fieldZipCode:       zip,
		fieldLastName:      p.LastName,
	}
}

// CaptchaFields builds the captcha-answer override.
func CaptchaFields(text string) map[string]string {
	return map[string]string{fieldCaptchaText: text}
}

// DetailFields builds the permit-detail overrides for one permit valid on the
// given day.
func DetailFields(count int, day time.Time, email string) map[string]string {
	return map[string]string{
		fieldPermitCount:  strconv.Itoa(count),
		fieldPermitMonth:  strconv.Itoa(int(day.Month())),
		fieldPermitDay:    strconv.Itoa(day.Day()),
		fieldPermitYear:   strconv.Itoa(day.Year()),
		fieldEmail:        email,
		fieldEmailConfirm: email,
	}
}

// ConfirmFields builds the final-submission overrides. Submitting these is
// the irreversible step; dry runs must never send them.
func ConfirmFields() map[string]string {
	return map[string]string{
		fieldRequestType: "submit",
		fieldSubmit:      "Submit",
	}
}

// DetectRejection inspects a response body for portal rejection markers and
// returns the matching PortalRejectedError, or nil when the page is clean.
func DetectRejection(body []byte) error {
	text := string(body)
	if strings.Contains(text, captchaRejectedMarker) {
		return &permit.PortalRejectedError{Captcha: true, Message: captchaRejectedMarker}
	}
	for _, marker := range validationRejectedMarkers {
		if strings.Contains(text, marker) {
			return &permit.PortalRejectedError{Message: marker}
		}
	}
	return nil
}

// RequireForm converts a formless page into the contract-drift error for
// steps that must extract and forward fields.
func RequireForm(page permit.Page) error {
	if page.Form.Present() {
		return nil
	}
	return &permit.UnexpectedContentError{URL: page.URL, Reason: "expected form not found"}
}
