package mailbox

import (
	"fmt"
	"strings"
	"time"
)

// paymentEmail builds a multipart payment notification in the layout the
// payment rail sends.
func paymentEmail(identifier, amount, handle string, date time.Time) string {
	html := fmt.Sprintf(`<html><body>
<div class="amount-text"><span>$%s</span></div>
<div class="profile"><div class="text profile-name">Jane Payer</div>
<div class="profile-description"><div class="text">Payment from $%s</div></div></div>
<div class="details">
  <div class="detail-row"><div class="label">Destination</div><div class="value">Cash balance</div></div>
  <div class="detail-row"><div class="label">Identifier</div><div class="value"> %s </div></div>
</div>
</body></html>`, amount, handle, identifier)

	return strings.Join([]string{
		"From: Cash App <cash@square.com>",
		"To: payments@example.com",
		"Subject: Jane Payer sent you $" + amount,
		"Date: " + date.Format(time.RFC1123Z),
		"Message-ID: <" + strings.TrimPrefix(identifier, "#") + "@square.com>",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Jane Payer sent you $" + amount,
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		html,
		"--b1--",
		"",
	}, "\r\n")
}
