package mailbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	_ "github.com/emersion/go-message/charset" // non-UTF-8 payment notifications
	"github.com/emersion/go-message/mail"
	"github.com/shopspring/decimal"

	"cashbridge/internal/domain"
)

// PaymentSubjectMarker marks an incoming-payment notification subject.
const PaymentSubjectMarker = "sent you"

var (
	// ErrNotPaymentEmail is returned for messages that are not incoming-payment notifications.
	ErrNotPaymentEmail = errors.New("not a payment notification")

	// ErrNoHTMLBody is returned when the message carries no text/html part.
	ErrNoHTMLBody = errors.New("no html body")

	handlePattern = regexp.MustCompile(`Payment from \$(\w+)`)
	amountJunk    = regexp.MustCompile(`[^0-9.]`)
)

// RawMessage is one fetched RFC 5322 message.
type RawMessage struct {
	UID          uint32
	InternalDate time.Time
	Body         []byte
}

// ParseMessage extracts the payment details of a notification email.
// The timestamp is the Date header, falling back to the server's internal date.
func ParseMessage(raw RawMessage) (*domain.CandidateEmail, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw.Body))
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	subject, err := mr.Header.Subject()
	if err != nil {
		return nil, fmt.Errorf("decode subject: %w", err)
	}
	if !strings.Contains(subject, PaymentSubjectMarker) {
		return nil, ErrNotPaymentEmail
	}

	ts, err := mr.Header.Date()
	if err != nil || ts.IsZero() {
		ts = raw.InternalDate
	}
	msgID, _ := mr.Header.MessageID()

	html, err := htmlPart(mr)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	amountText := amountJunk.ReplaceAllString(strings.TrimSpace(doc.Find(".amount-text span").Text()), "")
	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amountText, err)
	}

	var handle string
	desc := strings.TrimSpace(doc.Find(".profile-description .text").Text())
	if m := handlePattern.FindStringSubmatch(desc); m != nil {
		handle = m[1]
	}

	var identifier string
	doc.Find(".detail-row").Each(func(_ int, row *goquery.Selection) {
		if strings.TrimSpace(row.Find(".label").Text()) == "Identifier" {
			identifier = strings.TrimSpace(row.Find(".value").Text())
		}
	})

	return &domain.CandidateEmail{
		MessageID:          msgID,
		Subject:            subject,
		Amount:             amount,
		SenderName:         strings.TrimSpace(doc.Find(".text.profile-name").Text()),
		CounterpartyHandle: handle,
		Identifier:         identifier,
		Timestamp:          ts.UTC(),
	}, nil
}

// htmlPart returns the first text/html inline part.
func htmlPart(mr *mail.Reader) ([]byte, error) {
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return nil, ErrNoHTMLBody
		}
		if err != nil {
			return nil, fmt.Errorf("read part: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, err := h.ContentType()
		if err != nil || ct != "text/html" {
			continue
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("read html part: %w", err)
		}
		return body, nil
	}
}
