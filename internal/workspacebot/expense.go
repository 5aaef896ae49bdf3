package workspacebot

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Money is an amount in cents. It marshals as a plain JSON number with two
// decimal places so ledger files stay readable.
type Money int64

func (m Money) String() string {
	cents := int64(m)
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Money) UnmarshalJSON(data []byte) error {
	parsed, err := parseMoney(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

type Expense struct {
	Date        string    `json:"date"`
	Value       Money     `json:"value"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Dates are accepted as DD/MM/YYYY but stored ISO so ledger files sort and
// compare naturally.
const (
	expenseDateLayout      = "2006-01-02"
	expenseInputDateLayout = "02/01/2006"
)

// ParseExpense interprets an expense phrase token by token: an optional
// "gastei" verb, an optional currency marker (R$ or Real), an amount that is
// an integer or carries exactly two decimals, an optional "com" connective,
// the description, and an optional trailing date token (hoje, ontem or
// DD/MM/YYYY). Anything else reports ErrMalformedInput.
func ParseExpense(text string, now time.Time) (Expense, error) {
	tokens := strings.Fields(text)
	i := 0
	if i < len(tokens) && strings.EqualFold(tokens[i], "gastei") {
		i++
	}
	if i < len(tokens) {
		lower := strings.ToLower(tokens[i])
		switch {
		case lower == "r$" || lower == "real":
			i++
		case strings.HasPrefix(lower, "r$"):
			// glued currency marker, as in "R$20"
			tokens[i] = tokens[i][len("r$"):]
		}
	}
	if i >= len(tokens) {
		return Expense{}, fmt.Errorf("%w: expense phrase %q has no amount", ErrMalformedInput, text)
	}
	value, err := parseMoney(tokens[i])
	if err != nil {
		return Expense{}, fmt.Errorf("%w: amount %q", ErrMalformedInput, tokens[i])
	}
	i++
	if i < len(tokens) && strings.EqualFold(tokens[i], "com") {
		i++
	}
	rest := tokens[i:]
	date := now.Format(expenseDateLayout)
	if len(rest) > 0 {
		if resolved, ok := resolveExpenseDate(rest[len(rest)-1], now); ok {
			date = resolved
			rest = rest[:len(rest)-1]
		}
	}
	if len(rest) == 0 {
		return Expense{}, fmt.Errorf("%w: expense phrase %q has no description", ErrMalformedInput, text)
	}
	return Expense{
		Date:        date,
		Value:       value,
		Description: strings.Join(rest, " "),
		CreatedAt:   now,
	}, nil
}

func resolveExpenseDate(token string, now time.Time) (string, bool) {
	switch strings.ToLower(token) {
	case "hoje":
		return now.Format(expenseDateLayout), true
	case "ontem":
		return now.AddDate(0, 0, -1).Format(expenseDateLayout), true
	}
	parsed, err := time.Parse(expenseInputDateLayout, token)
	if err != nil {
		return "", false
	}
	return parsed.Format(expenseDateLayout), true
}

func parseMoney(raw string) (Money, error) {
	raw = strings.TrimSpace(raw)
	whole := raw
	centsPart := "00"
	if dot := strings.IndexByte(raw, '.'); dot >= 0 {
		whole = raw[:dot]
		centsPart = raw[dot+1:]
		if len(centsPart) != 2 {
			return 0, fmt.Errorf("%w: amount %q must have two decimal places", ErrInvalidInput, raw)
		}
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q", ErrInvalidInput, raw)
	}
	cents, err := strconv.ParseInt(centsPart, 10, 64)
	if err != nil || cents < 0 {
		return 0, fmt.Errorf("%w: amount %q", ErrInvalidInput, raw)
	}
	if units < 0 {
		return Money(units*100 - cents), nil
	}
	return Money(units*100 + cents), nil
}
