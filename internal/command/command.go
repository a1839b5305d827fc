// Package command parses and validates the control commands a caller can
// issue to a running simulation between steps.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/contagion-engine/internal/model"
)

// Supported commands.
const (
	Pause      = "pause"
	Resume     = "resume"
	Stop       = "stop"
	AddCapital = "add_capital"
	DeleteBank = "delete_bank"
)

// allowedIn lists the run statuses each command may be issued in.
var allowedIn = map[string][]string{
	Pause:      {model.StatusRunning},
	Resume:     {model.StatusPaused},
	Stop:       {model.StatusRunning, model.StatusPaused},
	AddCapital: {model.StatusPaused},
	DeleteBank: {model.StatusPaused},
}

// textRegex matches the compact form: {name} [{bank_id} [{amount}]]
// Example: add_capital 3 250.5
var textRegex = regexp.MustCompile(
	`^([a-z_]+)(?:\s+(\d+))?(?:\s+(\d+(?:\.\d+)?))?$`,
)

var (
	ErrUnknownCommand = errors.New("command: unknown command")
	ErrInvalidPayload = errors.New("command: invalid payload")
)

// Command is a parsed control command.
type Command struct {
	Name   string          `json:"command"`
	BankID *int            `json:"bank_id,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

type payload struct {
	BankID *int             `json:"bank_id"`
	Amount *decimal.Decimal `json:"amount"`
}

// Parse validates a command name and its JSON payload. An empty payload is
// accepted for commands that take none.
func Parse(name string, raw json.RawMessage) (*Command, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := allowedIn[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	var p payload
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	c := &Command{Name: name, BankID: p.BankID}
	if p.Amount != nil {
		c.Amount = *p.Amount
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseText parses the compact form "name [bank_id [amount]]".
func ParseText(s string) (*Command, error) {
	m := textRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil, fmt.Errorf("%w: %q (expected {command} [bank_id [amount]])", ErrInvalidPayload, s)
	}
	if _, ok := allowedIn[m[1]]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, m[1])
	}

	c := &Command{Name: m[1]}
	if m[2] != "" {
		id, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, fmt.Errorf("%w: bank id %s", ErrInvalidPayload, m[2])
		}
		c.BankID = &id
	}
	if m[3] != "" {
		amt, err := decimal.NewFromString(m[3])
		if err != nil {
			return nil, fmt.Errorf("%w: amount %s", ErrInvalidPayload, m[3])
		}
		c.Amount = amt
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the payload against what the command needs.
func (c *Command) Validate() error {
	switch c.Name {
	case AddCapital:
		if c.BankID == nil || *c.BankID < 0 {
			return fmt.Errorf("%w: add_capital needs a bank_id", ErrInvalidPayload)
		}
		if !c.Amount.IsPositive() {
			return fmt.Errorf("%w: add_capital amount must be positive", ErrInvalidPayload)
		}
	case DeleteBank:
		if c.BankID == nil || *c.BankID < 0 {
			return fmt.Errorf("%w: delete_bank needs a bank_id", ErrInvalidPayload)
		}
	case Pause, Resume, Stop:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Name)
	}
	return nil
}

// AllowedIn reports whether the command may be issued while the run has the
// given status.
func (c *Command) AllowedIn(status string) bool {
	for _, s := range allowedIn[c.Name] {
		if s == status {
			return true
		}
	}
	return false
}

// Mutates reports whether the command changes balance sheets or the arena.
func (c *Command) Mutates() bool {
	return c.Name == AddCapital || c.Name == DeleteBank
}
